package lsp

import (
	"context"
	"encoding/json"
)

// Typed wrappers for the requests the Qalam shell issues most. The
// dispatcher below them stays payload-opaque; decoding happens here.

// Completion requests completion items at a position.
func (c *Client) Completion(ctx context.Context, path string, pos Position) (*CompletionList, error) {
	raw, err := c.Request(ctx, "textDocument/completion", TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
		Position:     pos,
	})
	if err != nil {
		return nil, err
	}
	return parseCompletionResult(raw)
}

// parseCompletionResult accepts both wire shapes: a CompletionList or a bare
// item array. A null result means no completions.
func parseCompletionResult(raw json.RawMessage) (*CompletionList, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return &CompletionList{}, nil
	}

	var list CompletionList
	if err := json.Unmarshal(raw, &list); err == nil && list.Items != nil {
		return &list, nil
	}

	var items []CompletionItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ProtocolError{Reason: "unexpected completion result shape", Err: err}
	}
	return &CompletionList{Items: items}, nil
}

// Hover requests hover information at a position. A nil result means the
// server has nothing to show there.
func (c *Client) Hover(ctx context.Context, path string, pos Position) (*Hover, error) {
	raw, err := c.Request(ctx, "textDocument/hover", TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
		Position:     pos,
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var hover Hover
	if err := json.Unmarshal(raw, &hover); err != nil {
		return nil, &ProtocolError{Reason: "unexpected hover result shape", Err: err}
	}
	return &hover, nil
}

// Definition requests the definition locations for the symbol at a
// position. The server may answer with a single location or an array.
func (c *Client) Definition(ctx context.Context, path string, pos Position) ([]Location, error) {
	raw, err := c.Request(ctx, "textDocument/definition", TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
		Position:     pos,
	})
	if err != nil {
		return nil, err
	}
	return parseLocationResult(raw)
}

// parseLocationResult normalizes location results to a slice.
func parseLocationResult(raw json.RawMessage) ([]Location, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var locs []Location
	if err := json.Unmarshal(raw, &locs); err == nil {
		return locs, nil
	}

	var loc Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return nil, &ProtocolError{Reason: "unexpected definition result shape", Err: err}
	}
	return []Location{loc}, nil
}

// NotifyWatchedFiles forwards batched file-system changes to the server.
// The workspace watcher feeds this after debouncing.
func (c *Client) NotifyWatchedFiles(events []FileEvent) error {
	if len(events) == 0 {
		return nil
	}
	return c.Notify("workspace/didChangeWatchedFiles", DidChangeWatchedFilesParams{Changes: events})
}
