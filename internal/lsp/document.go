package lsp

import (
	"path/filepath"
	"sort"
	"strings"
)

// LanguageIDTarqeem is the language identifier the Tarqeem server expects.
const LanguageIDTarqeem = "tarqeem"

// Document is an open document tracked for synchronization. The content
// cache allows resynchronizing the server after a restart.
type Document struct {
	URI        DocumentURI
	LanguageID string
	Version    int
	Content    string
}

// DetectLanguageID maps a file path to its language id. Tarqeem sources use
// the .trq extension or its Arabic form.
func DetectLanguageID(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "trq", "ترق":
		return LanguageIDTarqeem
	default:
		return ""
	}
}

// OpenDocument notifies the server that a document was opened and starts
// tracking it at version 1.
func (c *Client) OpenDocument(path, content string) error {
	if !c.IsRunning() {
		return ErrNotRunning
	}

	uri := FilePathToURI(path)
	languageID := DetectLanguageID(path)
	if languageID == "" {
		languageID = LanguageIDTarqeem
	}

	c.documentsMu.Lock()
	if _, exists := c.documents[uri]; exists {
		c.documentsMu.Unlock()
		return ErrDocumentAlreadyOpen
	}
	c.documents[uri] = &Document{
		URI:        uri,
		LanguageID: languageID,
		Version:    1,
		Content:    content,
	}
	c.documentsMu.Unlock()

	return c.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: languageID,
			Version:    1,
			Text:       content,
		},
	})
}

// ChangeDocument sends content changes to the server, bumping the tracked
// version. A change with a nil range replaces the cached content.
func (c *Client) ChangeDocument(path string, changes []TextDocumentContentChangeEvent) error {
	if !c.IsRunning() {
		return ErrNotRunning
	}

	uri := FilePathToURI(path)

	c.documentsMu.Lock()
	doc, exists := c.documents[uri]
	if !exists {
		c.documentsMu.Unlock()
		return ErrDocumentNotOpen
	}
	doc.Version++
	version := doc.Version
	for _, change := range changes {
		if change.Range == nil {
			doc.Content = change.Text
		}
	}
	c.documentsMu.Unlock()

	return c.Notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                version,
		},
		ContentChanges: changes,
	})
}

// CloseDocument notifies the server and stops tracking the document. Its
// cached diagnostics are dropped.
func (c *Client) CloseDocument(path string) error {
	if !c.IsRunning() {
		return ErrNotRunning
	}

	uri := FilePathToURI(path)

	c.documentsMu.Lock()
	if _, exists := c.documents[uri]; !exists {
		c.documentsMu.Unlock()
		return ErrDocumentNotOpen
	}
	delete(c.documents, uri)
	c.documentsMu.Unlock()

	c.diagnosticsMu.Lock()
	delete(c.diagnostics, uri)
	c.diagnosticsMu.Unlock()

	return c.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// SaveDocument notifies the server that a document was saved.
func (c *Client) SaveDocument(path, content string) error {
	if !c.IsRunning() {
		return ErrNotRunning
	}

	uri := FilePathToURI(path)

	c.documentsMu.Lock()
	if doc, exists := c.documents[uri]; exists {
		doc.Content = content
	}
	c.documentsMu.Unlock()

	return c.Notify("textDocument/didSave", DidSaveTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Text:         content,
	})
}

// IsDocumentOpen reports whether the document is tracked as open.
func (c *Client) IsDocumentOpen(path string) bool {
	uri := FilePathToURI(path)
	c.documentsMu.RLock()
	defer c.documentsMu.RUnlock()
	_, exists := c.documents[uri]
	return exists
}

// OpenDocuments returns a snapshot of all tracked documents, ordered by URI.
func (c *Client) OpenDocuments() []Document {
	c.documentsMu.RLock()
	docs := make([]Document, 0, len(c.documents))
	for _, doc := range c.documents {
		docs = append(docs, *doc)
	}
	c.documentsMu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].URI < docs[j].URI })
	return docs
}

// ResyncDocuments re-opens every tracked document on the current session.
// Hosts call this after restarting a crashed server so the server's view of
// open buffers matches the editor's.
func (c *Client) ResyncDocuments() error {
	for _, doc := range c.OpenDocuments() {
		err := c.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        doc.URI,
				LanguageID: doc.LanguageID,
				Version:    doc.Version,
				Text:       doc.Content,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Diagnostics returns the cached diagnostics for a document.
func (c *Client) Diagnostics(path string) []Diagnostic {
	uri := FilePathToURI(path)
	c.diagnosticsMu.RLock()
	defer c.diagnosticsMu.RUnlock()
	return c.diagnostics[uri]
}

// AllDiagnostics returns cached diagnostics for every document, keyed by
// file path.
func (c *Client) AllDiagnostics() map[string][]Diagnostic {
	c.diagnosticsMu.RLock()
	defer c.diagnosticsMu.RUnlock()

	result := make(map[string][]Diagnostic, len(c.diagnostics))
	for uri, diags := range c.diagnostics {
		result[URIToFilePath(uri)] = diags
	}
	return result
}
