// Package lsp implements the Qalam editor's client for the Tarqeem
// language-analysis server (خادم تحليل لغة ترقيم).
//
// The Tarqeem server is a long-lived child process that speaks JSON-RPC 2.0
// over stdio, framed with Content-Length headers. Requests and server-pushed
// notifications interleave on the same byte stream; this package handles the
// framing, correlation, and lifecycle so the rest of the editor never touches
// the wire.
//
// # Architecture
//
// The package is organized around five components:
//
//   - frameReader / frameWriter: Content-Length framing over a byte stream
//   - Process: supervision of the spawned server executable
//   - Transport: request/response correlation and notification intake
//   - Router: fan-out of server-pushed events to subscribers
//   - Client: the lifecycle state machine and the only surface the editor uses
//
// # Quick Start
//
//	client := lsp.NewClient(lsp.ServerConfig{Command: "tarqeem", Args: []string{"lsp"}})
//
//	if err := client.Start(ctx, "/path/to/project"); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
//
//	dispose := client.OnDiagnostics(func(uri string, diags []lsp.Diagnostic) {
//	    // update gutters
//	})
//	defer dispose()
//
//	result, err := client.Request(ctx, "textDocument/hover", params)
//
// A Client owns at most one server process at a time. It is caller-owned:
// construct one per editor process and pass it to whatever layer issues
// requests. Crashes reject all in-flight requests with ErrConnectionClosed
// and leave the client in StateCrashed; recovery is an explicit Start by the
// host, never automatic.
package lsp
