// Package lsp provides a generic Language Server Protocol client core.
//
// The package drives a single session with a language server: it connects
// over a Transport, negotiates capabilities with a set of features, handles
// the server's dynamic capability registrations and decides what to do when
// the connection breaks. Concrete features live in the feature subpackage.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Transport: produces a Stream of whole JSON-RPC messages (stdio
//     process, TCP/unix socket, websocket, in-process pipe)
//   - Conn: JSON-RPC 2.0 over a Stream with request correlation and
//     ordered dispatch of server requests and notifications
//   - Client: lifecycle state machine, handshake, feature registry and
//     dynamic registration handling
//   - Middleware: optional hooks around document sync notifications,
//     diagnostics delivery and registration requests
//   - ErrorHandler: decides whether to continue, stop or restart when the
//     connection misbehaves or closes
//
// # Quick Start
//
//	transport := &lsp.StdioTransport{Command: "gopls", Args: []string{"serve"}}
//	client := lsp.NewClient("gopls", transport,
//	    lsp.WithLogger(logger),
//	    lsp.WithDocumentSelector(lsp.ForLanguages("go")),
//	)
//	client.RegisterFeatures(feature.NewHover(client), feature.NewDiagnostics(client))
//
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(2 * time.Second)
//
// # Lifecycle
//
// A client moves through initial, starting, running, stopping and stopped,
// with start failed as the outcome of an unsuccessful start. Only the
// coarser public State (Stopped, Starting, StartFailed, Running) is
// observable and listeners registered with OnStateChange fire only when it
// changes. Concurrent Start calls share one attempt; Stop on a client that
// never started is a no-op.
//
// # Features
//
// Features fill the client capabilities of the initialize request in
// registration order and initialize themselves from the server
// capabilities afterwards. Dynamic features own one method and receive the
// server's client/registerCapability and client/unregisterCapability
// requests for it. GetRegistration converts a statically announced server
// capability into the same registration shape.
//
// # Thread Safety
//
// Client and Conn are safe for concurrent use. Server requests and
// notifications are handled one at a time in arrival order; responses are
// delivered independently so handlers may issue requests themselves.
package lsp
