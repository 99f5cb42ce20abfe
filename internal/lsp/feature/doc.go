// Package feature implements the standard language features of the lsp
// client core: document synchronization, diagnostics, the request
// features (hover, completion, definition, references, document symbols,
// formatting, rename), watched files and configuration.
//
// Request features keep a table of registrations, each with a document
// selector, filled either from the server's static capabilities during the
// handshake or from client/registerCapability requests. A request for a
// document no registration matches fails with lsp.ErrNotSupported without
// reaching the server.
package feature
