// Package main is the entry point of the lspclient command, a terminal
// front end for driving a language server through the lsp client core.
package main

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	Execute()
}
