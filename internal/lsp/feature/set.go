package feature

import (
	"github.com/dshills/lspclient/internal/lsp"
)

// Set is the standard feature set of a client.
type Set struct {
	Documents       *Documents
	Diagnostics     *Diagnostics
	Hover           *Hover
	Completion      *Completion
	Definition      *Definition
	References      *References
	Symbols         *DocumentSymbols
	Formatting      *Formatting
	RangeFormatting *RangeFormatting
	Rename          *Rename
	Watcher         *FileWatcher
	Configuration   *Configuration
}

// SetOptions configures the features of a Set.
type SetOptions struct {
	Documents   []DocumentsOption
	Diagnostics []DiagnosticsOption
	Watcher     []FileWatcherOption
}

// NewSet creates the standard features for client. root is the workspace
// directory watched for file changes; settings answers configuration
// pushes and may be nil to use the client's host.
func NewSet(client *lsp.Client, root string, settings lsp.Configuration, opts SetOptions) *Set {
	if settings == nil {
		settings = client.Host().Configuration()
	}
	return &Set{
		Documents:       NewDocuments(client, opts.Documents...),
		Diagnostics:     NewDiagnostics(client, opts.Diagnostics...),
		Hover:           NewHover(client),
		Completion:      NewCompletion(client),
		Definition:      NewDefinition(client),
		References:      NewReferences(client),
		Symbols:         NewDocumentSymbols(client),
		Formatting:      NewFormatting(client),
		RangeFormatting: NewRangeFormatting(client),
		Rename:          NewRename(client),
		Watcher:         NewFileWatcher(client, root, opts.Watcher...),
		Configuration:   NewConfiguration(client, settings),
	}
}

// Features returns the features in registration order.
func (s *Set) Features() []lsp.StaticFeature {
	return []lsp.StaticFeature{
		s.Documents,
		s.Diagnostics,
		s.Hover,
		s.Completion,
		s.Definition,
		s.References,
		s.Symbols,
		s.Formatting,
		s.RangeFormatting,
		s.Rename,
		s.Watcher,
		s.Configuration,
	}
}

// Register registers every feature with client.
func (s *Set) Register(client *lsp.Client) error {
	return client.RegisterFeatures(s.Features()...)
}

// Dispose detaches the features that listen to the client.
func (s *Set) Dispose() {
	s.Documents.Dispose()
	s.Watcher.Clear()
}
