package feature

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/lspclient/internal/lsp"
)

// Client is the part of *lsp.Client the features use.
type Client interface {
	Name() string
	Logger() *zap.Logger
	DocumentSelector() lsp.DocumentSelector
	SendRequest(ctx context.Context, method string, params, result any) error
	SendNotification(ctx context.Context, method string, params any) error
}

var _ Client = (*lsp.Client)(nil)

// Document identifies a text document for selector matching.
type Document struct {
	URI        lsp.DocumentURI
	LanguageID string
}

// DocumentForPath returns the document of a file path, guessing the
// language from its extension.
func DocumentForPath(path string) Document {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Document{URI: lsp.FilePathToURI(abs), LanguageID: lsp.DetectLanguageID(abs)}
}

func (d Document) identifier() lsp.TextDocumentIdentifier {
	return lsp.TextDocumentIdentifier{URI: d.URI}
}

func (d Document) position(pos lsp.Position) lsp.TextDocumentPositionParams {
	return lsp.TextDocumentPositionParams{TextDocument: d.identifier(), Position: pos}
}

type documentRegistration struct {
	id       string
	selector lsp.DocumentSelector
	options  json.RawMessage
}

// TextDocumentFeature is the registration table of a request feature
// scoped to documents. It implements lsp.DynamicFeature except for
// FillClientCapabilities, which the concrete feature provides.
type TextDocumentFeature struct {
	client     Client
	method     string
	capability string

	mu            sync.RWMutex
	registrations []documentRegistration
}

func newTextDocumentFeature(client Client, method, capability string) *TextDocumentFeature {
	return &TextDocumentFeature{client: client, method: method, capability: capability}
}

// RegistrationType returns the method the feature owns.
func (f *TextDocumentFeature) RegistrationType() string {
	return f.method
}

// Initialize registers the statically announced server capability, if any.
func (f *TextDocumentFeature) Initialize(caps *lsp.ServerCapabilities, selector lsp.DocumentSelector) error {
	id, options := lsp.GetRegistration(selector, caps.Capability(f.capability))
	if id == "" {
		return nil
	}
	return f.Register(lsp.RegistrationData{ID: id, RegisterOptions: options})
}

// Register adds or replaces a registration. Registrations without a
// document selector are ignored.
func (f *TextDocumentFeature) Register(data lsp.RegistrationData) error {
	var opts struct {
		DocumentSelector lsp.DocumentSelector `json:"documentSelector"`
	}
	if len(data.RegisterOptions) > 0 {
		if err := json.Unmarshal(data.RegisterOptions, &opts); err != nil {
			return fmt.Errorf("%s register options: %w", f.method, err)
		}
	}
	if opts.DocumentSelector == nil {
		f.client.Logger().Debug("registration without document selector ignored",
			zap.String("method", f.method), zap.String("id", data.ID))
		return nil
	}

	reg := documentRegistration{id: data.ID, selector: opts.DocumentSelector, options: data.RegisterOptions}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.registrations {
		if f.registrations[i].id == data.ID {
			f.registrations[i] = reg
			return nil
		}
	}
	f.registrations = append(f.registrations, reg)
	return nil
}

// Unregister removes a registration. Unknown ids are ignored.
func (f *TextDocumentFeature) Unregister(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.registrations {
		if f.registrations[i].id == id {
			f.registrations = append(f.registrations[:i], f.registrations[i+1:]...)
			break
		}
	}
	return nil
}

// State returns a snapshot of the registration table. Without a document
// in focus every registration counts as matching, so Matches equals
// Registrations; StateFor answers for a specific document.
func (f *TextDocumentFeature) State() lsp.FeatureState {
	f.mu.RLock()
	registered := len(f.registrations) > 0
	f.mu.RUnlock()
	return lsp.FeatureState{
		Kind:          lsp.FeatureKindDocument,
		ID:            f.method,
		Registrations: registered,
		Matches:       registered,
	}
}

// StateFor returns the snapshot with Matches reporting whether a
// registration applies to doc.
func (f *TextDocumentFeature) StateFor(doc Document) lsp.FeatureState {
	st := f.State()
	st.Matches = f.Matches(doc)
	return st
}

// Clear drops all registrations.
func (f *TextDocumentFeature) Clear() {
	f.mu.Lock()
	f.registrations = nil
	f.mu.Unlock()
}

// Matches reports whether a registration applies to doc.
func (f *TextDocumentFeature) Matches(doc Document) bool {
	_, ok := f.options(doc)
	return ok
}

// options returns the register options of the first registration whose
// selector matches doc.
func (f *TextDocumentFeature) options(doc Document) (json.RawMessage, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, reg := range f.registrations {
		if reg.selector.Matches(doc.URI, doc.LanguageID) {
			return reg.options, true
		}
	}
	return nil, false
}

// send issues the feature request for doc and decodes the raw result.
func (f *TextDocumentFeature) send(ctx context.Context, doc Document, params any) (json.RawMessage, error) {
	if !f.Matches(doc) {
		return nil, fmt.Errorf("%w: %s for %s", lsp.ErrNotSupported, f.method, doc.URI)
	}
	var raw json.RawMessage
	if err := f.client.SendRequest(ctx, f.method, params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// WorkspaceFeature is the registration table of a feature that is not
// scoped to documents.
type WorkspaceFeature struct {
	client Client
	method string

	mu            sync.RWMutex
	registrations map[string]json.RawMessage
	order         []string
}

func newWorkspaceFeature(client Client, method string) *WorkspaceFeature {
	return &WorkspaceFeature{
		client:        client,
		method:        method,
		registrations: make(map[string]json.RawMessage),
	}
}

// RegistrationType returns the method the feature owns.
func (f *WorkspaceFeature) RegistrationType() string {
	return f.method
}

// Register adds or replaces a registration.
func (f *WorkspaceFeature) Register(data lsp.RegistrationData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.registrations[data.ID]; !ok {
		f.order = append(f.order, data.ID)
	}
	f.registrations[data.ID] = data.RegisterOptions
	return nil
}

// Unregister removes a registration. Unknown ids are ignored.
func (f *WorkspaceFeature) Unregister(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.registrations[id]; !ok {
		return nil
	}
	delete(f.registrations, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

// State returns a snapshot of the registration table.
func (f *WorkspaceFeature) State() lsp.FeatureState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return lsp.FeatureState{
		Kind:          lsp.FeatureKindWorkspace,
		ID:            f.method,
		Registrations: len(f.registrations) > 0,
	}
}

// Clear drops all registrations.
func (f *WorkspaceFeature) Clear() {
	f.mu.Lock()
	f.registrations = make(map[string]json.RawMessage)
	f.order = nil
	f.mu.Unlock()
}

// each calls fn for every registration in registration order.
func (f *WorkspaceFeature) each(fn func(id string, options json.RawMessage)) {
	f.mu.RLock()
	ids := append([]string(nil), f.order...)
	opts := make([]json.RawMessage, len(ids))
	for i, id := range ids {
		opts[i] = f.registrations[id]
	}
	f.mu.RUnlock()

	for i, id := range ids {
		fn(id, opts[i])
	}
}
