package feature

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dshills/lspclient/internal/lsp"
)

// Document synchronization errors.
var (
	ErrDocumentOpen    = errors.New("document already open")
	ErrDocumentNotOpen = errors.New("document not open")
)

// DefaultChangeDebounce is the delay before buffered changes are sent.
const DefaultChangeDebounce = 200 * time.Millisecond

const syncTimeout = 10 * time.Second

// DocumentClient is what document synchronization needs from the client.
type DocumentClient interface {
	Client
	State() lsp.State
	OnStateChange(fn func(lsp.StateChangeEvent)) (release func())
	DidOpen(ctx context.Context, params *lsp.DidOpenTextDocumentParams) error
	DidChange(ctx context.Context, params *lsp.DidChangeTextDocumentParams) error
	DidClose(ctx context.Context, params *lsp.DidCloseTextDocumentParams) error
	DidSave(ctx context.Context, params *lsp.DidSaveTextDocumentParams) error
}

var _ DocumentClient = (*lsp.Client)(nil)

// OpenDocument is the tracked state of an open document.
type OpenDocument struct {
	URI        lsp.DocumentURI
	LanguageID string
	Version    int
	Content    string
	OpenedAt   time.Time
	ModifiedAt time.Time
	Dirty      bool

	pending []lsp.TextDocumentContentChangeEvent
}

// Documents keeps the server's view of open documents in sync. Changes
// are buffered per document and sent after a debounce delay; documents
// are reopened when the client starts again after a stop or restart.
//
// Thread Safety: Documents is safe for concurrent use.
type Documents struct {
	client   DocumentClient
	clock    clock.Clock
	debounce time.Duration
	release  func()

	mu       sync.Mutex
	docs     map[lsp.DocumentURI]*OpenDocument
	timers   map[lsp.DocumentURI]*clock.Timer
	syncKind lsp.TextDocumentSyncKind
	synced   bool
}

// DocumentsOption configures document synchronization.
type DocumentsOption func(*Documents)

// WithChangeDebounce sets the delay before changes are sent. Zero sends
// every change immediately.
func WithChangeDebounce(d time.Duration) DocumentsOption {
	return func(s *Documents) {
		s.debounce = d
	}
}

// WithDocumentsClock sets the clock driving the debounce timers.
func WithDocumentsClock(clk clock.Clock) DocumentsOption {
	return func(s *Documents) {
		s.clock = clk
	}
}

// NewDocuments creates the document synchronization feature.
func NewDocuments(client DocumentClient, opts ...DocumentsOption) *Documents {
	s := &Documents{
		client:   client,
		clock:    clock.New(),
		debounce: DefaultChangeDebounce,
		docs:     make(map[lsp.DocumentURI]*OpenDocument),
		timers:   make(map[lsp.DocumentURI]*clock.Timer),
		syncKind: lsp.TextDocumentSyncKindFull,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.release = client.OnStateChange(func(ev lsp.StateChangeEvent) {
		if ev.NewState == lsp.StateRunning {
			s.reopen()
		}
	})
	return s
}

// Dispose stops reopening documents on start.
func (s *Documents) Dispose() {
	s.release()
}

// FillClientCapabilities implements lsp.StaticFeature.
func (s *Documents) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("textDocument.synchronization.dynamicRegistration", false)
	caps.Set("textDocument.synchronization.didSave", true)
	caps.Set("textDocument.synchronization.willSave", false)
	caps.Set("textDocument.synchronization.willSaveWaitUntil", false)
}

// Initialize implements lsp.StaticFeature.
func (s *Documents) Initialize(caps *lsp.ServerCapabilities, _ lsp.DocumentSelector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = caps.ResolvedTextDocumentSync != nil
	s.syncKind = lsp.TextDocumentSyncKindFull
	if s.synced {
		s.syncKind = caps.TextDocumentSyncKind()
	}
	return nil
}

// State implements lsp.StaticFeature.
func (s *Documents) State() lsp.FeatureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lsp.FeatureState{Kind: lsp.FeatureKindStatic, Registrations: s.synced}
}

// Clear implements lsp.StaticFeature. Open documents stay tracked so they
// can be reopened; buffered changes are folded into their content.
func (s *Documents) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uri, t := range s.timers {
		t.Stop()
		delete(s.timers, uri)
	}
	for _, doc := range s.docs {
		doc.pending = nil
	}
	s.synced = false
}

// Open starts tracking a document and announces it to a running server.
func (s *Documents) Open(ctx context.Context, doc Document, content string) error {
	s.mu.Lock()
	if _, ok := s.docs[doc.URI]; ok {
		s.mu.Unlock()
		return ErrDocumentOpen
	}
	now := s.clock.Now()
	od := &OpenDocument{
		URI:        doc.URI,
		LanguageID: doc.LanguageID,
		Version:    1,
		Content:    content,
		OpenedAt:   now,
		ModifiedAt: now,
	}
	s.docs[doc.URI] = od
	params := s.openParams(od)
	s.mu.Unlock()

	if !s.wanted(doc) || s.client.State() != lsp.StateRunning {
		return nil
	}
	return s.client.DidOpen(ctx, params)
}

// Change applies content changes to a document and schedules them to be
// sent.
func (s *Documents) Change(ctx context.Context, uri lsp.DocumentURI, changes ...lsp.TextDocumentContentChangeEvent) error {
	s.mu.Lock()
	od, ok := s.docs[uri]
	if !ok {
		s.mu.Unlock()
		return ErrDocumentNotOpen
	}
	for _, change := range changes {
		od.Content = applyChange(od.Content, change)
	}
	od.Version++
	od.ModifiedAt = s.clock.Now()
	od.Dirty = true
	od.pending = append(od.pending, changes...)

	if s.debounce <= 0 {
		s.mu.Unlock()
		return s.Flush(ctx, uri)
	}
	if t, ok := s.timers[uri]; ok {
		t.Stop()
	}
	s.timers[uri] = s.clock.AfterFunc(s.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()
		if err := s.Flush(ctx, uri); err != nil {
			s.client.Logger().Debug("sending document changes failed",
				zap.String("uri", string(uri)), zap.Error(err))
		}
	})
	s.mu.Unlock()
	return nil
}

// Replace replaces the whole content of a document.
func (s *Documents) Replace(ctx context.Context, uri lsp.DocumentURI, content string) error {
	return s.Change(ctx, uri, lsp.TextDocumentContentChangeEvent{Text: content})
}

// Flush sends the buffered changes of a document now.
func (s *Documents) Flush(ctx context.Context, uri lsp.DocumentURI) error {
	s.mu.Lock()
	if t, ok := s.timers[uri]; ok {
		t.Stop()
		delete(s.timers, uri)
	}
	od, ok := s.docs[uri]
	if !ok || len(od.pending) == 0 {
		s.mu.Unlock()
		return nil
	}

	changes := od.pending
	od.pending = nil
	if s.syncKind != lsp.TextDocumentSyncKindIncremental {
		changes = []lsp.TextDocumentContentChangeEvent{{Text: od.Content}}
	}
	params := &lsp.DidChangeTextDocumentParams{
		TextDocument: lsp.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: uri},
			Version:                od.Version,
		},
		ContentChanges: changes,
	}
	doc := Document{URI: uri, LanguageID: od.LanguageID}
	s.mu.Unlock()

	if !s.wanted(doc) || s.client.State() != lsp.StateRunning {
		return nil
	}
	return s.client.DidChange(ctx, params)
}

// FlushAll sends the buffered changes of every document.
func (s *Documents) FlushAll(ctx context.Context) error {
	var errs error
	for _, uri := range s.URIs() {
		errs = multierr.Append(errs, s.Flush(ctx, uri))
	}
	return errs
}

// Save flushes a document and announces that it was saved.
func (s *Documents) Save(ctx context.Context, uri lsp.DocumentURI) error {
	if err := s.Flush(ctx, uri); err != nil {
		return err
	}

	s.mu.Lock()
	od, ok := s.docs[uri]
	if !ok {
		s.mu.Unlock()
		return ErrDocumentNotOpen
	}
	od.Dirty = false
	params := &lsp.DidSaveTextDocumentParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: uri},
		Text:         od.Content,
	}
	doc := Document{URI: uri, LanguageID: od.LanguageID}
	s.mu.Unlock()

	if !s.wanted(doc) || s.client.State() != lsp.StateRunning {
		return nil
	}
	return s.client.DidSave(ctx, params)
}

// Close stops tracking a document and announces it to a running server.
// Buffered changes are dropped.
func (s *Documents) Close(ctx context.Context, uri lsp.DocumentURI) error {
	s.mu.Lock()
	od, ok := s.docs[uri]
	if !ok {
		s.mu.Unlock()
		return ErrDocumentNotOpen
	}
	if t, ok := s.timers[uri]; ok {
		t.Stop()
		delete(s.timers, uri)
	}
	delete(s.docs, uri)
	doc := Document{URI: uri, LanguageID: od.LanguageID}
	s.mu.Unlock()

	if !s.wanted(doc) || s.client.State() != lsp.StateRunning {
		return nil
	}
	return s.client.DidClose(ctx, &lsp.DidCloseTextDocumentParams{TextDocument: lsp.TextDocumentIdentifier{URI: uri}})
}

// Get returns a copy of a tracked document.
func (s *Documents) Get(uri lsp.DocumentURI) (OpenDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	od, ok := s.docs[uri]
	if !ok {
		return OpenDocument{}, false
	}
	out := *od
	out.pending = nil
	return out, true
}

// URIs returns the tracked documents in sorted order.
func (s *Documents) URIs() []lsp.DocumentURI {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.docs)
}

// wanted reports whether doc falls under the client's document selector.
// A client without selector syncs every document.
func (s *Documents) wanted(doc Document) bool {
	sel := s.client.DocumentSelector()
	return sel == nil || sel.Matches(doc.URI, doc.LanguageID)
}

func (s *Documents) openParams(od *OpenDocument) *lsp.DidOpenTextDocumentParams {
	return &lsp.DidOpenTextDocumentParams{TextDocument: lsp.TextDocumentItem{
		URI:        od.URI,
		LanguageID: od.LanguageID,
		Version:    od.Version,
		Text:       od.Content,
	}}
}

// reopen announces every tracked document to a freshly started server.
func (s *Documents) reopen() {
	s.mu.Lock()
	var opens []*lsp.DidOpenTextDocumentParams
	for _, uri := range sortedKeys(s.docs) {
		od := s.docs[uri]
		od.pending = nil
		if s.wanted(Document{URI: od.URI, LanguageID: od.LanguageID}) {
			opens = append(opens, s.openParams(od))
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	for _, p := range opens {
		if err := s.client.DidOpen(ctx, p); err != nil {
			s.client.Logger().Warn("reopening document failed",
				zap.String("uri", string(p.TextDocument.URI)), zap.Error(err))
		}
	}
}

func sortedKeys[V any](m map[lsp.DocumentURI]V) []lsp.DocumentURI {
	keys := make([]lsp.DocumentURI, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
