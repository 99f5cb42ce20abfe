package feature

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dshills/lspclient/internal/lsp"
)

// DiagnosticsSource is what the diagnostics feature needs from the client.
type DiagnosticsSource interface {
	OnDiagnostics(fn func(uri lsp.DocumentURI, diagnostics []lsp.Diagnostic)) (release func())
}

var _ DiagnosticsSource = (*lsp.Client)(nil)

// FileDiagnostics holds the diagnostics of one document.
type FileDiagnostics struct {
	URI         lsp.DocumentURI
	Diagnostics []lsp.Diagnostic
	UpdatedAt   time.Time
	Version     int

	ErrorCount   int
	WarningCount int
	InfoCount    int
	HintCount    int
}

// DiagnosticsSummary aggregates counts over all documents.
type DiagnosticsSummary struct {
	Files    int
	Errors   int
	Warnings int
	Infos    int
	Hints    int
}

// Diagnostics collects published diagnostics per document, filtered by
// severity and source and sorted by position. It subscribes to the
// client on Initialize and drops everything on Clear, so a stopped
// server leaves no stale diagnostics behind.
//
// Thread Safety: Diagnostics is safe for concurrent use.
type Diagnostics struct {
	source DiagnosticsSource
	clock  clock.Clock

	minSeverity lsp.DiagnosticSeverity
	maxPerFile  int
	sources     map[string]bool

	mu      sync.RWMutex
	files   map[lsp.DocumentURI]*FileDiagnostics
	release func()

	listenerMu sync.Mutex
	tokens     uint64
	listeners  map[uint64]func(uri lsp.DocumentURI, diagnostics []lsp.Diagnostic)
}

// DiagnosticsOption configures the diagnostics feature.
type DiagnosticsOption func(*Diagnostics)

// WithMinSeverity drops diagnostics less severe than severity.
func WithMinSeverity(severity lsp.DiagnosticSeverity) DiagnosticsOption {
	return func(d *Diagnostics) {
		d.minSeverity = severity
	}
}

// WithMaxPerFile limits the diagnostics kept per document.
func WithMaxPerFile(n int) DiagnosticsOption {
	return func(d *Diagnostics) {
		d.maxPerFile = n
	}
}

// WithSources keeps only diagnostics from the given sources. Diagnostics
// without a source are always kept.
func WithSources(sources ...string) DiagnosticsOption {
	return func(d *Diagnostics) {
		d.sources = make(map[string]bool, len(sources))
		for _, s := range sources {
			d.sources[s] = true
		}
	}
}

// WithDiagnosticsClock sets the clock stamping updates.
func WithDiagnosticsClock(clk clock.Clock) DiagnosticsOption {
	return func(d *Diagnostics) {
		d.clock = clk
	}
}

// NewDiagnostics creates the diagnostics feature.
func NewDiagnostics(source DiagnosticsSource, opts ...DiagnosticsOption) *Diagnostics {
	d := &Diagnostics{
		source:      source,
		clock:       clock.New(),
		minSeverity: lsp.DiagnosticSeverityHint,
		maxPerFile:  1000,
		files:       make(map[lsp.DocumentURI]*FileDiagnostics),
		listeners:   make(map[uint64]func(lsp.DocumentURI, []lsp.Diagnostic)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FillClientCapabilities implements lsp.StaticFeature.
func (d *Diagnostics) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("textDocument.publishDiagnostics.relatedInformation", true)
	caps.Set("textDocument.publishDiagnostics.versionSupport", false)
	caps.Set("textDocument.publishDiagnostics.codeDescriptionSupport", true)
	caps.Set("textDocument.publishDiagnostics.tagSupport.valueSet",
		[]lsp.DiagnosticTag{lsp.DiagnosticTagUnnecessary, lsp.DiagnosticTagDeprecated})
}

// Initialize implements lsp.StaticFeature.
func (d *Diagnostics) Initialize(*lsp.ServerCapabilities, lsp.DocumentSelector) error {
	release := d.source.OnDiagnostics(d.update)

	d.mu.Lock()
	old := d.release
	d.release = release
	d.mu.Unlock()
	if old != nil {
		old()
	}
	return nil
}

// State implements lsp.StaticFeature.
func (d *Diagnostics) State() lsp.FeatureState {
	return lsp.FeatureState{Kind: lsp.FeatureKindStatic}
}

// Clear implements lsp.StaticFeature.
func (d *Diagnostics) Clear() {
	d.mu.Lock()
	release := d.release
	d.release = nil
	uris := sortedKeys(d.files)
	d.files = make(map[lsp.DocumentURI]*FileDiagnostics)
	d.mu.Unlock()

	if release != nil {
		release()
	}
	for _, uri := range uris {
		d.notify(uri, nil)
	}
}

// OnChange registers fn to be called with the kept diagnostics of a
// document whenever they change.
func (d *Diagnostics) OnChange(fn func(uri lsp.DocumentURI, diagnostics []lsp.Diagnostic)) (release func()) {
	d.listenerMu.Lock()
	d.tokens++
	token := d.tokens
	d.listeners[token] = fn
	d.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.listenerMu.Lock()
			delete(d.listeners, token)
			d.listenerMu.Unlock()
		})
	}
}

func (d *Diagnostics) update(uri lsp.DocumentURI, diagnostics []lsp.Diagnostic) {
	kept := d.filter(diagnostics)

	d.mu.Lock()
	if len(kept) == 0 {
		delete(d.files, uri)
	} else {
		fd := &FileDiagnostics{URI: uri, Diagnostics: kept, UpdatedAt: d.clock.Now()}
		if prev, ok := d.files[uri]; ok {
			fd.Version = prev.Version + 1
		}
		for _, diag := range kept {
			switch diag.Severity {
			case lsp.DiagnosticSeverityError:
				fd.ErrorCount++
			case lsp.DiagnosticSeverityWarning:
				fd.WarningCount++
			case lsp.DiagnosticSeverityInformation:
				fd.InfoCount++
			case lsp.DiagnosticSeverityHint:
				fd.HintCount++
			}
		}
		d.files[uri] = fd
	}
	d.mu.Unlock()

	d.notify(uri, kept)
}

func (d *Diagnostics) notify(uri lsp.DocumentURI, diagnostics []lsp.Diagnostic) {
	d.listenerMu.Lock()
	fns := make([]func(lsp.DocumentURI, []lsp.Diagnostic), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.listenerMu.Unlock()

	for _, fn := range fns {
		fn(uri, diagnostics)
	}
}

// filter applies severity, source and count limits and sorts by
// position. A missing severity counts as an error.
func (d *Diagnostics) filter(diagnostics []lsp.Diagnostic) []lsp.Diagnostic {
	var kept []lsp.Diagnostic
	for _, diag := range diagnostics {
		if diag.Severity == 0 {
			diag.Severity = lsp.DiagnosticSeverityError
		}
		if diag.Severity > d.minSeverity {
			continue
		}
		if d.sources != nil && diag.Source != "" && !d.sources[diag.Source] {
			continue
		}
		kept = append(kept, diag)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return comparePositions(kept[i].Range.Start, kept[j].Range.Start) < 0
	})
	if d.maxPerFile > 0 && len(kept) > d.maxPerFile {
		kept = kept[:d.maxPerFile]
	}
	return kept
}

// Get returns the diagnostics of a document.
func (d *Diagnostics) Get(uri lsp.DocumentURI) []lsp.Diagnostic {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fd, ok := d.files[uri]
	if !ok {
		return nil
	}
	return append([]lsp.Diagnostic(nil), fd.Diagnostics...)
}

// File returns a copy of the diagnostics record of a document.
func (d *Diagnostics) File(uri lsp.DocumentURI) (FileDiagnostics, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fd, ok := d.files[uri]
	if !ok {
		return FileDiagnostics{}, false
	}
	out := *fd
	out.Diagnostics = append([]lsp.Diagnostic(nil), fd.Diagnostics...)
	return out, true
}

// AtLine returns the diagnostics of a document spanning line.
func (d *Diagnostics) AtLine(uri lsp.DocumentURI, line int) []lsp.Diagnostic {
	var out []lsp.Diagnostic
	for _, diag := range d.Get(uri) {
		if diag.Range.Start.Line <= line && diag.Range.End.Line >= line {
			out = append(out, diag)
		}
	}
	return out
}

// URIs returns the documents that have diagnostics, sorted.
func (d *Diagnostics) URIs() []lsp.DocumentURI {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.files)
}

// Summary aggregates the counts of all documents.
func (d *Diagnostics) Summary() DiagnosticsSummary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := DiagnosticsSummary{Files: len(d.files)}
	for _, fd := range d.files {
		s.Errors += fd.ErrorCount
		s.Warnings += fd.WarningCount
		s.Infos += fd.InfoCount
		s.Hints += fd.HintCount
	}
	return s
}
