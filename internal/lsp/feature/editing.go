package feature

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/dshills/lspclient/internal/lsp"
)

// Formatting implements textDocument/formatting.
type Formatting struct {
	*TextDocumentFeature
}

// NewFormatting creates the formatting feature.
func NewFormatting(client Client) *Formatting {
	return &Formatting{newTextDocumentFeature(client, "textDocument/formatting", "documentFormattingProvider")}
}

// FillClientCapabilities implements lsp.StaticFeature.
func (f *Formatting) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("textDocument.formatting.dynamicRegistration", true)
}

// Format returns the edits formatting doc.
func (f *Formatting) Format(ctx context.Context, doc Document, opts lsp.FormattingOptions) ([]lsp.TextEdit, error) {
	raw, err := f.send(ctx, doc, lsp.DocumentFormattingParams{TextDocument: doc.identifier(), Options: opts})
	if err != nil {
		return nil, err
	}
	return decodeEdits(raw)
}

// RangeFormatting implements textDocument/rangeFormatting.
type RangeFormatting struct {
	*TextDocumentFeature
}

// NewRangeFormatting creates the range formatting feature.
func NewRangeFormatting(client Client) *RangeFormatting {
	return &RangeFormatting{newTextDocumentFeature(client, "textDocument/rangeFormatting", "documentRangeFormattingProvider")}
}

// FillClientCapabilities implements lsp.StaticFeature.
func (f *RangeFormatting) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("textDocument.rangeFormatting.dynamicRegistration", true)
}

// Format returns the edits formatting rng of doc.
func (f *RangeFormatting) Format(ctx context.Context, doc Document, rng lsp.Range, opts lsp.FormattingOptions) ([]lsp.TextEdit, error) {
	raw, err := f.send(ctx, doc, lsp.DocumentRangeFormattingParams{TextDocument: doc.identifier(), Range: rng, Options: opts})
	if err != nil {
		return nil, err
	}
	return decodeEdits(raw)
}

func decodeEdits(raw json.RawMessage) ([]lsp.TextEdit, error) {
	if isNull(raw) {
		return nil, nil
	}
	var edits []lsp.TextEdit
	if err := json.Unmarshal(raw, &edits); err != nil {
		return nil, fmt.Errorf("decode edits: %w", err)
	}
	return edits, nil
}

// Rename implements textDocument/rename and, when the server registered
// a prepare provider, textDocument/prepareRename.
type Rename struct {
	*TextDocumentFeature
}

// NewRename creates the rename feature.
func NewRename(client Client) *Rename {
	return &Rename{newTextDocumentFeature(client, "textDocument/rename", "renameProvider")}
}

// FillClientCapabilities implements lsp.StaticFeature.
func (f *Rename) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("textDocument.rename.dynamicRegistration", true)
	caps.Set("textDocument.rename.prepareSupport", true)
}

// CanPrepare reports whether the registration for doc has a prepare provider.
func (f *Rename) CanPrepare(doc Document) bool {
	raw, ok := f.options(doc)
	return ok && gjson.GetBytes(raw, "prepareProvider").Bool()
}

// PrepareRename checks that the symbol at pos can be renamed. It returns
// a nil result when the server refuses, and the word range when the
// server has no prepare provider.
func (f *Rename) PrepareRename(ctx context.Context, doc Document, pos lsp.Position) (*lsp.PrepareRenameResult, error) {
	if !f.Matches(doc) {
		return nil, fmt.Errorf("%w: %s for %s", lsp.ErrNotSupported, f.method, doc.URI)
	}
	if !f.CanPrepare(doc) {
		return &lsp.PrepareRenameResult{Range: lsp.Range{Start: pos, End: pos}}, nil
	}

	var raw json.RawMessage
	params := lsp.PrepareRenameParams{TextDocumentPositionParams: doc.position(pos)}
	if err := f.client.SendRequest(ctx, "textDocument/prepareRename", params, &raw); err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}

	// The result is a range, a range with placeholder or a default
	// behavior marker.
	value := gjson.ParseBytes(raw)
	switch {
	case value.Get("range").Exists():
		var result lsp.PrepareRenameResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode prepare rename: %w", err)
		}
		return &result, nil
	case value.Get("start").Exists():
		var rng lsp.Range
		if err := json.Unmarshal(raw, &rng); err != nil {
			return nil, fmt.Errorf("decode prepare rename: %w", err)
		}
		return &lsp.PrepareRenameResult{Range: rng}, nil
	default:
		return &lsp.PrepareRenameResult{Range: lsp.Range{Start: pos, End: pos}}, nil
	}
}

// Rename returns the workspace edit renaming the symbol at pos.
func (f *Rename) Rename(ctx context.Context, doc Document, pos lsp.Position, newName string) (*lsp.WorkspaceEdit, error) {
	raw, err := f.send(ctx, doc, lsp.RenameParams{TextDocumentPositionParams: doc.position(pos), NewName: newName})
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var edit lsp.WorkspaceEdit
	if err := json.Unmarshal(raw, &edit); err != nil {
		return nil, fmt.Errorf("decode workspace edit: %w", err)
	}
	return &edit, nil
}

// ApplyEdits applies non-overlapping edits to content. Positions are
// interpreted in UTF-16 code units.
func ApplyEdits(content string, edits []lsp.TextEdit) (string, error) {
	// Applied back to front; edits starting at the same position keep
	// their order in the result.
	order := make([]int, len(edits))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if c := comparePositions(edits[order[a]].Range.Start, edits[order[b]].Range.Start); c != 0 {
			return c > 0
		}
		return order[a] > order[b]
	})

	idx := newLineIndex(content)
	prevStart := len(content) + 1
	for _, i := range order {
		e := edits[i]
		start := idx.offset(e.Range.Start)
		end := idx.offset(e.Range.End)
		if end < start || end > prevStart {
			return "", fmt.Errorf("overlapping or inverted edit at %d:%d", e.Range.Start.Line, e.Range.Start.Character)
		}
		content = content[:start] + e.NewText + content[end:]
		prevStart = start
	}
	return content, nil
}
