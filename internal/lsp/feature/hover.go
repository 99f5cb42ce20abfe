package feature

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/lspclient/internal/lsp"
)

// Hover implements textDocument/hover.
type Hover struct {
	*TextDocumentFeature
}

// NewHover creates the hover feature.
func NewHover(client Client) *Hover {
	return &Hover{newTextDocumentFeature(client, "textDocument/hover", "hoverProvider")}
}

// FillClientCapabilities implements lsp.StaticFeature.
func (f *Hover) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("textDocument.hover.dynamicRegistration", true)
	caps.Set("textDocument.hover.contentFormat", []lsp.MarkupKind{lsp.MarkupKindMarkdown, lsp.MarkupKindPlainText})
}

// Hover requests hover information at pos. It returns nil when the server
// has nothing to show.
func (f *Hover) Hover(ctx context.Context, doc Document, pos lsp.Position) (*lsp.Hover, error) {
	raw, err := f.send(ctx, doc, lsp.HoverParams{TextDocumentPositionParams: doc.position(pos)})
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var hover lsp.Hover
	if err := json.Unmarshal(raw, &hover); err != nil {
		return nil, fmt.Errorf("decode hover: %w", err)
	}
	return &hover, nil
}

// HoverText flattens hover contents to plain text.
func HoverText(h *lsp.Hover) string {
	if h == nil {
		return ""
	}
	return lsp.ExtractDocumentation(h.Contents)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
