package feature

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/dshills/lspclient/internal/lsp"
)

// Definition implements textDocument/definition.
type Definition struct {
	*TextDocumentFeature
}

// NewDefinition creates the definition feature.
func NewDefinition(client Client) *Definition {
	return &Definition{newTextDocumentFeature(client, "textDocument/definition", "definitionProvider")}
}

// FillClientCapabilities implements lsp.StaticFeature.
func (f *Definition) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("textDocument.definition.dynamicRegistration", true)
	caps.Set("textDocument.definition.linkSupport", true)
}

// Definition returns the definition locations of the symbol at pos.
// Location links are reduced to their target selection range.
func (f *Definition) Definition(ctx context.Context, doc Document, pos lsp.Position) ([]lsp.Location, error) {
	raw, err := f.send(ctx, doc, doc.position(pos))
	if err != nil {
		return nil, err
	}
	return lsp.ParseLocationResult(raw)
}

// References implements textDocument/references.
type References struct {
	*TextDocumentFeature
}

// NewReferences creates the references feature.
func NewReferences(client Client) *References {
	return &References{newTextDocumentFeature(client, "textDocument/references", "referencesProvider")}
}

// FillClientCapabilities implements lsp.StaticFeature.
func (f *References) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("textDocument.references.dynamicRegistration", true)
}

// References returns the locations referring to the symbol at pos.
func (f *References) References(ctx context.Context, doc Document, pos lsp.Position, includeDeclaration bool) ([]lsp.Location, error) {
	raw, err := f.send(ctx, doc, lsp.ReferenceParams{
		TextDocumentPositionParams: doc.position(pos),
		Context:                    lsp.ReferenceContext{IncludeDeclaration: includeDeclaration},
	})
	if err != nil {
		return nil, err
	}
	return lsp.ParseLocationResult(raw)
}

// DocumentSymbols implements textDocument/documentSymbol.
type DocumentSymbols struct {
	*TextDocumentFeature
}

// NewDocumentSymbols creates the document symbols feature.
func NewDocumentSymbols(client Client) *DocumentSymbols {
	return &DocumentSymbols{newTextDocumentFeature(client, "textDocument/documentSymbol", "documentSymbolProvider")}
}

// FillClientCapabilities implements lsp.StaticFeature.
func (f *DocumentSymbols) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("textDocument.documentSymbol.dynamicRegistration", true)
	caps.Set("textDocument.documentSymbol.hierarchicalDocumentSymbolSupport", true)
}

// Symbols returns the symbols of doc as a hierarchy. Servers answering
// with flat SymbolInformation get their symbols nested by container name.
func (f *DocumentSymbols) Symbols(ctx context.Context, doc Document) ([]lsp.DocumentSymbol, error) {
	raw, err := f.send(ctx, doc, lsp.DocumentSymbolParams{TextDocument: doc.identifier()})
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}

	// SymbolInformation carries a location, DocumentSymbol a range.
	if gjson.GetBytes(raw, "0.location").Exists() {
		var flat []lsp.SymbolInformation
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, fmt.Errorf("decode symbols: %w", err)
		}
		return nestSymbols(flat), nil
	}

	var symbols []lsp.DocumentSymbol
	if err := json.Unmarshal(raw, &symbols); err != nil {
		return nil, fmt.Errorf("decode symbols: %w", err)
	}
	return symbols, nil
}

// nestSymbols converts flat symbols into a hierarchy by container name.
// Symbols whose container is unknown stay at the top level.
func nestSymbols(flat []lsp.SymbolInformation) []lsp.DocumentSymbol {
	type node struct {
		sym      lsp.DocumentSymbol
		children []int
	}
	nodes := make([]node, len(flat))
	byName := make(map[string]int, len(flat))
	for i, s := range flat {
		nodes[i].sym = lsp.DocumentSymbol{
			Name:           s.Name,
			Kind:           s.Kind,
			Tags:           s.Tags,
			Deprecated:     s.Deprecated,
			Range:          s.Location.Range,
			SelectionRange: s.Location.Range,
		}
		if _, seen := byName[s.Name]; !seen {
			byName[s.Name] = i
		}
	}

	var roots []int
	for i, s := range flat {
		parent, ok := byName[s.ContainerName]
		if s.ContainerName == "" || !ok || parent == i {
			roots = append(roots, i)
			continue
		}
		nodes[parent].children = append(nodes[parent].children, i)
	}

	var build func(i int, depth int) lsp.DocumentSymbol
	build = func(i int, depth int) lsp.DocumentSymbol {
		sym := nodes[i].sym
		if depth > len(nodes) {
			return sym
		}
		for _, c := range nodes[i].children {
			sym.Children = append(sym.Children, build(c, depth+1))
		}
		return sym
	}

	out := make([]lsp.DocumentSymbol, 0, len(roots))
	for _, r := range roots {
		out = append(out, build(r, 0))
	}
	return out
}
