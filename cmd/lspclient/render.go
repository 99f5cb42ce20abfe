package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/tidwall/gjson"

	"github.com/dshills/lspclient/internal/lsp"
	"github.com/dshills/lspclient/internal/lsp/feature"
)

// hoverText flattens hover contents: a string, a MarkedString, markup
// content or an array of those.
func hoverText(h *lsp.Hover) string {
	if h == nil || h.Contents == nil {
		return ""
	}
	data, err := json.Marshal(h.Contents)
	if err != nil {
		return ""
	}
	return markedText(gjson.ParseBytes(data))
}

func markedText(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return v.String()
	case v.IsArray():
		var parts []string
		for _, item := range v.Array() {
			if s := markedText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n\n")
	case v.IsObject():
		return v.Get("value").String()
	}
	return ""
}

// renderDiagnostics writes one table row per diagnostic of uri.
func renderDiagnostics(w io.Writer, uri lsp.DocumentURI, diags []lsp.Diagnostic) error {
	name := filepath.Base(lsp.URIToFilePath(uri))
	if len(diags) == 0 {
		pterm.Success.WithWriter(w).Printfln("%s: no diagnostics", name)
		return nil
	}
	data := pterm.TableData{{"Position", "Severity", "Source", "Message"}}
	for _, d := range diags {
		data = append(data, []string{
			fmt.Sprintf("%s:%d:%d", name, d.Range.Start.Line+1, d.Range.Start.Character+1),
			d.Severity.String(),
			d.Source,
			d.Message,
		})
	}
	return pterm.DefaultTable.WithHasHeader(true).WithWriter(w).WithData(data).Render()
}

// renderSymbols writes the symbol outline as an indented tree.
func renderSymbols(w io.Writer, symbols []lsp.DocumentSymbol) error {
	if len(symbols) == 0 {
		return nil
	}
	root := pterm.TreeNode{Children: symbolNodes(symbols)}
	return pterm.DefaultTree.WithWriter(w).WithRoot(root).Render()
}

func symbolNodes(symbols []lsp.DocumentSymbol) []pterm.TreeNode {
	nodes := make([]pterm.TreeNode, 0, len(symbols))
	for _, s := range symbols {
		text := fmt.Sprintf("%s (line %d)", s.Name, s.Range.Start.Line+1)
		if s.Detail != "" {
			text += " " + s.Detail
		}
		nodes = append(nodes, pterm.TreeNode{Text: text, Children: symbolNodes(s.Children)})
	}
	return nodes
}

// renderFeatures writes the registration state of every feature.
func renderFeatures(w io.Writer, features []lsp.StaticFeature) error {
	data := pterm.TableData{{"Method", "Kind", "Registered"}}
	for _, f := range features {
		method := "-"
		if d, ok := f.(lsp.DynamicFeature); ok {
			method = d.RegistrationType()
		}
		st := f.State()
		data = append(data, []string{method, string(st.Kind), fmt.Sprint(st.Registrations)})
	}
	return pterm.DefaultTable.WithHasHeader(true).WithWriter(w).WithData(data).Render()
}

// renderSummary writes the diagnostics totals.
func renderSummary(w io.Writer, s feature.DiagnosticsSummary) {
	pterm.Info.WithWriter(w).Printfln("%d files: %d errors, %d warnings, %d infos, %d hints",
		s.Files, s.Errors, s.Warnings, s.Infos, s.Hints)
}
