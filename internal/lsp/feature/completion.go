package feature

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/dshills/lspclient/internal/lsp"
)

// Completion implements textDocument/completion.
type Completion struct {
	*TextDocumentFeature
}

// NewCompletion creates the completion feature.
func NewCompletion(client Client) *Completion {
	return &Completion{newTextDocumentFeature(client, "textDocument/completion", "completionProvider")}
}

// FillClientCapabilities implements lsp.StaticFeature.
func (f *Completion) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("textDocument.completion.dynamicRegistration", true)
	caps.Set("textDocument.completion.contextSupport", true)
	caps.Set("textDocument.completion.completionItem.snippetSupport", false)
	caps.Set("textDocument.completion.completionItem.deprecatedSupport", true)
	caps.Set("textDocument.completion.completionItem.documentationFormat",
		[]lsp.MarkupKind{lsp.MarkupKindMarkdown, lsp.MarkupKindPlainText})
}

// TriggerCharacters returns the trigger characters registered for doc.
func (f *Completion) TriggerCharacters(doc Document) []string {
	raw, ok := f.options(doc)
	if !ok || len(raw) == 0 {
		return nil
	}
	var opts struct {
		TriggerCharacters []string `json:"triggerCharacters"`
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil
	}
	return opts.TriggerCharacters
}

// Complete requests completions at pos. A trigger character registered
// for doc marks the request as triggered by that character.
func (f *Completion) Complete(ctx context.Context, doc Document, pos lsp.Position, trigger string) (*lsp.CompletionList, error) {
	params := lsp.CompletionParams{
		TextDocumentPositionParams: doc.position(pos),
		Context:                    &lsp.CompletionContext{TriggerKind: lsp.CompletionTriggerKindInvoked},
	}
	if trigger != "" && slices.Contains(f.TriggerCharacters(doc), trigger) {
		params.Context = &lsp.CompletionContext{
			TriggerKind:      lsp.CompletionTriggerKindTriggerCharacter,
			TriggerCharacter: trigger,
		}
	}

	raw, err := f.send(ctx, doc, params)
	if err != nil {
		return nil, err
	}
	return lsp.ParseCompletionResult(raw)
}

// FilterCompletions keeps the items whose filter text, or label, starts
// with prefix, ignoring case.
func FilterCompletions(items []lsp.CompletionItem, prefix string) []lsp.CompletionItem {
	if prefix == "" {
		return items
	}
	prefix = strings.ToLower(prefix)
	out := make([]lsp.CompletionItem, 0, len(items))
	for _, item := range items {
		text := item.FilterText
		if text == "" {
			text = item.Label
		}
		if strings.HasPrefix(strings.ToLower(text), prefix) {
			out = append(out, item)
		}
	}
	return out
}
