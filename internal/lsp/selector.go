package lsp

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matches reports whether the filter applies to a document. Empty fields
// match anything; a filter with no fields matches nothing.
func (f DocumentFilter) Matches(uri DocumentURI, languageID string) bool {
	if f.Language == "" && f.Scheme == "" && f.Pattern == "" {
		return false
	}
	if f.Language != "" && f.Language != "*" && f.Language != languageID {
		return false
	}

	u, err := url.Parse(string(uri))
	if err != nil {
		return false
	}
	if f.Scheme != "" && f.Scheme != "*" && f.Scheme != u.Scheme {
		return false
	}
	if f.Pattern != "" && !MatchGlob(f.Pattern, u.Path) {
		return false
	}
	return true
}

// Matches reports whether any filter of the selector applies.
func (s DocumentSelector) Matches(uri DocumentURI, languageID string) bool {
	for _, f := range s {
		if f.Matches(uri, languageID) {
			return true
		}
	}
	return false
}

// ForLanguages builds a file-scheme selector for the given language ids.
func ForLanguages(languageIDs ...string) DocumentSelector {
	sel := make(DocumentSelector, 0, len(languageIDs))
	for _, id := range languageIDs {
		sel = append(sel, DocumentFilter{Language: id, Scheme: "file"})
	}
	return sel
}

// MatchGlob matches a slash separated path against an LSP glob pattern.
// Relative patterns such as "**/*.go" match anywhere below the root.
func MatchGlob(pattern, path string) bool {
	path = filepath.ToSlash(path)
	if !strings.HasPrefix(pattern, "/") {
		path = strings.TrimPrefix(path, "/")
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}
