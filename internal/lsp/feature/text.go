package feature

import (
	"os"
	"unicode/utf8"

	"github.com/dshills/lspclient/internal/lsp"
)

// lineIndex maps LSP positions, whose characters count UTF-16 code
// units, to byte offsets of a text.
type lineIndex struct {
	text  string
	lines []int // byte offset of each line start
}

func newLineIndex(text string) *lineIndex {
	lines := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, i+1)
		}
	}
	return &lineIndex{text: text, lines: lines}
}

// offset returns the byte offset of pos, clamped to the text.
func (x *lineIndex) offset(pos lsp.Position) int {
	if pos.Line < 0 {
		return 0
	}
	if pos.Line >= len(x.lines) {
		return len(x.text)
	}

	start := x.lines[pos.Line]
	end := len(x.text)
	if pos.Line+1 < len(x.lines) {
		end = x.lines[pos.Line+1] - 1
	}

	line := x.text[start:end]
	units := 0
	for i, r := range line {
		if units >= pos.Character {
			return start + i
		}
		units += utf16Len(r)
	}
	return end
}

// position returns the LSP position of a byte offset.
func (x *lineIndex) position(offset int) lsp.Position {
	if offset > len(x.text) {
		offset = len(x.text)
	}
	line := 0
	for line+1 < len(x.lines) && x.lines[line+1] <= offset {
		line++
	}
	units := 0
	for _, r := range x.text[x.lines[line]:offset] {
		units += utf16Len(r)
	}
	return lsp.Position{Line: line, Character: units}
}

func utf16Len(r rune) int {
	if r >= 0x10000 && r <= utf8.MaxRune {
		return 2
	}
	return 1
}

// applyChange applies one content change event to text. A change
// without range replaces the whole text.
func applyChange(text string, change lsp.TextDocumentContentChangeEvent) string {
	if change.Range == nil {
		return change.Text
	}
	idx := newLineIndex(text)
	start := idx.offset(change.Range.Start)
	end := idx.offset(change.Range.End)
	if end < start {
		start, end = end, start
	}
	return text[:start] + change.Text + text[end:]
}

func comparePositions(a, b lsp.Position) int {
	switch {
	case a.Line < b.Line:
		return -1
	case a.Line > b.Line:
		return 1
	case a.Character < b.Character:
		return -1
	case a.Character > b.Character:
		return 1
	}
	return 0
}

func statDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
