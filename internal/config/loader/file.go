package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the format from the file extension: .toml, .yaml
// or .yml.
func FormatForPath(path string) (Format, error) {
	ext := filepath.Ext(path)
	switch strings.ToLower(ext) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("config file %s: unsupported extension %q", path, ext)
	}
}

// FileLoader reads one configuration file.
type FileLoader struct {
	fs   FileSystem
	path string
}

// NewFileLoaderWithFS returns a loader reading path from fsys.
func NewFileLoaderWithFS(fsys FileSystem, path string) *FileLoader {
	return &FileLoader{fs: fsys, path: path}
}

// Load implements Loader.
func (l *FileLoader) Load() (map[string]any, error) {
	format, err := FormatForPath(l.path)
	if err != nil {
		return nil, err
	}
	data, err := l.fs.ReadFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("config file %s: %w", l.path, err)
	}
	return Parse(l.path, format, data)
}

// Parse decodes data in format. source names the data in errors. Empty
// input yields an empty tree.
func Parse(source string, format Format, data []byte) (map[string]any, error) {
	tree := make(map[string]any)
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &tree); err != nil {
			perr := &ParseError{Path: source, Err: err}
			if derr := (*toml.DecodeError)(nil); errors.As(err, &derr) {
				perr.Line, perr.Column = derr.Position()
			}
			return nil, perr
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, &ParseError{Path: source, Line: yamlErrorLine(err), Err: err}
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if tree == nil {
		tree = make(map[string]any)
	}
	return tree, nil
}

var yamlLineRe = regexp.MustCompile(`line (\d+)`)

// yamlErrorLine digs the line number out of a yaml.v3 error message,
// which carries no structured position.
func yamlErrorLine(err error) int {
	if m := yamlLineRe.FindStringSubmatch(err.Error()); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// ParseError is a syntax error in a configuration file. Line and Column
// are zero when the decoder did not report them.
type ParseError struct {
	Path   string
	Line   int
	Column int
	Err    error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Path)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
		if e.Column > 0 {
			fmt.Fprintf(&b, ":%d", e.Column)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }
