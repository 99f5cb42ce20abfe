// Package loader turns configuration sources into generic trees.
//
// A tree is a map[string]any as produced by decoding TOML or YAML. File
// and environment sources both yield trees, so the environment can be laid
// over a file with DeepMerge before the result is decoded into a typed
// configuration.
package loader

import "os"

// Loader produces a configuration tree. A source that does not exist
// yields a nil tree and no error.
type Loader interface {
	Load() (map[string]any, error)
}

// FileSystem reads configuration files. Tests substitute an in-memory one.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
}

type osFS struct{}

func (osFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// DefaultFS returns the operating system's file system.
func DefaultFS() FileSystem {
	return osFS{}
}
