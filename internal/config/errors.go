package config

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownServer is returned by Server for a name that is not configured.
	ErrUnknownServer = errors.New("unknown server")

	// ErrNoServers is returned when a command needs a server and the
	// configuration has none.
	ErrNoServers = errors.New("no servers configured")
)

// ValidationError reports one invalid setting by its dotted path, for
// example "servers[1].command".
type ValidationError struct {
	Path    string
	Message string
	Value   any
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return e.Path + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (got %v)", e.Path, e.Message, e.Value)
}
