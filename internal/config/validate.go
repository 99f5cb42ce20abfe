package config

import (
	"fmt"
	"net/url"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

var traceValues = map[string]bool{"off": true, "messages": true, "verbose": true}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs error

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, &ValidationError{Path: "log.level", Message: "unknown level", Value: c.Log.Level})
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = multierr.Append(errs, &ValidationError{Path: "log.format", Message: "must be console or json", Value: c.Log.Format})
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		errs = multierr.Append(errs, &ValidationError{Path: "log", Message: "rotation limits must not be negative"})
	}

	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		path := fmt.Sprintf("servers[%d]", i)
		if s.Name == "" {
			errs = multierr.Append(errs, &ValidationError{Path: path + ".name", Message: "required"})
		} else if seen[s.Name] {
			errs = multierr.Append(errs, &ValidationError{Path: path + ".name", Message: "duplicate server", Value: s.Name})
		}
		seen[s.Name] = true
		errs = multierr.Append(errs, s.validate(path))
	}

	return errs
}

func (s *ServerConfig) validate(path string) error {
	var errs error
	invalid := func(field, message string, value any) {
		errs = multierr.Append(errs, &ValidationError{Path: path + "." + field, Message: message, Value: value})
	}

	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			invalid("command", "required for stdio transport", nil)
		}
	case TransportSocket:
		if s.Address == "" {
			invalid("address", "required for socket transport", nil)
		}
		if s.Network != "tcp" && s.Network != "unix" {
			invalid("network", "must be tcp or unix", s.Network)
		}
	case TransportWebSocket:
		u, err := url.Parse(s.URL)
		if s.URL == "" || err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			invalid("url", "must be a ws:// or wss:// URL", s.URL)
		}
	default:
		invalid("transport", "must be stdio, socket or websocket", s.Transport)
	}

	if !traceValues[s.Trace] {
		invalid("trace", "must be off, messages or verbose", s.Trace)
	}
	if s.StopTimeout < 0 {
		invalid("stop_timeout", "must not be negative", s.StopTimeout)
	}
	if s.MaxRestarts < 0 {
		invalid("max_restarts", "must not be negative", s.MaxRestarts)
	}
	if s.RestartBackoff < 0 || s.RestartBackoffMax < 0 {
		invalid("restart_backoff", "must not be negative", s.RestartBackoff)
	}
	if s.RestartBackoffMax > 0 && s.RestartBackoffMax < s.RestartBackoff {
		invalid("restart_backoff_max", "must not be below restart_backoff", s.RestartBackoffMax)
	}
	if s.RestartBackoffMax > time.Hour {
		invalid("restart_backoff_max", "must not exceed one hour", s.RestartBackoffMax)
	}
	return errs
}
