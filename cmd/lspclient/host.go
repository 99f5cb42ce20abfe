package main

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/pterm/pterm"

	"github.com/dshills/lspclient/internal/config"
	"github.com/dshills/lspclient/internal/lsp"
)

// settings answers configuration requests from the current server
// configuration. Swap replaces it after a reload.
type settings struct {
	current atomic.Pointer[config.ServerConfig]
}

func newSettings(srv *config.ServerConfig) *settings {
	s := &settings{}
	s.current.Store(srv)
	return s
}

// Swap installs a reloaded server configuration.
func (s *settings) Swap(srv *config.ServerConfig) {
	s.current.Store(srv)
}

// Get implements lsp.Configuration.
func (s *settings) Get(section string) any {
	return s.current.Load().Get(section)
}

// consoleHost renders window messages on the terminal.
type consoleHost struct {
	out         io.Writer
	root        lsp.DocumentURI
	settings    lsp.Configuration
	interactive bool

	info    *pterm.PrefixPrinter
	warning *pterm.PrefixPrinter
	err     *pterm.PrefixPrinter
	debug   *pterm.PrefixPrinter
}

var (
	_ lsp.Host             = (*consoleHost)(nil)
	_ lsp.MessageRequester = (*consoleHost)(nil)
)

func newConsoleHost(out io.Writer, root lsp.DocumentURI, cfg lsp.Configuration, interactive bool) *consoleHost {
	return &consoleHost{
		out:         out,
		root:        root,
		settings:    cfg,
		interactive: interactive,
		info:        pterm.Info.WithWriter(out),
		warning:     pterm.Warning.WithWriter(out),
		err:         pterm.Error.WithWriter(out),
		debug:       pterm.Debug.WithWriter(out),
	}
}

func (h *consoleHost) Window() lsp.Window               { return h }
func (h *consoleHost) Workspace() lsp.Workspace         { return h }
func (h *consoleHost) Configuration() lsp.Configuration { return h.settings }

// RootURI implements lsp.Workspace.
func (h *consoleHost) RootURI() lsp.DocumentURI { return h.root }

// LogMessage prints server log messages; plain log entries are only shown
// with debug messages enabled.
func (h *consoleHost) LogMessage(typ lsp.MessageType, message string) {
	if typ == lsp.MessageTypeLog {
		h.debug.Println(message)
		return
	}
	h.printer(typ).Println(message)
}

// ShowMessage implements lsp.Window.
func (h *consoleHost) ShowMessage(typ lsp.MessageType, message string) {
	h.printer(typ).Println(message)
}

func (h *consoleHost) printer(typ lsp.MessageType) *pterm.PrefixPrinter {
	switch typ {
	case lsp.MessageTypeError:
		return h.err
	case lsp.MessageTypeWarning:
		return h.warning
	case lsp.MessageTypeInfo:
		return h.info
	default:
		return h.debug
	}
}

// ShowMessageRequest asks the user to pick one of the actions. Without a
// terminal to ask on the message is shown and no action is chosen.
func (h *consoleHost) ShowMessageRequest(ctx context.Context, params lsp.ShowMessageRequestParams) (*lsp.MessageActionItem, error) {
	h.ShowMessage(params.Type, params.Message)
	if !h.interactive || len(params.Actions) == 0 {
		return nil, nil
	}

	options := make([]string, len(params.Actions))
	for i, a := range params.Actions {
		options[i] = a.Title
	}
	chosen, err := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText(params.Message).
		Show()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := range params.Actions {
		if params.Actions[i].Title == chosen {
			return &params.Actions[i], nil
		}
	}
	return nil, nil
}
