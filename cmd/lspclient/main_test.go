package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dshills/lspclient/internal/config"
	"github.com/dshills/lspclient/internal/lsp"
)

func init() {
	pterm.DisableStyling()
}

func TestNewTransport(t *testing.T) {
	logger := zap.NewNop()

	tr, err := newTransport(&config.ServerConfig{Name: "gopls", Transport: config.TransportStdio, Command: "gopls", Args: []string{"serve"}, StopTimeout: time.Second}, logger)
	require.NoError(t, err)
	stdio, ok := tr.(*lsp.StdioTransport)
	require.True(t, ok)
	assert.Equal(t, "gopls", stdio.Command)
	assert.Equal(t, []string{"serve"}, stdio.Args)
	assert.Equal(t, time.Second, stdio.ExitTimeout)

	tr, err = newTransport(&config.ServerConfig{Name: "tcp", Transport: config.TransportSocket, Network: "unix", Address: "/tmp/ls.sock"}, logger)
	require.NoError(t, err)
	sock, ok := tr.(*lsp.SocketTransport)
	require.True(t, ok)
	assert.Equal(t, "unix", sock.Network)
	assert.Equal(t, "/tmp/ls.sock", sock.Address)

	tr, err = newTransport(&config.ServerConfig{Name: "ws", Transport: config.TransportWebSocket, URL: "ws://localhost:9000/lsp"}, logger)
	require.NoError(t, err)
	ws, ok := tr.(*lsp.WebSocketTransport)
	require.True(t, ok)
	assert.Equal(t, "ws://localhost:9000/lsp", ws.URL)

	_, err = newTransport(&config.ServerConfig{Name: "bad", Transport: "carrier-pigeon"}, logger)
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestNewSession(t *testing.T) {
	root := t.TempDir()
	srv := &config.ServerConfig{
		Name:        "gopls",
		Transport:   config.TransportStdio,
		Command:     "gopls",
		Languages:   []string{"go"},
		Root:        root,
		StopTimeout: time.Second,
		MaxRestarts: 2,
		Settings:    map[string]any{"gopls": map[string]any{"staticcheck": true}},
	}
	c := &config.Config{Servers: []config.ServerConfig{*srv}}

	s, err := newSession(c, srv, &bytes.Buffer{}, false, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, root, s.root)
	assert.Nil(t, s.metrics)
	assert.Equal(t, lsp.StateStopped, s.client.State())
	assert.Equal(t, lsp.ForLanguages("go"), s.client.DocumentSelector())
	assert.Len(t, s.client.Features(), len(s.features.Features()))
	assert.Equal(t, lsp.FilePathToURI(root), s.client.Host().Workspace().RootURI())
	assert.Equal(t, map[string]any{"staticcheck": true}, s.client.Host().Configuration().Get("gopls"))

	// Closing a session that never started is a no-op.
	require.NoError(t, s.Close())
}

func TestNewSessionMetrics(t *testing.T) {
	srv := &config.ServerConfig{Name: "gopls", Transport: config.TransportStdio, Command: "gopls", Root: t.TempDir()}
	c := &config.Config{Metrics: config.MetricsConfig{Address: "127.0.0.1:0"}, Servers: []config.ServerConfig{*srv}}

	s, err := newSession(c, srv, &bytes.Buffer{}, false, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, s.metrics)
	assert.Equal(t, "127.0.0.1:0", s.metrics.Addr)
}

func TestSessionReloadSwapsSettings(t *testing.T) {
	srv := &config.ServerConfig{Name: "gopls", Command: "gopls", Root: t.TempDir(), Settings: map[string]any{"gopls": "old"}}
	c := &config.Config{Servers: []config.ServerConfig{*srv}}
	s, err := newSession(c, srv, &bytes.Buffer{}, false, zap.NewNop())
	require.NoError(t, err)

	reloaded := &config.Config{Servers: []config.ServerConfig{{Name: "gopls", Settings: map[string]any{"gopls": "new"}}}}
	require.NoError(t, s.Reload(context.Background(), reloaded))
	assert.Equal(t, "new", s.settings.Get("gopls"))

	assert.Error(t, s.Reload(context.Background(), &config.Config{Servers: []config.ServerConfig{{Name: "other"}}}))
}

func TestConsoleHostWindow(t *testing.T) {
	var out bytes.Buffer
	h := newConsoleHost(&out, "file:///work", newSettings(&config.ServerConfig{}), false)

	h.ShowMessage(lsp.MessageTypeError, "index broken")
	h.ShowMessage(lsp.MessageTypeWarning, "slow workspace")
	h.LogMessage(lsp.MessageTypeInfo, "loaded 3 packages")

	text := out.String()
	assert.Contains(t, text, "index broken")
	assert.Contains(t, text, "slow workspace")
	assert.Contains(t, text, "loaded 3 packages")
	assert.Equal(t, lsp.DocumentURI("file:///work"), h.RootURI())
}

func TestConsoleHostMessageRequestWithoutTerminal(t *testing.T) {
	var out bytes.Buffer
	h := newConsoleHost(&out, "", newSettings(&config.ServerConfig{}), false)

	item, err := h.ShowMessageRequest(context.Background(), lsp.ShowMessageRequestParams{
		Type:    lsp.MessageTypeInfo,
		Message: "Download tools?",
		Actions: []lsp.MessageActionItem{{Title: "Yes"}, {Title: "No"}},
	})
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Contains(t, out.String(), "Download tools?")
}

func TestHoverText(t *testing.T) {
	tests := []struct {
		name  string
		hover *lsp.Hover
		want  string
	}{
		{"nil", nil, ""},
		{"plain string", &lsp.Hover{Contents: "func main()"}, "func main()"},
		{"markup", &lsp.Hover{Contents: lsp.MarkupContent{Kind: lsp.MarkupKindMarkdown, Value: "**x** int"}}, "**x** int"},
		{"marked string", &lsp.Hover{Contents: map[string]any{"language": "go", "value": "var x int"}}, "var x int"},
		{"array", &lsp.Hover{Contents: []any{"first", map[string]any{"language": "go", "value": "second"}}}, "first\n\nsecond"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hoverText(tt.hover))
		})
	}
}

func TestRenderDiagnostics(t *testing.T) {
	var out bytes.Buffer
	uri := lsp.FilePathToURI("/work/main.go")
	err := renderDiagnostics(&out, uri, []lsp.Diagnostic{{
		Range:    lsp.Range{Start: lsp.Position{Line: 2, Character: 4}},
		Severity: lsp.DiagnosticSeverityError,
		Source:   "compiler",
		Message:  "undefined: y",
	}})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "main.go:3:5")
	assert.Contains(t, out.String(), "undefined: y")

	out.Reset()
	require.NoError(t, renderDiagnostics(&out, uri, nil))
	assert.Contains(t, out.String(), "no diagnostics")
}

func TestServerTable(t *testing.T) {
	data := serverTable([]config.ServerConfig{
		{Name: "gopls", Transport: config.TransportStdio, Command: "gopls", Args: []string{"serve"}, Languages: []string{"go"}},
		{Name: "remote", Transport: config.TransportSocket, Network: "tcp", Address: "localhost:7000"},
		{Name: "web", Transport: config.TransportWebSocket, URL: "ws://h/lsp"},
	})
	require.Len(t, data, 4)
	assert.Equal(t, []string{"gopls", "stdio", "gopls serve", "go"}, data[1])
	assert.Equal(t, "tcp://localhost:7000", data[2][2])
	assert.Equal(t, "ws://h/lsp", data[3][2])
}
