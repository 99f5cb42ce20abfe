package feature

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dshills/lspclient/internal/lsp"
)

var goSelector = lsp.DocumentSelector{{Language: "go"}}

type sentMessage struct {
	Method string
	Params json.RawMessage
}

// stubClient records what features send and answers requests with
// canned JSON results.
type stubClient struct {
	logger   *zap.Logger
	selector lsp.DocumentSelector

	mu       sync.Mutex
	state    lsp.State
	sent     []sentMessage
	replies  map[string]string
	failures map[string]error
	tokens   int
	stateFns map[int]func(lsp.StateChangeEvent)
	diagFns  map[int]func(lsp.DocumentURI, []lsp.Diagnostic)
}

func newStubClient() *stubClient {
	return &stubClient{
		logger:   zap.NewNop(),
		state:    lsp.StateRunning,
		replies:  make(map[string]string),
		failures: make(map[string]error),
		stateFns: make(map[int]func(lsp.StateChangeEvent)),
		diagFns:  make(map[int]func(lsp.DocumentURI, []lsp.Diagnostic)),
	}
}

func (c *stubClient) Name() string                           { return "stub" }
func (c *stubClient) Logger() *zap.Logger                    { return c.logger }
func (c *stubClient) DocumentSelector() lsp.DocumentSelector { return c.selector }

func (c *stubClient) State() lsp.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// reply sets the raw JSON result of a request method.
func (c *stubClient) reply(method, result string) {
	c.mu.Lock()
	c.replies[method] = result
	c.mu.Unlock()
}

func (c *stubClient) record(method string, params any) {
	raw, _ := json.Marshal(params)
	c.mu.Lock()
	c.sent = append(c.sent, sentMessage{Method: method, Params: raw})
	c.mu.Unlock()
}

func (c *stubClient) SendRequest(_ context.Context, method string, params, result any) error {
	c.record(method, params)
	c.mu.Lock()
	err := c.failures[method]
	raw, ok := c.replies[method]
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		raw = "null"
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal([]byte(raw), result)
}

func (c *stubClient) SendNotification(_ context.Context, method string, params any) error {
	c.record(method, params)
	return nil
}

func (c *stubClient) DidOpen(ctx context.Context, p *lsp.DidOpenTextDocumentParams) error {
	return c.SendNotification(ctx, lsp.MethodDidOpen, p)
}

func (c *stubClient) DidChange(ctx context.Context, p *lsp.DidChangeTextDocumentParams) error {
	return c.SendNotification(ctx, lsp.MethodDidChange, p)
}

func (c *stubClient) DidClose(ctx context.Context, p *lsp.DidCloseTextDocumentParams) error {
	return c.SendNotification(ctx, lsp.MethodDidClose, p)
}

func (c *stubClient) DidSave(ctx context.Context, p *lsp.DidSaveTextDocumentParams) error {
	return c.SendNotification(ctx, lsp.MethodDidSave, p)
}

func (c *stubClient) OnStateChange(fn func(lsp.StateChangeEvent)) func() {
	c.mu.Lock()
	c.tokens++
	token := c.tokens
	c.stateFns[token] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateFns, token)
		c.mu.Unlock()
	}
}

func (c *stubClient) OnDiagnostics(fn func(lsp.DocumentURI, []lsp.Diagnostic)) func() {
	c.mu.Lock()
	c.tokens++
	token := c.tokens
	c.diagFns[token] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.diagFns, token)
		c.mu.Unlock()
	}
}

// setState changes the state and notifies listeners synchronously.
func (c *stubClient) setState(s lsp.State) {
	c.mu.Lock()
	ev := lsp.StateChangeEvent{OldState: c.state, NewState: s}
	c.state = s
	fns := make([]func(lsp.StateChangeEvent), 0, len(c.stateFns))
	for _, fn := range c.stateFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *stubClient) publish(uri lsp.DocumentURI, diagnostics []lsp.Diagnostic) {
	c.mu.Lock()
	fns := make([]func(lsp.DocumentURI, []lsp.Diagnostic), 0, len(c.diagFns))
	for _, fn := range c.diagFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(uri, diagnostics)
	}
}

// messages returns the params of every message sent with method.
func (c *stubClient) messages(method string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, m := range c.sent {
		if m.Method == method {
			out = append(out, m.Params)
		}
	}
	return out
}

func (c *stubClient) waitFor(t *testing.T, method string, n int) []json.RawMessage {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.messages(method)) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d %s messages", n, method)
	return c.messages(method)
}

func serverCaps(t *testing.T, raw string) *lsp.ServerCapabilities {
	t.Helper()
	caps, err := lsp.NewServerCapabilities(json.RawMessage(raw))
	require.NoError(t, err)
	return caps
}

func pos(line, char int) lsp.Position {
	return lsp.Position{Line: line, Character: char}
}

func rng(sl, sc, el, ec int) lsp.Range {
	return lsp.Range{Start: pos(sl, sc), End: pos(el, ec)}
}
