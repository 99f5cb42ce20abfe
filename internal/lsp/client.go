package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultStopTimeout bounds the graceful shutdown the client performs on
// its own, for example after too many transport errors.
const DefaultStopTimeout = 2 * time.Second

// Client drives one session with a language server: it connects through
// a Transport, negotiates capabilities with its registered features, runs
// the initialize handshake and tears the session down again.
//
// Thread Safety: Client is safe for concurrent use. Concurrent Start calls
// share one attempt, as do concurrent Stop calls.
type Client struct {
	name      string
	transport Transport
	host      Host
	logger    *zap.Logger
	clock     clock.Clock
	metrics   *Metrics

	middleware       Middleware
	errorHandler     ErrorHandler
	documentSelector DocumentSelector
	initOptions      any
	clientInfo       *ClientInfo
	trace            string
	stopTimeout      time.Duration
	backoffInitial   time.Duration
	backoffMax       time.Duration

	flight singleflight.Group

	mu           sync.Mutex
	state        clientState
	conn         *Conn
	initResult   *InitializeResult
	capabilities *ServerCapabilities
	ignored      map[string]struct{}
	features     []StaticFeature
	dynamic      map[string]DynamicFeature

	// Listener and handler tables, keyed by a token so release funcs only
	// remove what they added.
	tokens        uint64
	listeners     map[uint64]func(StateChangeEvent)
	diagListeners map[uint64]func(DocumentURI, []Diagnostic)
	userRequests  map[string]userHandler[RequestHandler]
	userNotifs    map[string]userHandler[NotificationHandler]

	restarts   int
	restartGen uint64
}

type userHandler[H any] struct {
	token   uint64
	fn      H
	release func()
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithLogger sets the logger for client diagnostics.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHost sets the host receiving window messages and answering
// workspace and configuration requests.
func WithHost(host Host) ClientOption {
	return func(c *Client) {
		if host != nil {
			c.host = host
		}
	}
}

// WithDocumentSelector sets the selector features are scoped to and that
// dynamic registrations default to.
func WithDocumentSelector(selector DocumentSelector) ClientOption {
	return func(c *Client) {
		c.documentSelector = selector
	}
}

// WithMiddleware sets the interception hooks.
func WithMiddleware(m Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = m
	}
}

// WithErrorHandler replaces the default error and restart policy.
func WithErrorHandler(h ErrorHandler) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.errorHandler = h
		}
	}
}

// WithInitializationOptions sets the initializationOptions of the
// initialize request. A func() any is called at handshake time.
func WithInitializationOptions(v any) ClientOption {
	return func(c *Client) {
		c.initOptions = v
	}
}

// WithClientInfo sets the clientInfo of the initialize request.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.clientInfo = &ClientInfo{Name: name, Version: version}
	}
}

// WithTrace sets the initial trace setting ("off", "messages", "verbose").
func WithTrace(trace string) ClientOption {
	return func(c *Client) {
		c.trace = trace
	}
}

// WithClock sets the clock used for stop timeouts and restart backoff.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithMetrics sets the collectors the client records to.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithStopTimeout sets the timeout used when the client stops itself.
func WithStopTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithRestartBackoff delays automatic restarts, starting at initial and
// doubling per consecutive restart up to max. Zero restarts immediately.
func WithRestartBackoff(initial, max time.Duration) ClientOption {
	return func(c *Client) {
		c.backoffInitial = initial
		c.backoffMax = max
	}
}

// NewClient creates a client talking over transport.
func NewClient(name string, transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		name:          name,
		transport:     transport,
		logger:        zap.NewNop(),
		clock:         clock.New(),
		stopTimeout:   DefaultStopTimeout,
		ignored:       make(map[string]struct{}),
		dynamic:       make(map[string]DynamicFeature),
		listeners:     make(map[uint64]func(StateChangeEvent)),
		diagListeners: make(map[uint64]func(DocumentURI, []Diagnostic)),
		userRequests:  make(map[string]userHandler[RequestHandler]),
		userNotifs:    make(map[string]userHandler[NotificationHandler]),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(zap.String("client", name))
	if c.host == nil {
		c.host = NewLoggerHost(c.logger)
	}
	if c.errorHandler == nil {
		c.errorHandler = NewDefaultErrorHandler(DefaultMaxRestartCount, c.clock)
	}
	c.metrics.setState(StateStopped)

	return c
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.name
}

// Host returns the client's host.
func (c *Client) Host() Host {
	return c.host
}

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

// DocumentSelector returns the client-wide document selector.
func (c *Client) DocumentSelector() DocumentSelector {
	return c.documentSelector
}

// State returns the public lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.public()
}

// OnStateChange registers fn to be called whenever the public state
// changes. The returned release func is idempotent.
func (c *Client) OnStateChange(fn func(StateChangeEvent)) (release func()) {
	c.mu.Lock()
	c.tokens++
	token := c.tokens
	c.listeners[token] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, token)
			c.mu.Unlock()
		})
	}
}

// Capabilities returns the server capabilities of the current or last
// session, or nil before the first successful handshake.
func (c *Client) Capabilities() *ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// InitializeResult returns the raw result of the last initialize request.
func (c *Client) InitializeResult() *InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initResult
}

// transitionLocked moves to next and returns a func firing the state
// listeners, to be called after mu is released.
func (c *Client) transitionLocked(next clientState) (notify func()) {
	prev := c.state
	c.state = next
	c.logger.Debug("client state changed",
		zap.Stringer("from", prev), zap.Stringer("to", next))

	if prev.public() == next.public() {
		return func() {}
	}

	ev := StateChangeEvent{OldState: prev.public(), NewState: next.public()}
	c.metrics.setState(ev.NewState)

	tokens := make([]uint64, 0, len(c.listeners))
	for t := range c.listeners {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	fns := make([]func(StateChangeEvent), 0, len(tokens))
	for _, t := range tokens {
		fns = append(fns, c.listeners[t])
	}

	return func() {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Start connects to the server and runs the initialize handshake. It
// returns nil immediately if the client is already running. Callers that
// arrive while a start is in flight share its outcome.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case stateRunning:
		return nil
	case stateStopping:
		return &StateError{Op: "start", State: state.String()}
	}

	_, err, _ := c.flight.Do("start", func() (any, error) {
		return nil, c.doStart(ctx)
	})
	return err
}

func (c *Client) doStart(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateRunning:
		c.mu.Unlock()
		return nil
	case stateStarting, stateStopping:
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "start", State: state.String()}
	}
	notify := c.transitionLocked(stateStarting)
	c.mu.Unlock()
	notify()

	conn, err := c.connect(ctx)
	if err == nil {
		err = c.initialize(ctx, conn)
	}
	if err != nil {
		c.startFailed(err)
		return err
	}

	// Running is entered before the acknowledgement so registrations the
	// server sends in response to it are not ignored. Listeners run after
	// it, so anything they send follows initialized.
	c.mu.Lock()
	notify = c.transitionLocked(stateRunning)
	c.mu.Unlock()

	if err := conn.Notify(ctx, MethodInitialized, InitializedParams{}); err != nil {
		c.logger.Warn("send initialized failed", zap.Error(err))
	}
	c.logger.Info("language client initialized")
	notify()
	return nil
}

// connect acquires a stream and wires a connection around it.
func (c *Client) connect(ctx context.Context) (*Conn, error) {
	stream, err := c.transport.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	conn := NewConn(stream, WithConnLogger(c.logger))
	conn.OnError(func(err error, msg json.RawMessage, count int) {
		c.handleConnError(conn, err, msg, count)
	})
	conn.OnClose(func() {
		c.handleConnClose(conn)
	})
	c.installBuiltins(conn)

	c.mu.Lock()
	c.conn = conn
	c.installUserHandlersLocked(conn)
	c.mu.Unlock()

	conn.Listen(context.Background())
	return conn, nil
}

// initialize runs the initialize request and initializes the features.
func (c *Client) initialize(ctx context.Context, conn *Conn) error {
	features := c.Features()

	builder := NewCapabilitiesBuilder()
	for _, f := range features {
		f.FillClientCapabilities(builder)
	}
	capabilities, err := builder.Build()
	if err != nil {
		return err
	}

	params := &InitializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            c.clientInfo,
		Capabilities:          capabilities,
		InitializationOptions: c.resolveInitializationOptions(),
		Trace:                 c.trace,
		WorkspaceFolders:      nil,
	}
	if root := c.host.Workspace().RootURI(); root != "" {
		params.RootURI = &root
	}
	for _, f := range features {
		if filler, ok := f.(InitializeParamsFiller); ok {
			filler.FillInitializeParams(params)
		}
	}

	var result InitializeResult
	if err := conn.Call(ctx, MethodInitialize, params, &result); err != nil {
		c.metrics.request(MethodInitialize, err)
		return fmt.Errorf("initialize: %w", err)
	}
	c.metrics.request(MethodInitialize, nil)

	serverCaps, err := NewServerCapabilities(result.Capabilities)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.initResult = &result
	c.capabilities = serverCaps
	c.mu.Unlock()

	for _, f := range features {
		if pre, ok := f.(PreInitializer); ok {
			pre.PreInitialize(serverCaps, c.documentSelector)
		}
	}
	for _, f := range features {
		if err := f.Initialize(serverCaps, c.documentSelector); err != nil {
			return fmt.Errorf("initialize feature %T: %w", f, err)
		}
	}
	return nil
}

func (c *Client) resolveInitializationOptions() any {
	if fn, ok := c.initOptions.(func() any); ok {
		return fn()
	}
	return c.initOptions
}

// startFailed tears down a failed start attempt.
func (c *Client) startFailed(err error) {
	c.clearFeatures()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if derr := c.transport.Dispose(); derr != nil {
		c.logger.Warn("dispose transport", zap.Error(derr))
	}

	c.logger.Error("language client start failed", zap.Error(err))
	c.host.Window().LogMessage(MessageTypeError, fmt.Sprintf("%s: starting client failed: %v", c.name, err))

	c.mu.Lock()
	notify := c.transitionLocked(stateStartFailed)
	c.mu.Unlock()
	notify()
}

// Stop shuts the session down: features are cleared in reverse
// registration order, then the shutdown request and exit notification
// race against timeout. The connection and transport are disposed in all
// cases and the client ends up stopped. Stop is a no-op on a client that
// never started or is already stopped, and fails while the client is
// starting. Errors of the graceful shutdown are reported and returned.
func (c *Client) Stop(timeout time.Duration) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case stateInitial, stateStopped:
		return nil
	case stateRunning, stateStopping:
	default:
		return &StateError{Op: "stop", State: state.String()}
	}

	c.mu.Lock()
	c.restartGen++
	c.restarts = 0
	c.mu.Unlock()

	_, err, _ := c.flight.Do("stop", func() (any, error) {
		return nil, c.doStop(timeout, true)
	})
	return err
}

func (c *Client) doStop(timeout time.Duration, graceful bool) error {
	c.mu.Lock()
	switch c.state {
	case stateInitial, stateStopped:
		c.mu.Unlock()
		return nil
	case stateRunning:
	default:
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "stop", State: state.String()}
	}
	notify := c.transitionLocked(stateStopping)
	conn := c.conn
	c.mu.Unlock()
	notify()

	c.clearFeatures()

	var errs error
	if conn != nil {
		if graceful {
			errs = multierr.Append(errs, c.shutdown(conn, timeout))
		}
		errs = multierr.Append(errs, conn.Close())
	}
	errs = multierr.Append(errs, c.transport.Dispose())

	c.mu.Lock()
	c.conn = nil
	c.ignored = make(map[string]struct{})
	notify = c.transitionLocked(stateStopped)
	c.mu.Unlock()
	c.metrics.resetRegistrations()

	if errs != nil {
		c.logger.Warn("stopping language client", zap.Error(errs))
		c.host.Window().LogMessage(MessageTypeError, fmt.Sprintf("%s: stopping server failed: %v", c.name, errs))
	}
	notify()
	return errs
}

// shutdown sends shutdown and exit, giving up after timeout. The losing
// side of the race is cancelled.
func (c *Client) shutdown(conn *Conn, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.stopTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if err := conn.Call(ctx, MethodShutdown, nil, nil); err != nil {
			done <- fmt.Errorf("shutdown: %w", err)
			return
		}
		done <- conn.Notify(ctx, MethodExit, nil)
	}()

	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrStopTimeout
	}
}

// handleConnError consults the error handler about a transport error.
func (c *Client) handleConnError(conn *Conn, err error, msg json.RawMessage, count int) {
	c.mu.Lock()
	current := c.conn == conn && c.state == stateRunning
	c.mu.Unlock()
	if !current {
		return
	}

	if c.errorHandler.Error(err, msg, count) != ErrorActionShutdown {
		return
	}

	c.logger.Error("too many transport errors, stopping client", zap.Error(err), zap.Int("count", count))
	c.host.Window().LogMessage(MessageTypeError,
		fmt.Sprintf("%s: client is shutting down after %d errors: %v", c.name, count, err))

	// Stop needs the read loop this callback runs on.
	go func() {
		if err := c.Stop(c.stopTimeout); err != nil {
			c.logger.Warn("stop after transport errors", zap.Error(err))
		}
	}()
}

// handleConnClose reacts to the server closing the connection.
func (c *Client) handleConnClose(conn *Conn) {
	c.mu.Lock()
	current := c.conn == conn && c.state == stateRunning
	gen := c.restartGen
	c.mu.Unlock()
	if !current {
		return
	}

	action := c.errorHandler.Closed()
	c.logger.Warn("connection to server closed", zap.Stringer("action", action))

	_, _, _ = c.flight.Do("stop", func() (any, error) {
		return nil, c.doStop(0, false)
	})

	if action != CloseActionRestart {
		c.host.Window().LogMessage(MessageTypeError,
			fmt.Sprintf("%s: connection to server got closed. Server will not be restarted.", c.name))
		return
	}

	c.host.Window().LogMessage(MessageTypeInfo,
		fmt.Sprintf("%s: connection to server got closed. Server will restart.", c.name))
	c.metrics.restarted()
	go c.restart(gen)
}

// restart starts the client again after the configured backoff, unless
// the client was stopped or started explicitly in the meantime.
func (c *Client) restart(gen uint64) {
	c.mu.Lock()
	c.restarts++
	attempt := c.restarts
	c.mu.Unlock()

	if c.backoffInitial > 0 {
		ceiling := c.backoffMax
		if ceiling < c.backoffInitial {
			ceiling = c.backoffInitial
		}
		delay := CalculateBackoff(attempt, c.backoffInitial, ceiling, 2.0)
		c.logger.Debug("restart backoff", zap.Duration("delay", delay), zap.Int("attempt", attempt))
		<-c.clock.After(delay)
	}

	c.mu.Lock()
	skip := c.restartGen != gen || c.state != stateStopped
	c.mu.Unlock()
	if skip {
		return
	}

	if err := c.Start(context.Background()); err != nil {
		c.logger.Error("restart failed", zap.Error(err))
	}
}
