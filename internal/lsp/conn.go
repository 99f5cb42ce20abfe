package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// RequestHandler handles a request sent by the server. The returned value
// is marshaled as the response result; a returned error becomes the
// response error (an *RPCError is passed through as is).
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler handles a notification sent by the server.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// ConnErrorFunc is called for transport-level errors. msg is the offending
// message when one could be read, count is the number of errors seen so far.
type ConnErrorFunc func(err error, msg json.RawMessage, count int)

// request is an outbound JSON-RPC request.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// notificationMessage is an outbound JSON-RPC notification.
type notificationMessage struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

// incoming is any message read from the stream.
type incoming struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (m *incoming) isResponse() bool {
	return len(m.ID) > 0 && m.Method == ""
}

func (m *incoming) isRequest() bool {
	return len(m.ID) > 0 && string(m.ID) != "null" && m.Method != ""
}

type cancelParams struct {
	ID int64 `json:"id"`
}

// Conn is a JSON-RPC 2.0 connection over a Stream.
//
// Responses are routed on the read goroutine. Requests and notifications
// from the server are handed to a single dispatcher goroutine and handled
// one at a time in arrival order, so a handler may issue its own outbound
// requests without blocking response delivery.
type Conn struct {
	stream Stream
	logger *zap.Logger

	nextID atomic.Int64

	mu            sync.Mutex
	pending       map[int64]chan *incoming
	reqHandlers   map[string]handlerEntry[RequestHandler]
	notifHandlers map[string]handlerEntry[NotificationHandler]
	tokens        uint64
	onError       ConnErrorFunc
	onClose       func()
	errCount      int

	queueMu sync.Mutex
	queue   []*incoming
	wake    chan struct{}

	listening atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithConnLogger sets the logger used for protocol diagnostics.
func WithConnLogger(logger *zap.Logger) ConnOption {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConn creates a connection over stream. Listen must be called before
// any response can be received.
func NewConn(stream Stream, opts ...ConnOption) *Conn {
	c := &Conn{
		stream:        stream,
		logger:        zap.NewNop(),
		pending:       make(map[int64]chan *incoming),
		reqHandlers:   make(map[string]handlerEntry[RequestHandler]),
		notifHandlers: make(map[string]handlerEntry[NotificationHandler]),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnRequest registers a handler for server requests of the given method,
// replacing any previous one. The returned release func is idempotent.
func (c *Conn) OnRequest(method string, handler RequestHandler) (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens++
	return addHandler(&c.mu, c.reqHandlers, method, handlerEntry[RequestHandler]{token: c.tokens, fn: handler})
}

// OnNotification registers a handler for server notifications of the
// given method, replacing any previous one. The returned release func is
// idempotent.
func (c *Conn) OnNotification(method string, handler NotificationHandler) (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens++
	return addHandler(&c.mu, c.notifHandlers, method, handlerEntry[NotificationHandler]{token: c.tokens, fn: handler})
}

type handlerEntry[H any] struct {
	token uint64
	fn    H
}

// addHandler stores entry under method and returns a release func that
// removes it only if it has not been replaced since. The caller holds mu.
func addHandler[H any](mu *sync.Mutex, table map[string]handlerEntry[H], method string, entry handlerEntry[H]) func() {
	table[method] = entry

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			if current, ok := table[method]; ok && current.token == entry.token {
				delete(table, method)
			}
			mu.Unlock()
		})
	}
}

// OnError sets the callback for transport-level errors.
func (c *Conn) OnError(fn ConnErrorFunc) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// OnClose sets the callback invoked once when the peer closes the stream.
// It is not invoked when the connection is closed locally.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Listen starts the read and dispatch goroutines. Calling it twice is a no-op.
func (c *Conn) Listen(ctx context.Context) {
	if c.listening.Swap(true) {
		return
	}
	go c.dispatchLoop(ctx)
	go c.readLoop(ctx)
}

// Call sends a request and waits for its response. The result, if non-nil,
// is unmarshaled from the response. When ctx is cancelled first a
// $/cancelRequest notification is sent and ctx.Err() is returned.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	id := c.nextID.Add(1)
	ch := make(chan *incoming, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := &request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := c.send(ctx, req); err != nil {
		return fmt.Errorf("send request %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if !c.closed.Load() {
			// Best effort; the server may already have answered.
			_ = c.send(context.Background(), &notificationMessage{
				JSONRPC: "2.0",
				Method:  MethodCancelRequest,
				Params:  cancelParams{ID: id},
			})
		}
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 && string(resp.Result) != "null" {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.send(ctx, &notificationMessage{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// Close closes the stream and fails all pending calls. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.stream.Write(ctx, data)
}

// readLoop reads messages until the stream ends.
func (c *Conn) readLoop(ctx context.Context) {
	for {
		data, err := c.stream.Read(ctx)
		if err != nil {
			if c.closed.Load() {
				return
			}
			if isClosedErr(err) || ctx.Err() != nil {
				c.peerClosed(err)
				return
			}
			c.reportError(err, nil)
			continue
		}

		var msg incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reportError(fmt.Errorf("decode message: %w", err), data)
			continue
		}

		switch {
		case msg.isResponse():
			c.handleResponse(&msg)
		case msg.Method != "":
			c.enqueue(&msg)
		default:
			c.reportError(errors.New("message is neither request, notification nor response"), data)
		}
	}
}

func (c *Conn) peerClosed(err error) {
	c.logger.Debug("lsp stream closed", zap.Error(err))
	_ = c.Close()

	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Conn) reportError(err error, msg json.RawMessage) {
	c.mu.Lock()
	c.errCount++
	count := c.errCount
	fn := c.onError
	c.mu.Unlock()

	c.logger.Warn("lsp transport error", zap.Error(err), zap.Int("count", count))
	if fn != nil {
		fn(err, msg, count)
	}
}

// handleResponse routes a response to its waiting caller.
func (c *Conn) handleResponse(msg *incoming) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Debug("response with foreign id", zap.ByteString("id", msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (c *Conn) enqueue(msg *incoming) {
	c.queueMu.Lock()
	c.queue = append(c.queue, msg)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) dequeue() *incoming {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	msg := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return msg
}

// dispatchLoop handles server requests and notifications in order.
func (c *Conn) dispatchLoop(ctx context.Context) {
	for {
		msg := c.dequeue()
		if msg == nil {
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		}
		if c.closed.Load() {
			return
		}
		if msg.isRequest() {
			c.handleRequest(ctx, msg)
		} else {
			c.handleNotification(ctx, msg)
		}
	}
}

func (c *Conn) handleRequest(ctx context.Context, msg *incoming) {
	c.mu.Lock()
	entry, ok := c.reqHandlers[msg.Method]
	c.mu.Unlock()

	resp := &Response{JSONRPC: "2.0", ID: msg.ID}
	if !ok {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	} else {
		result, err := entry.fn(ctx, msg.Params)
		if err != nil {
			c.logger.Warn("lsp request handler failed", zap.String("method", msg.Method), zap.Error(err))
			resp.Error = asRPCError(err)
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
			} else {
				rm := json.RawMessage(raw)
				resp.Result = &rm
			}
		}
	}

	if c.closed.Load() {
		return
	}
	if err := c.send(ctx, resp); err != nil {
		c.logger.Debug("send response failed", zap.String("method", msg.Method), zap.Error(err))
	}
}

func (c *Conn) handleNotification(ctx context.Context, msg *incoming) {
	c.mu.Lock()
	entry, ok := c.notifHandlers[msg.Method]
	c.mu.Unlock()

	if !ok {
		if !strings.HasPrefix(msg.Method, "$/") {
			c.logger.Debug("unhandled notification", zap.String("method", msg.Method))
		}
		return
	}
	entry.fn(ctx, msg.Params)
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}
