package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Transport produces the message stream a Client talks over.
// Connect may be called again after Dispose to reconnect.
type Transport interface {
	Connect(ctx context.Context) (Stream, error)
	Dispose() error
}

// StdioTransport spawns a language server process and talks to it over
// its stdin and stdout. Stderr is forwarded to the logger.
type StdioTransport struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// ExitTimeout bounds how long Dispose waits for the process to exit
	// before killing it. Default: 2 seconds.
	ExitTimeout time.Duration

	Logger *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
}

// Connect starts the server process.
func (t *StdioTransport) Connect(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil, errors.New("stdio transport: process already running")
	}

	cmd := exec.Command(t.Command, t.Args...)

	cmd.Env = os.Environ()
	for k, v := range t.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Dir = t.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", t.Command, err)
	}

	logger := t.logger().With(zap.String("server", t.Command), zap.Int("pid", cmd.Process.Pid))
	logger.Debug("language server started")

	exited := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			logger.Debug("stderr", zap.String("line", scanner.Text()))
		}
	}()
	go func() {
		err := cmd.Wait()
		logger.Debug("language server exited", zap.Error(err))
		close(exited)
	}()

	t.cmd = cmd
	t.stdin = stdin
	t.exited = exited

	return NewHeaderStream(stdout, stdin, stdin), nil
}

// Dispose closes stdin, waits for the process to exit and kills it if it
// does not. It is idempotent.
func (t *StdioTransport) Dispose() error {
	t.mu.Lock()
	cmd, stdin, exited := t.cmd, t.stdin, t.exited
	t.cmd, t.stdin, t.exited = nil, nil, nil
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}

	_ = stdin.Close()

	timeout := t.ExitTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	select {
	case <-exited:
		return nil
	case <-time.After(timeout):
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", t.Command, err)
	}
	<-exited
	return nil
}

func (t *StdioTransport) logger() *zap.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return zap.NewNop()
}

// SocketTransport connects to a language server listening on a TCP or
// unix socket.
type SocketTransport struct {
	Network string // "tcp" or "unix"; default "tcp"
	Address string

	mu   sync.Mutex
	conn net.Conn
}

// Connect dials the server.
func (t *SocketTransport) Connect(ctx context.Context) (Stream, error) {
	network := t.Network
	if network == "" {
		network = "tcp"
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, t.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, t.Address, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	return NewHeaderStream(conn, conn, conn), nil
}

// Dispose closes the socket. It is idempotent.
func (t *SocketTransport) Dispose() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// WebSocketTransport connects to a language server behind a websocket
// endpoint. Each websocket text message carries one JSON-RPC message.
type WebSocketTransport struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	mu     sync.Mutex
	stream *wsStream
}

// Connect dials the websocket endpoint.
func (t *WebSocketTransport) Connect(ctx context.Context) (Stream, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}

	conn.SetReadLimit(MaxMessageSize)
	s := &wsStream{conn: conn}

	t.mu.Lock()
	t.stream = s
	t.mu.Unlock()

	return s, nil
}

// Dispose closes the websocket. It is idempotent.
func (t *WebSocketTransport) Dispose() error {
	t.mu.Lock()
	s := t.stream
	t.stream = nil
	t.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}

type wsStream struct {
	conn *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Read returns the next text message. Every read error ends the stream
// because a websocket connection cannot be read after a failure.
func (s *wsStream) Read(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if isClosedErr(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", io.EOF, err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (s *wsStream) Write(ctx context.Context, msg json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.wmu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.wmu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// PipeTransport connects the client to an in-process server. Serve is
// started on its own goroutine for every Connect with the server end of
// the pipe; ctx is cancelled on Dispose.
type PipeTransport struct {
	Serve func(ctx context.Context, peer Stream)

	mu     sync.Mutex
	cancel context.CancelFunc
	client Stream
	peer   Stream
}

// NewPipeTransport returns a PipeTransport running serve for each connection.
func NewPipeTransport(serve func(ctx context.Context, peer Stream)) *PipeTransport {
	return &PipeTransport{Serve: serve}
}

// Connect creates a fresh pipe pair and starts Serve.
func (t *PipeTransport) Connect(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Serve == nil {
		return nil, errors.New("pipe transport: no server")
	}

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	client := NewHeaderStream(clientR, clientW, multiCloser{clientR, clientW})
	peer := NewHeaderStream(serverR, serverW, multiCloser{serverR, serverW})

	serveCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.cancel = cancel
	t.client = client
	t.peer = peer
	t.mu.Unlock()

	go t.Serve(serveCtx, peer)
	return client, nil
}

// Dispose closes both ends of the current pipe. It is idempotent.
func (t *PipeTransport) Dispose() error {
	t.mu.Lock()
	cancel, client, peer := t.cancel, t.client, t.peer
	t.cancel, t.client, t.peer = nil, nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	_ = peer.Close()
	return client.Close()
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var err error
	for _, c := range m {
		err = multierr.Append(err, c.Close())
	}
	return err
}
