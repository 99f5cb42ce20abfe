package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// receivedMessage is a message the fake server read from the client.
type receivedMessage struct {
	Method string
	Params json.RawMessage
}

// serverRequestHandler answers a client request. Returning a nil result
// and nil error replies with null.
type serverRequestHandler func(s *peerSession, params json.RawMessage) (any, *RPCError)

// fakeServer is an in-process language server speaking over a PipeTransport.
type fakeServer struct {
	t            *testing.T
	capabilities string

	mu       sync.Mutex
	handlers map[string]serverRequestHandler
	messages []receivedMessage
	sessions []*peerSession

	connects atomic.Int32
}

func newFakeServer(t *testing.T, capabilities string) *fakeServer {
	t.Helper()
	if capabilities == "" {
		capabilities = "{}"
	}
	return &fakeServer{
		t:            t,
		capabilities: capabilities,
		handlers:     make(map[string]serverRequestHandler),
	}
}

// handle overrides the reply to a client request method.
func (f *fakeServer) handle(method string, h serverRequestHandler) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeServer) transport() *PipeTransport {
	return NewPipeTransport(f.serve)
}

// session returns the most recent connection.
func (f *fakeServer) session() *peerSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// received returns the params of every message read with method.
func (f *fakeServer) received(method string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, m := range f.messages {
		if m.Method == method {
			out = append(out, m.Params)
		}
	}
	return out
}

// waitFor blocks until a message with method has been read.
func (f *fakeServer) waitFor(method string) json.RawMessage {
	f.t.Helper()
	var params json.RawMessage
	require.Eventually(f.t, func() bool {
		msgs := f.received(method)
		if len(msgs) == 0 {
			return false
		}
		params = msgs[len(msgs)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond, "server never received %s", method)
	return params
}

func (f *fakeServer) serve(ctx context.Context, peer Stream) {
	f.connects.Add(1)
	s := &peerSession{server: f, peer: peer, pending: make(map[string]chan *incoming)}

	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()

	for {
		data, err := peer.Read(ctx)
		if err != nil {
			return
		}
		var msg incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.isResponse() {
			s.deliver(&msg)
			continue
		}

		f.mu.Lock()
		f.messages = append(f.messages, receivedMessage{Method: msg.Method, Params: msg.Params})
		handler, ok := f.handlers[msg.Method]
		f.mu.Unlock()

		if !msg.isRequest() {
			if msg.Method == MethodExit {
				_ = peer.Close()
				return
			}
			continue
		}

		go func(msg incoming) {
			var result any
			var rpcErr *RPCError
			switch {
			case ok:
				result, rpcErr = handler(s, msg.Params)
			case msg.Method == MethodInitialize:
				result = map[string]any{
					"capabilities": json.RawMessage(f.capabilities),
					"serverInfo":   map[string]string{"name": "fake", "version": "1.0"},
				}
			}
			s.reply(msg.ID, result, rpcErr)
		}(msg)
	}
}

// peerSession is one connection of the fake server.
type peerSession struct {
	server *fakeServer
	peer   Stream

	mu      sync.Mutex
	nextID  int
	pending map[string]chan *incoming
}

func (s *peerSession) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.peer.Write(context.Background(), data)
}

func (s *peerSession) reply(id json.RawMessage, result any, rpcErr *RPCError) {
	resp := &Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, _ := json.Marshal(result)
		rm := json.RawMessage(raw)
		resp.Result = &rm
	}
	_ = s.write(resp)
}

// notify sends a notification to the client.
func (s *peerSession) notify(method string, params any) error {
	return s.write(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// request sends a request to the client and waits for its response.
func (s *peerSession) request(method string, params any) (*incoming, error) {
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("srv-%d", s.nextID)
	ch := make(chan *incoming, 1)
	s.pending[`"`+id+`"`] = ch
	s.mu.Unlock()

	if err := s.write(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(2 * time.Second):
		return nil, fmt.Errorf("no response to %s", method)
	}
}

func (s *peerSession) deliver(msg *incoming) {
	s.mu.Lock()
	ch, ok := s.pending[string(msg.ID)]
	delete(s.pending, string(msg.ID))
	s.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// drop closes the connection from the server side.
func (s *peerSession) drop() {
	_ = s.peer.Close()
}
