package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamPair returns two connected header streams.
func streamPair(t *testing.T) (Stream, Stream) {
	t.Helper()
	aR, bW := io.Pipe()
	bR, aW := io.Pipe()
	a := NewHeaderStream(aR, aW, multiCloser{aR, aW})
	b := NewHeaderStream(bR, bW, multiCloser{bR, bW})
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func readIncoming(t *testing.T, s Stream) *incoming {
	t.Helper()
	data, err := s.Read(context.Background())
	require.NoError(t, err)
	var msg incoming
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func writeJSON(t *testing.T, s Stream, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), data))
}

func newListeningConn(t *testing.T) (*Conn, Stream) {
	t.Helper()
	local, peer := streamPair(t)
	conn := NewConn(local)
	conn.Listen(context.Background())
	t.Cleanup(func() { _ = conn.Close() })
	return conn, peer
}

func TestConnCall(t *testing.T) {
	conn, peer := newListeningConn(t)

	go func() {
		msg := readIncoming(t, peer)
		assert.Equal(t, "textDocument/hover", msg.Method)
		assert.JSONEq(t, `{"line":3}`, string(msg.Params))
		writeJSON(t, peer, map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": map[string]string{"value": "doc"}})
	}()

	var result struct {
		Value string `json:"value"`
	}
	err := conn.Call(context.Background(), "textDocument/hover", map[string]int{"line": 3}, &result)
	require.NoError(t, err)
	assert.Equal(t, "doc", result.Value)
}

func TestConnCallError(t *testing.T) {
	conn, peer := newListeningConn(t)

	go func() {
		msg := readIncoming(t, peer)
		writeJSON(t, peer, map[string]any{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"error":   map[string]any{"code": CodeRequestCancelled, "message": "cancelled"},
		})
	}()

	err := conn.Call(context.Background(), "slow", nil, nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeRequestCancelled, rpcErr.Code)
	assert.Equal(t, "cancelled", rpcErr.Message)
}

func TestConnCallCancelSendsCancelRequest(t *testing.T) {
	conn, peer := newListeningConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- conn.Call(ctx, "slow", nil, nil) }()

	req := readIncoming(t, peer)
	assert.Equal(t, "slow", req.Method)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)

	note := readIncoming(t, peer)
	assert.Equal(t, MethodCancelRequest, note.Method)
	assert.JSONEq(t, `{"id":`+string(req.ID)+`}`, string(note.Params))
}

func TestConnCloseFailsPendingCalls(t *testing.T) {
	conn, peer := newListeningConn(t)

	errc := make(chan error, 1)
	go func() { errc <- conn.Call(context.Background(), "slow", nil, nil) }()
	readIncoming(t, peer)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed")
	}
	assert.True(t, conn.IsClosed())
	assert.ErrorIs(t, conn.Notify(context.Background(), "x", nil), ErrConnectionClosed)
	assert.ErrorIs(t, conn.Call(context.Background(), "x", nil, nil), ErrConnectionClosed)
}

func TestConnServesRequests(t *testing.T) {
	local, peer := streamPair(t)
	conn := NewConn(local)
	conn.OnRequest("workspace/configuration", func(_ context.Context, params json.RawMessage) (any, error) {
		return []any{json.RawMessage(params)}, nil
	})
	conn.OnRequest("client/fails", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("nope")
	})
	conn.Listen(context.Background())
	t.Cleanup(func() { _ = conn.Close() })

	writeJSON(t, peer, map[string]any{"jsonrpc": "2.0", "id": 7, "method": "workspace/configuration", "params": map[string]int{"a": 1}})
	resp := readIncoming(t, peer)
	assert.Equal(t, "7", string(resp.ID))
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `[{"a":1}]`, string(resp.Result))

	writeJSON(t, peer, map[string]any{"jsonrpc": "2.0", "id": "s1", "method": "client/fails"})
	resp = readIncoming(t, peer)
	assert.Equal(t, `"s1"`, string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)

	writeJSON(t, peer, map[string]any{"jsonrpc": "2.0", "id": 8, "method": "client/unknown"})
	resp = readIncoming(t, peer)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestConnDispatchesInOrder(t *testing.T) {
	local, peer := streamPair(t)
	conn := NewConn(local)

	const n = 50
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	conn.OnNotification("tick", func(_ context.Context, params json.RawMessage) {
		var i int
		_ = json.Unmarshal(params, &i)
		mu.Lock()
		got = append(got, i)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})
	conn.Listen(context.Background())
	t.Cleanup(func() { _ = conn.Close() })

	for i := 0; i < n; i++ {
		writeJSON(t, peer, map[string]any{"jsonrpc": "2.0", "method": "tick", "params": i})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestConnHandlerMayCallPeer(t *testing.T) {
	local, peer := streamPair(t)
	conn := NewConn(local)
	conn.OnRequest("client/ask", func(ctx context.Context, _ json.RawMessage) (any, error) {
		var answer string
		if err := conn.Call(ctx, "server/answer", nil, &answer); err != nil {
			return nil, err
		}
		return answer, nil
	})
	conn.Listen(context.Background())
	t.Cleanup(func() { _ = conn.Close() })

	writeJSON(t, peer, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "client/ask"})

	nested := readIncoming(t, peer)
	assert.Equal(t, "server/answer", nested.Method)
	writeJSON(t, peer, map[string]any{"jsonrpc": "2.0", "id": nested.ID, "result": "42"})

	resp := readIncoming(t, peer)
	assert.Equal(t, "1", string(resp.ID))
	assert.JSONEq(t, `"42"`, string(resp.Result))
}

func TestConnReleaseHandler(t *testing.T) {
	local, peer := streamPair(t)
	conn := NewConn(local)

	releaseA := conn.OnRequest("m", func(context.Context, json.RawMessage) (any, error) { return "a", nil })
	releaseA()
	conn.OnRequest("m", func(context.Context, json.RawMessage) (any, error) { return "b", nil })
	// A stale release must not remove the replacement.
	releaseA()

	conn.Listen(context.Background())
	t.Cleanup(func() { _ = conn.Close() })

	writeJSON(t, peer, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "m"})
	resp := readIncoming(t, peer)
	assert.JSONEq(t, `"b"`, string(resp.Result))
}

func TestConnReportsTransportErrors(t *testing.T) {
	local, peer := streamPair(t)
	conn := NewConn(local)

	counts := make(chan int, 4)
	conn.OnError(func(err error, msg json.RawMessage, count int) {
		assert.Error(t, err)
		counts <- count
	})
	conn.Listen(context.Background())
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, peer.Write(context.Background(), json.RawMessage(`{broken`)))
	require.NoError(t, peer.Write(context.Background(), json.RawMessage(`{"jsonrpc":"2.0"}`)))

	for want := 1; want <= 2; want++ {
		select {
		case got := <-counts:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("error not reported")
		}
	}
	assert.False(t, conn.IsClosed())
}

func TestConnPeerClose(t *testing.T) {
	local, peer := streamPair(t)
	conn := NewConn(local)

	closed := make(chan struct{})
	conn.OnClose(func() { close(closed) })
	conn.Listen(context.Background())

	require.NoError(t, peer.Close())

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not invoked")
	}
	assert.True(t, conn.IsClosed())
	<-conn.Done()
}

func TestConnLocalCloseSkipsOnClose(t *testing.T) {
	local, _ := streamPair(t)
	conn := NewConn(local)

	var called bool
	var mu sync.Mutex
	conn.OnClose(func() {
		mu.Lock()
		called = true
		mu.Unlock()
	})
	conn.Listen(context.Background())
	require.NoError(t, conn.Close())

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, called)
}
