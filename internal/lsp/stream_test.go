package lsp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewHeaderStream(nil, &buf, nil)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, json.RawMessage(`{"jsonrpc":"2.0","method":"a"}`)))
	require.NoError(t, w.Write(ctx, json.RawMessage(`{"jsonrpc":"2.0","method":"bb"}`)))
	assert.True(t, strings.HasPrefix(buf.String(), "Content-Length: 30\r\n\r\n{"))

	r := NewHeaderStream(&buf, io.Discard, nil)
	msg, err := r.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"a"}`, string(msg))

	msg, err = r.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"bb"}`, string(msg))

	_, err = r.Read(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeaderStreamHeaders(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{
			name:  "content type ignored",
			input: "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nContent-Length: 2\r\n\r\n{}",
			want:  "{}",
		},
		{
			name:  "case insensitive name",
			input: "content-length: 2\r\n\r\n[]",
			want:  "[]",
		},
		{
			name:    "missing length",
			input:   "Content-Type: x\r\n\r\n{}",
			wantErr: ErrMissingContentLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewHeaderStream(strings.NewReader(tt.input), io.Discard, nil)
			msg, err := s.Read(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(msg))
		})
	}
}

func TestHeaderStreamMalformedHeaderIsRecoverable(t *testing.T) {
	s := NewHeaderStream(strings.NewReader("garbage\r\n"), io.Discard, nil)
	_, err := s.Read(context.Background())
	require.Error(t, err)
	assert.False(t, isClosedErr(err))
}

func TestHeaderStreamRejectsOversizedContentLength(t *testing.T) {
	s := NewHeaderStream(strings.NewReader("Content-Length: 4611686018427387904\r\n\r\n{}"), io.Discard, nil)
	_, err := s.Read(context.Background())
	require.ErrorIs(t, err, ErrMessageTooLarge)
	assert.False(t, isClosedErr(err))

	_, err = s.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeaderStreamSkipsOversizedBody(t *testing.T) {
	input := "Content-Length: 10\r\n\r\n0123456789" + "Content-Length: 2\r\n\r\n{}"
	s := NewHeaderStream(strings.NewReader(input), io.Discard, nil)
	s.(*headerStream).maxSize = 4

	_, err := s.Read(context.Background())
	require.ErrorIs(t, err, ErrMessageTooLarge)

	msg, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "{}", string(msg))
}

func TestHeaderStreamTruncatedBody(t *testing.T) {
	s := NewHeaderStream(strings.NewReader("Content-Length: 10\r\n\r\n{}"), io.Discard, nil)
	_, err := s.Read(context.Background())
	require.Error(t, err)
	assert.True(t, isClosedErr(err))
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestHeaderStreamReaderFailureIsTerminal(t *testing.T) {
	s := NewHeaderStream(failingReader{errors.New("device gone")}, io.Discard, nil)
	_, err := s.Read(context.Background())
	require.Error(t, err)
	assert.True(t, isClosedErr(err))
	assert.Contains(t, err.Error(), "device gone")
}

type countingCloser struct{ n int }

func (c *countingCloser) Close() error {
	c.n++
	return nil
}

func TestHeaderStreamCloseOnce(t *testing.T) {
	closer := &countingCloser{}
	s := NewHeaderStream(strings.NewReader(""), io.Discard, closer)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, closer.n)
}

func TestHeaderStreamCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewHeaderStream(strings.NewReader(""), io.Discard, nil)
	_, err := s.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Write(ctx, json.RawMessage(`{}`)), context.Canceled)
}
