package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Stream is a duplex channel of whole JSON-RPC messages.
//
// Read returns io.EOF once the peer has closed its side. Any other error
// is a transport-level error (for example a malformed frame) and the
// stream remains usable.
type Stream interface {
	Read(ctx context.Context) (json.RawMessage, error)
	Write(ctx context.Context, msg json.RawMessage) error
	Close() error
}

// MaxMessageSize is the largest message body a header stream accepts.
const MaxMessageSize = 64 << 20

// headerStream implements the LSP base protocol framing:
// "Content-Length: N\r\n\r\n" followed by N bytes of JSON.
type headerStream struct {
	reader  *bufio.Reader
	writer  io.Writer
	closer  io.Closer
	maxSize int

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewHeaderStream returns a Stream reading from r and writing to w.
// The closer, if non-nil, is closed by Close.
func NewHeaderStream(r io.Reader, w io.Writer, c io.Closer) Stream {
	return &headerStream{
		reader:  bufio.NewReaderSize(r, 64*1024),
		writer:  w,
		closer:  c,
		maxSize: MaxMessageSize,
	}
}

// Read reads a single framed message. It blocks until a message arrives
// or the underlying reader fails; ctx is only checked before reading.
func (s *headerStream) Read(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contentLength := -1
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return nil, io.EOF
			}
			return nil, terminal(err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break // End of headers
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "content-length") {
			length, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || length < 0 {
				return nil, fmt.Errorf("invalid Content-Length %q", value)
			}
			contentLength = length
		}
		// Ignore Content-Type and other headers
	}

	if contentLength < 0 {
		return nil, ErrMissingContentLength
	}

	if contentLength > s.maxSize {
		// Skip the body so the next frame starts in the right place. A
		// failure while skipping surfaces on the next Read.
		_, _ = io.CopyN(io.Discard, s.reader, int64(contentLength))
		return nil, fmt.Errorf("%w: Content-Length %d, limit %d", ErrMessageTooLarge, contentLength, s.maxSize)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", terminal(err))
	}

	return body, nil
}

// Write writes msg with its Content-Length header.
func (s *headerStream) Write(ctx context.Context, msg json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	header := "Content-Length: " + strconv.Itoa(len(msg)) + "\r\n\r\n"

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if _, err := io.WriteString(s.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := s.writer.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Close closes the underlying closer once.
func (s *headerStream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}

// terminal marks an error of the underlying reader as ending the stream,
// so it is not mistaken for a recoverable framing error.
func terminal(err error) error {
	if isClosedErr(err) {
		return err
	}
	return fmt.Errorf("%w: %w", io.ErrUnexpectedEOF, err)
}
