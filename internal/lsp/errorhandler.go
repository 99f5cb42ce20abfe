package lsp

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrorAction is the decision taken on a transport-level error.
type ErrorAction int

const (
	// ErrorActionContinue keeps the connection running.
	ErrorActionContinue ErrorAction = iota + 1
	// ErrorActionShutdown stops the client.
	ErrorActionShutdown
)

// String returns a human-readable action name.
func (a ErrorAction) String() string {
	switch a {
	case ErrorActionContinue:
		return "continue"
	case ErrorActionShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// CloseAction is the decision taken when the connection closes unexpectedly.
type CloseAction int

const (
	// CloseActionDoNotRestart leaves the client stopped.
	CloseActionDoNotRestart CloseAction = iota + 1
	// CloseActionRestart starts the client again.
	CloseActionRestart
)

// String returns a human-readable action name.
func (a CloseAction) String() string {
	switch a {
	case CloseActionDoNotRestart:
		return "do not restart"
	case CloseActionRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// ErrorHandler decides how the client reacts to connection failures.
type ErrorHandler interface {
	// Error is called for transport-level errors such as malformed
	// messages. msg is the offending message if one was read and count
	// the number of errors seen on the connection so far.
	Error(err error, msg json.RawMessage, count int) ErrorAction

	// Closed is called when the connection to the server closed while
	// the client was running.
	Closed() CloseAction
}

const (
	// DefaultMaxRestartCount is the number of closes tolerated before the
	// crash-loop window is checked.
	DefaultMaxRestartCount = 4

	// crashLoopWindow is the span within which more than the maximum
	// number of closes counts as a crash loop.
	crashLoopWindow = 3 * time.Minute

	// maxErrorCount is the number of transport errors tolerated.
	maxErrorCount = 3
)

// DefaultErrorHandler continues after up to three transport errors and
// restarts after a close unless the server closed more than
// maxRestartCount times within three minutes.
//
// Thread Safety: DefaultErrorHandler is safe for concurrent use.
type DefaultErrorHandler struct {
	mu sync.Mutex

	maxRestartCount int
	clock           clock.Clock
	restarts        []time.Time
}

// NewDefaultErrorHandler creates the default handler. A maxRestartCount
// below one selects DefaultMaxRestartCount; a nil clock selects the wall
// clock.
func NewDefaultErrorHandler(maxRestartCount int, clk clock.Clock) *DefaultErrorHandler {
	if maxRestartCount < 1 {
		maxRestartCount = DefaultMaxRestartCount
	}
	if clk == nil {
		clk = clock.New()
	}
	return &DefaultErrorHandler{
		maxRestartCount: maxRestartCount,
		clock:           clk,
	}
}

// Error implements ErrorHandler.
func (h *DefaultErrorHandler) Error(_ error, _ json.RawMessage, count int) ErrorAction {
	if count <= maxErrorCount {
		return ErrorActionContinue
	}
	return ErrorActionShutdown
}

// Closed implements ErrorHandler.
func (h *DefaultErrorHandler) Closed() CloseAction {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.restarts = append(h.restarts, h.clock.Now())
	if len(h.restarts) <= h.maxRestartCount {
		return CloseActionRestart
	}

	span := h.restarts[len(h.restarts)-1].Sub(h.restarts[0])
	if span <= crashLoopWindow {
		return CloseActionDoNotRestart
	}

	h.restarts = h.restarts[1:]
	return CloseActionRestart
}

// RestartCount returns the number of closes currently remembered.
func (h *DefaultErrorHandler) RestartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.restarts)
}

// CalculateBackoff returns the delay before restart attempt number
// attempt, growing by multiplier from initial and capped at max.
func CalculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
