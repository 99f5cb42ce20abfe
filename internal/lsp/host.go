package lsp

import (
	"context"

	"go.uber.org/zap"
)

// Host is the environment the client runs in: where window messages go,
// which workspace is open and where configuration comes from.
type Host interface {
	Window() Window
	Workspace() Workspace
	Configuration() Configuration
}

// Window receives the server's log and show message notifications.
type Window interface {
	LogMessage(typ MessageType, message string)
	ShowMessage(typ MessageType, message string)
}

// MessageRequester is implemented by windows able to present the choices
// of a window/showMessageRequest. Without it the request is answered with
// null.
type MessageRequester interface {
	ShowMessageRequest(ctx context.Context, params ShowMessageRequestParams) (*MessageActionItem, error)
}

// DiagnosticsPublisher is implemented by windows that display diagnostics.
type DiagnosticsPublisher interface {
	PublishDiagnostics(uri DocumentURI, diagnostics []Diagnostic)
}

// Workspace describes the open workspace.
type Workspace interface {
	// RootURI returns the workspace root, or "" when none is open.
	RootURI() DocumentURI
}

// Configuration answers workspace/configuration requests.
type Configuration interface {
	// Get returns the settings of a section, or nil when unknown.
	// An empty section asks for the whole configuration.
	Get(section string) any
}

// LoggerHost is a Host that writes window messages to a zap logger.
// It is the default when a client is created without a host.
type LoggerHost struct {
	Logger   *zap.Logger
	Root     DocumentURI
	Settings map[string]any
}

// NewLoggerHost returns a host writing to logger.
func NewLoggerHost(logger *zap.Logger) *LoggerHost {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggerHost{Logger: logger}
}

func (h *LoggerHost) Window() Window               { return h }
func (h *LoggerHost) Workspace() Workspace         { return h }
func (h *LoggerHost) Configuration() Configuration { return h }

// LogMessage logs at the level matching typ.
func (h *LoggerHost) LogMessage(typ MessageType, message string) {
	switch typ {
	case MessageTypeError:
		h.Logger.Error(message)
	case MessageTypeWarning:
		h.Logger.Warn(message)
	case MessageTypeInfo:
		h.Logger.Info(message)
	default:
		h.Logger.Debug(message)
	}
}

// ShowMessage logs the message with a marker field.
func (h *LoggerHost) ShowMessage(typ MessageType, message string) {
	h.Logger.Info(message, zap.Stringer("type", typ), zap.Bool("show", true))
}

// RootURI implements Workspace.
func (h *LoggerHost) RootURI() DocumentURI { return h.Root }

// Get implements Configuration.
func (h *LoggerHost) Get(section string) any {
	if section == "" {
		if h.Settings == nil {
			return nil
		}
		return h.Settings
	}
	if v, ok := h.Settings[section]; ok {
		return v
	}
	return nil
}
