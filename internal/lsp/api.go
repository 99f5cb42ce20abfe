package lsp

import (
	"context"
	"encoding/json"
)

// activeConn returns the connection of a running client.
func (c *Client) activeConn() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateRunning || c.conn == nil {
		return nil, ErrConnectionInactive
	}
	return c.conn, nil
}

// SendRequest sends a request and decodes the response into result, which
// may be nil. It fails with ErrConnectionInactive unless the client is
// running.
func (c *Client) SendRequest(ctx context.Context, method string, params, result any) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	err = conn.Call(ctx, method, params, result)
	c.metrics.request(method, err)
	return err
}

// SendNotification sends a notification. It fails with
// ErrConnectionInactive unless the client is running.
func (c *Client) SendNotification(ctx context.Context, method string, params any) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	c.metrics.notification(method)
	return conn.Notify(ctx, method, params)
}

// RequestType names a request with typed params and result.
type RequestType[P, R any] struct {
	Method string
}

// NewRequestType returns the request type of method.
func NewRequestType[P, R any](method string) RequestType[P, R] {
	return RequestType[P, R]{Method: method}
}

// NotificationType names a notification with typed params.
type NotificationType[P any] struct {
	Method string
}

// NewNotificationType returns the notification type of method.
func NewNotificationType[P any](method string) NotificationType[P] {
	return NotificationType[P]{Method: method}
}

// Call sends a typed request through c.
func Call[P, R any](ctx context.Context, c *Client, typ RequestType[P, R], params P) (R, error) {
	var result R
	err := c.SendRequest(ctx, typ.Method, params, &result)
	return result, err
}

// Notify sends a typed notification through c.
func Notify[P any](ctx context.Context, c *Client, typ NotificationType[P], params P) error {
	return c.SendNotification(ctx, typ.Method, params)
}

// HandleRequest registers a typed handler for server requests.
func HandleRequest[P, R any](c *Client, typ RequestType[P, R], fn func(ctx context.Context, params P) (R, error)) (release func()) {
	return c.OnRequest(typ.Method, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
			}
		}
		return fn(ctx, params)
	})
}

// HandleNotification registers a typed handler for server notifications.
// Notifications whose params do not decode are dropped.
func HandleNotification[P any](c *Client, typ NotificationType[P], fn func(ctx context.Context, params P)) (release func()) {
	return c.OnNotification(typ.Method, func(ctx context.Context, raw json.RawMessage) {
		var params P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				c.logger.Warn("dropping notification with invalid params")
				return
			}
		}
		fn(ctx, params)
	})
}

// DidOpen sends textDocument/didOpen through the middleware. It is
// skipped when the server announced sync without open and close.
func (c *Client) DidOpen(ctx context.Context, params *DidOpenTextDocumentParams) error {
	return intercept(ctx, c.middleware.DidOpen, params, func(ctx context.Context, p *DidOpenTextDocumentParams) error {
		if sync := c.resolvedSync(); sync != nil && !sync.OpenClose {
			return nil
		}
		return c.SendNotification(ctx, MethodDidOpen, p)
	})
}

// DidChange sends textDocument/didChange through the middleware. It is
// skipped when the server announced the None change kind.
func (c *Client) DidChange(ctx context.Context, params *DidChangeTextDocumentParams) error {
	return intercept(ctx, c.middleware.DidChange, params, func(ctx context.Context, p *DidChangeTextDocumentParams) error {
		if sync := c.resolvedSync(); sync != nil && sync.Change == TextDocumentSyncKindNone {
			return nil
		}
		return c.SendNotification(ctx, MethodDidChange, p)
	})
}

// DidClose sends textDocument/didClose through the middleware. It is
// skipped when the server announced sync without open and close.
func (c *Client) DidClose(ctx context.Context, params *DidCloseTextDocumentParams) error {
	return intercept(ctx, c.middleware.DidClose, params, func(ctx context.Context, p *DidCloseTextDocumentParams) error {
		if sync := c.resolvedSync(); sync != nil && !sync.OpenClose {
			return nil
		}
		return c.SendNotification(ctx, MethodDidClose, p)
	})
}

// DidSave sends textDocument/didSave through the middleware. It is
// skipped when the server announced sync without save; the text is
// dropped unless the server asked for it.
func (c *Client) DidSave(ctx context.Context, params *DidSaveTextDocumentParams) error {
	return intercept(ctx, c.middleware.DidSave, params, func(ctx context.Context, p *DidSaveTextDocumentParams) error {
		if sync := c.resolvedSync(); sync != nil {
			if sync.Save == nil {
				return nil
			}
			if !sync.Save.IncludeText && p.Text != "" {
				trimmed := *p
				trimmed.Text = ""
				p = &trimmed
			}
		}
		return c.SendNotification(ctx, MethodDidSave, p)
	})
}

func (c *Client) resolvedSync() *TextDocumentSyncOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capabilities == nil {
		return nil
	}
	return c.capabilities.ResolvedTextDocumentSync
}
