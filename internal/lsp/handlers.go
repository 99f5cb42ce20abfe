package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// installBuiltins wires the handlers every session needs.
func (c *Client) installBuiltins(conn *Conn) {
	conn.OnNotification(MethodLogMessage, func(_ context.Context, raw json.RawMessage) {
		var params LogMessageParams
		if err := json.Unmarshal(raw, &params); err != nil {
			c.logger.Warn("invalid window/logMessage params", zap.Error(err))
			return
		}
		c.host.Window().LogMessage(params.Type, params.Message)
	})

	conn.OnNotification(MethodShowMessage, func(_ context.Context, raw json.RawMessage) {
		var params ShowMessageParams
		if err := json.Unmarshal(raw, &params); err != nil {
			c.logger.Warn("invalid window/showMessage params", zap.Error(err))
			return
		}
		c.host.Window().ShowMessage(params.Type, params.Message)
	})

	conn.OnRequest(MethodShowMessageRequest, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params ShowMessageRequestParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		requester, ok := c.host.Window().(MessageRequester)
		if !ok {
			c.host.Window().ShowMessage(params.Type, params.Message)
			return nil, nil
		}
		item, err := requester.ShowMessageRequest(ctx, params)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, nil
		}
		return item, nil
	})

	conn.OnNotification(MethodPublishDiagnostics, func(_ context.Context, raw json.RawMessage) {
		var params PublishDiagnosticsParams
		if err := json.Unmarshal(raw, &params); err != nil {
			c.logger.Warn("invalid publishDiagnostics params", zap.Error(err))
			return
		}
		c.middleware.handleDiagnostics(params.URI, params.Diagnostics, c.publishDiagnostics)
	})

	conn.OnRequest(MethodRegisterCapability, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params RegistrationParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		return nil, intercept(ctx, c.middleware.HandleRegisterCapability, &params, c.handleRegistration)
	})

	conn.OnRequest(MethodUnregisterCapability, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params UnregistrationParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		return nil, intercept(ctx, c.middleware.HandleUnregisterCapability, &params, c.handleUnregistration)
	})

	conn.OnRequest(MethodWorkspaceConfiguration, func(_ context.Context, raw json.RawMessage) (any, error) {
		var params ConfigurationParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		results := make([]any, len(params.Items))
		for i, item := range params.Items {
			results[i] = c.host.Configuration().Get(item.Section)
		}
		return results, nil
	})

	// Workspace folders are not supported; the handshake announces null.
	conn.OnRequest(MethodWorkspaceFolders, func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})
}

// publishDiagnostics is the default diagnostics delivery.
func (c *Client) publishDiagnostics(uri DocumentURI, diagnostics []Diagnostic) {
	if p, ok := c.host.Window().(DiagnosticsPublisher); ok {
		p.PublishDiagnostics(uri, diagnostics)
	}

	c.mu.Lock()
	fns := make([]func(DocumentURI, []Diagnostic), 0, len(c.diagListeners))
	for _, fn := range c.diagListeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(uri, diagnostics)
	}
}

// OnDiagnostics registers fn to receive published diagnostics after
// middleware. The returned release func is idempotent.
func (c *Client) OnDiagnostics(fn func(uri DocumentURI, diagnostics []Diagnostic)) (release func()) {
	c.mu.Lock()
	c.tokens++
	token := c.tokens
	c.diagListeners[token] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.diagListeners, token)
			c.mu.Unlock()
		})
	}
}

// OnRequest registers a handler for server requests of method. It stays
// installed across restarts until released; the release func is
// idempotent.
func (c *Client) OnRequest(method string, handler RequestHandler) (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens++
	entry := userHandler[RequestHandler]{token: c.tokens, fn: handler}
	if prev, ok := c.userRequests[method]; ok && prev.release != nil {
		prev.release()
	}
	if c.conn != nil {
		entry.release = c.conn.OnRequest(method, handler)
	}
	c.userRequests[method] = entry

	return releaseUserHandler(&c.mu, c.userRequests, method, entry.token)
}

// OnNotification registers a handler for server notifications of method.
// It stays installed across restarts until released; the release func is
// idempotent.
func (c *Client) OnNotification(method string, handler NotificationHandler) (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens++
	entry := userHandler[NotificationHandler]{token: c.tokens, fn: handler}
	if prev, ok := c.userNotifs[method]; ok && prev.release != nil {
		prev.release()
	}
	if c.conn != nil {
		entry.release = c.conn.OnNotification(method, handler)
	}
	c.userNotifs[method] = entry

	return releaseUserHandler(&c.mu, c.userNotifs, method, entry.token)
}

func releaseUserHandler[H any](mu *sync.Mutex, table map[string]userHandler[H], method string, token uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			entry, ok := table[method]
			if !ok || entry.token != token {
				return
			}
			if entry.release != nil {
				entry.release()
			}
			delete(table, method)
		})
	}
}

// installUserHandlersLocked installs the caller registered handlers on a
// new connection. The caller holds mu.
func (c *Client) installUserHandlersLocked(conn *Conn) {
	for method, entry := range c.userRequests {
		entry.release = conn.OnRequest(method, entry.fn)
		c.userRequests[method] = entry
	}
	for method, entry := range c.userNotifs {
		entry.release = conn.OnNotification(method, entry.fn)
		c.userNotifs[method] = entry
	}
}

// handleRegistration is the default client/registerCapability behavior.
func (c *Client) handleRegistration(_ context.Context, params *RegistrationParams) error {
	c.mu.Lock()
	if c.state != stateRunning {
		for _, reg := range params.Registrations {
			c.ignored[reg.ID] = struct{}{}
		}
		c.mu.Unlock()
		c.logger.Debug("ignoring registrations received before running",
			zap.Int("count", len(params.Registrations)))
		return nil
	}
	c.mu.Unlock()

	for _, reg := range params.Registrations {
		feature, ok := c.GetFeature(reg.Method)
		if !ok {
			return fmt.Errorf("%w: %s (registration %s)", ErrNoFeature, reg.Method, reg.ID)
		}

		options, err := c.withDefaultSelector(reg.RegisterOptions)
		if err != nil {
			return fmt.Errorf("registration %s for %s: %w", reg.ID, reg.Method, err)
		}

		if err := feature.Register(RegistrationData{ID: reg.ID, RegisterOptions: options}); err != nil {
			return fmt.Errorf("registration %s for %s: %w", reg.ID, reg.Method, err)
		}
		c.metrics.registered(1)
		c.logger.Debug("capability registered",
			zap.String("method", reg.Method), zap.String("id", reg.ID))
	}
	return nil
}

// handleUnregistration is the default client/unregisterCapability behavior.
func (c *Client) handleUnregistration(_ context.Context, params *UnregistrationParams) error {
	for _, unreg := range params.Unregisterations {
		c.mu.Lock()
		_, ignored := c.ignored[unreg.ID]
		if ignored {
			delete(c.ignored, unreg.ID)
		}
		c.mu.Unlock()
		if ignored {
			continue
		}

		feature, ok := c.GetFeature(unreg.Method)
		if !ok {
			return fmt.Errorf("%w: %s (unregistration %s)", ErrNoFeature, unreg.Method, unreg.ID)
		}
		if err := feature.Unregister(unreg.ID); err != nil {
			return fmt.Errorf("unregistration %s for %s: %w", unreg.ID, unreg.Method, err)
		}
		c.metrics.registered(-1)
		c.logger.Debug("capability unregistered",
			zap.String("method", unreg.Method), zap.String("id", unreg.ID))
	}
	return nil
}

// withDefaultSelector sets the client document selector on register
// options that carry none.
func (c *Client) withDefaultSelector(options json.RawMessage) (json.RawMessage, error) {
	if c.documentSelector == nil {
		return options, nil
	}
	if len(options) == 0 || string(options) == "null" {
		options = json.RawMessage("{}")
	}
	return setDocumentSelector(options, c.documentSelector)
}
