package lsp

import "context"

// Next performs the default behavior of an intercepted operation.
type Next[P any] func(ctx context.Context, params P) error

// Hook intercepts an operation. It may call next, possibly with altered
// params, or return without calling it to suppress the default behavior.
type Hook[P any] func(ctx context.Context, params P, next Next[P]) error

// DiagnosticsNext delivers diagnostics to their default consumers.
type DiagnosticsNext func(uri DocumentURI, diagnostics []Diagnostic)

// Middleware holds optional interception hooks. A nil hook means the
// default behavior runs directly.
type Middleware struct {
	DidOpen   Hook[*DidOpenTextDocumentParams]
	DidChange Hook[*DidChangeTextDocumentParams]
	DidClose  Hook[*DidCloseTextDocumentParams]
	DidSave   Hook[*DidSaveTextDocumentParams]

	HandleDiagnostics func(uri DocumentURI, diagnostics []Diagnostic, next DiagnosticsNext)

	HandleRegisterCapability   Hook[*RegistrationParams]
	HandleUnregisterCapability Hook[*UnregistrationParams]
}

// intercept runs hook around next, or next alone when hook is nil.
func intercept[P any](ctx context.Context, hook Hook[P], params P, next Next[P]) error {
	if hook == nil {
		return next(ctx, params)
	}
	return hook(ctx, params, next)
}

func (m *Middleware) handleDiagnostics(uri DocumentURI, diagnostics []Diagnostic, next DiagnosticsNext) {
	if m.HandleDiagnostics == nil {
		next(uri, diagnostics)
		return
	}
	m.HandleDiagnostics(uri, diagnostics, next)
}
