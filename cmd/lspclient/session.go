package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/lspclient/internal/config"
	"github.com/dshills/lspclient/internal/lsp"
	"github.com/dshills/lspclient/internal/lsp/feature"
)

// session is one configured server with its client and features.
type session struct {
	server   *config.ServerConfig
	root     string
	settings *settings
	client   *lsp.Client
	features *feature.Set
	metrics  *http.Server
	logger   *zap.Logger
}

// newTransport builds the transport described by srv.
func newTransport(srv *config.ServerConfig, logger *zap.Logger) (lsp.Transport, error) {
	switch srv.Transport {
	case config.TransportStdio, "":
		return &lsp.StdioTransport{
			Command:     srv.Command,
			Args:        srv.Args,
			Env:         srv.Env,
			Dir:         srv.Dir,
			ExitTimeout: srv.StopTimeout,
			Logger:      logger.Named("stderr"),
		}, nil
	case config.TransportSocket:
		return &lsp.SocketTransport{Network: srv.Network, Address: srv.Address}, nil
	case config.TransportWebSocket:
		return &lsp.WebSocketTransport{URL: srv.URL}, nil
	default:
		return nil, fmt.Errorf("server %s: unknown transport %q", srv.Name, srv.Transport)
	}
}

// workspaceRoot returns the absolute workspace directory of srv.
func workspaceRoot(srv *config.ServerConfig) (string, error) {
	if srv.Root != "" {
		return filepath.Abs(srv.Root)
	}
	return os.Getwd()
}

// newSession wires a client for srv. Window messages go to out.
func newSession(c *config.Config, srv *config.ServerConfig, out io.Writer, interactive bool, logger *zap.Logger) (*session, error) {
	transport, err := newTransport(srv, logger)
	if err != nil {
		return nil, err
	}
	root, err := workspaceRoot(srv)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}

	s := &session{server: srv, root: root, settings: newSettings(srv), logger: logger}
	host := newConsoleHost(out, lsp.FilePathToURI(root), s.settings, interactive)

	opts := []lsp.ClientOption{
		lsp.WithLogger(logger),
		lsp.WithHost(host),
		lsp.WithClientInfo("lspclient", version),
		lsp.WithErrorHandler(lsp.NewDefaultErrorHandler(srv.MaxRestarts, nil)),
		lsp.WithRestartBackoff(srv.RestartBackoff, srv.RestartBackoffMax),
		lsp.WithStopTimeout(srv.StopTimeout),
		lsp.WithTrace(srv.Trace),
	}
	if len(srv.Languages) > 0 {
		opts = append(opts, lsp.WithDocumentSelector(lsp.ForLanguages(srv.Languages...)))
	}
	if srv.InitializationOptions != nil {
		opts = append(opts, lsp.WithInitializationOptions(srv.InitializationOptions))
	}
	if c.Metrics.Address != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, lsp.WithMetrics(lsp.NewMetrics(registry, srv.Name)))
		s.metrics = newMetricsServer(c.Metrics.Address, registry)
	}

	s.client = lsp.NewClient(srv.Name, transport, opts...)
	s.features = feature.NewSet(s.client, root, s.settings, feature.SetOptions{})
	if err := s.features.Register(s.client); err != nil {
		return nil, err
	}
	return s, nil
}

func newMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// Start serves metrics when configured and starts the client.
func (s *session) Start(ctx context.Context) error {
	if s.metrics != nil {
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
		s.logger.Info("serving metrics", zap.String("address", s.metrics.Addr))
	}
	return s.client.Start(ctx)
}

// Close stops the client and the metrics endpoint.
func (s *session) Close() error {
	err := s.client.Stop(s.server.StopTimeout)
	s.features.Dispose()
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.metrics.Shutdown(ctx)
	}
	return err
}

// Reload applies a reloaded configuration and pushes the settings to a
// running server.
func (s *session) Reload(ctx context.Context, c *config.Config) error {
	srv, err := c.Server(s.server.Name)
	if err != nil {
		return err
	}
	s.settings.Swap(srv)
	if s.client.State() != lsp.StateRunning {
		return nil
	}
	return s.features.Configuration.Notify(ctx)
}

// openFile reads path and opens it as a document.
func (s *session) openFile(ctx context.Context, path string) (feature.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return feature.Document{}, err
	}
	doc := feature.DocumentForPath(path)
	if err := s.features.Documents.Open(ctx, doc, string(data)); err != nil {
		return feature.Document{}, err
	}
	return doc, nil
}

// selectServer resolves the server named by the --server flag.
func selectServer() (*config.ServerConfig, error) {
	return cfg.Server(globalFlags.Server)
}
