package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/lspclient/internal/config"
	"github.com/dshills/lspclient/internal/lsp"
)

type runFlags struct {
	Line      int
	Character int
	Settle    time.Duration
	Follow    bool
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Open a file and report hover, symbols and diagnostics",
	Long: `Starts the configured language server, opens FILE and prints the hover
at --line/--char, the document symbols and the diagnostics published
within --settle. With --follow the client keeps running: diagnostics are
printed as they change and configuration file edits are pushed to the
server until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runFile(ctx, args[0])
	},
}

func init() {
	runCmd.Flags().IntVarP(&runOpts.Line, "line", "l", 1, "1-based line to hover at")
	runCmd.Flags().IntVar(&runOpts.Character, "char", 1, "1-based character to hover at")
	runCmd.Flags().DurationVar(&runOpts.Settle, "settle", 2*time.Second, "how long to wait for diagnostics")
	runCmd.Flags().BoolVarP(&runOpts.Follow, "follow", "f", false, "keep running until interrupted")
}

func runFile(ctx context.Context, path string) error {
	srv, err := selectServer()
	if err != nil {
		return err
	}
	out := os.Stdout
	s, err := newSession(cfg, srv, out, globalFlags.Interactive, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("stopping server", zap.Error(err))
		}
	}()

	s.client.OnStateChange(func(ev lsp.StateChangeEvent) {
		logger.Info("client state", zap.Stringer("old", ev.OldState), zap.Stringer("new", ev.NewState))
	})

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("starting %s", srv.Name))
	if err := s.Start(ctx); err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("%s running", serverName(s)))

	doc, err := s.openFile(ctx, path)
	if err != nil {
		return err
	}

	pos := lsp.Position{Line: max(runOpts.Line-1, 0), Character: max(runOpts.Character-1, 0)}
	pterm.DefaultSection.Println("Hover")
	if hover, err := s.features.Hover.Hover(ctx, doc, pos); err != nil {
		pterm.Warning.WithWriter(out).Println(err.Error())
	} else if text := hoverText(hover); text != "" {
		pterm.Println(text)
	}

	pterm.DefaultSection.Println("Symbols")
	if symbols, err := s.features.Symbols.Symbols(ctx, doc); err != nil {
		pterm.Warning.WithWriter(out).Println(err.Error())
	} else if err := renderSymbols(out, symbols); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(runOpts.Settle):
	}
	pterm.DefaultSection.Println("Diagnostics")
	if err := renderDiagnostics(out, doc.URI, s.features.Diagnostics.Get(doc.URI)); err != nil {
		return err
	}

	if !runOpts.Follow {
		return nil
	}
	return follow(ctx, s)
}

// follow prints diagnostic changes and pushes configuration reloads until
// ctx is done.
func follow(ctx context.Context, s *session) error {
	release := s.features.Diagnostics.OnChange(func(uri lsp.DocumentURI, diags []lsp.Diagnostic) {
		if err := renderDiagnostics(os.Stdout, uri, diags); err != nil {
			logger.Warn("rendering diagnostics", zap.Error(err))
		}
	})
	defer release()

	if globalFlags.ConfigPath != "" {
		err := config.Watch(ctx, globalFlags.ConfigPath, config.DefaultReloadDebounce, func(c *config.Config, err error) {
			if err != nil {
				logger.Error("reloading configuration", zap.Error(err))
				return
			}
			if err := s.Reload(ctx, c); err != nil {
				logger.Warn("pushing configuration", zap.Error(err))
				return
			}
			logger.Info("configuration reloaded", zap.Strings("sections", s.features.Configuration.Sections()))
		})
		if err != nil {
			return err
		}
	}

	<-ctx.Done()
	renderSummary(os.Stdout, s.features.Diagnostics.Summary())
	return nil
}

func serverName(s *session) string {
	if res := s.client.InitializeResult(); res != nil && res.ServerInfo != nil {
		if res.ServerInfo.Version != "" {
			return res.ServerInfo.Name + " " + res.ServerInfo.Version
		}
		return res.ServerInfo.Name
	}
	return s.server.Name
}
