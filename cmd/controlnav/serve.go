package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"controlnav/internal/browser"
	"controlnav/internal/config"
	"controlnav/internal/mangle"
	mcpserver "controlnav/internal/mcp"
	"controlnav/internal/navigation"
	"controlnav/internal/recorder"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

func newServeCmd(flags *configFlags) *cobra.Command {
	var ssePort int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the navigation tools over MCP (stdio unless --sse-port is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, wsDir, err := flags.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if ssePort != 0 {
				cfg.MCP.SSEPort = ssePort
			}
			return runServe(cmd.Context(), cfg, wsDir)
		},
	}
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve SSE on this port instead of stdio (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, wsDir string) error {
	// Stdout carries the protocol in stdio mode, so logs go to a file or nowhere.
	if cfg.MCP.SSEPort == 0 {
		out, closeLog := openLogFile(cfg.Server.LogFile)
		defer closeLog()
		logger := pslog.NewWithOptions(out, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
		ctx = pslog.ContextWithLogger(ctx, logger)
		log.SetOutput(pslog.LogLogger(logger).Writer())
	}
	logger := pslog.Ctx(ctx)
	if wsDir != "" {
		logger.Info("using workspace", "dir", wsDir)
	}

	engine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return fmt.Errorf("initialize fact engine: %w", err)
	}

	nav, err := navigationOptions(cfg)
	if err != nil {
		return err
	}
	nav.Logger = logger

	opts := browser.Options{
		Browser:    cfg.Browser,
		Navigation: nav,
		Sink:       engine,
		Logger:     logger.With("component", "sessions"),
	}
	if cfg.Trace.Enable {
		rec, err := recorder.NewRecorder(cfg.Trace.Dir, cfg.Trace.GetKeep())
		if err != nil {
			return fmt.Errorf("initialize trace recorder: %w", err)
		}
		defer rec.Close()
		opts.Tracer = rec
	}

	sessions := browser.NewSessionManager(opts)
	defer func() {
		if err := sessions.Shutdown(context.Background()); err != nil {
			logger.Warn("browser shutdown failed", "err", err)
		}
	}()
	if cfg.Browser.AutoStart {
		if err := sessions.Start(ctx); err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
	} else {
		logger.Info("browser auto-start disabled; use launch-browser to attach later")
	}

	server, err := mcpserver.NewServer(cfg, sessions, engine)
	if err != nil {
		return fmt.Errorf("initialize MCP server: %w", err)
	}

	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting MCP SSE server", "port", cfg.MCP.SSEPort)
		err = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting MCP stdio server")
		err = server.Start(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}

// openLogFile falls back to discarding output when the file cannot be opened.
func openLogFile(path string) (io.Writer, func()) {
	if path == "" {
		return io.Discard, func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return io.Discard, func() {}
	}
	return f, func() { _ = f.Close() }
}

// navigationOptions validates the navigation section and converts it into
// controller options.
func navigationOptions(cfg config.Config) (navigation.Options, error) {
	tabs, err := cfg.Navigation.TabSet()
	if err != nil {
		return navigation.Options{}, fmt.Errorf("navigation tabs: %w", err)
	}
	fallback, err := cfg.Navigation.FallbackMode()
	if err != nil {
		return navigation.Options{}, fmt.Errorf("navigation fallback: %w", err)
	}
	return navigation.Options{
		Tabs:       tabs,
		Override:   cfg.Navigation.BasePathOverride,
		Fallback:   fallback,
		TokenParam: cfg.Navigation.GetTokenParam(),
	}, nil
}
