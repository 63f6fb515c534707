// CLAUDE:SUMMARY CLI entry point for pdpd: HTTP/MCP daemon, one-shot page inspection and signal evaluation.
// Command pdpd is the PDP patch service.
//
// Usage:
//
//	pdpd -config pdpd.yaml                          # run the daemon with a config file
//	pdpd -db pdpd.db -listen :8087                  # run the daemon with defaults
//	pdpd -evaluate page.html -url https://shop/p/1  # score a saved page and exit
//	pdpd -inspect https://shop/p/1                  # open, resolve, apply and report, then exit
//	pdpd -inspect https://shop/p/1 -html page.html  # same, over a saved page
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pdpatch/pdpd"
	"github.com/hazyhaar/pdpatch/signals"
)

func main() {
	configPath := flag.String("config", "", "path to pdpd.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database")
	listen := flag.String("listen", "", "HTTP listen address")
	inspectURL := flag.String("inspect", "", "inspect a page URL and exit")
	htmlPath := flag.String("html", "", "saved page for -inspect instead of a live browser")
	evaluatePath := flag.String("evaluate", "", "score a saved HTML file and exit (with -url)")
	pageURL := flag.String("url", "", "page URL for -evaluate")
	asJSON := flag.Bool("json", false, "print -inspect results as JSON")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *evaluatePath != "":
		err = evaluate(*evaluatePath, *pageURL)
	default:
		var cfg *pdpd.Config
		if cfg, err = resolveConfig(*configPath, *dbPath, *listen); err != nil {
			break
		}
		if *inspectURL != "" {
			err = inspect(ctx, logger, cfg, *inspectURL, *htmlPath, *asJSON)
		} else {
			err = serve(ctx, logger, cfg)
		}
	}
	if err != nil {
		logger.Error("pdpd: fatal", "error", err)
		os.Exit(1)
	}
}

func resolveConfig(configPath, dbPath, listen string) (*pdpd.Config, error) {
	cfg := &pdpd.Config{}
	if configPath != "" {
		var err error
		if cfg, err = pdpd.LoadConfigFile(configPath); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if listen != "" {
		cfg.Listen = listen
	}
	return cfg, nil
}

func evaluate(path, pageURL string) error {
	if pageURL == "" {
		return errors.New("-evaluate requires -url")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	res := signals.Evaluate(pageURL, string(data))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"result":       res,
		"gate_default": res.Gate(signals.DefaultThreshold),
	})
}

func inspect(ctx context.Context, logger *slog.Logger, cfg *pdpd.Config, pageURL, htmlPath string, asJSON bool) error {
	var html string
	if htmlPath != "" {
		data, err := os.ReadFile(htmlPath)
		if err != nil {
			return err
		}
		html = string(data)
	} else {
		cfg.Browser.Enabled = true
	}

	svc, err := pdpd.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()
	if err := svc.Start(ctx); err != nil {
		return err
	}

	var out *pdpd.Inspection
	if html != "" {
		out, err = svc.InspectHTML(ctx, pageURL, html)
	} else {
		out, err = svc.Inspect(ctx, pageURL)
	}
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	_, err = fmt.Fprintln(os.Stdout, out.Report)
	return err
}

func serve(ctx context.Context, logger *slog.Logger, cfg *pdpd.Config) error {
	svc, err := pdpd.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()
	if err := svc.Start(ctx); err != nil {
		return err
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "pdpd", Version: "1.0.0"}, nil)
	svc.RegisterMCP(mcpSrv)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Handler(mcpSrv),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("pdpd: listening", "addr", cfg.Listen, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("pdpd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("pdpd: shutdown", "error", err)
	}
	return nil
}
