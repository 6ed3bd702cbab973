// Command inspector-mcp serves the browser inspection tools over MCP. It
// speaks stdio by default; -http (or MCP_HTTP_ADDR) switches to Streamable
// HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kuitang/browser-inspector/internal/artifacts"
	"github.com/kuitang/browser-inspector/internal/config"
	"github.com/kuitang/browser-inspector/internal/inspector"
	"github.com/kuitang/browser-inspector/internal/mcp"
	"github.com/kuitang/browser-inspector/internal/obs"
	"github.com/kuitang/browser-inspector/internal/ratelimit"
	"github.com/kuitang/browser-inspector/internal/tools"
)

func main() {
	obs.Init()
	log := obs.Pkg("main")

	flags := config.ParseFlags()
	cfg, err := config.LoadServer(flags)
	if err != nil {
		for _, msg := range config.ValidationMessages(err) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(1)
	}
	obs.SetLevel(cfg.LogLevel)
	cfg.PrintStartupSummary()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, err := inspector.NewDriver(cfg.Engine, cfg.InstallBrowsers)
	if err != nil {
		log.Error("driver_init_failed", "err", err)
		os.Exit(1)
	}

	var uploader artifacts.Uploader
	if cfg.S3.Enabled() {
		s3Uploader, err := artifacts.NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			log.Error("s3_init_failed", "err", err)
			os.Exit(1)
		}
		uploader = s3Uploader
	}

	server := mcp.NewServer(tools.NewRunner(cfg, driver, uploader), cfg.ScreenshotDir)

	if cfg.HTTP.Addr == "" {
		if err := server.RunStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("mcp_stdio_failed", "err", err)
			os.Exit(1)
		}
		return
	}

	limiter := ratelimit.NewRateLimiter(cfg.HTTP.RateLimit)
	defer limiter.Stop()

	err = server.ListenAndServe(ctx, cfg.HTTP.Addr, mcp.HTTPOptions{
		AuthToken: cfg.HTTP.AuthToken,
		Limiter:   limiter,
	})
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("mcp_http_failed", "err", err)
		os.Exit(1)
	}
}
