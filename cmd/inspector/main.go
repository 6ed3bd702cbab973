// Command inspector runs one browser inspection described by environment
// variables and prints the result to stdout.
//
//	TOOL_NAME=get_console_errors TARGET_PAGE=https://example.com inspector
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kuitang/browser-inspector/internal/browserlog"
	"github.com/kuitang/browser-inspector/internal/config"
	"github.com/kuitang/browser-inspector/internal/inspector"
	"github.com/kuitang/browser-inspector/internal/obs"
	"github.com/kuitang/browser-inspector/internal/tools"
)

// toolActions maps TOOL_NAME values onto runner actions.
var toolActions = map[string]tools.Action{
	config.ToolLoginAndCapture:  tools.ActionCapture,
	config.ToolExtractElements:  tools.ActionExtractElements,
	config.ToolGetConsoleLogs:   tools.ActionConsoleLogs,
	config.ToolGetConsoleErrors: tools.ActionConsoleErrors,
	config.ToolGetNetworkLogs:   tools.ActionNetworkLogs,
	config.ToolGetNetworkErrors: tools.ActionNetworkErrors,
}

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()
	obs.Init()

	cfg, err := config.LoadCLI()
	if err != nil {
		for _, msg := range config.ValidationMessages(err) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(1)
	}
	obs.SetLevel(cfg.LogLevel)

	driver, err := inspector.NewDriver(cfg.Engine, cfg.InstallBrowsers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, cfg, tools.NewRunner(cfg, driver, nil), os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// runner is the part of tools.Runner the CLI needs.
type runner interface {
	Run(ctx context.Context, req tools.Request) (*tools.Result, error)
}

// run executes the configured tool and returns the process exit code.
func run(ctx context.Context, cfg *config.Config, r runner, stdout, stderr io.Writer) int {
	action, ok := toolActions[cfg.Tool]
	if !ok {
		fmt.Fprintf(stderr, "Unknown tool: %s\n", cfg.Tool)
		return 1
	}

	req := tools.Request{
		Action:     action,
		TargetPage: cfg.TargetPage,
		Selectors:  cfg.Selectors,
	}
	if action == tools.ActionCapture {
		req.ScreenshotPath = cfg.CaptureFile
	}

	if cfg.Login.Enabled {
		fmt.Fprintf(stdout, "Logging in as %s...\n", cfg.Login.Username)
	}
	if action == tools.ActionExtractElements {
		fmt.Fprintf(stdout, "Extracting from %s...\n", cfg.TargetPage)
	}

	res, err := r.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if res.Login != nil {
		if res.Login.Verified() {
			fmt.Fprintln(stdout, "Logged in and ready.")
		} else {
			fmt.Fprintln(stderr, "Login may have failed (still on /login)")
		}
	}
	printResult(stdout, res)
	return 0
}

func printResult(w io.Writer, res *tools.Result) {
	switch res.Action {
	case tools.ActionCapture:
		fmt.Fprintf(w, "Screenshot saved as %s\n", res.ScreenshotPath)
		fmt.Fprintf(w, "Logs:\n%s\n", consoleLines(res.Console))
	case tools.ActionExtractElements:
		for _, sel := range res.Selectors {
			fmt.Fprintf(w, "\nSelector: %s\n", sel)
			for _, text := range res.Extracted[sel] {
				fmt.Fprintf(w, " - %s\n", text)
			}
		}
	case tools.ActionConsoleLogs:
		fmt.Fprintf(w, "Console logs:\n%s\n", consoleLines(res.Console))
	case tools.ActionConsoleErrors:
		fmt.Fprintf(w, "Console errors:\n%s\n", consoleLines(res.Console))
	case tools.ActionNetworkLogs:
		lines := make([]string, len(res.Network))
		for i, e := range res.Network {
			lines[i] = browserlog.FormatNetwork(e)
		}
		fmt.Fprintf(w, "Network logs:\n%s\n", strings.Join(lines, "\n"))
	case tools.ActionNetworkErrors:
		if len(res.NetworkErrors) == 0 {
			fmt.Fprintln(w, "No network errors.")
			return
		}
		fmt.Fprintf(w, "Network errors:\n%s\n", strings.Join(res.NetworkErrors, "\n"))
	}
}

func consoleLines(entries []browserlog.ConsoleEntry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = browserlog.FormatConsole(e)
	}
	return strings.Join(lines, "\n")
}
