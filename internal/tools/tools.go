// Package tools runs one inspection action in a fresh browser session:
// initialize, optionally log in, navigate, settle, act, close.
package tools

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/kuitang/browser-inspector/internal/artifacts"
	"github.com/kuitang/browser-inspector/internal/browserlog"
	"github.com/kuitang/browser-inspector/internal/config"
	"github.com/kuitang/browser-inspector/internal/errs"
	"github.com/kuitang/browser-inspector/internal/inspector"
	"github.com/kuitang/browser-inspector/internal/obs"
)

// Action is what a tool call does once the target page is loaded.
type Action string

const (
	ActionCapture         Action = "capture"
	ActionExtractElements Action = "extract_elements"
	ActionConsoleLogs     Action = "get_console_logs"
	ActionConsoleErrors   Action = "get_console_errors"
	ActionNetworkLogs     Action = "get_network_logs"
	ActionNetworkErrors   Action = "get_network_errors"
)

// Actions lists every action.
var Actions = []Action{
	ActionCapture,
	ActionExtractElements,
	ActionConsoleLogs,
	ActionConsoleErrors,
	ActionNetworkLogs,
	ActionNetworkErrors,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// settles reports whether the runner waits for late page activity before
// acting. Extraction reads the DOM as soon as it is loaded.
func (a Action) settles() bool {
	return a != ActionExtractElements
}

var ErrStillOnLoginPage = errs.New(errs.FailedPrecondition, "still on login page after login attempt")

// Request is one tool call.
type Request struct {
	Action     Action
	TargetPage string
	// Selectors are used by ActionExtractElements.
	Selectors []string
	// ScreenshotPath is where ActionCapture writes. Its directory is created
	// just before the screenshot is taken.
	ScreenshotPath string
}

// Result holds what the action produced. Only the fields relevant to the
// action are set.
type Result struct {
	Action Action
	// Login is set when login was attempted.
	Login *inspector.LoginResult

	Console       []browserlog.ConsoleEntry
	Network       []browserlog.NetworkEntry
	NetworkErrors []string

	// Selectors is the de-duplicated selector list in request order;
	// Extracted has one entry per selector.
	Selectors []string
	Extracted map[string][]string

	ScreenshotPath string
	// ScreenshotURL is set when the screenshot was uploaded.
	ScreenshotURL string
}

// Runner executes requests. It is safe for concurrent use; every call owns
// its own session.
type Runner struct {
	cfg      *config.Config
	driver   inspector.Driver
	uploader artifacts.Uploader
}

// NewRunner returns a runner launching browsers with driver. uploader may be
// nil.
func NewRunner(cfg *config.Config, driver inspector.Driver, uploader artifacts.Uploader) *Runner {
	return &Runner{cfg: cfg, driver: driver, uploader: uploader}
}

// Run executes req. The session is closed on every path.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx = obs.WithCorrelation(ctx, obs.Correlation{Tool: string(req.Action)})

	res, err := r.run(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = string(errs.CodeOf(err))
	}
	obs.ObserveToolCall(string(req.Action), outcome, time.Since(start))
	log := obs.From(ctx).With("pkg", "tools")
	if err != nil {
		log.Warn("tool_call_failed", "outcome", outcome, "dur_ms", time.Since(start).Milliseconds(), "err", err)
	} else {
		log.Info("tool_call_completed", "dur_ms", time.Since(start).Milliseconds())
	}
	return res, err
}

func (r *Runner) validate(req *Request) error {
	if !req.Action.Valid() {
		return errs.New(errs.NotFound, "Unknown tool: "+string(req.Action))
	}
	req.TargetPage = strings.TrimSpace(req.TargetPage)
	if req.TargetPage == "" {
		return errs.New(errs.InvalidArgument, "targetPage is required")
	}
	if req.Action == ActionExtractElements {
		req.Selectors = dedupe(req.Selectors)
		if len(req.Selectors) == 0 {
			return errs.New(errs.InvalidArgument, "selectors must be a non-empty list")
		}
	}
	if req.Action == ActionCapture && req.ScreenshotPath == "" {
		return errs.New(errs.InvalidArgument, "screenshot path is required")
	}
	if r.cfg.Login.Enabled {
		if missing := r.cfg.MissingLoginVars(false); len(missing) > 0 {
			return errs.New(errs.InvalidArgument, "Missing login environment variables: "+strings.Join(missing, ", "))
		}
	}
	return nil
}

func (r *Runner) run(ctx context.Context, req Request) (*Result, error) {
	if err := r.validate(&req); err != nil {
		return nil, err
	}

	session := inspector.New(r.driver, inspector.Options{
		DiagnosticDir: r.cfg.DiagnosticDir,
		LoginTimeout:  r.cfg.LoginTimeout,
		Logger:        obs.From(ctx).With("pkg", "inspector"),
	})
	ctx = obs.WithCorrelation(ctx, obs.Correlation{SessionID: session.ID()})
	log := obs.From(ctx).With("pkg", "tools")
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("session_close_failed", "err", err)
		}
	}()

	if err := session.Initialize(r.cfg.Headless); err != nil {
		return nil, err
	}

	res := &Result{Action: req.Action}
	if r.cfg.Login.Enabled {
		login, err := r.login(session)
		if err != nil {
			return nil, err
		}
		res.Login = &login
	}

	if err := session.NavigateTo(req.TargetPage); err != nil {
		return nil, err
	}
	if req.Action == ActionExtractElements && r.cfg.Login.Enabled {
		current, err := session.CurrentURL()
		if err != nil {
			return nil, err
		}
		if inspector.StillOnLoginPage(current) {
			return nil, ErrStillOnLoginPage
		}
	}
	if req.Action.settles() {
		if err := session.Wait(ctx, r.cfg.SettleDelay); err != nil {
			return nil, errs.Wrap(errs.DeadlineExceeded, "wait for page to settle", err)
		}
	}

	switch req.Action {
	case ActionCapture:
		artifacts.Local{Dir: filepath.Dir(req.ScreenshotPath), Log: log}.Prepare()
		if err := session.TakeScreenshot(req.ScreenshotPath); err != nil {
			return nil, err
		}
		res.ScreenshotPath = req.ScreenshotPath
		res.Console = session.ConsoleLogs()
		if r.uploader != nil {
			// The local file is the primary artifact; a failed upload is
			// reported in logs only.
			url, err := r.uploader.Upload(ctx, req.ScreenshotPath)
			if err != nil {
				log.Warn("screenshot_upload_failed", "path", req.ScreenshotPath, "err", err)
			} else {
				res.ScreenshotURL = url
			}
		}
	case ActionExtractElements:
		extracted, err := session.ExtractElements(req.Selectors)
		if err != nil {
			return nil, err
		}
		res.Selectors = req.Selectors
		res.Extracted = extracted
	case ActionConsoleLogs:
		res.Console = session.ConsoleLogs()
	case ActionConsoleErrors:
		res.Console = session.ConsoleErrors()
	case ActionNetworkLogs:
		res.Network = session.NetworkLogs()
	case ActionNetworkErrors:
		res.NetworkErrors = session.NetworkErrors()
	}
	return res, nil
}

func (r *Runner) login(session *inspector.Session) (inspector.LoginResult, error) {
	l := r.cfg.Login
	if err := session.NavigateTo(l.URL); err != nil {
		return inspector.LoginResult{}, err
	}
	return session.Login(
		inspector.Credentials{Username: l.Username, Password: l.Password},
		inspector.LoginSelectors{
			UsernameField: l.UsernameSelector(),
			PasswordField: l.PasswordSelector(),
			SubmitButton:  l.SubmitSelector(),
		},
	)
}

func dedupe(selectors []string) []string {
	seen := make(map[string]bool, len(selectors))
	out := make([]string, 0, len(selectors))
	for _, s := range selectors {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
