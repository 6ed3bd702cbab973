// Package inspector drives one browser page per session and records the
// page's console and network activity while the caller navigates, logs in,
// extracts text and captures screenshots.
//
// A Session moves Uninitialized -> Initialized -> Closed and never back.
// Page operations are meant to be called one at a time; event observers run
// concurrently on engine goroutines and append to the session's log buffer.
// There is no flush: call Wait before reading logs to give pending events a
// chance to land.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/browser-inspector/internal/browserlog"
	"github.com/kuitang/browser-inspector/internal/errs"
	"github.com/kuitang/browser-inspector/internal/obs"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotInitialized     = errs.New(errs.FailedPrecondition, "agent not initialized")
	ErrAlreadyInitialized = errs.New(errs.FailedPrecondition, "session already initialized")
	ErrSessionClosed      = errs.New(errs.FailedPrecondition, "session closed; create a new session")

	// ErrTimeout is matched by drivers' timeout errors via errors.Is.
	ErrTimeout = errors.New("browser operation timed out")
)

// Options tune a Session.
type Options struct {
	// DiagnosticDir receives the screenshot taken when login cannot be
	// verified. Empty means the working directory.
	DiagnosticDir string
	// LoginTimeout bounds the post-submit URL poll. Zero means 10s.
	LoginTimeout time.Duration
	Logger       *slog.Logger
}

// Session owns one browser and one page.
type Session struct {
	id     string
	driver Driver
	opts   Options
	log    *slog.Logger

	mu      sync.Mutex
	state   State
	browser Browser
	page    Page
	logs    *browserlog.Buffer
}

// New returns an uninitialized session backed by driver.
func New(driver Driver, opts Options) *Session {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = DefaultLoginTimeout
	}
	id := obs.NewSessionID()
	logger := opts.Logger
	if logger == nil {
		logger = obs.Pkg("inspector")
	}
	return &Session{
		id:     id,
		driver: driver,
		opts:   opts,
		log:    logger.With("session_id", id, "engine", driver.Name()),
		logs:   browserlog.NewBuffer(),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State reports the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize launches the browser, opens the page, starts empty logs and
// registers the console and network observers. Launch errors are returned
// as-is (wrapped); there is no retry.
func (s *Session) Initialize(headless bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateInitialized:
		return ErrAlreadyInitialized
	case StateClosed:
		return ErrSessionClosed
	}

	browser, err := s.driver.Launch(headless)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "launch "+s.driver.Name()+" browser", err)
	}
	page, err := browser.NewPage()
	if err != nil {
		if closeErr := browser.Close(); closeErr != nil {
			s.log.Warn("browser_close_failed", "err", closeErr)
		}
		return errs.Wrap(errs.Unavailable, "open page", err)
	}

	logs := browserlog.NewBuffer()
	page.Observe(observerFor(logs))

	s.browser = browser
	s.page = page
	s.logs = logs
	s.state = StateInitialized
	obs.SessionOpened()
	s.log.Debug("session_initialized", "headless", headless)
	return nil
}

// observerFor binds page events to sink. Each session generation gets its own
// sink so events that arrive after Close never reach the next buffer.
func observerFor(sink browserlog.Sink) Observer {
	return Observer{
		Console: func(e ConsoleEvent) {
			entry := browserlog.ConsoleEntry{Type: e.Type, Text: e.Text}
			if e.Location != nil {
				entry.Location = browserlog.FormatLocation(e.Location.URL, e.Location.Line, e.Location.Column)
			}
			sink.AppendConsole(entry)
		},
		RequestFinished: func(e RequestEvent) {
			go func() {
				entry := browserlog.NetworkEntry{URL: e.URL, Method: e.Method}
				if e.Status != nil {
					// A response that cannot be read is recorded like a missing one.
					if status, err := e.Status(); err == nil {
						entry.Status = &status
					}
				}
				sink.AppendNetwork(entry)
			}()
		},
		RequestFailed: func(e RequestFailure) {
			sink.AppendNetworkError(browserlog.FormatNetworkError(e.Method, e.URL, e.Reason))
		},
	}
}

func (s *Session) activePage() (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitialized || s.page == nil {
		return nil, ErrNotInitialized
	}
	return s.page, nil
}

func engineError(op string, err error) error {
	if errors.Is(err, ErrTimeout) {
		return errs.Wrap(errs.DeadlineExceeded, op, err)
	}
	return errs.Wrap(errs.Unavailable, op, err)
}

// NavigateTo loads url and returns after DOMContentLoaded. The engine's
// default navigation timeout applies.
func (s *Session) NavigateTo(url string) error {
	page, err := s.activePage()
	if err != nil {
		return err
	}
	if strings.TrimSpace(url) == "" {
		return errs.New(errs.InvalidArgument, "url is required")
	}
	if err := page.Goto(url); err != nil {
		return engineError("navigate to "+url, err)
	}
	s.log.Debug("navigated", "url", url)
	return nil
}

// Wait sleeps for d. It has no side effects and does not require an
// initialized session.
func (s *Session) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TakeScreenshot writes a full-page screenshot to path.
func (s *Session) TakeScreenshot(path string) error {
	page, err := s.activePage()
	if err != nil {
		return err
	}
	if err := page.Screenshot(path); err != nil {
		return engineError("capture screenshot "+path, err)
	}
	return nil
}

// ExtractElements returns, per selector, the trimmed textContent of every
// matching element. A selector with no match maps to an empty slice.
func (s *Session) ExtractElements(selectors []string) (map[string][]string, error) {
	page, err := s.activePage()
	if err != nil {
		return nil, err
	}
	results := make(map[string][]string, len(selectors))
	for _, selector := range selectors {
		texts, err := page.TextContents(selector)
		if err != nil {
			return nil, engineError(fmt.Sprintf("extract %q", selector), err)
		}
		trimmed := make([]string, 0, len(texts))
		for _, text := range texts {
			trimmed = append(trimmed, strings.TrimSpace(text))
		}
		results[selector] = trimmed
	}
	return results, nil
}

// CurrentURL returns the page URL.
func (s *Session) CurrentURL() (string, error) {
	page, err := s.activePage()
	if err != nil {
		return "", err
	}
	return page.URL(), nil
}

func (s *Session) buffer() *browserlog.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs
}

// ConsoleLogs returns a copy of the console log.
func (s *Session) ConsoleLogs() []browserlog.ConsoleEntry { return s.buffer().Console() }

// ConsoleErrors returns a copy of the console entries of type "error".
func (s *Session) ConsoleErrors() []browserlog.ConsoleEntry { return s.buffer().ConsoleErrors() }

// NetworkLogs returns a copy of the completed-request log.
func (s *Session) NetworkLogs() []browserlog.NetworkEntry { return s.buffer().Network() }

// NetworkErrors returns a copy of the transport failure log.
func (s *Session) NetworkErrors() []string { return s.buffer().NetworkErrors() }

// Close closes the browser if one is open, drops the page and starts empty
// logs. It is safe to call in any state and more than once. A browser close
// error is returned but the session is closed regardless.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.browser != nil {
		if closeErr := s.browser.Close(); closeErr != nil {
			err = errs.Wrap(errs.Unavailable, "close browser", closeErr)
		}
	}
	if s.state == StateInitialized {
		obs.SessionClosed()
		s.log.Debug("session_closed")
	}
	s.browser = nil
	s.page = nil
	s.logs = browserlog.NewBuffer()
	s.state = StateClosed
	return err
}
