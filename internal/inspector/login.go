package inspector

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/kuitang/browser-inspector/internal/errs"
	"github.com/kuitang/browser-inspector/internal/obs"
)

const (
	DefaultLoginTimeout = 10 * time.Second

	// DiagnosticScreenshotName is the file written when login cannot be
	// verified.
	DiagnosticScreenshotName = "login_maybe_failed.png"

	loginPathPredicate = `() => !window.location.pathname.includes('/login')`
)

// Credentials are typed into the login form.
type Credentials struct {
	Username string
	Password string
}

// LoginSelectors locate the login form controls.
type LoginSelectors struct {
	UsernameField string
	PasswordField string
	SubmitButton  string
}

// LoginOutcome is the result of the URL heuristic run after submitting.
type LoginOutcome string

const (
	// LoginVerified means the path stopped containing "/login" in time.
	LoginVerified LoginOutcome = "verified"
	// LoginUnverified means the form was submitted but the path still
	// contained "/login" when the poll ended.
	LoginUnverified LoginOutcome = "unverified"
)

// LoginResult describes how a login attempt ended. An unverified login is
// not an error; callers decide whether to proceed.
type LoginResult struct {
	Outcome LoginOutcome
	// URL is the page URL when the poll ended.
	URL string
	// DiagnosticScreenshot is set for unverified logins.
	DiagnosticScreenshot string
}

// Verified reports whether the heuristic saw the URL leave the login path.
func (r LoginResult) Verified() bool { return r.Outcome == LoginVerified }

// Login fills and submits the login form on the current page, then polls for
// up to the login timeout for the URL path to leave "/login". When it does
// not, Login logs a warning, captures DiagnosticScreenshotName and returns
// an unverified result with a nil error.
func (s *Session) Login(creds Credentials, sel LoginSelectors) (LoginResult, error) {
	page, err := s.activePage()
	if err != nil {
		return LoginResult{}, err
	}
	if sel.UsernameField == "" || sel.PasswordField == "" || sel.SubmitButton == "" {
		return LoginResult{}, errs.New(errs.InvalidArgument, "login selectors for username, password and submit are required")
	}

	steps := []struct {
		op  string
		run func() error
	}{
		{"wait for username field", func() error { return page.WaitVisible(sel.UsernameField) }},
		{"fill username field", func() error { return page.Fill(sel.UsernameField, creds.Username) }},
		{"wait for password field", func() error { return page.WaitVisible(sel.PasswordField) }},
		{"fill password field", func() error { return page.Fill(sel.PasswordField, creds.Password) }},
		{"wait for submit control", func() error { return page.WaitVisible(sel.SubmitButton) }},
		{"click submit control", func() error { return page.Click(sel.SubmitButton) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return LoginResult{}, engineError(step.op, err)
		}
	}

	pollErr := page.WaitForFunction(loginPathPredicate, s.opts.LoginTimeout)
	currentURL := page.URL()
	if pollErr == nil {
		obs.ObserveLogin(string(LoginVerified))
		s.log.Info("login_verified", "url", currentURL)
		return LoginResult{Outcome: LoginVerified, URL: currentURL}, nil
	}

	obs.ObserveLogin(string(LoginUnverified))
	s.log.Warn("login_unverified", "url", currentURL, "err", pollErr)
	diagnostic := filepath.Join(s.opts.DiagnosticDir, DiagnosticScreenshotName)
	result := LoginResult{Outcome: LoginUnverified, URL: currentURL}
	if err := s.TakeScreenshot(diagnostic); err != nil {
		return result, err
	}
	result.DiagnosticScreenshot = diagnostic
	return result, nil
}

// StillOnLoginPage reports whether url still looks like a login page.
func StillOnLoginPage(url string) bool {
	return strings.Contains(url, "/login")
}
