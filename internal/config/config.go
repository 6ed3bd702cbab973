// Package config loads the inspector's configuration from environment
// variables, an optional YAML file named by INSPECTOR_CONFIG, and (for the
// server) command-line flags. Sessions never read the environment; the
// front ends load a Config once and pass it down.
//
// Precedence, lowest first: built-in defaults, the YAML file, environment
// variables, flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kuitang/browser-inspector/internal/artifacts"
	"github.com/kuitang/browser-inspector/internal/ratelimit"
)

const (
	EnginePlaywright = "playwright"
	EngineRod        = "rod"

	DefaultSettleDelay  = 2 * time.Second
	DefaultLoginTimeout = 10 * time.Second
	DefaultCaptureFile  = "result.png"
	DefaultHTTPAddr     = ":8080"

	DefaultUsernameField = "#email"
	DefaultPasswordField = "#password"
	DefaultSubmitButton  = `button[type="submit"]`
)

// CLI tool names.
const (
	ToolLoginAndCapture  = "login_and_capture"
	ToolExtractElements  = "extract_elements"
	ToolGetConsoleLogs   = "get_console_logs"
	ToolGetConsoleErrors = "get_console_errors"
	ToolGetNetworkLogs   = "get_network_logs"
	ToolGetNetworkErrors = "get_network_errors"
)

// CLITools lists the accepted TOOL_NAME values.
var CLITools = []string{
	ToolLoginAndCapture,
	ToolExtractElements,
	ToolGetConsoleLogs,
	ToolGetConsoleErrors,
	ToolGetNetworkLogs,
	ToolGetNetworkErrors,
}

// Login configures the optional pre-navigation login.
type Login struct {
	Enabled       bool
	URL           string
	Username      string
	Password      string
	UsernameField string
	PasswordField string
	SubmitButton  string
}

// HTTP configures the optional Streamable HTTP transport of the server.
type HTTP struct {
	// Addr is empty when the server should only speak stdio.
	Addr      string
	AuthToken string
	RateLimit ratelimit.Config
}

// Config holds all inspector configuration.
type Config struct {
	// Browser
	Engine          string
	Headless        bool
	InstallBrowsers bool
	SettleDelay     time.Duration
	LoginTimeout    time.Duration

	Login Login

	// Artifacts
	ScreenshotDir string // SCREENSHOT_PATH
	CaptureFile   string // CLI capture target
	DiagnosticDir string // where login_maybe_failed.png is written
	S3            artifacts.S3Config

	HTTP HTTP

	// CLI invocation
	Tool       string
	TargetPage string
	Selectors  []string

	LogLevel string
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// fileConfig mirrors the YAML file. Pointers distinguish "unset" from zero.
// Credentials are not accepted from the file; they come from the
// environment only.
type fileConfig struct {
	Engine        *string `yaml:"engine"`
	Headless      *bool   `yaml:"headless"`
	Install       *bool   `yaml:"install_browsers"`
	SettleDelay   *string `yaml:"settle_delay"`
	LoginTimeout  *string `yaml:"login_timeout"`
	ScreenshotDir *string `yaml:"screenshot_dir"`
	DiagnosticDir *string `yaml:"diagnostic_dir"`
	LogLevel      *string `yaml:"log_level"`
	Login         struct {
		Enabled       *bool   `yaml:"enabled"`
		URL           *string `yaml:"url"`
		UsernameField *string `yaml:"username_field"`
		PasswordField *string `yaml:"password_field"`
		SubmitButton  *string `yaml:"submit_button"`
	} `yaml:"login"`
	S3 struct {
		Endpoint     *string `yaml:"endpoint"`
		Region       *string `yaml:"region"`
		Bucket       *string `yaml:"bucket"`
		PublicURL    *string `yaml:"public_url"`
		UsePathStyle *bool   `yaml:"use_path_style"`
	} `yaml:"s3"`
	HTTP struct {
		Addr           *string  `yaml:"addr"`
		RateLimitRPS   *float64 `yaml:"rate_limit_rps"`
		RateLimitBurst *int     `yaml:"rate_limit_burst"`
	} `yaml:"http"`
}

func defaults(headless bool) *Config {
	return &Config{
		Engine:       EnginePlaywright,
		Headless:     headless,
		SettleDelay:  DefaultSettleDelay,
		LoginTimeout: DefaultLoginTimeout,
		CaptureFile:  DefaultCaptureFile,
		Login: Login{
			UsernameField: DefaultUsernameField,
			PasswordField: DefaultPasswordField,
			SubmitButton:  DefaultSubmitButton,
		},
		S3:       artifacts.S3Config{Region: "auto"},
		HTTP:     HTTP{RateLimit: ratelimit.DefaultConfig},
		LogLevel: "info",
	}
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Engine, fc.Engine)
	setBool(&cfg.Headless, fc.Headless)
	setBool(&cfg.InstallBrowsers, fc.Install)
	if err := setDuration(&cfg.SettleDelay, fc.SettleDelay, "settle_delay"); err != nil {
		return err
	}
	if err := setDuration(&cfg.LoginTimeout, fc.LoginTimeout, "login_timeout"); err != nil {
		return err
	}
	setString(&cfg.ScreenshotDir, fc.ScreenshotDir)
	setString(&cfg.DiagnosticDir, fc.DiagnosticDir)
	setString(&cfg.LogLevel, fc.LogLevel)

	setBool(&cfg.Login.Enabled, fc.Login.Enabled)
	setString(&cfg.Login.URL, fc.Login.URL)
	setString(&cfg.Login.UsernameField, fc.Login.UsernameField)
	setString(&cfg.Login.PasswordField, fc.Login.PasswordField)
	setString(&cfg.Login.SubmitButton, fc.Login.SubmitButton)

	setString(&cfg.S3.Endpoint, fc.S3.Endpoint)
	setString(&cfg.S3.Region, fc.S3.Region)
	setString(&cfg.S3.Bucket, fc.S3.Bucket)
	setString(&cfg.S3.PublicURL, fc.S3.PublicURL)
	setBool(&cfg.S3.UsePathStyle, fc.S3.UsePathStyle)

	setString(&cfg.HTTP.Addr, fc.HTTP.Addr)
	if fc.HTTP.RateLimitRPS != nil {
		cfg.HTTP.RateLimit.RPS = *fc.HTTP.RateLimitRPS
	}
	if fc.HTTP.RateLimitBurst != nil {
		cfg.HTTP.RateLimit.Burst = *fc.HTTP.RateLimitBurst
	}
	return nil
}

// loadCommon applies the file and the environment variables shared by both
// front ends.
func loadCommon(cfg *Config) error {
	if path := strings.TrimSpace(os.Getenv("INSPECTOR_CONFIG")); path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return err
		}
	}

	cfg.Engine = strings.ToLower(getEnvOrDefault("BROWSER_ENGINE", cfg.Engine))
	cfg.Headless = parseBoolOrDefault("HEADLESS", cfg.Headless)
	cfg.InstallBrowsers = parseBoolOrDefault("INSTALL_BROWSERS", cfg.InstallBrowsers)
	cfg.SettleDelay = parseDurationOrDefault("SETTLE_DELAY", cfg.SettleDelay)
	cfg.LoginTimeout = parseDurationOrDefault("LOGIN_TIMEOUT", cfg.LoginTimeout)
	cfg.DiagnosticDir = getEnvOrDefault("DIAGNOSTIC_DIR", cfg.DiagnosticDir)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)

	// Only an explicit "true" enables login.
	if v, ok := os.LookupEnv("USE_LOGIN"); ok {
		cfg.Login.Enabled = v == "true"
	}
	cfg.Login.URL = getEnvOrDefault("LOGIN_URL", cfg.Login.URL)
	cfg.Login.UsernameField = getEnvOrDefault("USERNAME_FIELD", cfg.Login.UsernameField)
	cfg.Login.PasswordField = getEnvOrDefault("PASSWORD_FIELD", cfg.Login.PasswordField)

	cfg.S3.Endpoint = getEnvOrDefault("AWS_ENDPOINT_URL_S3", cfg.S3.Endpoint)
	cfg.S3.Region = getEnvOrDefault("AWS_REGION", cfg.S3.Region)
	cfg.S3.AccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	cfg.S3.SecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
	cfg.S3.Bucket = getEnvOrDefault("BUCKET_NAME", cfg.S3.Bucket)
	cfg.S3.PublicURL = getEnvOrDefault("S3_PUBLIC_URL", cfg.S3.PublicURL)
	cfg.S3.UsePathStyle = parseBoolOrDefault("S3_USE_PATH_STYLE", cfg.S3.UsePathStyle)
	return nil
}

// LoadCLI loads the configuration of a one-shot CLI run. The browser is
// headed unless HEADLESS says otherwise. The returned Config is validated.
func LoadCLI() (*Config, error) {
	cfg := defaults(false)
	// The CLI has no default submit selector.
	cfg.Login.SubmitButton = ""
	if err := loadCommon(cfg); err != nil {
		return nil, err
	}

	cfg.Tool = strings.TrimSpace(os.Getenv("TOOL_NAME"))
	cfg.Login.Username = os.Getenv("LOGIN_USERNAME")
	cfg.Login.Password = os.Getenv("LOGIN_PASSWORD")
	cfg.Login.SubmitButton = getEnvOrDefault("SUBMIT_BUTTON_SELECTOR", cfg.Login.SubmitButton)
	cfg.TargetPage = strings.TrimSpace(os.Getenv("TARGET_PAGE"))
	cfg.Selectors = SplitSelectors(os.Getenv("SELECTORS"))
	cfg.CaptureFile = getEnvOrDefault("CAPTURE_FILE", cfg.CaptureFile)

	if err := cfg.ValidateCLI(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServerFlags are the command-line flags of the MCP server.
type ServerFlags struct {
	HTTPAddr string
	Engine   string
}

// ParseFlags registers and parses the server flags on the default flag set.
func ParseFlags() ServerFlags {
	var f ServerFlags
	flag.StringVar(&f.HTTPAddr, "http", "", "Serve Streamable HTTP on this address (e.g. :8080) instead of stdio")
	flag.StringVar(&f.Engine, "engine", "", "Browser engine: playwright or rod (overrides BROWSER_ENGINE)")
	flag.Parse()
	return f
}

// LoadServer loads the MCP server configuration. The browser is headless
// unless HEADLESS says otherwise. Login variables are checked per tool call,
// not here, so a server with incomplete login settings still starts.
func LoadServer(flags ServerFlags) (*Config, error) {
	cfg := defaults(true)
	if err := loadCommon(cfg); err != nil {
		return nil, err
	}

	cfg.Login.Username = os.Getenv("USERNAME")
	cfg.Login.Password = os.Getenv("PASSWORD")
	cfg.Login.SubmitButton = getEnvOrDefault("SUBMIT_BUTTON_SELECTOR", cfg.Login.SubmitButton)
	cfg.ScreenshotDir = getEnvOrDefault("SCREENSHOT_PATH", cfg.ScreenshotDir)

	cfg.HTTP.Addr = getEnvOrDefault("MCP_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.AuthToken = strings.TrimSpace(os.Getenv("MCP_AUTH_TOKEN"))
	cfg.HTTP.RateLimit.RPS = parseFloat64OrDefault("RATE_LIMIT_RPS", cfg.HTTP.RateLimit.RPS)
	cfg.HTTP.RateLimit.Burst = parseIntOrDefault("RATE_LIMIT_BURST", cfg.HTTP.RateLimit.Burst)
	cfg.HTTP.RateLimit.CleanupInterval = parseDurationOrDefault("RATE_LIMIT_CLEANUP_INTERVAL", cfg.HTTP.RateLimit.CleanupInterval)

	if flags.HTTPAddr != "" {
		cfg.HTTP.Addr = flags.HTTPAddr
	}
	if flags.Engine != "" {
		cfg.Engine = strings.ToLower(flags.Engine)
	}

	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validateCommon() []string {
	var errs []string
	if c.Engine != EnginePlaywright && c.Engine != EngineRod {
		errs = append(errs, fmt.Sprintf("BROWSER_ENGINE must be %q or %q, got %q", EnginePlaywright, EngineRod, c.Engine))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, "SETTLE_DELAY must not be negative")
	}
	if c.LoginTimeout <= 0 {
		errs = append(errs, "LOGIN_TIMEOUT must be positive")
	}
	return errs
}

// ValidateCLI checks everything a CLI run needs before a browser is
// launched.
func (c *Config) ValidateCLI() error {
	errs := c.validateCommon()

	switch {
	case c.Tool == "":
		errs = append(errs, "TOOL_NAME is required")
	case !IsCLITool(c.Tool):
		errs = append(errs, fmt.Sprintf("Unknown tool: %s (expected one of %s)", c.Tool, strings.Join(CLITools, ", ")))
	default:
		if c.TargetPage == "" {
			errs = append(errs, "TARGET_PAGE is required")
		}
		if c.Tool == ToolExtractElements && len(c.Selectors) == 0 {
			errs = append(errs, "SELECTORS is required for extract_elements")
		}
	}

	if c.Login.Enabled {
		if missing := c.MissingLoginVars(true); len(missing) > 0 {
			errs = append(errs, "Missing login environment variables: "+strings.Join(missing, ", "))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ValidateServer checks the server-wide settings.
func (c *Config) ValidateServer() error {
	errs := c.validateCommon()
	if c.HTTP.Addr != "" {
		if c.HTTP.RateLimit.RPS <= 0 {
			errs = append(errs, "RATE_LIMIT_RPS must be positive")
		}
		if c.HTTP.RateLimit.Burst <= 0 {
			errs = append(errs, "RATE_LIMIT_BURST must be positive")
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// MissingLoginVars names the login variables that are required but empty.
// The CLI also requires the submit selector; the server falls back to
// DefaultSubmitButton.
func (c *Config) MissingLoginVars(cli bool) []string {
	var missing []string
	if c.Login.URL == "" {
		missing = append(missing, "LOGIN_URL")
	}
	userVar, passVar := "USERNAME", "PASSWORD"
	if cli {
		userVar, passVar = "LOGIN_USERNAME", "LOGIN_PASSWORD"
	}
	if c.Login.Username == "" {
		missing = append(missing, userVar)
	}
	if c.Login.Password == "" {
		missing = append(missing, passVar)
	}
	if cli && c.Login.SubmitButton == "" {
		missing = append(missing, "SUBMIT_BUTTON_SELECTOR")
	}
	return missing
}

// IsCLITool reports whether name is an accepted TOOL_NAME.
func IsCLITool(name string) bool {
	for _, t := range CLITools {
		if t == name {
			return true
		}
	}
	return false
}

// SplitSelectors splits a comma-separated selector list, trimming each item
// and dropping empty ones.
func SplitSelectors(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// UsernameSelector returns the configured username field, falling back to
// the default.
func (l Login) UsernameSelector() string { return orDefault(l.UsernameField, DefaultUsernameField) }

// PasswordSelector returns the configured password field, falling back to
// the default.
func (l Login) PasswordSelector() string { return orDefault(l.PasswordField, DefaultPasswordField) }

// SubmitSelector returns the configured submit control, falling back to the
// default.
func (l Login) SubmitSelector() string { return orDefault(l.SubmitButton, DefaultSubmitButton) }

// PrintStartupSummary prints a human-readable summary of the configuration to stderr.
func (c *Config) PrintStartupSummary() {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "mcp-browser-inspector starting...")
	fmt.Fprintf(os.Stderr, "  Engine:      %s (headless=%t)\n", c.Engine, c.Headless)
	if c.Login.Enabled {
		fmt.Fprintf(os.Stderr, "  Login:       %s as %q\n", c.Login.URL, c.Login.Username)
	} else {
		fmt.Fprintln(os.Stderr, "  Login:       disabled")
	}
	fmt.Fprintf(os.Stderr, "  Screenshots: %s\n", artifacts.ResolveDir("", c.ScreenshotDir))
	if c.S3.Enabled() {
		fmt.Fprintf(os.Stderr, "  Upload:      s3://%s\n", c.S3.Bucket)
	}
	if c.HTTP.Addr != "" {
		fmt.Fprintf(os.Stderr, "  Transport:   Streamable HTTP on %s (auth=%t)\n", c.HTTP.Addr, c.HTTP.AuthToken != "")
	} else {
		fmt.Fprintln(os.Stderr, "  Transport:   stdio")
	}
	fmt.Fprintln(os.Stderr, "")
}

// ValidationMessages returns the individual problems in err, or err's text
// when it is not a ValidationError.
func ValidationMessages(err error) []string {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Errors
	}
	return []string{err.Error()}
}

// Helper functions for parsing environment variables

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseDurationOrDefault accepts Go durations ("1500ms") and bare integers,
// which are read as milliseconds.
func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := parseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDuration(value string) (time.Duration, error) {
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}
	d, err := parseDuration(strings.TrimSpace(*src))
	if err != nil {
		return fmt.Errorf("config file: %s: %w", field, err)
	}
	*dst = d
	return nil
}
