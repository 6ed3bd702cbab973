package inspector

import (
	"fmt"
	"time"
)

// Driver launches browsers for one engine.
type Driver interface {
	Name() string
	Launch(headless bool) (Browser, error)
}

// Browser is a launched browser instance. Close also releases any engine
// process started for it.
type Browser interface {
	NewPage() (Page, error)
	Close() error
}

// Page is the single page a session drives.
type Page interface {
	// Goto navigates and returns once DOMContentLoaded fired.
	Goto(url string) error
	// WaitVisible waits until the first match of selector is visible.
	WaitVisible(selector string) error
	Fill(selector, value string) error
	Click(selector string) error
	// WaitForFunction polls a JS predicate in the page until it returns a
	// truthy value or timeout elapses.
	WaitForFunction(expression string, timeout time.Duration) error
	// Screenshot writes a full-page image to path.
	Screenshot(path string) error
	// TextContents returns the raw textContent of every match, in document
	// order. No match yields an empty slice.
	TextContents(selector string) ([]string, error)
	URL() string
	// Observe registers event callbacks. Callbacks run on engine goroutines.
	Observe(Observer)
}

// Observer receives page events. Nil fields are ignored.
type Observer struct {
	Console         func(ConsoleEvent)
	RequestFinished func(RequestEvent)
	RequestFailed   func(RequestFailure)
}

// ConsoleEvent is a console message as reported by the engine.
type ConsoleEvent struct {
	Type     string
	Text     string
	Location *SourceLocation
}

// SourceLocation is where a console message originated.
type SourceLocation struct {
	URL    string
	Line   int
	Column int
}

// RequestEvent is a request that reached the HTTP response stage.
type RequestEvent struct {
	URL    string
	Method string
	// Status fetches the response status. It may block on an engine round
	// trip and must not be called on the engine's event goroutine.
	Status func() (int, error)
}

// RequestFailure is a request that never produced a response.
type RequestFailure struct {
	URL    string
	Method string
	Reason string
}

// NewDriver returns the driver for an engine name: "playwright" or "rod".
// install only affects Playwright, which can download its driver and
// browsers on first launch.
func NewDriver(engine string, install bool) (Driver, error) {
	switch engine {
	case "playwright", "":
		return &PlaywrightDriver{Install: install}, nil
	case "rod":
		return &RodDriver{}, nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", engine)
	}
}
