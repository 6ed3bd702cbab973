// Package inspectortest provides an in-memory browser engine for tests.
//
// Pages are static HTML documents parsed with goquery; CSS selectors are
// matched the way a browser would for the simple selectors tests use. Each
// site can script console messages and network events that fire when the
// page is loaded.
package inspectortest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kuitang/browser-inspector/internal/inspector"
)

// Request is a scripted network completion. A nil Status means the engine
// could not produce a response object.
type Request struct {
	URL    string
	Method string
	Status *int
}

// Site is one scripted page.
type Site struct {
	HTML     string
	Console  []inspector.ConsoleEvent
	Finished []Request
	Failed   []inspector.RequestFailure
	// Timeout makes navigation to this site fail with a timeout.
	Timeout bool
}

// Driver is a fake inspector.Driver.
type Driver struct {
	mu sync.Mutex

	sites map[string]Site
	// LaunchErr is returned by Launch when set.
	LaunchErr error
	// ScreenshotErr is returned by every Screenshot call when set.
	ScreenshotErr error
	// SubmitNavigatesTo is loaded when any element is clicked, emulating a
	// form post that redirects.
	SubmitNavigatesTo string

	launches    int
	closes      int
	screenshots []string
	fills       map[string]string
	pollTimeout time.Duration
	lastPage    *Page
}

var _ inspector.Driver = (*Driver)(nil)

// NewDriver returns an engine serving the given sites keyed by URL.
func NewDriver(sites map[string]Site) *Driver {
	if sites == nil {
		sites = map[string]Site{}
	}
	return &Driver{sites: sites, fills: map[string]string{}}
}

// Status is a helper for Request.Status literals.
func Status(code int) *int { return &code }

func (d *Driver) Name() string { return "fake" }

func (d *Driver) Launch(headless bool) (inspector.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	d.launches++
	return &Browser{driver: d}, nil
}

// Launches counts successful launches.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Closes counts browser closes.
func (d *Driver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Screenshots lists every screenshot path requested, in order.
func (d *Driver) Screenshots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.screenshots...)
}

// Filled returns the value last typed into selector.
func (d *Driver) Filled(selector string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fills[selector]
}

// PollTimeout is the timeout passed to the last WaitForFunction call.
func (d *Driver) PollTimeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollTimeout
}

// Page returns the most recently opened page.
func (d *Driver) Page() *Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPage
}

func (d *Driver) site(rawURL string) (Site, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sites[rawURL]
	return s, ok
}

// Browser is a fake inspector.Browser.
type Browser struct {
	driver *Driver
}

func (b *Browser) NewPage() (inspector.Page, error) {
	p := &Page{driver: b.driver, url: "about:blank"}
	b.driver.mu.Lock()
	b.driver.lastPage = p
	b.driver.mu.Unlock()
	return p, nil
}

func (b *Browser) Close() error {
	b.driver.mu.Lock()
	b.driver.closes++
	b.driver.mu.Unlock()
	return nil
}

// Page is a fake inspector.Page.
type Page struct {
	driver *Driver

	mu       sync.Mutex
	url      string
	doc      *goquery.Document
	observer inspector.Observer
}

func (p *Page) Goto(rawURL string) error {
	site, ok := p.driver.site(rawURL)
	if !ok {
		return fmt.Errorf("net::ERR_NAME_NOT_RESOLVED at %s", rawURL)
	}
	if site.Timeout {
		return fmt.Errorf("%w: navigating to %q", inspector.ErrTimeout, rawURL)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(site.HTML))
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.url = rawURL
	p.doc = doc
	observer := p.observer
	p.mu.Unlock()

	for _, e := range site.Console {
		if observer.Console != nil {
			observer.Console(e)
		}
	}
	for _, r := range site.Finished {
		if observer.RequestFinished == nil {
			continue
		}
		status := r.Status
		observer.RequestFinished(inspector.RequestEvent{
			URL:    r.URL,
			Method: r.Method,
			Status: func() (int, error) {
				if status == nil {
					return 0, errors.New("response unavailable")
				}
				return *status, nil
			},
		})
	}
	for _, f := range site.Failed {
		if observer.RequestFailed != nil {
			observer.RequestFailed(f)
		}
	}
	return nil
}

func (p *Page) selection(selector string) *goquery.Selection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return nil
	}
	return p.doc.Find(selector)
}

func (p *Page) WaitVisible(selector string) error {
	sel := p.selection(selector)
	if sel == nil || sel.Length() == 0 {
		return fmt.Errorf("%w: waiting for %q to be visible", inspector.ErrTimeout, selector)
	}
	return nil
}

func (p *Page) Fill(selector, value string) error {
	if err := p.WaitVisible(selector); err != nil {
		return err
	}
	p.driver.mu.Lock()
	p.driver.fills[selector] = value
	p.driver.mu.Unlock()
	return nil
}

func (p *Page) Click(selector string) error {
	if err := p.WaitVisible(selector); err != nil {
		return err
	}
	if next := p.driver.SubmitNavigatesTo; next != "" {
		return p.Goto(next)
	}
	return nil
}

// WaitForFunction understands only the login path predicate: it succeeds
// when the current path no longer contains "/login".
func (p *Page) WaitForFunction(expression string, timeout time.Duration) error {
	p.driver.mu.Lock()
	p.driver.pollTimeout = timeout
	p.driver.mu.Unlock()

	u, err := url.Parse(p.URL())
	if err != nil {
		return err
	}
	if strings.Contains(u.Path, "/login") {
		return fmt.Errorf("%w: waiting for function", inspector.ErrTimeout)
	}
	return nil
}

func (p *Page) Screenshot(path string) error {
	p.driver.mu.Lock()
	p.driver.screenshots = append(p.driver.screenshots, path)
	screenshotErr := p.driver.ScreenshotErr
	p.driver.mu.Unlock()
	if screenshotErr != nil {
		return screenshotErr
	}
	return os.WriteFile(path, []byte("\x89PNG fake"), 0o644)
}

func (p *Page) TextContents(selector string) ([]string, error) {
	sel := p.selection(selector)
	texts := []string{}
	if sel == nil {
		return texts, nil
	}
	sel.Each(func(_ int, s *goquery.Selection) {
		texts = append(texts, s.Text())
	})
	return texts, nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Observe(o inspector.Observer) {
	p.mu.Lock()
	p.observer = o
	p.mu.Unlock()
}

// Emit fires events on the page outside of navigation.
func (p *Page) Emit(console []inspector.ConsoleEvent, failed []inspector.RequestFailure) {
	p.mu.Lock()
	observer := p.observer
	p.mu.Unlock()
	for _, e := range console {
		if observer.Console != nil {
			observer.Console(e)
		}
	}
	for _, f := range failed {
		if observer.RequestFailed != nil {
			observer.RequestFailed(f)
		}
	}
}
