package inspector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const rodDefaultTimeout = 30 * time.Second

// RodDriver drives Chromium directly over the DevTools protocol.
type RodDriver struct {
	// Bin is an explicit browser binary; empty lets the launcher find or
	// download one.
	Bin string
	// Timeout bounds each page operation. Zero means 30s, matching the
	// Playwright default.
	Timeout time.Duration
}

var _ Driver = (*RodDriver)(nil)

func (d *RodDriver) Name() string { return "rod" }

func (d *RodDriver) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return rodDefaultTimeout
}

func (d *RodDriver) Launch(headless bool) (Browser, error) {
	l := launcher.New().
		Headless(headless).
		Set("disable-dev-shm-usage")
	if d.Bin != "" {
		l = l.Bin(d.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}
	return &rodBrowser{browser: browser, launcher: l, timeout: d.timeout()}, nil
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	timeout  time.Duration
}

func (b *rodBrowser) NewPage() (Page, error) {
	page, err := b.browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, err
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable network events: %w", err)
	}
	return &rodPage{page: page, timeout: b.timeout, requests: make(map[proto.NetworkRequestID]*rodRequest)}, nil
}

func (b *rodBrowser) Close() error {
	err := b.browser.Close()
	b.launcher.Kill()
	b.launcher.Cleanup()
	return err
}

type rodRequest struct {
	url    string
	method string
	status int
	seen   bool
}

type rodPage struct {
	page    *rod.Page
	timeout time.Duration

	mu       sync.Mutex
	requests map[proto.NetworkRequestID]*rodRequest
}

// rodErr tags context deadline errors with ErrTimeout.
func rodErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// timed returns the page bound to a fresh operation timeout. The caller
// must call the returned cancel once the operation is done.
func (p *rodPage) timed() (*rod.Page, func()) {
	page := p.page.Timeout(p.timeout)
	return page, func() { page.CancelTimeout() }
}

func (p *rodPage) Goto(url string) error {
	page, cancel := p.timed()
	defer cancel()
	wait := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(url); err != nil {
		return rodErr(err)
	}
	wait()
	return rodErr(page.GetContext().Err())
}

func (p *rodPage) WaitVisible(selector string) error {
	page, cancel := p.timed()
	defer cancel()
	el, err := page.Element(selector)
	if err != nil {
		return rodErr(err)
	}
	return rodErr(el.WaitVisible())
}

func (p *rodPage) Fill(selector, value string) error {
	page, cancel := p.timed()
	defer cancel()
	el, err := page.Element(selector)
	if err != nil {
		return rodErr(err)
	}
	if err := el.SelectAllText(); err != nil {
		return rodErr(err)
	}
	return rodErr(el.Input(value))
}

func (p *rodPage) Click(selector string) error {
	page, cancel := p.timed()
	defer cancel()
	el, err := page.Element(selector)
	if err != nil {
		return rodErr(err)
	}
	return rodErr(el.Click(proto.InputMouseButtonLeft, 1))
}

func (p *rodPage) WaitForFunction(expression string, timeout time.Duration) error {
	page := p.page.Timeout(timeout)
	defer page.CancelTimeout()
	return rodErr(page.Wait(rod.Eval(expression)))
}

func (p *rodPage) Screenshot(path string) error {
	page, cancel := p.timed()
	defer cancel()
	data, err := page.Screenshot(true, nil)
	if err != nil {
		return rodErr(err)
	}
	return os.WriteFile(path, data, 0o644)
}

const textContentsJS = `(selector) => Array.from(document.querySelectorAll(selector), (el) => el.textContent || '')`

func (p *rodPage) TextContents(selector string) ([]string, error) {
	page, cancel := p.timed()
	defer cancel()
	res, err := page.Eval(textContentsJS, selector)
	if err != nil {
		return nil, rodErr(err)
	}
	items := res.Value.Arr()
	texts := make([]string, 0, len(items))
	for _, item := range items {
		texts = append(texts, item.Str())
	}
	return texts, nil
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Observe(o Observer) {
	go p.page.EachEvent(
		func(e *proto.RuntimeConsoleAPICalled) {
			if o.Console == nil {
				return
			}
			o.Console(p.consoleEvent(e))
		},
		func(e *proto.NetworkRequestWillBeSent) {
			p.mu.Lock()
			p.requests[e.RequestID] = &rodRequest{url: e.Request.URL, method: e.Request.Method}
			p.mu.Unlock()
		},
		func(e *proto.NetworkResponseReceived) {
			p.mu.Lock()
			if req, ok := p.requests[e.RequestID]; ok && e.Response != nil {
				req.status = e.Response.Status
				req.seen = true
			}
			p.mu.Unlock()
		},
		func(e *proto.NetworkLoadingFinished) {
			req := p.take(e.RequestID)
			if req == nil || o.RequestFinished == nil {
				return
			}
			status, seen := req.status, req.seen
			o.RequestFinished(RequestEvent{
				URL:    req.url,
				Method: req.method,
				Status: func() (int, error) {
					if !seen {
						return 0, errors.New("no response")
					}
					return status, nil
				},
			})
		},
		func(e *proto.NetworkLoadingFailed) {
			req := p.take(e.RequestID)
			if req == nil || o.RequestFailed == nil {
				return
			}
			o.RequestFailed(RequestFailure{URL: req.url, Method: req.method, Reason: e.ErrorText})
		},
	)()
}

func (p *rodPage) take(id proto.NetworkRequestID) *rodRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.requests[id]
	if !ok {
		return nil
	}
	delete(p.requests, id)
	return req
}

func (p *rodPage) consoleEvent(e *proto.RuntimeConsoleAPICalled) ConsoleEvent {
	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		switch {
		case arg.Type == proto.RuntimeRemoteObjectTypeString:
			parts = append(parts, arg.Value.Str())
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, arg.Value.JSON("", ""))
		}
	}
	event := ConsoleEvent{Type: string(e.Type), Text: strings.Join(parts, " ")}
	if e.StackTrace != nil && len(e.StackTrace.CallFrames) > 0 {
		frame := e.StackTrace.CallFrames[0]
		event.Location = &SourceLocation{URL: frame.URL, Line: frame.LineNumber, Column: frame.ColumnNumber}
	}
	return event
}
