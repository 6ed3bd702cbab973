package inspector

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightDriver launches Chromium through the Playwright driver process.
type PlaywrightDriver struct {
	// Install downloads the driver and browsers before the first launch.
	Install bool
	// Verbose lets the driver write progress to stderr.
	Verbose bool
}

var _ Driver = (*PlaywrightDriver)(nil)

func (d *PlaywrightDriver) Name() string { return "playwright" }

func (d *PlaywrightDriver) runOptions() *playwright.RunOptions {
	opts := &playwright.RunOptions{
		Verbose: d.Verbose,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	return opts
}

// Launch starts a Playwright driver and a Chromium instance owned by the
// returned Browser.
func (d *PlaywrightDriver) Launch(headless bool) (Browser, error) {
	opts := d.runOptions()
	if d.Install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &playwrightBrowser{pw: pw, browser: browser}, nil
}

type playwrightBrowser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
}

func (b *playwrightBrowser) NewPage() (Page, error) {
	page, err := b.browser.NewPage()
	if err != nil {
		return nil, err
	}
	return &playwrightPage{page: page}, nil
}

func (b *playwrightBrowser) Close() error {
	closeErr := b.browser.Close()
	stopErr := b.pw.Stop()
	return errors.Join(closeErr, stopErr)
}

type playwrightPage struct {
	page playwright.Page
}

// playwrightErr tags Playwright timeouts with ErrTimeout.
func playwrightErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (p *playwrightPage) Goto(url string) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return playwrightErr(err)
}

func (p *playwrightPage) WaitVisible(selector string) error {
	return playwrightErr(p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State: playwright.WaitForSelectorStateVisible,
	}))
}

func (p *playwrightPage) Fill(selector, value string) error {
	return playwrightErr(p.page.Locator(selector).First().Fill(value))
}

func (p *playwrightPage) Click(selector string) error {
	return playwrightErr(p.page.Locator(selector).First().Click())
}

func (p *playwrightPage) WaitForFunction(expression string, timeout time.Duration) error {
	_, err := p.page.WaitForFunction(expression, nil, playwright.PageWaitForFunctionOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return playwrightErr(err)
}

func (p *playwrightPage) Screenshot(path string) error {
	_, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	})
	return playwrightErr(err)
}

func (p *playwrightPage) TextContents(selector string) ([]string, error) {
	texts, err := p.page.Locator(selector).AllTextContents()
	if err != nil {
		return nil, playwrightErr(err)
	}
	if texts == nil {
		texts = []string{}
	}
	return texts, nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Observe(o Observer) {
	if o.Console != nil {
		p.page.OnConsole(func(msg playwright.ConsoleMessage) {
			event := ConsoleEvent{Type: msg.Type(), Text: msg.Text()}
			if loc := msg.Location(); loc != nil {
				event.Location = &SourceLocation{URL: loc.URL, Line: loc.LineNumber, Column: loc.ColumnNumber}
			}
			o.Console(event)
		})
	}
	if o.RequestFinished != nil {
		p.page.OnRequestFinished(func(req playwright.Request) {
			o.RequestFinished(RequestEvent{
				URL:    req.URL(),
				Method: req.Method(),
				Status: func() (int, error) {
					resp, err := req.Response()
					if err != nil {
						return 0, err
					}
					if resp == nil {
						return 0, errors.New("no response")
					}
					return resp.Status(), nil
				},
			})
		})
	}
	if o.RequestFailed != nil {
		p.page.OnRequestFailed(func(req playwright.Request) {
			reason := "unknown error"
			if failure := req.Failure(); failure != nil {
				reason = failure.Error()
			}
			o.RequestFailed(RequestFailure{URL: req.URL(), Method: req.Method(), Reason: reason})
		})
	}
}
