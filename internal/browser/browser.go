package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

const (
	defaultNavTimeout     = 30 * time.Second
	defaultActionTime     = 10 * time.Second
	defaultScrollAmount   = 600
	defaultConnectTimeout = 30 * time.Second
)

// Controller exposes the browser primitives the workflow nodes need.
type Controller interface {
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url, waitUntil string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	Type(ctx context.Context, selector, text string) error
	Press(ctx context.Context, key string) error
	Read(ctx context.Context, selector string) (string, error)
	Scroll(ctx context.Context, direction string, distance int) (int, error)
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Evaluate(ctx context.Context, expression string, args ...any) (any, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Title(ctx context.Context) (string, error)
	URL() string
	// Send issues a raw DevTools Protocol command against the current page.
	Send(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
	Page() playwright.Page
}

// Options tune browsers started or attached by a Launcher.
type Options struct {
	Headless      bool
	NavTimeout    time.Duration
	ActionTimeout time.Duration
}

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw     *playwright.Playwright
	opts   Options
	logger zerolog.Logger
}

func NewLauncher(opts Options, logger zerolog.Logger) (*Launcher, error) {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = defaultNavTimeout
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTime
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	return &Launcher{pw: pw, opts: opts, logger: logger}, nil
}

// Connect attaches to the browser behind a DevTools endpoint
// (http://host:9222 or ws://...). An empty endpoint launches a local Chromium.
func (l *Launcher) Connect(ctx context.Context, endpoint string) (Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return l.launchLocal()
	}

	l.logger.Debug().Str("endpoint", endpoint).Msg("connecting over cdp")
	browser, err := l.pw.Chromium.ConnectOverCDP(endpoint, playwright.BrowserTypeConnectOverCDPOptions{
		Timeout: playwright.Float(float64(defaultConnectTimeout.Milliseconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("connect over cdp: %w", err)
	}

	// Reuse the remote browser's default context and first tab when present.
	var bctx playwright.BrowserContext
	if contexts := browser.Contexts(); len(contexts) > 0 {
		bctx = contexts[0]
	} else if bctx, err = browser.NewContext(); err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("new context: %w", err)
	}
	ctrl := &controller{browser: browser, context: bctx, remote: true, opts: l.opts}
	if pages := bctx.Pages(); len(pages) > 0 {
		ctrl.page = pages[0]
	} else {
		page, err := bctx.NewPage()
		if err != nil {
			_ = browser.Close()
			return nil, fmt.Errorf("new page: %w", err)
		}
		ctrl.page = page
		ctrl.ownsPage = true
	}
	ctrl.page.SetDefaultTimeout(float64(l.opts.ActionTimeout.Milliseconds()))
	ctrl.page.SetDefaultNavigationTimeout(float64(l.opts.NavTimeout.Milliseconds()))
	return ctrl, nil
}

func (l *Launcher) launchLocal() (Controller, error) {
	l.logger.Debug().Bool("headless", l.opts.Headless).Msg("launching local chromium")
	browser, err := l.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(l.opts.ActionTimeout.Milliseconds()))
	page.SetDefaultNavigationTimeout(float64(l.opts.NavTimeout.Milliseconds()))
	return &controller{browser: browser, context: bctx, page: page, ownsPage: true, opts: l.opts}, nil
}

func (l *Launcher) Close() error {
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type controller struct {
	browser  playwright.Browser
	context  playwright.BrowserContext
	page     playwright.Page
	opts     Options
	remote   bool
	ownsPage bool

	mu      sync.Mutex
	session playwright.CDPSession
}

func (c *controller) Page() playwright.Page {
	return c.page
}

// Close disconnects from a remote browser without closing tabs it did not
// open; a locally launched browser is shut down. It returns ctx.Err() if ctx
// ends first and leaves the shutdown running in the background.
func (c *controller) Close(ctx context.Context) error {
	return closeWithin(ctx, func() error {
		c.mu.Lock()
		if c.session != nil {
			_ = c.session.Detach()
			c.session = nil
		}
		c.mu.Unlock()
		if c.ownsPage && c.page != nil {
			_ = c.page.Close()
		}
		if c.browser != nil {
			return wrap(c.browser.Close())
		}
		return nil
	})
}

func closeWithin(ctx context.Context, closeFn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- closeFn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("close browser: %w", ctx.Err())
	}
}

func (c *controller) Navigate(ctx context.Context, url, waitUntil string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := parseWaitUntil(waitUntil)
	if err != nil {
		return err
	}
	_, err = c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: state,
		Timeout:   playwright.Float(float64(c.opts.NavTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (c *controller) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// First() avoids strict mode violations when several elements match.
	first := c.page.Locator(locatorSelector(selector)).First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	_ = first.ScrollIntoViewIfNeeded()
	return wrap(first.Click())
}

func (c *controller) Fill(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(locatorSelector(selector)).First()
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	return wrap(loc.Fill(text))
}

// Type sends key presses one by one, for inputs that react to keystrokes.
func (c *controller) Type(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(locatorSelector(selector)).First()
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	return wrap(loc.PressSequentially(text))
}

func (c *controller) Press(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Keyboard().Press(key))
}

func (c *controller) Read(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	frames := c.page.Frames()

	if strings.TrimSpace(selector) == "" {
		val, err := c.page.InnerText("body")
		if err == nil && strings.TrimSpace(val) != "" {
			return val, nil
		}
		for _, frame := range frames {
			if frame == c.page.MainFrame() {
				continue
			}
			iframeVal, iframeErr := frame.InnerText("body")
			if iframeErr == nil && strings.TrimSpace(iframeVal) != "" {
				return iframeVal, nil
			}
		}
		return val, wrap(err)
	}

	sel := locatorSelector(selector)
	loc := c.page.Locator(sel).First()
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(5000),
	}); err == nil {
		val, err := loc.InnerText()
		if err == nil && strings.TrimSpace(val) != "" {
			return val, nil
		}
	}

	for _, frame := range frames {
		if frame == c.page.MainFrame() {
			continue
		}
		iframeLoc := frame.Locator(sel).First()
		if err := iframeLoc.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(3000),
		}); err == nil {
			val, err := iframeLoc.InnerText()
			if err == nil && strings.TrimSpace(val) != "" {
				return val, nil
			}
		}
	}

	return "", fmt.Errorf("selector not found in any frame: %s", selector)
}

func (c *controller) Scroll(ctx context.Context, direction string, distance int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if distance <= 0 {
		distance = defaultScrollAmount
		if vh, err := c.page.Evaluate(`() => window.innerHeight || document.documentElement.clientHeight || 0`); err == nil {
			if h, ok := vh.(float64); ok && h > 0 {
				distance = int(h)
			}
		}
	}

	// Prefer the focused element's scrollable ancestor, then any scrollable
	// container, then the window. SPAs often scroll an inner element.
	script := `([dir, dist]) => {
		function isScrollable(el) {
			if (!el) return false;
			const s = window.getComputedStyle(el);
			return (s.overflowY === 'auto' || s.overflowY === 'scroll') && el.scrollHeight > el.clientHeight;
		}
		let target = null;
		for (let p = document.activeElement; p && !target; p = p.parentElement) {
			if (isScrollable(p)) target = p;
		}
		if (!target) {
			for (const n of document.querySelectorAll('div,section,main,[role="main"],aside')) {
				if (isScrollable(n)) { target = n; break; }
			}
		}
		const d = (dir || 'down').toLowerCase();
		if (d === 'top' || d === 'bottom') {
			const top = d === 'top' ? 0 : (target ? target.scrollHeight : document.body.scrollHeight);
			if (target) target.scrollTop = top; else window.scrollTo(0, top);
			return true;
		}
		let move = Number(dist) || 600;
		if (d === 'up') move = -move;
		if (d === 'page_up') move = -2 * move;
		if (d === 'page_down') move = 2 * move;
		if (target) target.scrollBy({top: move, left: 0, behavior: 'auto'});
		else window.scrollBy(0, move);
		return true;
	}`
	if _, err := c.page.Evaluate(script, []any{direction, distance}); err != nil {
		return 0, wrap(err)
	}
	return distance, nil
}

func (c *controller) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = c.opts.ActionTimeout
	}
	loc := c.page.Locator(locatorSelector(selector)).First()
	return wrap(loc.WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
		State:   playwright.WaitForSelectorStateVisible,
	}))
}

func (c *controller) Evaluate(ctx context.Context, expression string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, err := c.page.Evaluate(expression, args...)
	return val, wrap(err)
}

func (c *controller) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := c.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(fullPage),
		Type:     playwright.ScreenshotTypePng,
	})
	return data, wrap(err)
}

func (c *controller) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	title, err := c.page.Title()
	return title, wrap(err)
}

func (c *controller) URL() string {
	return c.page.URL()
}

func (c *controller) Send(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.session == nil {
		session, err := c.context.NewCDPSession(c.page)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("new cdp session: %w", wrap(err))
		}
		c.session = session
	}
	session := c.session
	c.mu.Unlock()

	res, err := session.Send(method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, wrap(err))
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("%s: encode result: %w", method, err)
	}
	return raw, nil
}

// locatorSelector turns an XPath locator into a playwright selector; CSS and
// engine-prefixed selectors pass through.
func locatorSelector(selector string) string {
	s := strings.TrimSpace(selector)
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(/") {
		return "xpath=" + s
	}
	return s
}

func parseWaitUntil(v string) (*playwright.WaitUntilState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "load":
		return playwright.WaitUntilStateLoad, nil
	case "domcontentloaded":
		return playwright.WaitUntilStateDomcontentloaded, nil
	case "networkidle":
		return playwright.WaitUntilStateNetworkidle, nil
	case "commit":
		return playwright.WaitUntilStateCommit, nil
	default:
		return nil, fmt.Errorf("unknown waitUntil %q", v)
	}
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}
