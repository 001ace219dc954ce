package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromeOptions configures the Chrome instances started by ChromeLauncher.
type ChromeOptions struct {
	Headless  bool
	ExecPath  string
	UserAgent string
	ProxyURL  string
}

// ChromeLauncher starts one Chrome process per login, each with a throwaway
// profile directory so no state survives between acquisitions.
type ChromeLauncher struct {
	opts ChromeOptions
}

func NewChromeLauncher(opts ChromeOptions) *ChromeLauncher {
	return &ChromeLauncher{opts: opts}
}

// Launch starts Chrome and enables the network domain. The browser lives
// until Close or until ctx ends.
func (l *ChromeLauncher) Launch(ctx context.Context) (Page, error) {
	dir, err := os.MkdirTemp("", "checkin-profile-*")
	if err != nil {
		return nil, fmt.Errorf("creating profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(dir),
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.WindowSize(1920, 1080),
	)
	if l.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.opts.UserAgent))
	}
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}
	if l.opts.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(l.opts.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	page := &chromePage{
		ctx: browserCtx,
		dir: dir,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}
	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		page.Close()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}
	return page, nil
}

type chromePage struct {
	ctx       context.Context
	cancel    func()
	dir       string
	closeOnce sync.Once
}

// run executes actions on the browser, bounded by both the browser lifetime
// and ctx.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

const clickScript = `((texts, selectors) => {
  for (const sel of selectors) {
    for (const el of document.querySelectorAll(sel)) {
      if (el.offsetParent === null) continue;
      if (texts.length && el.tagName === 'BUTTON' && !texts.some(t => (el.innerText || '').includes(t))) continue;
      el.click();
      return true;
    }
  }
  for (const el of document.querySelectorAll('button, [role="button"]')) {
    if (el.offsetParent === null) continue;
    if (texts.some(t => (el.innerText || '').includes(t))) { el.click(); return true; }
  }
  for (const sel of selectors) {
    const el = document.querySelector(sel);
    if (el && el.offsetParent !== null) { el.click(); return true; }
  }
  return false;
})(%s, %s)`

func (p *chromePage) ClickButton(ctx context.Context, texts, selectors []string) (bool, error) {
	var clicked bool
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(clickScript, jsArg(texts), jsArg(selectors)), &clicked))
	return clicked, err
}

func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *chromePage) Location(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, chromedp.Location(&loc))
	return loc, err
}

const findTextScript = `((patterns, selectors) => {
  const body = document.body ? document.body.innerText : '';
  for (const pat of patterns) {
    if (body.includes(pat)) return pat;
  }
  for (const sel of selectors) {
    for (const el of document.querySelectorAll(sel)) {
      const text = (el.innerText || '').trim();
      if (text && el.offsetParent !== null) return text;
    }
  }
  return '';
})(%s, %s)`

func (p *chromePage) FindText(ctx context.Context, patterns, selectors []string) (string, bool, error) {
	var text string
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(findTextScript, jsArg(patterns), jsArg(selectors)), &text))
	return text, text != "", err
}

func (p *chromePage) Cookies(ctx context.Context, urls ...string) (map[string]string, error) {
	out := make(map[string]string)
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().WithUrls(urls).Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out[c.Name] = c.Value
		}
		return nil
	}))
	return out, err
}

func (p *chromePage) WatchRequestHeader(match func(url string) bool, header string) (<-chan string, func()) {
	watchCtx, cancel := context.WithCancel(p.ctx)
	values := make(chan string, 1)

	chromedp.ListenTarget(watchCtx, func(ev interface{}) {
		e, ok := ev.(*network.EventRequestWillBeSent)
		if !ok || e.Request == nil || !match(e.Request.URL) {
			return
		}
		for name, raw := range e.Request.Headers {
			if !strings.EqualFold(name, header) {
				continue
			}
			if v, ok := raw.(string); ok && v != "" {
				select {
				case values <- v:
				default:
				}
			}
		}
	})
	return values, cancel
}

func (p *chromePage) LocalStorageItem(ctx context.Context, key string) (string, error) {
	var v string
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(`localStorage.getItem(%s) || ""`, jsArg(key)), &v))
	return v, err
}

func (p *chromePage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		chromedp.Cancel(p.ctx)
		p.cancel()
		if p.dir != "" {
			err = os.RemoveAll(p.dir)
		}
	})
	return err
}

func jsArg(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
