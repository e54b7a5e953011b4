package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/persona/dom"
)

// DefaultPollInterval is how often Subscribe checks the mutation counter.
const DefaultPollInterval = 50 * time.Millisecond

// Page is a live Chrome tab. It implements dom.Document and dom.Notifier.
type Page struct {
	page   *rod.Page
	url    string
	router *rod.HijackRouter
	logger *slog.Logger

	pollInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
}

var (
	_ dom.Document = (*Page)(nil)
	_ dom.Notifier = (*Page)(nil)
)

// OpenTab creates a tab, navigates to pageURL and waits for the load
// event (a load timeout is logged, not fatal). Start must have been called.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Page, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	log := mgr.cfg.Logger

	var page *rod.Page
	var err error
	if mgr.cfg.Stealth >= LevelStealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	p := &Page{page: page, url: pageURL, logger: log, pollInterval: DefaultPollInterval}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if len(mgr.cfg.ResourceBlocking) > 0 {
		if p.router, err = blockResources(page, mgr.cfg.ResourceBlocking); err != nil {
			log.Warn("browser: resource blocking failed", "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, mgr.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		p.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		log.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	// Redirects may have changed the URL; the engine reads the final one.
	if res, err := page.Context(navCtx).Eval(jsLocation); err == nil && res.Value.Str() != "" {
		p.url = res.Value.Str()
	}
	if _, err := page.Context(navCtx).Eval(jsObserve); err != nil {
		log.Debug("browser: mutation observer not installed", "error", err)
	}
	return p, nil
}

// URL returns the page URL after navigation.
func (p *Page) URL() string { return p.url }

func (p *Page) ReadyState(ctx context.Context) (dom.ReadyState, error) {
	res, err := p.page.Context(ctx).Eval(jsReadyState)
	if err != nil {
		return dom.Loading, fmt.Errorf("browser: ready state: %w", err)
	}
	return dom.ParseReadyState(res.Value.Str()), nil
}

// Query returns the first match without waiting.
func (p *Page) Query(ctx context.Context, selector string) (dom.Element, error) {
	found, el, err := p.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, queryError(selector, err)
	}
	if !found {
		return nil, nil
	}
	e, err := wrap(ctx, el)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (p *Page) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, queryError(selector, err)
	}
	return wrapAll(ctx, els)
}

func (p *Page) InjectStyle(ctx context.Context, id, css string) (bool, error) {
	res, err := p.page.Context(ctx).Eval(jsInjectStyle, id, css)
	if err != nil {
		return false, fmt.Errorf("browser: inject style %s: %w", id, err)
	}
	return res.Value.Bool(), nil
}

// ClaimFlag checks and sets window[name] in one evaluation, so a second
// copy of the widget script on the same page sees the flag too.
func (p *Page) ClaimFlag(ctx context.Context, name string) (bool, error) {
	res, err := p.page.Context(ctx).Eval(jsClaimFlag, name)
	if err != nil {
		return false, fmt.Errorf("browser: claim flag %s: %w", name, err)
	}
	return res.Value.Bool(), nil
}

// Subscribe polls the in-page mutation counter and signals on change.
func (p *Page) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(p.ctx)
	go func() {
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		last := int64(-1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			res, err := p.page.Context(ctx).Eval(jsMutations)
			if err != nil {
				continue
			}
			n := int64(res.Value.Int())
			if last >= 0 && n != last {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			last = n
		}
	}()
	return ch, cancel
}

// HTML serializes the current DOM.
func (p *Page) HTML(ctx context.Context) (string, error) {
	s, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return s, nil
}

// Close stops subscriptions and interception and closes the tab.
func (p *Page) Close() error {
	p.cancel()
	if p.router != nil {
		if err := p.router.Stop(); err != nil {
			p.logger.Debug("browser: stop hijack router", "error", err)
		}
	}
	if err := p.page.Close(); err != nil {
		return fmt.Errorf("browser: close tab: %w", err)
	}
	return nil
}

// queryError marks selector syntax errors raised by querySelector with
// dom.ErrUnsupportedSelector.
func queryError(selector string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SyntaxError") || strings.Contains(msg, "not a valid selector") {
		return fmt.Errorf("browser: query %q: %w: %w", selector, dom.ErrUnsupportedSelector, err)
	}
	return fmt.Errorf("browser: query %q: %w", selector, err)
}
