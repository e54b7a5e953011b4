// Package waiter resolves a CSS selector once it appears in a document, or
// gives up after a timeout.
//
// Host pages are often client-rendered and give no signal when hydration
// ends, so the default strategy polls. Documents that publish change
// notifications can use Notify instead.
package waiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/persona/dom"
)

// Defaults.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultInterval     = 100 * time.Millisecond
	DefaultInitialDelay = 50 * time.Millisecond
)

// Strategy waits for selector to resolve in doc. Implementations return
// nil when the context ends first and never return an error.
type Strategy interface {
	Wait(ctx context.Context, doc dom.Document, selector string) dom.Element
}

// Poller re-queries on a fixed interval after a short initial delay.
type Poller struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Logger       *slog.Logger
}

func (p *Poller) defaults() {
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
}

// NewPoller returns a Poller with the default delays.
func NewPoller() *Poller {
	return &Poller{InitialDelay: DefaultInitialDelay, Interval: DefaultInterval}
}

// Wait implements Strategy.
func (p Poller) Wait(ctx context.Context, doc dom.Document, selector string) dom.Element {
	p.defaults()
	if el, stop := query(ctx, doc, selector, p.Logger); el != nil || stop {
		return el
	}

	delay := time.NewTimer(p.InitialDelay)
	select {
	case <-ctx.Done():
		delay.Stop()
		return nil
	case <-delay.C:
	}
	if el, stop := query(ctx, doc, selector, p.Logger); el != nil || stop {
		return el
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if el, stop := query(ctx, doc, selector, p.Logger); el != nil || stop {
				return el
			}
		}
	}
}

// Notify re-queries whenever the document signals a change. Documents that
// do not implement dom.Notifier fall back to Fallback (a default Poller
// when nil).
type Notify struct {
	Fallback Strategy
	Logger   *slog.Logger
}

// Wait implements Strategy.
func (n Notify) Wait(ctx context.Context, doc dom.Document, selector string) dom.Element {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nt, ok := doc.(dom.Notifier)
	if !ok {
		fb := n.Fallback
		if fb == nil {
			fb = NewPoller()
		}
		return fb.Wait(ctx, doc, selector)
	}

	// Subscribe before the first query so a change in between is not lost.
	ch, cancel := nt.Subscribe()
	defer cancel()
	for {
		if el, stop := query(ctx, doc, selector, logger); el != nil || stop {
			return el
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
		}
	}
}

// query reports stop=true when the selector can never resolve.
func query(ctx context.Context, doc dom.Document, selector string, logger *slog.Logger) (dom.Element, bool) {
	el, err := doc.Query(ctx, selector)
	if err != nil {
		logger.Debug("waiter: query failed", "selector", selector, "error", err)
		return nil, true
	}
	return el, false
}

// Waiter binds a Strategy to a default timeout.
type Waiter struct {
	strategy Strategy
	timeout  time.Duration
}

// New returns a Waiter. A nil strategy means a default Poller and a
// non-positive timeout means DefaultTimeout.
func New(strategy Strategy, timeout time.Duration) *Waiter {
	if strategy == nil {
		strategy = NewPoller()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Waiter{strategy: strategy, timeout: timeout}
}

// WaitForElement resolves selector within timeout (the Waiter's default
// when timeout <= 0). It returns nil on timeout and never fails.
func (w *Waiter) WaitForElement(ctx context.Context, doc dom.Document, selector string, timeout time.Duration) dom.Element {
	if timeout <= 0 {
		timeout = w.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.strategy.Wait(ctx, doc, selector)
}

// WaitForElement waits with a default Poller.
func WaitForElement(ctx context.Context, doc dom.Document, selector string, timeout time.Duration) dom.Element {
	return New(nil, timeout).WaitForElement(ctx, doc, selector, timeout)
}
