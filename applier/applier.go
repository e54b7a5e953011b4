// Package applier mutates a live document according to a variation.
//
// Four strategies exist (content text, call to action, section order, style
// emphasis). Each change is attempted independently and reported as a
// Result; a missing element or a text that no longer matches its expected
// original skips that change and the batch continues. Every mutated element
// carries the MarkerAttr attribute.
package applier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/variation"
	"github.com/hazyhaar/persona/waiter"
)

// MarkerAttr is set on every personalized element; its value is the Kind
// of the first change applied to it.
const MarkerAttr = "data-iw-personalized"

// Kind identifies a mutation strategy.
type Kind string

const (
	KindContent Kind = "content"
	KindCTA     Kind = "cta"
	KindLayout  Kind = "layout"
	KindStyle   Kind = "style"
)

// Status is the outcome of one change.
type Status int

const (
	OK Status = iota
	Skipped
	Failed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText renders the status name in JSON output.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Skip reasons.
const (
	ReasonNotFound       = "element not found"
	ReasonMismatch       = "text does not match original"
	ReasonAlreadyApplied = "already applied"
	ReasonNoChange       = "nothing to change"
	ReasonNotReady       = "document not ready"
	ReasonNoContainer    = "no layout container"
	ReasonNoSection      = "section not found"
	ReasonSectionTaken   = "section already ordered"
)

// Result reports one attempted change.
type Result struct {
	Kind   Kind   `json:"kind"`
	Target string `json:"target"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func succeeded(k Kind, target string) Result { return Result{Kind: k, Target: target, Status: OK} }

func skipped(k Kind, target, reason string) Result {
	return Result{Kind: k, Target: target, Status: Skipped, Reason: reason}
}

func failed(k Kind, target string, err error) Result {
	return Result{Kind: k, Target: target, Status: Failed, Reason: err.Error()}
}

// Report collects the results of one ApplyVariation call in application
// order.
type Report struct {
	Results []Result `json:"results"`
}

// Applied counts OK results.
func (r Report) Applied() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == OK {
			n++
		}
	}
	return n
}

// Count returns the number of results with status s.
func (r Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Applier applies variations. Safe for sequential use on one document.
type Applier struct {
	waiter       *waiter.Waiter
	timeout      time.Duration
	readyTimeout time.Duration
	readyPoll    time.Duration
	logger       *slog.Logger
}

// Option configures an Applier.
type Option func(*Applier)

// WithStrategy sets the element wait strategy.
func WithStrategy(s waiter.Strategy) Option {
	return func(a *Applier) { a.waiter = waiter.New(s, a.timeout) }
}

// WithTimeout sets the per-element wait timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Applier) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithReadyTimeout bounds the wait for the document to become interactive.
func WithReadyTimeout(d time.Duration) Option {
	return func(a *Applier) {
		if d > 0 {
			a.readyTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an Applier with a polling waiter and a 5s element timeout.
func New(opts ...Option) *Applier {
	a := &Applier{
		timeout:      waiter.DefaultTimeout,
		readyTimeout: waiter.DefaultTimeout,
		readyPoll:    waiter.DefaultInterval,
		logger:       slog.Default(),
	}
	for _, fn := range opts {
		fn(a)
	}
	if a.waiter == nil {
		a.waiter = waiter.New(nil, a.timeout)
	}
	return a
}

// ApplyVariation waits for the document to be interactive, then applies
// layout, content, CTA and style changes in that order.
func (a *Applier) ApplyVariation(ctx context.Context, doc dom.Document, v *variation.Variation) Report {
	var rep Report
	if v.IsEmpty() {
		return rep
	}
	if err := a.WaitReady(ctx, doc); err != nil {
		a.logger.Debug("applier: document not ready", "url", doc.URL(), "error", err)
		rep.Results = append(rep.Results, skipped("", doc.URL(), ReasonNotReady))
		return rep
	}
	rep.Results = append(rep.Results, a.ApplyLayout(ctx, doc, v.LayoutChanges)...)
	rep.Results = append(rep.Results, a.ApplyContent(ctx, doc, v.ContentVariations)...)
	rep.Results = append(rep.Results, a.ApplyCTA(ctx, doc, v.CTAVariations)...)
	rep.Results = append(rep.Results, a.ApplyStyle(ctx, doc, v.StyleEmphasis)...)

	a.logger.Info("applier: variation applied", "url", doc.URL(),
		"ok", rep.Count(OK), "skipped", rep.Count(Skipped), "failed", rep.Count(Failed))
	return rep
}

// WaitReady blocks until doc reaches at least Interactive.
func (a *Applier) WaitReady(ctx context.Context, doc dom.Document) error {
	ctx, cancel := context.WithTimeout(ctx, a.readyTimeout)
	defer cancel()
	ticker := time.NewTicker(a.readyPoll)
	defer ticker.Stop()
	for {
		st, err := doc.ReadyState(ctx)
		if err != nil {
			return fmt.Errorf("applier: ready state: %w", err)
		}
		if st >= dom.Interactive {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("applier: ready state %s: %w", st, ctx.Err())
		case <-ticker.C:
		}
	}
}

// locate resolves selector, waiting up to the element timeout. A nil
// element with a nil error means not found.
func (a *Applier) locate(ctx context.Context, doc dom.Document, selector string) (dom.Element, error) {
	if selector == "" {
		return nil, fmt.Errorf("applier: empty selector")
	}
	el, err := doc.Query(ctx, selector)
	if err != nil {
		return nil, err
	}
	if el != nil {
		return el, nil
	}
	return a.waiter.WaitForElement(ctx, doc, selector, a.timeout), nil
}

// mark tags el with the first Kind that touched it.
func mark(ctx context.Context, el dom.Element, k Kind) error {
	if _, has, err := el.Attr(ctx, MarkerAttr); err != nil || has {
		return err
	}
	return el.SetAttr(ctx, MarkerAttr, string(k))
}
