// Package companion renders a visual fragment next to a conversation and
// refreshes it as the conversation progresses.
//
// UpdateVisual is cheap and may be called on every turn: calls within the
// debounce window collapse into one fetch carrying the latest parameters,
// and at most one fetch is in flight. A failed fetch keeps the previous
// visual on screen.
package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/persona/client"
	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/idgen"
)

// ErrDestroyed is returned by Init after Destroy.
var ErrDestroyed = errors.New("companion: controller destroyed")

// Defaults.
const (
	DefaultDebounce = 1500 * time.Millisecond
	DefaultFade     = 200 * time.Millisecond
)

// Fetcher fetches a visual fragment. *client.Client implements it.
type Fetcher interface {
	FetchVisual(ctx context.Context, flowID string, req client.VisualRequest) (client.Visual, error)
}

// Update describes one conversation turn.
type Update struct {
	CurrentAgent         string
	ToolCalled           string
	ToolData             any
	LastUserMessage      string
	LastAssistantMessage string
}

// State is a snapshot of the controller.
type State struct {
	FlowID            string         `json:"flow_id"`
	TurnNumber        int            `json:"turn_number"`
	CollectedData     map[string]any `json:"collected_data"`
	CurrentVisualHTML string         `json:"current_visual_html"`
	IsLoading         bool           `json:"is_loading"`
	Fetches           int            `json:"fetches"`
}

// Controller owns one conversation's visual state. Safe for concurrent use.
type Controller struct {
	fetcher  Fetcher
	debounce time.Duration
	fade     time.Duration
	policy   *bluemonday.Policy
	newFlow  idgen.Generator
	logger   *slog.Logger
	onRender func(State)

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	container dom.Element
	state     State
	last      Update
	timer     *time.Timer
	pending   bool
	destroyed bool
	// gen counts Init calls; fetches started under an older gen leave the
	// state alone when they complete.
	gen uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithFade sets the cross-fade duration. Zero disables the transition.
func WithFade(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.fade = d
		}
	}
}

// WithPolicy replaces the sanitizing policy applied to fetched HTML.
func WithPolicy(p *bluemonday.Policy) Option {
	return func(c *Controller) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithFlowIDs sets the generator used when Init gets no flow id.
func WithFlowIDs(g idgen.Generator) Option {
	return func(c *Controller) {
		if g != nil {
			c.newFlow = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRenderHook is called after every successful render.
func WithRenderHook(fn func(State)) Option {
	return func(c *Controller) { c.onRender = fn }
}

// DefaultPolicy allows user-generated-content markup plus classes, ids and
// a small set of layout styles.
func DefaultPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowStyling()
	p.AllowStyles("color", "background-color", "font-weight", "font-size", "text-align",
		"margin", "padding", "display", "gap", "border-radius").Globally()
	return p
}

// New returns a Controller. Call Init before UpdateVisual.
func New(f Fetcher, opts ...Option) *Controller {
	c := &Controller{
		fetcher:  f,
		debounce: DefaultDebounce,
		fade:     DefaultFade,
		policy:   DefaultPolicy(),
		newFlow:  idgen.Prefixed("flow_", idgen.UUIDv7()),
		logger:   slog.Default(),
	}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// Init binds the controller to a container element and a conversation
// flow. An empty flowID gets a generated one. Init resets the state.
func (c *Controller) Init(ctx context.Context, container dom.Element, flowID string) error {
	if container == nil {
		return fmt.Errorf("companion: init: nil container")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	if flowID == "" {
		flowID = c.newFlow()
	}
	c.gen++
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.container = container
	c.state = State{FlowID: flowID, CollectedData: map[string]any{}}
	c.pending = false
	c.logger.Debug("companion: init", "flow_id", flowID)
	return nil
}

// UpdateVisual records a turn and (re)starts the debounce timer. It
// reports false when the controller is not initialized or destroyed.
func (c *Controller) UpdateVisual(u Update) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.container == nil {
		return false
	}
	c.state.TurnNumber++
	if u.ToolCalled != "" {
		c.state.CollectedData[u.ToolCalled] = u.ToolData
	}
	c.last = u
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.fire)
	return true
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.CollectedData = maps.Clone(c.state.CollectedData)
	return s
}

// Destroy stops timers, aborts an in-flight fetch and drops the container.
// Later calls are no-ops.
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.container = nil
	c.pending = false
	c.state = State{}
	c.logger.Debug("companion: destroyed")
}

// VisualMarkdown returns the current visual as Markdown.
func (c *Controller) VisualMarkdown() (string, error) {
	return ToMarkdown(c.State().CurrentVisualHTML)
}

// fire runs when the debounce window closes.
func (c *Controller) fire() {
	c.mu.Lock()
	if c.destroyed || c.container == nil {
		c.mu.Unlock()
		return
	}
	if c.state.IsLoading {
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.state.IsLoading = true
	c.state.Fetches++
	ctx, container, flowID, gen := c.ctx, c.container, c.state.FlowID, c.gen
	req := client.VisualRequest{
		CurrentAgent:         c.last.CurrentAgent,
		CollectedData:        maps.Clone(c.state.CollectedData),
		TurnNumber:           c.state.TurnNumber,
		LastUserMessage:      c.last.LastUserMessage,
		LastAssistantMessage: c.last.LastAssistantMessage,
	}
	c.mu.Unlock()

	c.refresh(ctx, gen, container, flowID, req)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state.IsLoading = false
	again := c.pending && !c.destroyed
	c.pending = false
	c.mu.Unlock()
	if again {
		c.fire()
	}
}

func (c *Controller) refresh(ctx context.Context, gen uint64, container dom.Element, flowID string, req client.VisualRequest) {
	v, err := c.fetcher.FetchVisual(ctx, flowID, req)
	if err == nil && v.HTML == "" {
		err = fmt.Errorf("companion: empty visual")
	}
	if err != nil {
		c.logger.Warn("companion: fetch failed, keeping current visual",
			"flow_id", flowID, "turn", req.TurnNumber, "error", err)
		return
	}

	fragment := c.policy.Sanitize(v.HTML)
	if err := c.render(ctx, container, fragment); err != nil {
		c.logger.Warn("companion: render failed", "flow_id", flowID, "error", err)
		return
	}

	c.mu.Lock()
	if c.destroyed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state.CurrentVisualHTML = fragment
	snap := c.state
	snap.CollectedData = maps.Clone(c.state.CollectedData)
	hook := c.onRender
	c.mu.Unlock()

	c.logger.Debug("companion: visual rendered", "flow_id", flowID, "turn", req.TurnNumber, "mood", v.Mood)
	if hook != nil {
		hook(snap)
	}
}

// render cross-fades container to fragment: fade out, swap, fade in. On
// any error the container is made visible again with whatever it holds.
func (c *Controller) render(ctx context.Context, container dom.Element, fragment string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			restoreOpacity(ctx, container, c.logger)
		}
	}()
	if c.fade > 0 {
		ms := strconv.FormatInt(c.fade.Milliseconds(), 10)
		if err := container.SetStyleProperty(ctx, "transition", "opacity "+ms+"ms ease"); err != nil {
			return err
		}
		if err := container.SetStyleProperty(ctx, "opacity", "0"); err != nil {
			return err
		}
		t := time.NewTimer(c.fade)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := container.SetInnerHTML(ctx, fragment); err != nil {
		return err
	}
	return container.SetStyleProperty(ctx, "opacity", "1")
}

func restoreOpacity(ctx context.Context, container dom.Element, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := container.SetStyleProperty(ctx, "opacity", "1"); err != nil {
		logger.Warn("companion: restore opacity", "error", err)
	}
}

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

// ToMarkdown converts an HTML fragment to Markdown.
func ToMarkdown(fragment string) (string, error) {
	if fragment == "" {
		return "", nil
	}
	md, err := mdConverter.ConvertString(fragment)
	if err != nil {
		return "", fmt.Errorf("companion: markdown: %w", err)
	}
	return md, nil
}
