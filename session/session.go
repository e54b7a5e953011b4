// Package session runs one personalization pass for a page load.
//
// A campaign (UTM) match takes precedence over a visitor's remembered
// assignment: when the page URL carries UTM parameters the session tries
// the UTM path first and falls back to the cache path; otherwise it goes
// straight to the cache path. Each path runs at most once per Session, and
// the Session as a whole moves NotStarted -> Applying -> Applied|Skipped
// exactly once.
//
// The page itself carries the same guarantee across Sessions: a run claims
// FlagEarly and the UTM path claims FlagUTM on the document, and a Session
// that finds a flag already set does nothing.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/persona/applier"
	"github.com/hazyhaar/persona/cache"
	"github.com/hazyhaar/persona/client"
	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/idgen"
	"github.com/hazyhaar/persona/pagectx"
	"github.com/hazyhaar/persona/utm"
	"github.com/hazyhaar/persona/variation"
)

// Page-global flags claimed on the document, one per decision path.
const (
	FlagUTM   = "__IW_UTM_PERSONALIZATION_APPLIED__"
	FlagEarly = "__IW_EARLY_PERSONALIZATION_APPLIED__"
)

// DefaultAppliedTTL bounds how long a remembered assignment replays.
const DefaultAppliedTTL = 24 * time.Hour

// State is the lifecycle of a Session.
type State int

const (
	NotStarted State = iota
	Applying
	Applied
	Skipped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Applying:
		return "applying"
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Path says which decision branch personalized the page.
type Path string

const (
	PathNone  Path = ""
	PathUTM   Path = "utm"
	PathCache Path = "cache"
)

// Backend is the subset of the backend API a Session needs.
// *client.Client implements it.
type Backend interface {
	FetchCatalog(ctx context.Context, orgID string) (variation.Catalog, error)
	LookupPersonalization(ctx context.Context, visitorID, pageURL, orgID string) (client.Assignment, error)
}

// Outcome summarizes a finished Session.
type Outcome struct {
	State          State          `json:"state"`
	Path           Path           `json:"path,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	VisitorID      string         `json:"visitor_id,omitempty"`
	VariationKey   string         `json:"variation_key,omitempty"`
	Report         applier.Report `json:"report"`
}

// Session personalizes one document. Create one per page load.
type Session struct {
	doc        dom.Document
	store      cache.Storage
	backend    Backend
	applier    *applier.Applier
	catalogs   *cache.CatalogCache
	applied    *cache.AppliedCache
	extractor  *pagectx.Extractor
	visitorIDs idgen.Generator
	appliedTTL time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	utmDone   bool
	cacheDone bool
	outcome   Outcome
	done      chan struct{}
}

type config struct {
	applier    *applier.Applier
	host       *pagectx.HostConfig
	catalogTTL time.Duration
	appliedTTL time.Duration
	visitorIDs idgen.Generator
	cacheOpts  []cache.Option
	logger     *slog.Logger
}

// Option configures a Session.
type Option func(*config)

// WithApplier sets the variation applier.
func WithApplier(a *applier.Applier) Option {
	return func(c *config) { c.applier = a }
}

// WithHostConfig supplies the host page's injected configuration.
func WithHostConfig(h *pagectx.HostConfig) Option {
	return func(c *config) { c.host = h }
}

// WithCatalogTTL sets the catalog cache lifetime. Default: 1h.
func WithCatalogTTL(d time.Duration) Option {
	return func(c *config) { c.catalogTTL = d }
}

// WithAppliedTTL sets how long an applied variation is remembered.
// Default: 24h.
func WithAppliedTTL(d time.Duration) Option {
	return func(c *config) { c.appliedTTL = d }
}

// WithVisitorIDs sets the generator for new visitor ids.
func WithVisitorIDs(g idgen.Generator) Option {
	return func(c *config) { c.visitorIDs = g }
}

// WithCacheOptions passes options (clock, logger) to both caches.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(c *config) { c.cacheOpts = append(c.cacheOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New returns a Session over doc. store holds visitor state; backend may be
// nil for offline runs (local cache only).
func New(doc dom.Document, store cache.Storage, backend Backend, opts ...Option) *Session {
	cfg := config{appliedTTL: DefaultAppliedTTL, visitorIDs: idgen.Default}
	for _, fn := range opts {
		fn(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.applier == nil {
		cfg.applier = applier.New(applier.WithLogger(cfg.logger))
	}
	if store == nil {
		store = cache.NewMemoryStorage()
	}
	cacheOpts := append([]cache.Option{cache.WithLogger(cfg.logger)}, cfg.cacheOpts...)
	return &Session{
		doc:        doc,
		store:      store,
		backend:    backend,
		applier:    cfg.applier,
		catalogs:   cache.NewCatalogCache(store, cfg.catalogTTL, cacheOpts...),
		applied:    cache.NewAppliedCache(store, cacheOpts...),
		extractor:  pagectx.New(doc, store, pagectx.WithHostConfig(cfg.host), pagectx.WithLogger(cfg.logger)),
		visitorIDs: cfg.visitorIDs,
		appliedTTL: cfg.appliedTTL,
		logger:     cfg.logger,
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run performs the personalization pass and returns its outcome. Only the
// first call does any work; concurrent and later calls wait for and return
// the same outcome.
func (s *Session) Run(ctx context.Context) Outcome {
	s.mu.Lock()
	if s.state != NotStarted {
		s.mu.Unlock()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		return s.Outcome()
	}
	s.state = Applying
	s.mu.Unlock()

	out := Outcome{State: Skipped}
	if s.claimPage(ctx, FlagEarly) {
		out = s.decide(ctx)
	}

	s.mu.Lock()
	s.state = out.State
	s.outcome = out
	s.mu.Unlock()
	close(s.done)

	s.logger.Info("session: finished", "state", out.State.String(), "path", string(out.Path),
		"variation", out.VariationKey, "applied", out.Report.Applied(), "url", s.doc.URL())
	return out
}

// Start runs the pass in the background. The channel yields the outcome
// once and is then closed.
func (s *Session) Start(ctx context.Context) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		ch <- s.Run(ctx)
		close(ch)
	}()
	return ch
}

// Outcome returns the outcome so far (the zero Outcome with the current
// state while running).
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outcome
	out.State = s.state
	return out
}

func (s *Session) decide(ctx context.Context) Outcome {
	params := utm.FromURL(s.doc.URL())
	if params.Present() {
		if !s.claimPage(ctx, FlagUTM) {
			return Outcome{State: Skipped}
		}
		if out, ok := s.utmPass(ctx, params); ok {
			return out
		}
		s.logger.Debug("session: utm personalization not applied, falling back to cache")
	}
	if out, ok := s.cachePass(ctx); ok {
		return out
	}
	return Outcome{State: Skipped}
}

// ApplyUTMPersonalization runs the UTM path alone. It reports whether any
// change was applied; it returns false if the UTM path already ran on this
// page.
func (s *Session) ApplyUTMPersonalization(ctx context.Context) bool {
	params := utm.FromURL(s.doc.URL())
	if !params.Present() || !s.claimPage(ctx, FlagUTM) {
		return false
	}
	_, ok := s.utmPass(ctx, params)
	return ok
}

// ApplyCachedPersonalization runs the cache path alone. It reports whether
// any change was applied; it returns false if a personalization pass
// already ran on this page.
func (s *Session) ApplyCachedPersonalization(ctx context.Context) bool {
	if !s.claimPage(ctx, FlagEarly) {
		return false
	}
	_, ok := s.cachePass(ctx)
	return ok
}

// claimPage claims a page-global flag. A flag that cannot be read counts as
// taken.
func (s *Session) claimPage(ctx context.Context, name string) bool {
	ok, err := s.doc.ClaimFlag(ctx, name)
	if err != nil {
		s.logger.Warn("session: claim page flag", "flag", name, "error", err)
		return false
	}
	if !ok {
		s.logger.Debug("session: page already personalized", "flag", name)
	}
	return ok
}

func (s *Session) claim(flag *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	return true
}

func (s *Session) utmPass(ctx context.Context, params utm.Context) (Outcome, bool) {
	if !s.claim(&s.utmDone) || !params.Present() {
		return Outcome{}, false
	}
	orgID := s.extractor.OrganizationID(ctx)
	if orgID == "" {
		return Outcome{}, false
	}

	catalog, ok := s.catalog(ctx, orgID)
	if !ok {
		return Outcome{}, false
	}
	key := utm.Match(params, catalog)
	entry, found := catalog.Lookup(key)
	if !found || entry.Variation.IsEmpty() {
		s.logger.Debug("session: no variation for utm", "key", key, "words", params.Words())
		return Outcome{}, false
	}

	rep := s.applier.ApplyVariation(ctx, s.doc, entry.Variation)
	if rep.Applied() == 0 {
		return Outcome{}, false
	}
	visitor := s.visitorID(ctx)
	s.applied.Put(ctx, visitor, s.doc.URL(), entry.Variation, s.appliedTTL)
	return Outcome{
		State:          Applied,
		Path:           PathUTM,
		OrganizationID: orgID,
		VisitorID:      visitor,
		VariationKey:   entry.Key,
		Report:         rep,
	}, true
}

func (s *Session) cachePass(ctx context.Context) (Outcome, bool) {
	if !s.claim(&s.cacheDone) {
		return Outcome{}, false
	}
	visitor := s.visitorID(ctx)
	pageURL := s.doc.URL()

	if v, ok := s.applied.Get(ctx, visitor, pageURL); ok {
		rep := s.applier.ApplyVariation(ctx, s.doc, v)
		if rep.Applied() > 0 {
			return Outcome{State: Applied, Path: PathCache, VisitorID: visitor, Report: rep}, true
		}
	}

	if s.backend == nil {
		return Outcome{}, false
	}
	orgID := s.extractor.OrganizationID(ctx)
	if orgID == "" {
		return Outcome{}, false
	}
	a, err := s.backend.LookupPersonalization(ctx, visitor, pageURL, orgID)
	if err != nil {
		s.logger.Warn("session: personalization lookup failed", "error", err)
		return Outcome{}, false
	}
	if a.Variation.IsEmpty() {
		return Outcome{}, false
	}
	rep := s.applier.ApplyVariation(ctx, s.doc, a.Variation)
	if rep.Applied() == 0 {
		return Outcome{}, false
	}
	s.applied.Put(ctx, visitor, pageURL, a.Variation, s.appliedTTL)
	return Outcome{
		State:          Applied,
		Path:           PathCache,
		OrganizationID: orgID,
		VisitorID:      visitor,
		Report:         rep,
	}, true
}

// catalog returns the cached catalog or fetches and caches it.
func (s *Session) catalog(ctx context.Context, orgID string) (variation.Catalog, bool) {
	if c, ok := s.catalogs.Get(ctx, orgID); ok {
		return c, true
	}
	if s.backend == nil {
		return variation.Catalog{}, false
	}
	c, err := s.backend.FetchCatalog(ctx, orgID)
	if err != nil {
		s.logger.Warn("session: catalog fetch failed", "org_id", orgID, "error", err)
		return variation.Catalog{}, false
	}
	s.catalogs.Put(ctx, orgID, c)
	return c, true
}

func (s *Session) visitorID(ctx context.Context) string {
	return pagectx.VisitorID(ctx, s.store, s.visitorIDs, s.logger)
}
