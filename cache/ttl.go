package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/persona/variation"
)

// Storage keys shared with the browser widget.
const (
	CatalogPrefix = "iw_utm_variations_"
	AppliedPrefix = "iw_personalization_"
)

// DefaultCatalogTTL is the lifetime of a cached variation catalog.
const DefaultCatalogTTL = time.Hour

// isoMillis matches Date.prototype.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func formatExpiry(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// expired reports whether an expiresAt value has passed. An empty value
// never expires.
func expired(expiresAt string, now time.Time) (bool, error) {
	if expiresAt == "" {
		return false, nil
	}
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return false, fmt.Errorf("%w: expiresAt %q", ErrCorrupt, expiresAt)
	}
	return !now.Before(t), nil
}

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a cache.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

type catalogRecord struct {
	Variations variation.Catalog `json:"variations"`
	ExpiresAt  string            `json:"expiresAt"`
}

// CatalogCache stores one organization's variation catalog for a fixed TTL.
type CatalogCache struct {
	store Storage
	ttl   time.Duration
	opts  options
}

// NewCatalogCache returns a cache with the given TTL (DefaultCatalogTTL
// when ttl <= 0).
func NewCatalogCache(store Storage, ttl time.Duration, opts ...Option) *CatalogCache {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	return &CatalogCache{store: store, ttl: ttl, opts: buildOptions(opts)}
}

// Key returns the storage key for orgID.
func (c *CatalogCache) Key(orgID string) string {
	return CatalogPrefix + orgID
}

// Get returns the cached catalog. Expired, corrupt and unreadable entries
// are misses.
func (c *CatalogCache) Get(ctx context.Context, orgID string) (variation.Catalog, bool) {
	key := c.Key(orgID)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.opts.logger.Warn("cache: catalog read failed", "key", key, "error", err)
		return variation.Catalog{}, false
	}
	if !ok {
		return variation.Catalog{}, false
	}

	var rec catalogRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.opts.logger.Warn("cache: catalog entry corrupt", "key", key, "error", err)
		c.drop(ctx, key)
		return variation.Catalog{}, false
	}
	gone, err := expired(rec.ExpiresAt, c.opts.now())
	if err != nil {
		c.opts.logger.Warn("cache: catalog entry corrupt", "key", key, "error", err)
		c.drop(ctx, key)
		return variation.Catalog{}, false
	}
	if gone {
		c.drop(ctx, key)
		return variation.Catalog{}, false
	}
	return rec.Variations, true
}

// Put stores catalog with expiresAt = now + TTL. Failures are logged only.
func (c *CatalogCache) Put(ctx context.Context, orgID string, catalog variation.Catalog) {
	key := c.Key(orgID)
	data, err := json.Marshal(catalogRecord{
		Variations: catalog,
		ExpiresAt:  formatExpiry(c.opts.now().Add(c.ttl)),
	})
	if err != nil {
		c.opts.logger.Warn("cache: catalog encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, string(data)); err != nil {
		c.opts.logger.Warn("cache: catalog write failed", "key", key, "error", err)
	}
}

func (c *CatalogCache) drop(ctx context.Context, key string) {
	if err := c.store.Remove(ctx, key); err != nil {
		c.opts.logger.Debug("cache: remove failed", "key", key, "error", err)
	}
}

type appliedRecord struct {
	Variation *variation.Variation `json:"variation"`
	ExpiresAt string               `json:"expiresAt,omitempty"`
}

// AppliedCache remembers which variation a visitor saw on a page.
type AppliedCache struct {
	store Storage
	opts  options
}

// NewAppliedCache returns an AppliedCache over store.
func NewAppliedCache(store Storage, opts ...Option) *AppliedCache {
	return &AppliedCache{store: store, opts: buildOptions(opts)}
}

// Key returns the storage key for a visitor on pageURL (the full URL,
// query string included).
func (c *AppliedCache) Key(visitorID, pageURL string) string {
	return AppliedPrefix + visitorID + "_" + HashURL(pageURL)
}

// Get returns the stored variation. Entries without expiresAt never expire.
func (c *AppliedCache) Get(ctx context.Context, visitorID, pageURL string) (*variation.Variation, bool) {
	key := c.Key(visitorID, pageURL)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.opts.logger.Warn("cache: applied read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var rec appliedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.opts.logger.Warn("cache: applied entry corrupt", "key", key, "error", err)
		c.drop(ctx, key)
		return nil, false
	}
	gone, err := expired(rec.ExpiresAt, c.opts.now())
	if err != nil {
		c.opts.logger.Warn("cache: applied entry corrupt", "key", key, "error", err)
		c.drop(ctx, key)
		return nil, false
	}
	if gone {
		c.drop(ctx, key)
		return nil, false
	}
	if rec.Variation.IsEmpty() {
		return nil, false
	}
	return rec.Variation, true
}

// Put stores v. ttl <= 0 stores it without expiry.
func (c *AppliedCache) Put(ctx context.Context, visitorID, pageURL string, v *variation.Variation, ttl time.Duration) {
	key := c.Key(visitorID, pageURL)
	rec := appliedRecord{Variation: v}
	if ttl > 0 {
		rec.ExpiresAt = formatExpiry(c.opts.now().Add(ttl))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		c.opts.logger.Warn("cache: applied encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, string(data)); err != nil {
		c.opts.logger.Warn("cache: applied write failed", "key", key, "error", err)
	}
}

func (c *AppliedCache) drop(ctx context.Context, key string) {
	if err := c.store.Remove(ctx, key); err != nil {
		c.opts.logger.Debug("cache: remove failed", "key", key, "error", err)
	}
}
