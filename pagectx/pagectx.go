// Package pagectx derives who the engine is personalizing for: the site's
// organization id and the anonymous visitor id.
//
// Nothing here fails. An unresolvable organization is reported as "" and
// callers skip personalization.
package pagectx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hazyhaar/persona/cache"
	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/idgen"
)

// Storage keys.
const (
	OrgIDKey     = "orgId"
	VisitorIDKey = "iw_visitor_id"
)

// ProductName is matched against script src attributes.
const ProductName = "interworky"

// HostConfig is the configuration object a host page injects before the
// widget script (window.InterworkyConfig).
type HostConfig struct {
	OrganizationID string `json:"organizationId" yaml:"organization_id"`
}

// Source says where an organization id came from.
type Source string

const (
	SourceNone      Source = ""
	SourceInjected  Source = "injected"
	SourceStorage   Source = "storage"
	SourceAttribute Source = "attribute"
	SourceScriptSrc Source = "script_src"
	SourceAPIKey    Source = "api_key"
)

// Extractor resolves page identity.
type Extractor struct {
	doc    dom.Document
	store  cache.Storage
	host   *HostConfig
	logger *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithHostConfig supplies the injected host configuration.
func WithHostConfig(c *HostConfig) Option {
	return func(x *Extractor) { x.host = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Extractor) {
		if l != nil {
			x.logger = l
		}
	}
}

// New returns an Extractor over doc and store. store may be nil.
func New(doc dom.Document, store cache.Storage, opts ...Option) *Extractor {
	x := &Extractor{doc: doc, store: store, logger: slog.Default()}
	for _, fn := range opts {
		fn(x)
	}
	return x
}

// OrganizationID returns the organization id or "".
func (x *Extractor) OrganizationID(ctx context.Context) string {
	id, _ := x.Resolve(ctx)
	return id
}

// Resolve tries each source in priority order: injected config, stored
// value, data-organization-id attribute, product script query parameter,
// base64 install key. Ids found on the page are persisted best-effort.
func (x *Extractor) Resolve(ctx context.Context) (string, Source) {
	if x.host != nil {
		if id := strings.TrimSpace(x.host.OrganizationID); id != "" {
			return id, SourceInjected
		}
	}
	if id := x.stored(ctx); id != "" {
		return id, SourceStorage
	}

	steps := []struct {
		src Source
		fn  func(context.Context) string
	}{
		{SourceAttribute, x.fromAttribute},
		{SourceScriptSrc, x.fromScriptSrc},
		{SourceAPIKey, x.fromAPIKey},
	}
	for _, s := range steps {
		if id := s.fn(ctx); id != "" {
			x.persist(ctx, id)
			return id, s.src
		}
	}
	x.logger.Debug("pagectx: organization id not found", "url", x.doc.URL())
	return "", SourceNone
}

func (x *Extractor) stored(ctx context.Context) string {
	if x.store == nil {
		return ""
	}
	v, ok, err := x.store.Get(ctx, OrgIDKey)
	if err != nil {
		x.logger.Warn("pagectx: read stored org id", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return decodeStored(v)
}

func (x *Extractor) persist(ctx context.Context, id string) {
	if x.store == nil {
		return
	}
	if err := x.store.Set(ctx, OrgIDKey, id); err != nil {
		x.logger.Warn("pagectx: persist org id", "error", err)
	}
}

func (x *Extractor) fromAttribute(ctx context.Context) string {
	return x.firstAttr(ctx, "script[data-organization-id]", "data-organization-id")
}

func (x *Extractor) fromScriptSrc(ctx context.Context) string {
	scripts, err := x.doc.QueryAll(ctx, `script[src*="`+ProductName+`"]`)
	if err != nil {
		x.logger.Debug("pagectx: query scripts", "error", err)
		return ""
	}
	for _, s := range scripts {
		src, ok, err := s.Attr(ctx, "src")
		if err != nil || !ok {
			continue
		}
		if id := orgFromSrc(src); id != "" {
			return id
		}
	}
	return ""
}

func (x *Extractor) fromAPIKey(ctx context.Context) string {
	return OrgFromAPIKey(x.firstAttr(ctx, "script[data-api-key]", "data-api-key"))
}

func (x *Extractor) firstAttr(ctx context.Context, selector, name string) string {
	els, err := x.doc.QueryAll(ctx, selector)
	if err != nil {
		x.logger.Debug("pagectx: query", "selector", selector, "error", err)
		return ""
	}
	for _, el := range els {
		if v, ok, err := el.Attr(ctx, name); err == nil && ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func orgFromSrc(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	q := u.Query()
	if id := q.Get("org_id"); id != "" {
		return id
	}
	return q.Get("organization_id")
}

// OrgFromAPIKey decodes a base64 install key ("<org>$$<secret>" or
// "<org>:<secret>") and returns the organization segment.
func OrgFromAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(key, "="))
		if err != nil {
			return ""
		}
	}
	s := string(raw)
	sep := ":"
	if strings.Contains(s, "$$") {
		sep = "$$"
	}
	org, _, _ := strings.Cut(s, sep)
	return strings.TrimSpace(org)
}

// decodeStored accepts both raw and JSON-encoded string values.
func decodeStored(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, `"`) {
		var s string
		if json.Unmarshal([]byte(v), &s) == nil {
			return strings.TrimSpace(s)
		}
	}
	return v
}

// VisitorID returns the stored visitor id, or generates one with gen
// (UUIDv7 when nil) and stores it best-effort.
func VisitorID(ctx context.Context, store cache.Storage, gen idgen.Generator, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	if gen == nil {
		gen = idgen.Default
	}
	if store != nil {
		v, ok, err := store.Get(ctx, VisitorIDKey)
		if err != nil {
			logger.Warn("pagectx: read visitor id", "error", err)
		} else if ok {
			if id := decodeStored(v); id != "" {
				return id
			}
		}
	}
	id := gen()
	if store != nil {
		if err := store.Set(ctx, VisitorIDKey, id); err != nil {
			logger.Warn("pagectx: persist visitor id", "error", err)
		}
	}
	return id
}
