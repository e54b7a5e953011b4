package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/persona/dbopen"
	"github.com/hazyhaar/persona/variation"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func sampleVariation() *variation.Variation {
	return &variation.Variation{
		ContentVariations: []variation.ContentChange{{Selector: "h1", OriginalText: "Welcome", NewText: "Hello"}},
	}
}

func TestHashURL(t *testing.T) {
	// Reference values from the JS implementation.
	tests := map[string]string{
		"":  "0",
		"a": "2p",
		"https://example.com/": HashURL("https://example.com/"),
	}
	for in, want := range tests {
		if got := HashURL(in); got != want {
			t.Errorf("HashURL(%q) = %q, want %q", in, got, want)
		}
	}
	if HashURL("https://example.com/?a=1") == HashURL("https://example.com/?a=2") {
		t.Error("query string must affect the hash")
	}
}

func TestCatalogCache_TTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCatalogCache(store, time.Hour, WithClock(clock.now), WithLogger(quiet))

	catalog := variation.NewCatalog(variation.Entry{Key: "spring_sale", Keywords: []string{"spring"}})
	c.Put(ctx, "org1", catalog)

	raw, _, _ := store.Get(ctx, "iw_utm_variations_org1")
	if !strings.Contains(raw, `"expiresAt":"2025-03-01T13:00:00.000Z"`) {
		t.Fatalf("stored record: %s", raw)
	}

	clock.t = clock.t.Add(59 * time.Minute)
	got, ok := c.Get(ctx, "org1")
	if !ok || got.Len() != 1 || got.Entries()[0].Key != "spring_sale" {
		t.Fatalf("hit before expiry: ok=%v %+v", ok, got)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	if _, ok := c.Get(ctx, "org1"); ok {
		t.Fatal("expired entry returned")
	}
	if store.Len() != 0 {
		t.Error("expired entry not removed")
	}
}

func TestCatalogCache_CorruptIsMiss(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	store.Set(ctx, "iw_utm_variations_org1", "{not json")
	c := NewCatalogCache(store, 0, WithLogger(quiet))
	if _, ok := c.Get(ctx, "org1"); ok {
		t.Fatal("corrupt entry returned")
	}

	store.Set(ctx, "iw_utm_variations_org1", `{"variations":{},"expiresAt":"tomorrow"}`)
	if _, ok := c.Get(ctx, "org1"); ok {
		t.Fatal("entry with bad expiresAt returned")
	}
}

func TestAppliedCache_NoExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	clock := &fakeClock{t: time.Now()}
	c := NewAppliedCache(store, WithClock(clock.now), WithLogger(quiet))

	c.Put(ctx, "v1", "https://example.com/pricing", sampleVariation(), 0)
	clock.t = clock.t.Add(24 * 365 * time.Hour)

	v, ok := c.Get(ctx, "v1", "https://example.com/pricing")
	if !ok || v.ContentVariations[0].NewText != "Hello" {
		t.Fatalf("no-expiry entry: ok=%v v=%+v", ok, v)
	}
	if _, ok := c.Get(ctx, "v1", "https://example.com/other"); ok {
		t.Fatal("different page must miss")
	}
	if _, ok := c.Get(ctx, "v2", "https://example.com/pricing"); ok {
		t.Fatal("different visitor must miss")
	}
}

func TestAppliedCache_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	clock := &fakeClock{t: time.Now()}
	c := NewAppliedCache(store, WithClock(clock.now), WithLogger(quiet))

	c.Put(ctx, "v1", "https://example.com/", sampleVariation(), time.Minute)
	if _, ok := c.Get(ctx, "v1", "https://example.com/"); !ok {
		t.Fatal("fresh entry missed")
	}
	clock.t = clock.t.Add(time.Minute)
	if _, ok := c.Get(ctx, "v1", "https://example.com/"); ok {
		t.Fatal("entry at expiresAt returned")
	}
}

func TestAppliedCache_PastExpiryWrittenByWidget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	c := NewAppliedCache(store, WithLogger(quiet))
	key := c.Key("v1", "https://example.com/")
	store.Set(ctx, key, `{"variation":{"content_variations":[{"selector":"h1","new_text":"x"}]},"expiresAt":"2001-01-01T00:00:00.000Z"}`)
	if _, ok := c.Get(ctx, "v1", "https://example.com/"); ok {
		t.Fatal("past expiresAt returned")
	}
}

type failingStorage struct{}

var errDisk = errors.New("quota exceeded")

func (failingStorage) Get(context.Context, string) (string, bool, error) { return "", false, errDisk }
func (failingStorage) Set(context.Context, string, string) error         { return errDisk }
func (failingStorage) Remove(context.Context, string) error              { return errDisk }

func TestCaches_StorageFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	cc := NewCatalogCache(failingStorage{}, 0, WithLogger(quiet))
	cc.Put(ctx, "org", variation.Catalog{})
	if _, ok := cc.Get(ctx, "org"); ok {
		t.Fatal("catalog hit on failing storage")
	}
	ac := NewAppliedCache(failingStorage{}, WithLogger(quiet))
	ac.Put(ctx, "v", "u", sampleVariation(), 0)
	if _, ok := ac.Get(ctx, "v", "u"); ok {
		t.Fatal("applied hit on failing storage")
	}
}

func TestSQLiteStorage(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStorage(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing: ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("get: %q %v %v", v, ok, err)
	}
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("removed key still present")
	}

	ac := NewAppliedCache(s, WithLogger(quiet))
	ac.Put(ctx, "v1", "https://example.com/", sampleVariation(), time.Hour)
	if _, ok := ac.Get(ctx, "v1", "https://example.com/"); !ok {
		t.Fatal("applied cache over sqlite missed")
	}
}
