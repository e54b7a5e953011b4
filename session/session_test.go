package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/persona/applier"
	"github.com/hazyhaar/persona/cache"
	"github.com/hazyhaar/persona/client"
	"github.com/hazyhaar/persona/devserver"
	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/idgen"
	"github.com/hazyhaar/persona/pagectx"
	"github.com/hazyhaar/persona/variation"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const page = `<html><head>
<script src="https://cdn.interworky.com/widget.js?org_id=org1"></script>
</head><body><main>
<div id="hero"><h1>Welcome</h1><a class="cta" href="/signup">Sign up</a></div>
</main></body></html>`

const fixtureYAML = `
organizations:
  org1:
    variations:
      spring_sale:
        keywords: [spring_sale]
        variation:
          content_variations:
            - selector: "#hero h1"
              original_text: Welcome
              new_text: Spring deals
      default: {}
assignments:
  - visitor_id: returning
    page_url: https://shop.example/?utm_campaign=winter
    variation:
      cta_variations:
        - selector: a.cta
          original_text: Sign up
          new_text: Welcome back
`

func fastApplier() *applier.Applier {
	return applier.New(applier.WithTimeout(30*time.Millisecond), applier.WithReadyTimeout(30*time.Millisecond), applier.WithLogger(quiet))
}

func newDoc(t *testing.T, pageURL string) *dom.HTMLDocument {
	t.Helper()
	doc, err := dom.ParseString(page, pageURL)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func newBackend(t *testing.T) (*devserver.Server, *client.Client) {
	t.Helper()
	f, err := devserver.ParseFixture(strings.NewReader(fixtureYAML))
	if err != nil {
		t.Fatal(err)
	}
	srv := devserver.New(f, devserver.WithLogger(quiet))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	c, err := client.New(ts.URL, client.WithRetries(0, 0), client.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	return srv, c
}

func heading(t *testing.T, doc dom.Document) string {
	t.Helper()
	el, _ := doc.Query(context.Background(), "#hero h1")
	s, _ := el.TextContent(context.Background())
	return s
}

func TestRun_UTMPath(t *testing.T) {
	ctx := context.Background()
	srv, backend := newBackend(t)
	store := cache.NewMemoryStorage()
	doc := newDoc(t, "https://shop.example/?utm_campaign=SPRING_SALE&utm_source=news")

	s := New(doc, store, backend, WithApplier(fastApplier()), WithLogger(quiet), WithVisitorIDs(idgen.Sequence("v")))
	out := s.Run(ctx)
	if out.State != Applied || out.Path != PathUTM || out.VariationKey != "spring_sale" || out.OrganizationID != "org1" {
		t.Fatalf("outcome = %+v", out)
	}
	if got := heading(t, doc); got != "Spring deals" {
		t.Fatalf("heading = %q", got)
	}
	if s.State() != Applied {
		t.Fatalf("state = %s", s.State())
	}

	// Catalog and applied variation are cached for the next page view.
	if _, ok, _ := store.Get(ctx, cache.CatalogPrefix+"org1"); !ok {
		t.Fatal("catalog not cached")
	}
	if _, ok := cache.NewAppliedCache(store).Get(ctx, "v1", doc.URL()); !ok {
		t.Fatal("applied variation not remembered")
	}

	again := New(newDoc(t, doc.URL()), store, backend, WithApplier(fastApplier()), WithLogger(quiet))
	if out := again.Run(ctx); out.State != Applied || out.Path != PathUTM {
		t.Fatalf("second page view: %+v", out)
	}
	if srv.Hits("catalog") != 1 {
		t.Fatalf("catalog fetched %d times", srv.Hits("catalog"))
	}
}

func TestRun_UTMDefaultFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	srv, backend := newBackend(t)
	store := cache.NewMemoryStorage()
	store.Set(ctx, pagectx.VisitorIDKey, "returning")
	doc := newDoc(t, "https://shop.example/?utm_campaign=winter")

	out := New(doc, store, backend, WithApplier(fastApplier()), WithLogger(quiet)).Run(ctx)
	if out.State != Applied || out.Path != PathCache {
		t.Fatalf("outcome = %+v", out)
	}
	if srv.Hits("lookup") != 1 {
		t.Fatalf("lookups = %d", srv.Hits("lookup"))
	}
	el, _ := doc.Query(ctx, "a.cta")
	if txt, _ := el.TextContent(ctx); txt != "Welcome back" {
		t.Fatalf("cta = %q", txt)
	}
	if got := heading(t, doc); got != "Welcome" {
		t.Fatalf("heading changed to %q", got)
	}
}

func TestApplyCachedPersonalization_NothingCached(t *testing.T) {
	ctx := context.Background()
	_, backend := newBackend(t)
	doc := newDoc(t, "https://shop.example/")
	before := doc.String()

	s := New(doc, cache.NewMemoryStorage(), backend, WithApplier(fastApplier()), WithLogger(quiet))
	if s.ApplyCachedPersonalization(ctx) {
		t.Fatal("expected false")
	}
	if doc.String() != before {
		t.Fatal("DOM mutated")
	}

	out := New(newDoc(t, "https://shop.example/"), nil, nil, WithLogger(quiet)).Run(ctx)
	if out.State != Skipped || out.Report.Applied() != 0 {
		t.Fatalf("offline run: %+v", out)
	}
}

func TestApplyCachedPersonalization_LocalReplay(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStorage()
	store.Set(ctx, pagectx.VisitorIDKey, "v9")
	doc := newDoc(t, "https://shop.example/landing?ref=mail")
	cache.NewAppliedCache(store).Put(ctx, "v9", doc.URL(), &variation.Variation{
		ContentVariations: []variation.ContentChange{{Selector: "h1", NewText: "Back again"}},
	}, 0)

	s := New(doc, store, nil, WithApplier(fastApplier()), WithLogger(quiet))
	if !s.ApplyCachedPersonalization(ctx) {
		t.Fatal("expected replay")
	}
	if heading(t, doc) != "Back again" {
		t.Fatal("not replayed")
	}
	if s.ApplyCachedPersonalization(ctx) {
		t.Fatal("cache path ran twice")
	}
}

type failingBackend struct{ calls int }

func (f *failingBackend) FetchCatalog(context.Context, string) (variation.Catalog, error) {
	f.calls++
	return variation.Catalog{}, errors.New("connection refused")
}

func (f *failingBackend) LookupPersonalization(context.Context, string, string, string) (client.Assignment, error) {
	f.calls++
	return client.Assignment{}, errors.New("connection refused")
}

func TestRun_BackendDown(t *testing.T) {
	b := &failingBackend{}
	doc := newDoc(t, "https://shop.example/?utm_campaign=spring_sale")
	before := doc.String()
	out := New(doc, nil, b, WithApplier(fastApplier()), WithLogger(quiet)).Run(context.Background())
	if out.State != Skipped {
		t.Fatalf("outcome = %+v", out)
	}
	if b.calls != 2 {
		t.Fatalf("backend calls = %d", b.calls)
	}
	if doc.String() != before {
		t.Fatal("DOM mutated")
	}
}

func TestRun_NoOrganization(t *testing.T) {
	b := &failingBackend{}
	doc, _ := dom.ParseString(`<html><body><h1>Welcome</h1></body></html>`, "https://x.example/?utm_source=spring_sale")
	out := New(doc, nil, b, WithLogger(quiet)).Run(context.Background())
	if out.State != Skipped || b.calls != 0 {
		t.Fatalf("outcome = %+v, calls = %d", out, b.calls)
	}
}

func TestRun_Once(t *testing.T) {
	ctx := context.Background()
	_, backend := newBackend(t)
	doc := newDoc(t, "https://shop.example/?utm_campaign=spring_sale")
	s := New(doc, nil, backend, WithApplier(fastApplier()), WithLogger(quiet))

	var wg sync.WaitGroup
	outs := make([]Outcome, 4)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = s.Run(ctx)
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outs {
		if o.State != Applied || o.VariationKey != "spring_sale" {
			t.Fatalf("outcome = %+v", o)
		}
		applied += o.Report.Applied()
	}
	if applied != 4 {
		// Every caller sees the same single report.
		t.Fatalf("reports = %d applied changes", applied)
	}
	if n := strings.Count(doc.String(), applier.MarkerAttr); n != 1 {
		t.Fatalf("%d marked elements", n)
	}
	if s.ApplyUTMPersonalization(ctx) {
		t.Fatal("utm path ran twice")
	}
}

func TestStart_NonBlocking(t *testing.T) {
	_, backend := newBackend(t)
	doc := newDoc(t, "https://shop.example/?utm_campaign=spring_sale")
	s := New(doc, nil, backend, WithApplier(fastApplier()), WithLogger(quiet))
	ch := s.Start(context.Background())
	select {
	case out := <-ch:
		if out.State != Applied {
			t.Fatalf("outcome = %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	if _, open := <-ch; open {
		t.Fatal("channel not closed")
	}
}

func TestRun_SecondSessionOnSamePage(t *testing.T) {
	ctx := context.Background()
	f, err := devserver.ParseFixture(strings.NewReader(fixtureYAML + `
  - visitor_id: returning
    page_url: https://shop.example/?utm_campaign=SPRING_SALE
    variation:
      cta_variations:
        - selector: a.cta
          original_text: Sign up
          new_text: Welcome back
`))
	if err != nil {
		t.Fatal(err)
	}
	srv := devserver.New(f, devserver.WithLogger(quiet))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	backend, err := client.New(ts.URL, client.WithRetries(0, 0), client.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}

	store := cache.NewMemoryStorage()
	store.Set(ctx, pagectx.VisitorIDKey, "returning")
	doc := newDoc(t, "https://shop.example/?utm_campaign=SPRING_SALE")

	first := New(doc, store, backend, WithApplier(fastApplier()), WithLogger(quiet)).Run(ctx)
	if first.State != Applied || first.Path != PathUTM {
		t.Fatalf("first = %+v", first)
	}

	second := New(doc, store, backend, WithApplier(fastApplier()), WithLogger(quiet))
	if out := second.Run(ctx); out.State != Skipped || out.Report.Applied() != 0 {
		t.Fatalf("second = %+v", out)
	}
	if second.ApplyCachedPersonalization(ctx) || second.ApplyUTMPersonalization(ctx) {
		t.Fatal("second session personalized the page")
	}
	if srv.Hits("lookup") != 0 {
		t.Fatalf("lookups = %d", srv.Hits("lookup"))
	}
	el, _ := doc.Query(ctx, "a.cta")
	if txt, _ := el.TextContent(ctx); txt != "Sign up" {
		t.Fatalf("cta = %q", txt)
	}
	if got := heading(t, doc); got != "Spring deals" {
		t.Fatalf("heading = %q", got)
	}
}

func TestApplyUTMPersonalization_ClaimsPage(t *testing.T) {
	ctx := context.Background()
	_, backend := newBackend(t)
	doc := newDoc(t, "https://shop.example/?utm_campaign=spring_sale")

	if !New(doc, nil, backend, WithApplier(fastApplier()), WithLogger(quiet)).ApplyUTMPersonalization(ctx) {
		t.Fatal("expected utm personalization")
	}
	// A full run by another copy of the widget sees the UTM flag and stops.
	out := New(doc, nil, backend, WithApplier(fastApplier()), WithLogger(quiet)).Run(ctx)
	if out.State != Skipped {
		t.Fatalf("outcome = %+v", out)
	}
	if ok, _ := doc.ClaimFlag(ctx, FlagUTM); ok {
		t.Fatal("utm flag not set")
	}
}
