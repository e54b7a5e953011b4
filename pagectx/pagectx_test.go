package pagectx

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hazyhaar/persona/cache"
	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/idgen"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func page(t *testing.T, body string) *dom.HTMLDocument {
	t.Helper()
	doc, err := dom.ParseString("<html><head></head><body>"+body+"</body></html>", "https://shop.example/")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestResolve_Priority(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("org-key$$secret"))
	all := `<script data-organization-id="org-attr"></script>
		<script src="https://cdn.interworky.com/widget.js?org_id=org-src"></script>
		<script data-api-key="` + key + `"></script>`

	tests := []struct {
		name   string
		body   string
		host   *HostConfig
		stored string
		want   string
		src    Source
	}{
		{"injected", all, &HostConfig{OrganizationID: "org-host"}, "org-store", "org-host", SourceInjected},
		{"storage", all, nil, "org-store", "org-store", SourceStorage},
		{"storage json", all, nil, `"org-json"`, "org-json", SourceStorage},
		{"attribute", all, &HostConfig{}, "", "org-attr", SourceAttribute},
		{"script src", `<script src="/x.js?org_id=no"></script><script src="https://cdn.interworky.com/w.js?organization_id=org-src2"></script>`, nil, "", "org-src2", SourceScriptSrc},
		{"api key", `<script data-api-key="` + key + `"></script>`, nil, "", "org-key", SourceAPIKey},
		{"none", `<script src="/app.js"></script>`, nil, "", "", SourceNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := cache.NewMemoryStorage()
			if tt.stored != "" {
				store.Set(ctx, OrgIDKey, tt.stored)
			}
			x := New(page(t, tt.body), store, WithHostConfig(tt.host), WithLogger(quiet))
			id, src := x.Resolve(ctx)
			if id != tt.want || src != tt.src {
				t.Fatalf("Resolve = (%q, %q), want (%q, %q)", id, src, tt.want, tt.src)
			}
		})
	}
}

func TestResolve_PersistsPageSources(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStorage()
	x := New(page(t, `<script data-organization-id="org-attr"></script>`), store, WithLogger(quiet))
	if id := x.OrganizationID(ctx); id != "org-attr" {
		t.Fatalf("id = %q", id)
	}
	if v, ok, _ := store.Get(ctx, OrgIDKey); !ok || v != "org-attr" {
		t.Fatalf("stored = %q, %v", v, ok)
	}
}

func TestOrgFromAPIKey(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	tests := map[string]string{
		enc("org1$$abc:def"): "org1",
		enc("org2:secret"):   "org2",
		enc("org3"):          "org3",
		base64.RawStdEncoding.EncodeToString([]byte("org4:x")): "org4",
		"%%%not base64": "",
		"":              "",
	}
	for in, want := range tests {
		if got := OrgFromAPIKey(in); got != want {
			t.Errorf("OrgFromAPIKey(%q) = %q, want %q", in, got, want)
		}
	}
}

type brokenStorage struct{}

func (brokenStorage) Get(context.Context, string) (string, bool, error) { return "", false, errors.New("boom") }
func (brokenStorage) Set(context.Context, string, string) error         { return errors.New("boom") }
func (brokenStorage) Remove(context.Context, string) error              { return errors.New("boom") }

func TestVisitorID(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStorage()
	gen := idgen.Sequence("visitor-")

	first := VisitorID(ctx, store, gen, quiet)
	if first != "visitor-1" {
		t.Fatalf("first = %q", first)
	}
	if again := VisitorID(ctx, store, gen, quiet); again != first {
		t.Fatalf("second call generated %q", again)
	}

	if id := VisitorID(ctx, brokenStorage{}, gen, quiet); id != "visitor-2" {
		t.Fatalf("broken storage: %q", id)
	}
	if id := VisitorID(ctx, nil, nil, nil); len(id) != 36 {
		t.Fatalf("default generator: %q", id)
	}
}
