package applier

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/variation"
	"github.com/hazyhaar/persona/waiter"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newApplier() *Applier {
	return New(
		WithTimeout(60*time.Millisecond),
		WithReadyTimeout(60*time.Millisecond),
		WithStrategy(&waiter.Poller{InitialDelay: 5 * time.Millisecond, Interval: 10 * time.Millisecond, Logger: quiet}),
		WithLogger(quiet),
	)
}

func parse(t *testing.T, body string) *dom.HTMLDocument {
	t.Helper()
	doc, err := dom.ParseString("<html><head></head><body>"+body+"</body></html>", "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func text(t *testing.T, doc dom.Document, sel string) string {
	t.Helper()
	el, err := doc.Query(context.Background(), sel)
	if err != nil || el == nil {
		t.Fatalf("query %q: %v %v", sel, el, err)
	}
	s, _ := el.TextContent(context.Background())
	return s
}

func attr(t *testing.T, doc dom.Document, sel, name string) (string, bool) {
	t.Helper()
	el, err := doc.Query(context.Background(), sel)
	if err != nil || el == nil {
		t.Fatalf("query %q: %v %v", sel, el, err)
	}
	v, ok, _ := el.Attr(context.Background(), name)
	return v, ok
}

func TestContent_HeroHeading(t *testing.T) {
	ctx := context.Background()
	change := []variation.ContentChange{{Selector: "#hero h1", OriginalText: "Welcome", NewText: "Hello"}}

	doc := parse(t, `<div id="hero"><h1>Welcome</h1></div>`)
	res := newApplier().ApplyContent(ctx, doc, change)
	if len(res) != 1 || res[0].Status != OK {
		t.Fatalf("results: %+v", res)
	}
	if got := text(t, doc, "#hero h1"); got != "Hello" {
		t.Fatalf("text = %q", got)
	}
	if v, ok := attr(t, doc, "#hero h1", MarkerAttr); !ok || v != "content" {
		t.Fatalf("marker = %q, %v", v, ok)
	}

	doc = parse(t, `<div id="hero"><h1>Goodbye</h1></div>`)
	before := doc.String()
	res = newApplier().ApplyContent(ctx, doc, change)
	if res[0].Status != Skipped || res[0].Reason != ReasonMismatch {
		t.Fatalf("results: %+v", res)
	}
	if doc.String() != before {
		t.Fatal("mismatch mutated the document")
	}
}

func TestContent_Idempotent(t *testing.T) {
	ctx := context.Background()
	changes := []variation.ContentChange{
		{Selector: "h1", OriginalText: "Welcome", NewText: "Hello"},
		{Selector: "p.lead", NewText: "Now with more"},
	}
	doc := parse(t, `<h1>Welcome</h1><p class="lead">Old copy</p>`)
	a := newApplier()

	a.ApplyContent(ctx, doc, changes)
	first := doc.String()
	res := a.ApplyContent(ctx, doc, changes)
	if doc.String() != first {
		t.Fatalf("second pass changed the DOM:\n%s\n%s", first, doc.String())
	}
	for _, r := range res {
		if r.Status == OK {
			t.Fatalf("second pass applied %+v", r)
		}
	}
}

func TestContent_HeadingDropsNestedSpans(t *testing.T) {
	doc := parse(t, `<h2>Build <span class="grad">faster</span></h2>`)
	newApplier().ApplyContent(context.Background(), doc, []variation.ContentChange{
		{Selector: "h2", OriginalText: "Build faster", NewText: "Ship today"},
	})
	if strings.Contains(doc.String(), "grad") {
		t.Fatalf("nested span survived: %s", doc.String())
	}
	if got := text(t, doc, "h2"); got != "Ship today" {
		t.Fatalf("text = %q", got)
	}
}

func TestContent_KeepsIcons(t *testing.T) {
	doc := parse(t, `<p id="x"><i class="icon"></i> Fast setup <em>today</em></p>`)
	newApplier().ApplyContent(context.Background(), doc, []variation.ContentChange{
		{Selector: "#x", NewText: "Instant setup"},
	})
	if !strings.Contains(doc.String(), `<i class="icon">`) {
		t.Fatalf("icon removed: %s", doc.String())
	}
	if got := dom.NormalizeSpace(text(t, doc, "#x")); got != "Instant setup" {
		t.Fatalf("text = %q", got)
	}
}

func TestContent_PrefixIdentity(t *testing.T) {
	if !MatchesOriginal("  The fastest way to build   modern apps today ", "The fastest way to build modern websites") {
		t.Fatal("20-char prefix should match")
	}
	if MatchesOriginal("Something else entirely", "The fastest way") {
		t.Fatal("unrelated text matched")
	}
	if !MatchesOriginal("anything", "") {
		t.Fatal("empty original should match")
	}
}

func TestContent_SkipsAndContinues(t *testing.T) {
	doc := parse(t, `<p class="b">B</p>`)
	res := newApplier().ApplyContent(context.Background(), doc, []variation.ContentChange{
		{Selector: ".missing", NewText: "x"},
		{Selector: "p:first-child", NewText: "x"},
		{Selector: ".b", OriginalText: "B", NewText: "Bee"},
	})
	if res[0].Status != Skipped || res[0].Reason != ReasonNotFound {
		t.Fatalf("missing: %+v", res[0])
	}
	if res[1].Status != Failed {
		t.Fatalf("bad selector: %+v", res[1])
	}
	if res[2].Status != OK || text(t, doc, ".b") != "Bee" {
		t.Fatalf("third change: %+v", res[2])
	}
}

func TestContent_WaitsForLateElement(t *testing.T) {
	doc := parse(t, `<main id="app"></main>`)
	go func() {
		time.Sleep(20 * time.Millisecond)
		doc.AppendHTML("#app", `<h1 class="title">Welcome</h1>`)
	}()
	res := newApplier().ApplyContent(context.Background(), doc, []variation.ContentChange{
		{Selector: "h1.title", OriginalText: "Welcome", NewText: "Hello"},
	})
	if res[0].Status != OK {
		t.Fatalf("late element: %+v", res[0])
	}
}

func TestCTA_HrefAndDataHref(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<a class="cta" href="/old">Start</a><button class="go"><svg></svg>Go</button>`)
	res := newApplier().ApplyCTA(ctx, doc, []variation.CTAChange{
		{Selector: "a.cta", OriginalText: "Start", NewText: "Start free trial", NewHref: "/trial"},
		{Selector: "button.go", NewHref: "/pricing"},
	})
	for _, r := range res {
		if r.Status != OK {
			t.Fatalf("result %+v", r)
		}
	}
	if v, _ := attr(t, doc, "a.cta", "href"); v != "/trial" {
		t.Fatalf("href = %q", v)
	}
	if got := text(t, doc, "a.cta"); got != "Start free trial" {
		t.Fatalf("text = %q", got)
	}
	if v, _ := attr(t, doc, "button.go", "data-href"); v != "/pricing" {
		t.Fatalf("data-href = %q", v)
	}
	if got := text(t, doc, "button.go"); got != "Go" {
		t.Fatalf("href-only change touched text: %q", got)
	}

	res = newApplier().ApplyCTA(ctx, doc, []variation.CTAChange{{Selector: "button.go", NewHref: "/pricing"}})
	if res[0].Status != Skipped || res[0].Reason != ReasonAlreadyApplied {
		t.Fatalf("second href pass: %+v", res[0])
	}
}

func TestCTA_MismatchLeavesHref(t *testing.T) {
	doc := parse(t, `<a class="cta" href="/old">Contact sales</a>`)
	res := newApplier().ApplyCTA(context.Background(), doc, []variation.CTAChange{
		{Selector: "a.cta", OriginalText: "Start", NewText: "x", NewHref: "/new"},
	})
	if res[0].Status != Skipped {
		t.Fatalf("%+v", res[0])
	}
	if v, _ := attr(t, doc, "a.cta", "href"); v != "/old" {
		t.Fatalf("href changed to %q", v)
	}
}

const layoutPage = `<main>
<section id="hero-banner"><h1>Welcome</h1></section>
<section><h2>Features</h2><p>Everything you need</p></section>
<section><h2>Simple pricing</h2></section>
<div class="testimonials-module"><p>What customers say</p></div>
</main>`

func TestLayout_Reorders(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, layoutPage)
	res := newApplier().ApplyLayout(ctx, doc, []variation.LayoutChange{
		{SectionID: "pricing", NewPriority: 1},
		{SectionID: "hero", NewPriority: 3},
		{SectionID: "features", NewPriority: 2},
		{SectionID: "newsletter", NewPriority: 4},
	})
	want := []struct {
		target string
		status Status
	}{
		{"pricing", OK}, {"features", OK}, {"hero", OK}, {"newsletter", Skipped},
	}
	if len(res) != len(want) {
		t.Fatalf("results: %+v", res)
	}
	for i, w := range want {
		if res[i].Target != w.target || res[i].Status != w.status {
			t.Fatalf("result %d = %+v, want %s %s", i, res[i], w.target, w.status)
		}
	}

	if v, _ := attr(t, doc, "#hero-banner", "style"); v != "--iw-order: 3" {
		t.Fatalf("hero style = %q", v)
	}
	if v, _ := attr(t, doc, `[data-iw-section-id="pricing"]`, "style"); v != "--iw-order: 1" {
		t.Fatalf("pricing style = %q", v)
	}
	if v, _ := attr(t, doc, `[data-iw-section-id="features"]`, "class"); v != OrderClass {
		t.Fatalf("features class = %q", v)
	}
	if v, _ := attr(t, doc, "main", "class"); v != FlexClass {
		t.Fatalf("container class = %q", v)
	}
	if el, _ := doc.Query(ctx, "style#"+LayoutStyleID); el == nil {
		t.Fatal("layout stylesheet missing")
	}
}

func TestLayout_FirstMatchWins(t *testing.T) {
	doc := parse(t, layoutPage)
	res := newApplier().ApplyLayout(context.Background(), doc, []variation.LayoutChange{
		{SectionID: "hero", NewPriority: 5},
		{SectionID: "hero-banner", NewPriority: 1},
	})
	if res[0].Target != "hero-banner" || res[0].Status != OK {
		t.Fatalf("first: %+v", res[0])
	}
	if res[1].Status != Skipped || res[1].Reason != ReasonSectionTaken {
		t.Fatalf("second: %+v", res[1])
	}
	if v, _ := attr(t, doc, "#hero-banner", "style"); v != "--iw-order: 1" {
		t.Fatalf("style = %q", v)
	}
}

func TestLayout_FlexContainerUntouchedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<main style="display: grid"><section id="a"></section><section id="b"></section></main>`)
	a := newApplier()
	changes := []variation.LayoutChange{{SectionID: "b", NewPriority: 0}}
	a.ApplyLayout(ctx, doc, changes)
	a.ApplyLayout(ctx, doc, changes)

	if _, ok := attr(t, doc, "main", "class"); ok {
		t.Fatal("grid container got flex class")
	}
	styles, _ := doc.QueryAll(ctx, "style#"+LayoutStyleID)
	if len(styles) != 1 {
		t.Fatalf("%d layout stylesheets", len(styles))
	}
}

func TestLayout_ReplaySkipsSameOrder(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<main><section id="a"></section><section id="b"></section></main>`)
	a := newApplier()
	v := &variation.Variation{LayoutChanges: []variation.LayoutChange{{SectionID: "b", NewPriority: 1}}}

	if rep := a.ApplyVariation(ctx, doc, v); rep.Applied() != 1 {
		t.Fatalf("first pass: %+v", rep)
	}
	first := doc.String()
	rep := a.ApplyVariation(ctx, doc, v)
	if rep.Applied() != 0 || rep.Results[0].Reason != ReasonAlreadyApplied {
		t.Fatalf("second pass: %+v", rep)
	}
	if doc.String() != first {
		t.Fatalf("second pass changed the DOM:\n%s\n%s", first, doc.String())
	}

	// A different priority for the same section is a real change.
	res := a.ApplyLayout(ctx, doc, []variation.LayoutChange{{SectionID: "b", NewPriority: 2}})
	if res[0].Status != OK {
		t.Fatalf("new priority: %+v", res[0])
	}
	if v, _ := attr(t, doc, "#b", "style"); v != "--iw-order: 2" {
		t.Fatalf("style = %q", v)
	}
}

func TestLayout_BodyFallback(t *testing.T) {
	doc, err := dom.ParseString(`<section id="a"></section>`, "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	res := newApplier().ApplyLayout(context.Background(), doc, []variation.LayoutChange{{SectionID: "a", NewPriority: 1}})
	if res[0].Status != OK {
		t.Fatalf("%+v", res[0])
	}
	if v, _ := attr(t, doc, "body", "class"); v != FlexClass {
		t.Fatalf("body class = %q", v)
	}
}

func TestStyle_Actions(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<div class="promo">A</div><div class="promo">B</div><p id="banner">x</p>`)
	res := newApplier().ApplyStyle(ctx, doc, []variation.StyleEmphasis{
		{Selector: ".promo", Action: variation.ActionHighlight},
		{Selector: "#banner", Action: variation.ActionHide},
		{Selector: "#banner", Action: "shake"},
		{Selector: ".absent", Action: variation.ActionFade},
	})
	wantStatus := []Status{OK, OK, Failed, Skipped}
	for i, s := range wantStatus {
		if res[i].Status != s {
			t.Fatalf("result %d = %+v, want %s", i, res[i], s)
		}
	}
	promos, _ := doc.QueryAll(ctx, ".promo.iw-highlight")
	if len(promos) != 2 {
		t.Fatalf("%d highlighted", len(promos))
	}
	if el, _ := doc.Query(ctx, "#banner.iw-hide"); el == nil {
		t.Fatal("banner not hidden")
	}
	if !strings.Contains(doc.String(), "display: none") {
		t.Fatal("hide rule missing")
	}
}

func TestApplyVariation_Order(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<main><section id="hero"><h1>Welcome</h1><a class="cta" href="/a">Buy</a></section></main>`)
	v := &variation.Variation{
		StyleEmphasis:     []variation.StyleEmphasis{{Selector: ".cta", Action: variation.ActionHighlight}},
		CTAVariations:     []variation.CTAChange{{Selector: ".cta", NewText: "Buy now"}},
		ContentVariations: []variation.ContentChange{{Selector: "h1", NewText: "Hello"}},
		LayoutChanges:     []variation.LayoutChange{{SectionID: "hero", NewPriority: 1}},
	}
	rep := newApplier().ApplyVariation(ctx, doc, v)
	kinds := []Kind{KindLayout, KindContent, KindCTA, KindStyle}
	if len(rep.Results) != len(kinds) || rep.Applied() != 4 {
		t.Fatalf("report: %+v", rep)
	}
	for i, k := range kinds {
		if rep.Results[i].Kind != k {
			t.Fatalf("result %d kind %s, want %s", i, rep.Results[i].Kind, k)
		}
	}
}

func TestApplyVariation_WaitsForInteractive(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<h1>Welcome</h1>`)
	doc.SetReadyState(dom.Loading)
	v := &variation.Variation{ContentVariations: []variation.ContentChange{{Selector: "h1", NewText: "Hello"}}}

	rep := newApplier().ApplyVariation(ctx, doc, v)
	if rep.Applied() != 0 || rep.Results[0].Reason != ReasonNotReady {
		t.Fatalf("loading doc: %+v", rep)
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		doc.SetReadyState(dom.Interactive)
	}()
	a := New(WithReadyTimeout(time.Second), WithLogger(quiet))
	if rep := a.ApplyVariation(ctx, doc, v); rep.Applied() != 1 {
		t.Fatalf("interactive doc: %+v", rep)
	}
}

func TestApplyVariation_Empty(t *testing.T) {
	doc := parse(t, `<h1>x</h1>`)
	if rep := newApplier().ApplyVariation(context.Background(), doc, nil); len(rep.Results) != 0 {
		t.Fatalf("%+v", rep)
	}
}
