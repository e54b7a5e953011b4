package applier

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/variation"
)

// Layout hooks shared with the injected stylesheet.
const (
	LayoutStyleID   = "iw-layout-styles"
	OrderProperty   = "--iw-order"
	OrderClass      = "iw-order"
	FlexClass       = "iw-flex-container"
	SectionIDAttr   = "data-iw-section-id"
	sectionSelector = `section, [class*="section"], [id*="section"], [class*="hero"], [id*="hero"], ` +
		`[class*="feature"], [id*="feature"], [class*="module"], [id*="module"]`
)

const layoutCSS = `.` + FlexClass + ` { display: flex; flex-direction: column; }
.` + OrderClass + ` { order: var(` + OrderProperty + `, 0); }
`

var containerSelectors = []string{"main", `[role="main"]`, "body"}

// sectionPatterns names a section from its text when it has no id. The
// first matching pattern wins.
var sectionPatterns = []struct {
	id string
	re *regexp.Regexp
}{
	{"hero", regexp.MustCompile(`(?i)\b(welcome|get started|hero)\b`)},
	{"pricing", regexp.MustCompile(`(?i)\b(pricing|plans?|per month)\b`)},
	{"testimonials", regexp.MustCompile(`(?i)\b(testimonials?|reviews?|what (our )?customers say)\b`)},
	{"features", regexp.MustCompile(`(?i)\bfeatures?\b`)},
	{"faq", regexp.MustCompile(`(?i)\b(faq|frequently asked)\b`)},
	{"about", regexp.MustCompile(`(?i)\b(about us|our story|our mission)\b`)},
	{"contact", regexp.MustCompile(`(?i)\b(contact|get in touch)\b`)},
	{"cta", regexp.MustCompile(`(?i)\b(sign up|start free|free trial)\b`)},
}

type section struct {
	id string
	el dom.Element
}

// ApplyLayout reorders sections visually with the CSS order property.
// Nodes are never moved in the tree.
func (a *Applier) ApplyLayout(ctx context.Context, doc dom.Document, changes []variation.LayoutChange) []Result {
	if len(changes) == 0 {
		return nil
	}
	out := make([]Result, 0, len(changes))
	skipAll := func(reason string) []Result {
		for _, c := range changes {
			out = append(out, skipped(KindLayout, c.SectionID, reason))
		}
		return out
	}
	failAll := func(err error) []Result {
		for _, c := range changes {
			out = append(out, failed(KindLayout, c.SectionID, err))
		}
		return out
	}

	container, err := findContainer(ctx, doc)
	if err != nil {
		return failAll(err)
	}
	if container == nil {
		a.logger.Debug("applier: no layout container", "url", doc.URL())
		return skipAll(ReasonNoContainer)
	}
	sections, err := discoverSections(ctx, container)
	if err != nil {
		return failAll(err)
	}

	if _, err := doc.InjectStyle(ctx, LayoutStyleID, layoutCSS); err != nil {
		return failAll(fmt.Errorf("applier: inject layout styles: %w", err))
	}
	if err := ensureFlex(ctx, container); err != nil {
		return failAll(err)
	}

	sorted := slices.Clone(changes)
	slices.SortStableFunc(sorted, func(x, y variation.LayoutChange) int {
		return x.NewPriority - y.NewPriority
	})

	taken := make(map[int]bool, len(sorted))
	for _, c := range sorted {
		idx := resolveSection(sections, c.SectionID)
		if idx < 0 {
			a.logger.Debug("applier: section not found", "section_id", c.SectionID)
			out = append(out, skipped(KindLayout, c.SectionID, ReasonNoSection))
			continue
		}
		if taken[idx] {
			out = append(out, skipped(KindLayout, c.SectionID, ReasonSectionTaken))
			continue
		}
		taken[idx] = true

		el := sections[idx].el
		order := strconv.Itoa(c.NewPriority)
		if done, err := ordered(ctx, el, order); err != nil {
			out = append(out, failed(KindLayout, c.SectionID, err))
			continue
		} else if done {
			out = append(out, skipped(KindLayout, c.SectionID, ReasonAlreadyApplied))
			continue
		}
		if err := el.SetStyleProperty(ctx, OrderProperty, order); err != nil {
			out = append(out, failed(KindLayout, c.SectionID, err))
			continue
		}
		if err := el.AddClass(ctx, OrderClass); err != nil {
			out = append(out, failed(KindLayout, c.SectionID, err))
			continue
		}
		if err := mark(ctx, el, KindLayout); err != nil {
			out = append(out, failed(KindLayout, c.SectionID, err))
			continue
		}
		out = append(out, succeeded(KindLayout, c.SectionID))
	}
	return out
}

// ordered reports whether el already carries this exact order.
func ordered(ctx context.Context, el dom.Element, order string) (bool, error) {
	has, err := el.HasClass(ctx, OrderClass)
	if err != nil || !has {
		return false, err
	}
	cur, err := el.StyleProperty(ctx, OrderProperty)
	if err != nil {
		return false, err
	}
	return cur == order, nil
}

func findContainer(ctx context.Context, doc dom.Document) (dom.Element, error) {
	for _, sel := range containerSelectors {
		el, err := doc.Query(ctx, sel)
		if err != nil {
			return nil, fmt.Errorf("applier: container %s: %w", sel, err)
		}
		if el != nil {
			return el, nil
		}
	}
	return nil, nil
}

func ensureFlex(ctx context.Context, container dom.Element) error {
	display, err := container.ComputedDisplay(ctx)
	if err != nil {
		return fmt.Errorf("applier: container display: %w", err)
	}
	switch display {
	case "flex", "inline-flex", "grid", "inline-grid":
		return nil
	}
	has, err := container.HasClass(ctx, FlexClass)
	if err != nil || has {
		return err
	}
	return container.AddClass(ctx, FlexClass)
}

// discoverSections lists candidate sections in document order and gives
// each a stable id: its id attribute, a previously assigned synthetic id,
// or a new one derived from its text.
func discoverSections(ctx context.Context, container dom.Element) ([]section, error) {
	els, err := container.QueryAll(ctx, sectionSelector)
	if err != nil {
		return nil, fmt.Errorf("applier: discover sections: %w", err)
	}
	used := make(map[string]bool, len(els))
	out := make([]section, 0, len(els))
	for i, el := range els {
		id, err := sectionID(ctx, el, i, used)
		if err != nil {
			return nil, err
		}
		used[id] = true
		out = append(out, section{id: id, el: el})
	}
	return out, nil
}

func sectionID(ctx context.Context, el dom.Element, index int, used map[string]bool) (string, error) {
	if id, ok, err := el.Attr(ctx, "id"); err != nil {
		return "", err
	} else if ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), nil
	}
	if id, ok, err := el.Attr(ctx, SectionIDAttr); err != nil {
		return "", err
	} else if ok && id != "" {
		return id, nil
	}

	text, err := el.TextContent(ctx)
	if err != nil {
		return "", err
	}
	base := "section-" + strconv.Itoa(index)
	for _, p := range sectionPatterns {
		if p.re.MatchString(text) {
			base = p.id
			break
		}
	}
	id := base
	for n := 2; used[id]; n++ {
		id = base + "-" + strconv.Itoa(n)
	}
	if err := el.SetAttr(ctx, SectionIDAttr, id); err != nil {
		return "", err
	}
	return id, nil
}

// resolveSection finds the exact id first, then the first section whose id
// contains want. Comparison is case-insensitive.
func resolveSection(sections []section, want string) int {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return -1
	}
	for i, s := range sections {
		if strings.ToLower(s.id) == want {
			return i
		}
	}
	for i, s := range sections {
		if strings.Contains(strings.ToLower(s.id), want) {
			return i
		}
	}
	return -1
}
