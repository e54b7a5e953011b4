package applier

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/variation"
)

// identityPrefix is how much of an original_text hint must still be
// present in the live text.
const identityPrefix = 20

// MatchesOriginal reports whether current still identifies the element
// the change was generated for: equal to original, or containing its first
// identityPrefix characters. Whitespace is normalized. An empty original
// matches anything.
func MatchesOriginal(current, original string) bool {
	original = dom.NormalizeSpace(original)
	if original == "" {
		return true
	}
	current = dom.NormalizeSpace(current)
	if current == original {
		return true
	}
	prefix := original
	if r := []rune(original); len(r) > identityPrefix {
		prefix = string(r[:identityPrefix])
	}
	return strings.Contains(current, prefix)
}

// ApplyContent applies content changes in order, each waiting for its
// element before the next starts.
func (a *Applier) ApplyContent(ctx context.Context, doc dom.Document, changes []variation.ContentChange) []Result {
	out := make([]Result, 0, len(changes))
	for _, c := range changes {
		out = append(out, a.applyContent(ctx, doc, c))
	}
	return out
}

func (a *Applier) applyContent(ctx context.Context, doc dom.Document, c variation.ContentChange) Result {
	if c.NewText == "" {
		return skipped(KindContent, c.Selector, ReasonNoChange)
	}
	el, res, done := a.verify(ctx, doc, KindContent, c.Selector, c.OriginalText, c.NewText)
	if done {
		return res
	}
	if err := writeText(ctx, el, c.NewText); err != nil {
		return failed(KindContent, c.Selector, err)
	}
	if err := mark(ctx, el, KindContent); err != nil {
		return failed(KindContent, c.Selector, err)
	}
	a.logger.Debug("applier: content applied", "selector", c.Selector)
	return succeeded(KindContent, c.Selector)
}

// ApplyCTA applies call-to-action changes in order.
func (a *Applier) ApplyCTA(ctx context.Context, doc dom.Document, changes []variation.CTAChange) []Result {
	out := make([]Result, 0, len(changes))
	for _, c := range changes {
		out = append(out, a.applyCTA(ctx, doc, c))
	}
	return out
}

func (a *Applier) applyCTA(ctx context.Context, doc dom.Document, c variation.CTAChange) Result {
	if c.NewText == "" && c.NewHref == "" {
		return skipped(KindCTA, c.Selector, ReasonNoChange)
	}
	el, res, done := a.verify(ctx, doc, KindCTA, c.Selector, c.OriginalText, c.NewText)
	if done {
		// Text already swapped; the href may still be missing.
		if res.Reason != ReasonAlreadyApplied || c.NewHref == "" || hrefSet(ctx, el, c.NewHref) {
			return res
		}
	} else if c.NewText == "" && hrefSet(ctx, el, c.NewHref) {
		return skipped(KindCTA, c.Selector, ReasonAlreadyApplied)
	}

	if c.NewText != "" && !done {
		if err := writeText(ctx, el, c.NewText); err != nil {
			return failed(KindCTA, c.Selector, err)
		}
	}
	if c.NewHref != "" {
		if err := writeHref(ctx, el, c.NewHref); err != nil {
			return failed(KindCTA, c.Selector, err)
		}
	}
	if err := mark(ctx, el, KindCTA); err != nil {
		return failed(KindCTA, c.Selector, err)
	}
	a.logger.Debug("applier: cta applied", "selector", c.Selector)
	return succeeded(KindCTA, c.Selector)
}

// verify locates the element and checks its identity. When done is true,
// res is final; el is still set for an already-applied element.
func (a *Applier) verify(ctx context.Context, doc dom.Document, k Kind, selector, original, newText string) (el dom.Element, res Result, done bool) {
	el, err := a.locate(ctx, doc, selector)
	if err != nil {
		return nil, failed(k, selector, err), true
	}
	if el == nil {
		a.logger.Debug("applier: element not found", "kind", k, "selector", selector)
		return nil, skipped(k, selector, ReasonNotFound), true
	}
	current, err := el.TextContent(ctx)
	if err != nil {
		return nil, failed(k, selector, err), true
	}

	if newText != "" {
		_, has, err := el.Attr(ctx, MarkerAttr)
		if err != nil {
			return nil, failed(k, selector, err), true
		}
		if has && dom.NormalizeSpace(current) == dom.NormalizeSpace(newText) {
			return el, skipped(k, selector, ReasonAlreadyApplied), true
		}
	}
	if !MatchesOriginal(current, original) {
		a.logger.Debug("applier: identity mismatch", "kind", k, "selector", selector,
			"expected", original, "found", current)
		return nil, skipped(k, selector, ReasonMismatch), true
	}
	return el, Result{}, false
}

// writeText replaces a heading's whole text, otherwise only the first
// text node so nested icons survive.
func writeText(ctx context.Context, el dom.Element, text string) error {
	if dom.IsHeading(el.TagName()) {
		return el.SetTextContent(ctx, text)
	}
	has, err := el.HasChildNodes(ctx)
	if err != nil {
		return err
	}
	if has {
		return el.ReplaceFirstText(ctx, text)
	}
	return el.SetTextContent(ctx, text)
}

func hrefSet(ctx context.Context, el dom.Element, href string) bool {
	for _, name := range []string{"href", "data-href"} {
		if v, has, err := el.Attr(ctx, name); err == nil && has && v == href {
			return true
		}
	}
	return false
}

// writeHref sets href on anchors and on elements that already carry one,
// and data-href elsewhere (buttons wired by page scripts).
func writeHref(ctx context.Context, el dom.Element, href string) error {
	attr := "data-href"
	if el.TagName() == "a" {
		attr = "href"
	} else if _, has, err := el.Attr(ctx, "href"); err != nil {
		return err
	} else if has {
		attr = "href"
	}
	if err := el.SetAttr(ctx, attr, href); err != nil {
		return fmt.Errorf("applier: set %s: %w", attr, err)
	}
	return nil
}
