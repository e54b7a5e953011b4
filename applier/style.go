package applier

import (
	"context"
	"fmt"

	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/variation"
)

// StyleID is the id of the injected emphasis stylesheet.
const StyleID = "iw-style-emphasis"

var actionClasses = map[variation.Action]string{
	variation.ActionHighlight: "iw-highlight",
	variation.ActionFade:      "iw-fade",
	variation.ActionHide:      "iw-hide",
}

// Highlight and fade stay visually neutral; page owners style them.
const styleCSS = `.iw-highlight { }
.iw-fade { }
.iw-hide { display: none !important; }
`

// ApplyStyle adds the emphasis class of each change to every element its
// selector matches. It does not wait for elements.
func (a *Applier) ApplyStyle(ctx context.Context, doc dom.Document, changes []variation.StyleEmphasis) []Result {
	if len(changes) == 0 {
		return nil
	}
	out := make([]Result, 0, len(changes))
	if _, err := doc.InjectStyle(ctx, StyleID, styleCSS); err != nil {
		err = fmt.Errorf("applier: inject emphasis styles: %w", err)
		for _, c := range changes {
			out = append(out, failed(KindStyle, c.Selector, err))
		}
		return out
	}

	for _, c := range changes {
		class, known := actionClasses[c.Action]
		if !known {
			out = append(out, failed(KindStyle, c.Selector, fmt.Errorf("applier: unknown action %q", c.Action)))
			continue
		}
		els, err := doc.QueryAll(ctx, c.Selector)
		if err != nil {
			out = append(out, failed(KindStyle, c.Selector, err))
			continue
		}
		if len(els) == 0 {
			out = append(out, skipped(KindStyle, c.Selector, ReasonNotFound))
			continue
		}
		var applyErr error
		for _, el := range els {
			if err := el.AddClass(ctx, class); err != nil {
				applyErr = err
				break
			}
			if err := mark(ctx, el, KindStyle); err != nil {
				applyErr = err
				break
			}
		}
		if applyErr != nil {
			out = append(out, failed(KindStyle, c.Selector, applyErr))
			continue
		}
		out = append(out, succeeded(KindStyle, c.Selector))
	}
	return out
}
