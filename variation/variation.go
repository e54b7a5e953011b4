// Package variation holds the variation payloads produced by the backend:
// per-segment bundles of content, call-to-action, layout and style changes,
// and the catalog that maps segment keys to them.
//
// Payloads are read-only once decoded. The catalog keeps the insertion order
// of its source document because matching breaks ties by that order.
package variation

import "strings"

// DefaultKey is the reserved catalog key used when nothing matches.
const DefaultKey = "default"

// ContentChange swaps the visible text of one element.
type ContentChange struct {
	Selector     string `json:"selector" yaml:"selector"`
	OriginalText string `json:"original_text,omitempty" yaml:"original_text,omitempty"`
	NewText      string `json:"new_text" yaml:"new_text"`
	Priority     int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// CTAChange swaps the label and/or target of a call to action.
type CTAChange struct {
	Selector     string `json:"selector" yaml:"selector"`
	OriginalText string `json:"original_text,omitempty" yaml:"original_text,omitempty"`
	NewText      string `json:"new_text,omitempty" yaml:"new_text,omitempty"`
	NewHref      string `json:"new_href,omitempty" yaml:"new_href,omitempty"`
	Priority     int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// LayoutChange moves a page section visually. Lower priorities come first.
type LayoutChange struct {
	SectionID   string `json:"section_id" yaml:"section_id"`
	NewPriority int    `json:"new_priority" yaml:"new_priority"`
}

// Action is a style emphasis treatment.
type Action string

const (
	ActionHighlight Action = "highlight"
	ActionFade      Action = "fade"
	ActionHide      Action = "hide"
)

// StyleEmphasis toggles an emphasis class on matching elements.
type StyleEmphasis struct {
	Selector string `json:"selector" yaml:"selector"`
	Action   Action `json:"action" yaml:"action"`
}

// Variation is one audience segment's bundle of DOM changes.
type Variation struct {
	LayoutChanges     []LayoutChange  `json:"layout_changes,omitempty" yaml:"layout_changes,omitempty"`
	ContentVariations []ContentChange `json:"content_variations,omitempty" yaml:"content_variations,omitempty"`
	CTAVariations     []CTAChange     `json:"cta_variations,omitempty" yaml:"cta_variations,omitempty"`
	StyleEmphasis     []StyleEmphasis `json:"style_emphasis,omitempty" yaml:"style_emphasis,omitempty"`
}

// IsEmpty reports whether v carries no changes at all. A nil Variation is empty.
func (v *Variation) IsEmpty() bool {
	return v == nil || (len(v.LayoutChanges) == 0 && len(v.ContentVariations) == 0 &&
		len(v.CTAVariations) == 0 && len(v.StyleEmphasis) == 0)
}

// Entry is one catalog row.
type Entry struct {
	Key       string     `json:"-" yaml:"-"`
	Keywords  []string   `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Variation *Variation `json:"variation,omitempty" yaml:"variation,omitempty"`
}

// IsDefault reports whether the entry uses the reserved default key.
func (e Entry) IsDefault() bool {
	return strings.EqualFold(e.Key, DefaultKey)
}

// Catalog maps variation keys to entries in source order.
// The zero value is an empty catalog.
type Catalog struct {
	entries []Entry
}

// NewCatalog builds a catalog from entries in the given order.
func NewCatalog(entries ...Entry) Catalog {
	return Catalog{entries: append([]Entry(nil), entries...)}
}

// Entries returns the entries in source order. The slice must not be modified.
func (c Catalog) Entries() []Entry { return c.entries }

// Len returns the number of entries.
func (c Catalog) Len() int { return len(c.entries) }

// Lookup finds an entry by key, case-insensitively. First occurrence wins.
func (c Catalog) Lookup(key string) (Entry, bool) {
	for _, e := range c.entries {
		if strings.EqualFold(e.Key, key) {
			return e, true
		}
	}
	return Entry{}, false
}
