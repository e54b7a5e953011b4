// Package dom defines the DOM surface the personalization engine mutates.
//
// Two implementations exist: HTMLDocument (an in-memory tree built on
// golang.org/x/net/html, used for offline runs and tests) and the live
// Chrome page in package browser. Components never touch either directly;
// they depend on Document and Element only.
package dom

import (
	"context"
	"errors"
	"strings"
)

// ErrUnsupportedSelector is returned when a selector cannot be parsed.
// Live pages report the browser's own SyntaxError wrapped in this error.
var ErrUnsupportedSelector = errors.New("dom: unsupported selector")

// ReadyState mirrors document.readyState.
type ReadyState int

const (
	Loading ReadyState = iota
	Interactive
	Complete
)

func (s ReadyState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Interactive:
		return "interactive"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// ParseReadyState maps a document.readyState string to a ReadyState.
// Unknown values are treated as Loading.
func ParseReadyState(s string) ReadyState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interactive":
		return Interactive
	case "complete":
		return Complete
	}
	return Loading
}

// Document is a queryable, mutable page.
type Document interface {
	// URL is the full page URL, query string included.
	URL() string
	ReadyState(ctx context.Context) (ReadyState, error)
	// Query returns the first element matching selector, or nil, nil when
	// nothing matches.
	Query(ctx context.Context, selector string) (Element, error)
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// InjectStyle inserts a <style> element with the given id unless one
	// with that id already exists. It reports whether it inserted.
	InjectStyle(ctx context.Context, id, css string) (bool, error)
	// ClaimFlag sets a page-global flag (a window property on live pages)
	// and reports whether this call set it. It returns false when the flag
	// was already set, by this or any other caller in the same page load.
	ClaimFlag(ctx context.Context, name string) (bool, error)
}

// Element is a single element node.
type Element interface {
	// TagName is lowercase ("h1", "a", "section").
	TagName() string
	TextContent(ctx context.Context) (string, error)
	// SetTextContent replaces every child with a single text node.
	SetTextContent(ctx context.Context, text string) error
	HasChildNodes(ctx context.Context) (bool, error)
	// ReplaceFirstText overwrites the first non-blank descendant text node
	// and blanks every later one, leaving element children in place.
	ReplaceFirstText(ctx context.Context, text string) error
	Attr(ctx context.Context, name string) (string, bool, error)
	SetAttr(ctx context.Context, name, value string) error
	AddClass(ctx context.Context, classes ...string) error
	HasClass(ctx context.Context, class string) (bool, error)
	// SetStyleProperty sets one inline style declaration. Custom
	// properties ("--x") are allowed.
	SetStyleProperty(ctx context.Context, name, value string) error
	// StyleProperty reads one inline style declaration, "" when unset.
	StyleProperty(ctx context.Context, name string) (string, error)
	ComputedDisplay(ctx context.Context) (string, error)
	SetInnerHTML(ctx context.Context, fragment string) error
	// QueryAll returns descendants matching selector.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
}

// Notifier is implemented by documents that can signal structural or text
// changes. The channel receives at most one pending signal; receivers
// re-query after each signal.
type Notifier interface {
	Subscribe() (<-chan struct{}, func())
}

// IsHeading reports whether tag is h1..h6.
func IsHeading(tag string) bool {
	if len(tag) != 2 || (tag[0] != 'h' && tag[0] != 'H') {
		return false
	}
	return tag[1] >= '1' && tag[1] <= '6'
}

// NormalizeSpace collapses runs of whitespace and trims the result.
func NormalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
