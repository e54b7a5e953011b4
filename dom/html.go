package dom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLDocument is an in-memory Document over a parsed HTML tree.
// Every read and write takes the same lock, so an external writer using
// Mutate (a simulated SPA re-render) interleaves safely with the engine.
type HTMLDocument struct {
	mu    sync.Mutex
	root  *html.Node
	url   string
	state ReadyState
	flags map[string]bool

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// Parse reads an HTML document. The ready state starts at Complete.
func Parse(r io.Reader, pageURL string) (*HTMLDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return &HTMLDocument{
		root:  root,
		url:   pageURL,
		state: Complete,
		flags: make(map[string]bool),
		subs:  make(map[int]chan struct{}),
	}, nil
}

// ParseString is Parse over a string.
func ParseString(s, pageURL string) (*HTMLDocument, error) {
	return Parse(strings.NewReader(s), pageURL)
}

func (d *HTMLDocument) URL() string { return d.url }

// SetReadyState changes document.readyState and notifies subscribers.
func (d *HTMLDocument) SetReadyState(s ReadyState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.notify()
}

func (d *HTMLDocument) ReadyState(_ context.Context) (ReadyState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}

// Mutate runs fn with exclusive access to the tree, then notifies
// subscribers.
func (d *HTMLDocument) Mutate(fn func(root *html.Node)) {
	d.mu.Lock()
	fn(d.root)
	d.mu.Unlock()
	d.notify()
}

// AppendHTML parses fragment in the context of the first element matching
// selector and appends the result to it. It reports whether the target
// existed.
func (d *HTMLDocument) AppendHTML(selector, fragment string) (bool, error) {
	g, err := parseSelector(selector)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	found := selectAll(d.root, g, true)
	if len(found) == 0 {
		d.mu.Unlock()
		return false, nil
	}
	target := found[0]
	nodes, err := html.ParseFragment(strings.NewReader(fragment), target)
	if err != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("dom: parse fragment: %w", err)
	}
	for _, n := range nodes {
		target.AppendChild(n)
	}
	d.mu.Unlock()
	d.notify()
	return true, nil
}

func (d *HTMLDocument) Query(_ context.Context, selector string) (Element, error) {
	g, err := parseSelector(selector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	found := selectAll(d.root, g, true)
	if len(found) == 0 {
		return nil, nil
	}
	return &htmlElement{doc: d, n: found[0]}, nil
}

func (d *HTMLDocument) QueryAll(_ context.Context, selector string) ([]Element, error) {
	g, err := parseSelector(selector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrap(selectAll(d.root, g, false)), nil
}

func (d *HTMLDocument) InjectStyle(_ context.Context, id, css string) (bool, error) {
	d.mu.Lock()
	if findByID(d.root, id) != nil {
		d.mu.Unlock()
		return false, nil
	}
	style := &html.Node{
		Type:     html.ElementNode,
		Data:     "style",
		DataAtom: atom.Style,
		Attr:     []html.Attribute{{Key: "id", Val: id}},
	}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})

	parent := findFirst(d.root, atom.Head)
	if parent == nil {
		parent = findFirst(d.root, atom.Html)
	}
	if parent == nil {
		parent = d.root
	}
	parent.AppendChild(style)
	d.mu.Unlock()
	d.notify()
	return true, nil
}

// ClaimFlag sets name for the lifetime of this document. Flags are page
// state, not markup, so they are not rendered.
func (d *HTMLDocument) ClaimFlag(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.flags[name] {
		return false, nil
	}
	d.flags[name] = true
	return true, nil
}

// Subscribe returns a channel signalled after every change.
func (d *HTMLDocument) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subMu.Unlock()
	return ch, func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *HTMLDocument) notify() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Render writes the current tree as HTML.
func (d *HTMLDocument) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

// String renders the document, returning "" on error.
func (d *HTMLDocument) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

func (d *HTMLDocument) wrap(nodes []*html.Node) []Element {
	out := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &htmlElement{doc: d, n: n})
	}
	return out
}

func findByID(root *html.Node, id string) *html.Node {
	if root.Type == html.ElementNode {
		if v, ok := getAttr(root, "id"); ok && v == id {
			return root
		}
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findByID(c, id); n != nil {
			return n
		}
	}
	return nil
}

func findFirst(root *html.Node, a atom.Atom) *html.Node {
	if root.Type == html.ElementNode && root.DataAtom == a {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findFirst(c, a); n != nil {
			return n
		}
	}
	return nil
}
