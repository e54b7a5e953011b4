package dom

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

type htmlElement struct {
	doc *HTMLDocument
	n   *html.Node
}

// Node exposes the underlying tree node. Callers must not retain it across
// Mutate calls.
func (e *htmlElement) Node() *html.Node { return e.n }

func (e *htmlElement) TagName() string { return e.n.Data }

func (e *htmlElement) TextContent(_ context.Context) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return collectText(e.n), nil
}

func (e *htmlElement) SetTextContent(_ context.Context, text string) error {
	e.doc.mu.Lock()
	setText(e.n, text)
	e.doc.mu.Unlock()
	e.doc.notify()
	return nil
}

func (e *htmlElement) HasChildNodes(_ context.Context) (bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.n.FirstChild != nil, nil
}

func (e *htmlElement) ReplaceFirstText(_ context.Context, text string) error {
	e.doc.mu.Lock()
	replaceFirstText(e.n, text)
	e.doc.mu.Unlock()
	e.doc.notify()
	return nil
}

func (e *htmlElement) Attr(_ context.Context, name string) (string, bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	v, ok := getAttr(e.n, strings.ToLower(name))
	return v, ok, nil
}

func (e *htmlElement) SetAttr(_ context.Context, name, value string) error {
	e.doc.mu.Lock()
	setAttr(e.n, strings.ToLower(name), value)
	e.doc.mu.Unlock()
	e.doc.notify()
	return nil
}

func (e *htmlElement) AddClass(_ context.Context, classes ...string) error {
	e.doc.mu.Lock()
	cur, _ := getAttr(e.n, "class")
	fields := strings.Fields(cur)
	changed := false
	for _, c := range classes {
		if c != "" && !containsWord(fields, c) {
			fields = append(fields, c)
			changed = true
		}
	}
	if changed {
		setAttr(e.n, "class", strings.Join(fields, " "))
	}
	e.doc.mu.Unlock()
	if changed {
		e.doc.notify()
	}
	return nil
}

func (e *htmlElement) HasClass(_ context.Context, class string) (bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	cur, _ := getAttr(e.n, "class")
	return containsWord(strings.Fields(cur), class), nil
}

func (e *htmlElement) SetStyleProperty(_ context.Context, name, value string) error {
	e.doc.mu.Lock()
	cur, _ := getAttr(e.n, "style")
	decls := parseInlineStyle(cur)
	decls = decls.set(name, value)
	setAttr(e.n, "style", decls.String())
	e.doc.mu.Unlock()
	e.doc.notify()
	return nil
}

func (e *htmlElement) StyleProperty(_ context.Context, name string) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	cur, _ := getAttr(e.n, "style")
	v, _ := parseInlineStyle(cur).get(name)
	return v, nil
}

// ComputedDisplay approximates getComputedStyle(el).display: the inline
// display declaration wins, then utility classes (flex, inline-flex, grid,
// inline-grid), then the tag's default.
func (e *htmlElement) ComputedDisplay(_ context.Context) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	cur, _ := getAttr(e.n, "style")
	if v, ok := parseInlineStyle(cur).get("display"); ok {
		return v, nil
	}
	cls, _ := getAttr(e.n, "class")
	for _, c := range strings.Fields(cls) {
		switch c {
		case "flex", "inline-flex", "grid", "inline-grid":
			return c, nil
		}
	}
	return defaultDisplay(e.n.Data), nil
}

func (e *htmlElement) SetInnerHTML(_ context.Context, fragment string) error {
	e.doc.mu.Lock()
	nodes, err := html.ParseFragment(strings.NewReader(fragment), e.n)
	if err != nil {
		e.doc.mu.Unlock()
		return fmt.Errorf("dom: parse fragment: %w", err)
	}
	for c := e.n.FirstChild; c != nil; {
		next := c.NextSibling
		e.n.RemoveChild(c)
		c = next
	}
	for _, n := range nodes {
		e.n.AppendChild(n)
	}
	e.doc.mu.Unlock()
	e.doc.notify()
	return nil
}

func (e *htmlElement) QueryAll(_ context.Context, selector string) ([]Element, error) {
	g, err := parseSelector(selector)
	if err != nil {
		return nil, err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.wrap(selectAll(e.n, g, false)), nil
}

// collectText concatenates every descendant text node, like textContent.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func setText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	if text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

func replaceFirstText(n *html.Node, text string) {
	written := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				if written {
					c.Data = ""
				} else if strings.TrimSpace(c.Data) != "" {
					c.Data = text
					written = true
				}
				continue
			}
			walk(c)
		}
	}
	walk(n)
	if !written {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

func defaultDisplay(tag string) string {
	switch tag {
	case "a", "span", "strong", "em", "b", "i", "img", "button", "label", "small", "code":
		return "inline"
	case "li":
		return "list-item"
	case "table":
		return "table"
	case "script", "style", "head", "template":
		return "none"
	}
	return "block"
}

type declaration struct {
	name, value string
}

type inlineStyle []declaration

func parseInlineStyle(s string) inlineStyle {
	var out inlineStyle
	for _, part := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !strings.HasPrefix(name, "--") {
			name = strings.ToLower(name)
		}
		out = append(out, declaration{name: name, value: strings.TrimSpace(value)})
	}
	return out
}

func (s inlineStyle) get(name string) (string, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].name == name {
			return s[i].value, true
		}
	}
	return "", false
}

func (s inlineStyle) set(name, value string) inlineStyle {
	for i := range s {
		if s[i].name == name {
			s[i].value = value
			return s
		}
	}
	return append(s, declaration{name: name, value: value})
}

func (s inlineStyle) String() string {
	parts := make([]string, 0, len(s))
	for _, d := range s {
		parts = append(parts, d.name+": "+d.value)
	}
	return strings.Join(parts, "; ")
}
