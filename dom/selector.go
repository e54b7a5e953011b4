package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Supported selector subset:
//   - type and universal: "section", "*"
//   - #id, .class (repeatable): "div.hero.dark", "#main"
//   - attributes: [attr], [attr=v], [attr*=v], [attr^=v], [attr$=v], [attr~=v]
//   - descendant (space) and child (>) combinators
//   - comma-separated groups
//
// Pseudo-classes and sibling combinators are rejected with
// ErrUnsupportedSelector.

type combinator int

const (
	combDescendant combinator = iota
	combChild
)

type attrSelector struct {
	key string
	op  string // "", "=", "*=", "^=", "$=", "~="
	val string
}

type compound struct {
	tag     string // "" matches any element
	id      string
	classes []string
	attrs   []attrSelector
}

// complexSelector is a chain of compounds; combs[i] joins parts[i] and parts[i+1].
type complexSelector struct {
	parts []compound
	combs []combinator
}

type selectorGroup []*complexSelector

func parseSelector(s string) (selectorGroup, error) {
	var group selectorGroup
	for _, part := range splitTopLevel(s, ',') {
		cs, err := parseComplex(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedSelector, s, err)
		}
		group = append(group, cs)
	}
	if len(group) == 0 {
		return nil, fmt.Errorf("%w: empty selector", ErrUnsupportedSelector)
	}
	return group, nil
}

// splitTopLevel splits on sep outside brackets and quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[':
			depth++
		case c == ']':
			if depth > 0 {
				depth--
			}
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func parseComplex(s string) (*complexSelector, error) {
	if s == "" {
		return nil, fmt.Errorf("empty group")
	}
	cs := &complexSelector{}
	pending := combDescendant
	sawChild := false
	p := 0
	for p < len(s) {
		for p < len(s) && isSpace(s[p]) {
			p++
		}
		if p >= len(s) {
			break
		}
		if s[p] == '>' {
			if len(cs.parts) == 0 || sawChild {
				return nil, fmt.Errorf("misplaced '>'")
			}
			pending = combChild
			sawChild = true
			p++
			continue
		}
		c, n, err := parseCompound(s[p:])
		if err != nil {
			return nil, err
		}
		if len(cs.parts) > 0 {
			cs.combs = append(cs.combs, pending)
		}
		cs.parts = append(cs.parts, c)
		pending = combDescendant
		sawChild = false
		p += n
	}
	if sawChild {
		return nil, fmt.Errorf("trailing '>'")
	}
	if len(cs.parts) == 0 {
		return nil, fmt.Errorf("no compound selector")
	}
	return cs, nil
}

func parseCompound(s string) (compound, int, error) {
	var c compound
	i := 0
	if s[0] == '*' {
		i = 1
	} else {
		name, n := readIdent(s)
		c.tag = strings.ToLower(name)
		i = n
	}

	for i < len(s) {
		switch s[i] {
		case '#':
			name, n := readIdent(s[i+1:])
			if n == 0 {
				return c, 0, fmt.Errorf("empty id")
			}
			c.id = name
			i += 1 + n
		case '.':
			name, n := readIdent(s[i+1:])
			if n == 0 {
				return c, 0, fmt.Errorf("empty class")
			}
			c.classes = append(c.classes, name)
			i += 1 + n
		case '[':
			end := closingBracket(s, i)
			if end < 0 {
				return c, 0, fmt.Errorf("unterminated attribute selector")
			}
			a, err := parseAttr(s[i+1 : end])
			if err != nil {
				return c, 0, err
			}
			c.attrs = append(c.attrs, a)
			i = end + 1
		case ' ', '\t', '\n', '\r', '\f', '>':
			return c, i, nil
		default:
			return c, 0, fmt.Errorf("unexpected %q", s[i])
		}
	}
	if i == 0 {
		return c, 0, fmt.Errorf("empty compound")
	}
	return c, i, nil
}

func closingBracket(s string, open int) int {
	var quote byte
	for i := open + 1; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ']':
			return i
		}
	}
	return -1
}

func parseAttr(inner string) (attrSelector, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return attrSelector{}, fmt.Errorf("empty attribute selector")
	}
	eq := strings.IndexByte(inner, '=')
	if eq < 0 {
		return attrSelector{key: strings.ToLower(inner)}, nil
	}
	op, keyEnd := "=", eq
	if eq > 0 && strings.IndexByte("*^$~", inner[eq-1]) >= 0 {
		op, keyEnd = inner[eq-1:eq+1], eq-1
	}
	key := strings.ToLower(strings.TrimSpace(inner[:keyEnd]))
	if key == "" {
		return attrSelector{}, fmt.Errorf("empty attribute name")
	}
	val := strings.TrimSpace(inner[eq+1:])
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		val = val[1 : len(val)-1]
	}
	return attrSelector{key: key, op: op, val: val}, nil
}

func readIdent(s string) (string, int) {
	i := 0
	for i < len(s) && isIdentChar(s[i]) {
		i++
	}
	return s[:i], i
}

func isIdentChar(c byte) bool {
	return c == '-' || c == '_' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// matches reports whether n matches any selector in the group.
func (g selectorGroup) matches(n *html.Node) bool {
	for _, cs := range g {
		if cs.matchAt(n, len(cs.parts)-1) {
			return true
		}
	}
	return false
}

// matchAt matches parts[0..i] right to left with parts[i] anchored at n.
func (cs *complexSelector) matchAt(n *html.Node, i int) bool {
	if !cs.parts[i].matches(n) {
		return false
	}
	if i == 0 {
		return true
	}
	switch cs.combs[i-1] {
	case combChild:
		p := n.Parent
		return p != nil && p.Type == html.ElementNode && cs.matchAt(p, i-1)
	default:
		for p := n.Parent; p != nil; p = p.Parent {
			if p.Type == html.ElementNode && cs.matchAt(p, i-1) {
				return true
			}
		}
		return false
	}
}

func (c compound) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && n.Data != c.tag {
		return false
	}
	if c.id != "" {
		if v, ok := getAttr(n, "id"); !ok || v != c.id {
			return false
		}
	}
	if len(c.classes) > 0 {
		cls, _ := getAttr(n, "class")
		fields := strings.Fields(cls)
		for _, want := range c.classes {
			if !containsWord(fields, want) {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		if !a.matches(n) {
			return false
		}
	}
	return true
}

func (a attrSelector) matches(n *html.Node) bool {
	v, ok := getAttr(n, a.key)
	if !ok {
		return false
	}
	switch a.op {
	case "":
		return true
	case "=":
		return v == a.val
	case "*=":
		return a.val != "" && strings.Contains(v, a.val)
	case "^=":
		return a.val != "" && strings.HasPrefix(v, a.val)
	case "$=":
		return a.val != "" && strings.HasSuffix(v, a.val)
	case "~=":
		return containsWord(strings.Fields(v), a.val)
	}
	return false
}

func containsWord(fields []string, w string) bool {
	for _, f := range fields {
		if f == w {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// selectAll walks the subtree under root in document order. root itself
// is not a candidate.
func selectAll(root *html.Node, g selectorGroup, first bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if g.matches(c) {
				out = append(out, c)
				if first {
					return true
				}
			}
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(root)
	return out
}
