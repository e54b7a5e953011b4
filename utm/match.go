package utm

import (
	"strings"

	"github.com/hazyhaar/persona/variation"
)

// Match returns the key of the catalog entry that best fits the campaign.
//
// Keys win over keywords: the first pass looks for any non-default key
// occurring as whole words in a UTM value, the second pass does the same for
// each entry's keywords. Within a pass, catalog order and then keyword order
// decide. Anything else is variation.DefaultKey.
//
// Matching is by whole tokens. Values and keys are lowercased and split on
// whitespace, ',', '_' and '-'; a key or keyword matches when its tokens
// appear contiguously inside one UTM value. "spring_sale" therefore matches
// "SPRING_SALE" and "big-spring-sale", and "sale" never matches "wholesale".
func Match(c Context, catalog variation.Catalog) string {
	values := c.tokenized()
	if len(values) == 0 || catalog.Len() == 0 {
		return variation.DefaultKey
	}

	for _, e := range catalog.Entries() {
		if e.IsDefault() {
			continue
		}
		if containsPhrase(values, tokenize(e.Key)) {
			return e.Key
		}
	}

	for _, e := range catalog.Entries() {
		if e.IsDefault() {
			continue
		}
		for _, kw := range e.Keywords {
			if containsPhrase(values, tokenize(kw)) {
				return e.Key
			}
		}
	}

	return variation.DefaultKey
}

// Words returns the lowercased token set of all UTM values, in order and
// with duplicates removed.
func (c Context) Words() []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range c.tokenized() {
		for _, w := range v {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}

// tokenized returns one token slice per non-empty UTM value.
func (c Context) tokenized() [][]string {
	var out [][]string
	for _, f := range c.fields() {
		if toks := tokenize(f); len(toks) > 0 {
			out = append(out, toks)
		}
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		switch r {
		case ',', '_', '-', ' ', '\t', '\n', '\r', '\f', '\v':
			return true
		}
		return false
	})
}

func containsPhrase(values [][]string, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for _, toks := range values {
		for i := 0; i+len(phrase) <= len(toks); i++ {
			if equalTokens(toks[i:i+len(phrase)], phrase) {
				return true
			}
		}
	}
	return false
}

func equalTokens(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
