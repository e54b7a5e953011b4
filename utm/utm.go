// Package utm extracts campaign parameters from a page URL and maps them to
// a variation key.
package utm

import "net/url"

// Context is the set of UTM parameters of one page load. Absent parameters
// are empty strings.
type Context struct {
	Source   string `json:"source"`
	Medium   string `json:"medium"`
	Campaign string `json:"campaign"`
	Content  string `json:"content"`
	Term     string `json:"term"`
}

// FromURL reads utm_* parameters from a full page URL. An unparsable URL
// yields an empty Context.
func FromURL(pageURL string) Context {
	u, err := url.Parse(pageURL)
	if err != nil {
		return Context{}
	}
	return FromQuery(u.Query())
}

// FromQuery reads utm_* parameters from parsed query values.
func FromQuery(q url.Values) Context {
	return Context{
		Source:   q.Get("utm_source"),
		Medium:   q.Get("utm_medium"),
		Campaign: q.Get("utm_campaign"),
		Content:  q.Get("utm_content"),
		Term:     q.Get("utm_term"),
	}
}

// Present reports whether the page carries campaign intent. utm_medium alone
// does not count.
func (c Context) Present() bool {
	return c.Campaign != "" || c.Content != "" || c.Source != "" || c.Term != ""
}

func (c Context) fields() []string {
	return []string{c.Source, c.Medium, c.Campaign, c.Content, c.Term}
}
