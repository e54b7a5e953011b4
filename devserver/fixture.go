package devserver

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/persona/client"
	"github.com/hazyhaar/persona/variation"
)

// Fixture is the data the dev backend serves.
//
//	organizations:
//	  org_123:
//	    variations:
//	      spring_sale:
//	        keywords: [spring, sale]
//	        variation: {content_variations: [...]}
//	      default: {}
//	assignments:
//	  - visitor_id: v1
//	    page_url: https://shop.example/pricing
//	    variation: {...}
//	visuals:
//	  "*": {html: "<div>...</div>", mood: calm}
type Fixture struct {
	Organizations map[string]Organization `yaml:"organizations"`
	Assignments   []Assignment            `yaml:"assignments"`
	// Visuals maps flow ids to fragments; "*" matches any flow.
	Visuals map[string]client.Visual `yaml:"visuals"`
}

// Organization holds one organization's catalog.
type Organization struct {
	Variations variation.Catalog `yaml:"variations"`
}

// Assignment is a server-side (visitor, page) -> variation record. An empty
// OrganizationID matches any organization.
type Assignment struct {
	VisitorID      string               `yaml:"visitor_id"`
	PageURL        string               `yaml:"page_url"`
	OrganizationID string               `yaml:"organization_id"`
	Variation      *variation.Variation `yaml:"variation"`
}

// ParseFixture decodes a YAML fixture.
func ParseFixture(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("devserver: parse fixture: %w", err)
	}
	if f.Organizations == nil {
		f.Organizations = map[string]Organization{}
	}
	return &f, nil
}

// LoadFixture reads a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("devserver: open fixture: %w", err)
	}
	defer fh.Close()
	return ParseFixture(fh)
}

func (f *Fixture) assignment(visitorID, pageURL, orgID string) (Assignment, bool) {
	for _, a := range f.Assignments {
		if a.VisitorID != visitorID || strings.TrimRight(a.PageURL, "/") != strings.TrimRight(pageURL, "/") {
			continue
		}
		if a.OrganizationID != "" && a.OrganizationID != orgID {
			continue
		}
		return a, true
	}
	return Assignment{}, false
}

func (f *Fixture) visual(flowID string) (client.Visual, bool) {
	if v, ok := f.Visuals[flowID]; ok {
		return v, true
	}
	v, ok := f.Visuals["*"]
	return v, ok
}
