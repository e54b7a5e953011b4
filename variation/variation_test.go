package variation

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

const catalogJSON = `{
  "zeta": {"keywords": ["z"], "variation": {"content_variations": [{"selector": "h1", "new_text": "Z"}]}},
  "alpha": {"keywords": ["a"]},
  "default": {}
}`

func TestCatalog_JSONKeepsOrder(t *testing.T) {
	var c Catalog
	if err := json.Unmarshal([]byte(catalogJSON), &c); err != nil {
		t.Fatal(err)
	}
	want := []string{"zeta", "alpha", "default"}
	if c.Len() != len(want) {
		t.Fatalf("len: got %d", c.Len())
	}
	for i, e := range c.Entries() {
		if e.Key != want[i] {
			t.Errorf("entry[%d]: got %q, want %q", i, e.Key, want[i])
		}
	}
	z, ok := c.Lookup("ZETA")
	if !ok || z.Variation == nil || z.Variation.ContentVariations[0].NewText != "Z" {
		t.Fatalf("lookup zeta: %+v", z)
	}
	if d, _ := c.Lookup("default"); !d.IsDefault() || !d.Variation.IsEmpty() {
		t.Errorf("default entry: %+v", d)
	}
}

func TestCatalog_JSONRoundTripOrder(t *testing.T) {
	var c Catalog
	json.Unmarshal([]byte(catalogJSON), &c)
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var back Catalog
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Entries()[0].Key != "zeta" || back.Entries()[2].Key != "default" {
		t.Fatalf("order lost: %s", data)
	}
}

func TestCatalog_RejectsNonObject(t *testing.T) {
	var c Catalog
	if err := json.Unmarshal([]byte(`["a"]`), &c); err == nil {
		t.Fatal("expected error for array catalog")
	}
	if err := json.Unmarshal([]byte(`null`), &c); err != nil || c.Len() != 0 {
		t.Fatalf("null: %v len=%d", err, c.Len())
	}
}

func TestCatalog_YAMLKeepsOrder(t *testing.T) {
	src := `
spring_sale:
  keywords: [spring_sale, spring]
  variation:
    cta_variations:
      - selector: a.cta
        new_href: /spring
enterprise:
  keywords: [b2b]
default: {}
`
	var c Catalog
	if err := yaml.Unmarshal([]byte(src), &c); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 3 || c.Entries()[0].Key != "spring_sale" || c.Entries()[1].Key != "enterprise" {
		t.Fatalf("entries: %+v", c.Entries())
	}
	if c.Entries()[0].Variation.CTAVariations[0].NewHref != "/spring" {
		t.Error("nested variation not decoded")
	}
}

func TestVariation_IsEmpty(t *testing.T) {
	var nilVar *Variation
	if !nilVar.IsEmpty() || !(&Variation{}).IsEmpty() {
		t.Fatal("expected empty")
	}
	v := &Variation{StyleEmphasis: []StyleEmphasis{{Selector: ".x", Action: ActionHide}}}
	if v.IsEmpty() {
		t.Fatal("expected non-empty")
	}
}
