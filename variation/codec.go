package variation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// UnmarshalJSON decodes a JSON object while keeping key order.
// null decodes to an empty catalog.
func (c *Catalog) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("variation: catalog: %w", err)
	}
	if tok == nil {
		c.entries = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("variation: catalog must be a JSON object")
	}

	var entries []Entry
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("variation: catalog key: %w", err)
		}
		key, _ := kt.(string)
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("variation: catalog entry %q: %w", key, err)
		}
		e.Key = key
		entries = append(entries, e)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("variation: catalog close: %w", err)
	}
	c.entries = entries
	return nil
}

// MarshalJSON encodes the catalog as a JSON object in entry order.
func (c Catalog) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range c.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalYAML decodes a YAML mapping while keeping key order.
func (c *Catalog) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		c.entries = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("variation: catalog must be a mapping (line %d)", node.Line)
	}
	entries := make([]Entry, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var e Entry
		if err := node.Content[i+1].Decode(&e); err != nil {
			return fmt.Errorf("variation: catalog entry %q: %w", node.Content[i].Value, err)
		}
		e.Key = node.Content[i].Value
		entries = append(entries, e)
	}
	c.entries = entries
	return nil
}
