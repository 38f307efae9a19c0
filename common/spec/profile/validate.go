package profile

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("profile.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("profile: add schema resource: %v", err))
	}
	s, err := c.Compile("profile.schema.json")
	if err != nil {
		panic(fmt.Sprintf("profile: compile schema: %v", err))
	}
	return s
}

// Parse decodes a profile YAML document and validates it against the
// embedded JSON Schema. It is the canonical entry point; callers should not
// unmarshal profile YAML themselves.
func Parse(data []byte) (*Profile, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("profile: parse yaml: %w", err)
	}
	doc, err := jsonRoundtrip(raw)
	if err != nil {
		return nil, fmt.Errorf("profile: normalize document: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("profile: validate: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}
	return &p, nil
}

// Load reads and parses the profile document at path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return Parse(data)
}

// jsonRoundtrip re-encodes the decoded YAML through encoding/json so the
// schema validator sees the value types it expects (float64 numbers,
// map[string]any objects).
func jsonRoundtrip(raw any) (any, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(buf, &v); err != nil {
		return nil, err
	}
	return v, nil
}
