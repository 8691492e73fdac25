package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoJSON is returned when no JSON object can be recovered from a response.
var ErrNoJSON = errors.New("llm: response is not JSON")

// RecoverJSON returns the JSON payload of a model response. Strict JSON is
// returned as is; otherwise the first ```json fenced block is tried, then the
// first bare ``` block.
func RecoverJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if json.Valid([]byte(s)) {
		return s, nil
	}
	for _, fence := range []string{"```json", "```"} {
		if block, ok := fencedBlock(s, fence); ok && json.Valid([]byte(block)) {
			return block, nil
		}
	}
	return "", ErrNoJSON
}

func fencedBlock(s, open string) (string, bool) {
	start := strings.Index(s, open)
	if start < 0 {
		return "", false
	}
	rest := s[start+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// Schema validates decoded model output before it is mapped onto Go types.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// MustCompileSchema compiles a JSON Schema document or panics.
func MustCompileSchema(name, doc string) *Schema {
	return &Schema{name: name, schema: jsonschema.MustCompileString(name+".json", doc)}
}

// Decode recovers JSON from raw, validates it, and unmarshals it into dest.
func (s *Schema) Decode(raw string, dest any) error {
	payload, err := RecoverJSON(raw)
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.name, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s: %w", s.name, err)
	}
	if err := json.Unmarshal([]byte(payload), dest); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.name, err)
	}
	return nil
}
