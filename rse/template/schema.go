package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// templateSchema validates template files before they enter the registry.
// Question keys must be stable identifiers; scale questions declare their range.
const templateSchema = `{
	"type": "object",
	"required": ["id", "questions"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"questions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["key", "prompt", "type"],
				"properties": {
					"key": {"type": "string", "pattern": "^[a-z0-9_]+$"},
					"prompt": {"type": "string", "minLength": 1},
					"required": {"type": "boolean"},
					"type": {"enum": ["short_text", "long_text", "scale"]},
					"scale_min": {"type": "integer"},
					"scale_max": {"type": "integer"}
				}
			}
		}
	}
}`

var compiledSchema = gojsonschema.NewStringLoader(templateSchema)

// Parse validates raw template JSON against the schema and decodes it.
func Parse(raw []byte) (*Template, error) {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("template schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("invalid template: %s", strings.Join(msgs, "; "))
	}

	var tpl Template
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}

	if err := checkTemplate(&tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// checkTemplate enforces constraints the JSON schema cannot express.
func checkTemplate(tpl *Template) error {
	seen := make(map[string]bool, len(tpl.Questions))
	for i := range tpl.Questions {
		q := &tpl.Questions[i]
		if seen[q.Key] {
			return fmt.Errorf("invalid template %s: duplicate question key %q", tpl.ID, q.Key)
		}
		seen[q.Key] = true

		if q.Type == AnswerScale && q.ScaleMax <= q.ScaleMin {
			return fmt.Errorf("invalid template %s: question %q scale range [%d,%d] is empty",
				tpl.ID, q.Key, q.ScaleMin, q.ScaleMax)
		}
	}
	return nil
}
