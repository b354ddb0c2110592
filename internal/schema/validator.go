package schema

import (
	"encoding/json"
	"fmt"

	"github.com/paperforge/paper-outline-service/internal/domain"
)

// Validator checks model output against a declared schema. Unknown fields
// are tolerated; required fields and declared types are enforced.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate parses raw JSON and walks it against the definition. A JSON
// syntax error is returned unwrapped from the schema taxonomy; callers
// treat it as a malformed model response, not a schema violation.
func (v *Validator) Validate(def *Definition, raw []byte) error {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("parsing model output: %w", err)
	}
	return v.walk(def, def.Root, "$", value)
}

// DecodeOutline validates raw model output and decodes it into a
// PaperOutline. The decoded outline must also satisfy the domain
// invariants (non-empty title, at least one section); structurally valid
// output that fails them is a schema violation.
func (v *Validator) DecodeOutline(raw []byte) (*domain.PaperOutline, error) {
	if err := v.Validate(PaperOutline(), raw); err != nil {
		return nil, err
	}

	var outline domain.PaperOutline
	if err := json.Unmarshal(raw, &outline); err != nil {
		return nil, fmt.Errorf("decoding outline: %w", err)
	}
	if err := outline.Validate(); err != nil {
		return nil, err
	}
	return &outline, nil
}

// DecodeSectionExpansion validates raw model output and decodes it into a
// SectionExpansion.
func (v *Validator) DecodeSectionExpansion(raw []byte) (*domain.SectionExpansion, error) {
	if err := v.Validate(SectionExpansion(), raw); err != nil {
		return nil, err
	}

	var expansion domain.SectionExpansion
	if err := json.Unmarshal(raw, &expansion); err != nil {
		return nil, fmt.Errorf("decoding section expansion: %w", err)
	}
	return &expansion, nil
}

func (v *Validator) walk(def *Definition, node *Node, path string, value interface{}) error {
	if value == nil {
		return violation(def, path, fmt.Sprintf("expected %s, got null", typeLabel(node.Type)))
	}

	switch node.Type {
	case TypeObject:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return violation(def, path, fmt.Sprintf("expected object, got %s", valueLabel(value)))
		}
		for _, name := range node.Required {
			if _, present := obj[name]; !present {
				return violation(def, joinPath(path, name), "required field missing")
			}
		}
		for name, child := range node.Properties {
			fieldValue, present := obj[name]
			if !present {
				continue
			}
			if err := v.walk(def, child, joinPath(path, name), fieldValue); err != nil {
				return err
			}
		}
	case TypeArray:
		items, ok := value.([]interface{})
		if !ok {
			return violation(def, path, fmt.Sprintf("expected array, got %s", valueLabel(value)))
		}
		for i, item := range items {
			if err := v.walk(def, node.Items, fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
	case TypeString:
		if _, ok := value.(string); !ok {
			return violation(def, path, fmt.Sprintf("expected string, got %s", valueLabel(value)))
		}
	case TypeNumber, TypeInteger:
		if _, ok := value.(float64); !ok {
			return violation(def, path, fmt.Sprintf("expected number, got %s", valueLabel(value)))
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return violation(def, path, fmt.Sprintf("expected boolean, got %s", valueLabel(value)))
		}
	default:
		return fmt.Errorf("unknown schema node type %q at %s", node.Type, path)
	}

	return nil
}

func violation(def *Definition, path, message string) error {
	return domain.NewSchemaViolationError(def.Name, path, message)
}

func joinPath(path, field string) string {
	return path + "." + field
}

func typeLabel(t Type) string {
	switch t {
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	case TypeString:
		return "string"
	case TypeNumber, TypeInteger:
		return "number"
	case TypeBoolean:
		return "boolean"
	default:
		return string(t)
	}
}

func valueLabel(value interface{}) string {
	switch value.(type) {
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", value)
	}
}
