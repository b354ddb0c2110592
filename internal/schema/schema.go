// Package schema declares the structured output schemas requested from the
// model and validates model responses against them.
package schema

import "sort"

// Type is a schema node type. Values use the uppercase spelling expected
// by the generateContent response_schema field.
type Type string

const (
	TypeObject  Type = "OBJECT"
	TypeArray   Type = "ARRAY"
	TypeString  Type = "STRING"
	TypeNumber  Type = "NUMBER"
	TypeInteger Type = "INTEGER"
	TypeBoolean Type = "BOOLEAN"
)

// Node is a single node of a declared schema. The same representation is
// serialized into model requests and walked during response validation.
type Node struct {
	Type        Type             `json:"type"`
	Description string           `json:"description,omitempty"`
	Properties  map[string]*Node `json:"properties,omitempty"`
	Items       *Node            `json:"items,omitempty"`
	Required    []string         `json:"required,omitempty"`
}

// Definition is a named root schema. The name appears in violation errors
// so failures identify which contract was broken.
type Definition struct {
	Name string
	Root *Node
}

// Object builds an object node with the given properties, requiring all
// of them. Structured output contracts here never have optional fields.
func Object(properties map[string]*Node) *Node {
	required := make([]string, 0, len(properties))
	for name := range properties {
		required = append(required, name)
	}
	sort.Strings(required)
	return &Node{
		Type:       TypeObject,
		Properties: properties,
		Required:   required,
	}
}

// Array builds an array node with the given item schema.
func Array(items *Node) *Node {
	return &Node{Type: TypeArray, Items: items}
}

// String builds a string node with a description.
func String(description string) *Node {
	return &Node{Type: TypeString, Description: description}
}
