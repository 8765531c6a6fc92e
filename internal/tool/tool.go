package tool

import (
	"context"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// Tool is a registered, side-effecting capability invoked by id.
type Tool interface {
	Description() string
	Schema() Schema
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// Param describes one tool parameter.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// Schema is the parameter contract a tool declares.
type Schema struct {
	Params []Param `json:"params"`
}

// Param returns the named parameter.
func (s Schema) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Definition is the public description of a registered tool.
type Definition struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Schema      Schema `json:"schema"`
}

// SchemaFor derives a Schema from a params struct using json and
// jsonschema struct tags:
//
//	type createParams struct {
//	    TagName string `json:"tagName" jsonschema:"required,description=Element tag"`
//	}
func SchemaFor[T any]() Schema {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
		AllowAdditionalProperties:  true,
	}
	s := reflector.Reflect(new(T))

	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}

	var out Schema
	if s.Properties == nil {
		return out
	}
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		prop := pair.Value
		p := Param{
			Name:        pair.Key,
			Type:        prop.Type,
			Description: prop.Description,
			Required:    required[pair.Key],
		}
		if p.Type == "" {
			// interface{} and similar fields carry no type constraint.
			p.Type = "any"
		}
		for _, e := range prop.Enum {
			p.Enum = append(p.Enum, fmt.Sprint(e))
		}
		out.Params = append(out.Params, p)
	}
	return out
}

// Func is a Tool backed by a typed function. Parameters are decoded from
// the sanitized map into P using P's json tags.
type Func[P any] struct {
	description string
	schema      Schema
	fn          func(ctx context.Context, params P) (interface{}, error)
}

// NewFunc creates a typed tool whose schema is derived from P.
func NewFunc[P any](description string, fn func(ctx context.Context, params P) (interface{}, error)) *Func[P] {
	return &Func[P]{
		description: description,
		schema:      SchemaFor[P](),
		fn:          fn,
	}
}

func (f *Func[P]) Description() string { return f.description }
func (f *Func[P]) Schema() Schema      { return f.schema }

func (f *Func[P]) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p P
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create params decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return f.fn(ctx, p)
}
