package document

import (
	"context"
	"fmt"

	"github.com/nidhogg/stagehand/internal/tool"
)

type createParams struct {
	TagName     string                 `json:"tagName" jsonschema:"required,description=Element tag name such as div or span"`
	Attributes  map[string]interface{} `json:"attributes,omitempty" jsonschema:"description=Attributes to set; style takes CSS declarations"`
	TextContent string                 `json:"textContent,omitempty" jsonschema:"description=Text content of the element"`
	Parent      string                 `json:"parent,omitempty" jsonschema:"description=CSS selector of the parent; defaults to the stage"`
}

type modifyParams struct {
	Target      string                 `json:"target" jsonschema:"required,description=CSS selector of the elements to change"`
	Attributes  map[string]interface{} `json:"attributes,omitempty" jsonschema:"description=Attributes to set; the value none removes one"`
	Style       interface{}            `json:"style,omitempty" jsonschema:"description=CSS declarations as a string or an object"`
	Class       *string                `json:"class,omitempty" jsonschema:"description=Replacement class list"`
	TextContent *string                `json:"textContent,omitempty" jsonschema:"description=Replacement text content"`
}

type selectorParams struct {
	Selector string `json:"selector" jsonschema:"required,description=CSS selector"`
}

type queryParams struct {
	Selector string `json:"selector,omitempty" jsonschema:"description=CSS selector; empty lists the top-level elements"`
}

// RegisterTools registers createElement, modifyElement, deleteElement and
// queryElement against t.
func RegisterTools(reg *tool.Registry, t *Tree) error {
	tools := map[string]tool.Tool{
		"createElement": tool.NewFunc("Create an element on the page",
			func(_ context.Context, p createParams) (interface{}, error) {
				id, err := t.Create(CreateSpec{
					Tag:        p.TagName,
					Attributes: stringify(p.Attributes),
					Text:       p.TextContent,
					Parent:     p.Parent,
				})
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"id": id}, nil
			}),
		"modifyElement": tool.NewFunc("Modify attributes, style, class or text of existing elements",
			func(_ context.Context, p modifyParams) (interface{}, error) {
				c := Change{
					Attributes: stringify(p.Attributes),
					Class:      p.Class,
					Text:       p.TextContent,
				}
				switch s := p.Style.(type) {
				case nil:
				case string:
					c.Style = styleMap(parseStyle(s))
				case map[string]interface{}:
					c.Style = stringify(s)
				default:
					return nil, fmt.Errorf("style must be a string or an object, got %T", p.Style)
				}
				n, err := t.Modify(p.Target, c)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"modified": n}, nil
			}),
		"deleteElement": tool.NewFunc("Delete elements matching a selector",
			func(_ context.Context, p selectorParams) (interface{}, error) {
				n, err := t.Delete(p.Selector)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"deleted": n}, nil
			}),
		"queryElement": tool.NewFunc("Describe elements matching a selector",
			func(_ context.Context, p queryParams) (interface{}, error) {
				return t.Query(p.Selector)
			}),
	}
	for _, id := range []string{"createElement", "modifyElement", "deleteElement", "queryElement"} {
		if err := reg.Register(id, tools[id]); err != nil {
			return err
		}
	}
	return nil
}

func stringify(m map[string]interface{}) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		case map[string]interface{}:
			// {"style": {"color": "red"}} is accepted as a declaration block.
			out[k] = formatStyle(declsFromMap(stringify(val)))
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
