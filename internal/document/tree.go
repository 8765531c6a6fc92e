// Package document is the in-memory target surface the engine drives: an
// HTML element tree under a fixed stage container.
package document

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// StageID is the id of the container every element lives under.
const StageID = "stage"

var (
	ErrNotFound        = errors.New("element not found")
	ErrInvalidSelector = errors.New("invalid selector")
	ErrInvalidTag      = errors.New("invalid tag name")
)

// Element describes one node for queries and the API.
type Element struct {
	Tag        string            `json:"tag"`
	ID         string            `json:"id"`
	Classes    string            `json:"classes,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Style      map[string]string `json:"style,omitempty"`
	Text       string            `json:"text,omitempty"`
	Children   int               `json:"children"`
}

// Tree is a mutex-guarded element tree.
type Tree struct {
	mu     sync.RWMutex
	stage  *html.Node
	seq    int
	logger *zap.Logger
}

// New creates an empty tree.
func New(logger *zap.Logger) *Tree {
	return &Tree{stage: newStage(), logger: logger}
}

func newStage() *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr:     []html.Attribute{{Key: "id", Val: StageID}},
	}
}

// CreateSpec describes a new element.
type CreateSpec struct {
	Tag        string
	Attributes map[string]string
	Text       string
	Parent     string // selector; empty means the stage
}

// Create appends a new element and returns its id. An id is generated
// when the attributes do not carry one.
func (t *Tree) Create(spec CreateSpec) (string, error) {
	tag := strings.ToLower(strings.TrimSpace(spec.Tag))
	if tag == "" || strings.ContainsAny(tag, " <>/\"'=") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, spec.Tag)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parent := t.stage
	if spec.Parent != "" {
		nodes, err := t.matchLocked(spec.Parent)
		if err != nil {
			return "", err
		}
		if len(nodes) == 0 {
			return "", fmt.Errorf("%w: parent %s", ErrNotFound, spec.Parent)
		}
		parent = nodes[0]
	}

	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	keys := make([]string, 0, len(spec.Attributes))
	for k := range spec.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := spec.Attributes[k]
		if v == "none" {
			continue
		}
		if k == "style" {
			v = formatStyle(parseStyle(v))
		}
		setAttr(n, k, v)
	}
	id := attr(n, "id")
	if id == "" {
		t.seq++
		id = fmt.Sprintf("element-%d", t.seq)
		setAttr(n, "id", id)
	}
	if spec.Text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: spec.Text})
	}
	parent.AppendChild(n)
	t.logger.Debug("element created", zap.String("id", id), zap.String("tag", tag))
	return id, nil
}

// Change describes a modification. Attribute values of "none" remove the
// attribute; Style entries merge into the existing inline style.
type Change struct {
	Attributes map[string]string
	Style      map[string]string
	Class      *string
	Text       *string
}

// Modify applies c to every element matching selector and returns the
// number of elements changed.
func (t *Tree) Modify(selector string, c Change) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes, err := t.matchLocked(selector)
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	for _, n := range nodes {
		for k, v := range c.Attributes {
			if k == "style" {
				mergeStyle(n, parseStyle(v))
				continue
			}
			if v == "none" {
				removeAttr(n, k)
				continue
			}
			setAttr(n, k, v)
		}
		if len(c.Style) > 0 {
			mergeStyle(n, declsFromMap(c.Style))
		}
		if c.Class != nil {
			setAttr(n, "class", *c.Class)
		}
		if c.Text != nil {
			for ch := n.FirstChild; ch != nil; {
				next := ch.NextSibling
				if ch.Type == html.TextNode {
					n.RemoveChild(ch)
				}
				ch = next
			}
			if *c.Text != "" {
				n.InsertBefore(&html.Node{Type: html.TextNode, Data: *c.Text}, n.FirstChild)
			}
		}
	}
	return len(nodes), nil
}

// Delete removes every element matching selector.
func (t *Tree) Delete(selector string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes, err := t.matchLocked(selector)
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	for _, n := range nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
	return len(nodes), nil
}

// Query describes the elements matching selector, or the stage's direct
// children when selector is empty.
func (t *Tree) Query(selector string) ([]Element, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var nodes []*html.Node
	if selector == "" {
		for n := t.stage.FirstChild; n != nil; n = n.NextSibling {
			if n.Type == html.ElementNode {
				nodes = append(nodes, n)
			}
		}
	} else {
		var err error
		if nodes, err = t.matchLocked(selector); err != nil {
			return nil, err
		}
	}
	out := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, describe(n))
	}
	return out, nil
}

// Snapshot renders the stage as HTML.
func (t *Tree) Snapshot() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var b strings.Builder
	if err := html.Render(&b, t.stage); err != nil {
		t.logger.Warn("render document", zap.Error(err))
	}
	return b.String()
}

// Len counts the elements under the stage.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				count++
				walk(c)
			}
		}
	}
	walk(t.stage)
	return count
}

// Reset removes every element.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stage = newStage()
	t.seq = 0
}

func (t *Tree) matchLocked(selector string) ([]*html.Node, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSelector, selector, err)
	}
	var out []*html.Node
	for _, n := range sel.MatchAll(t.stage) {
		if n != t.stage {
			out = append(out, n)
		}
	}
	return out, nil
}

func describe(n *html.Node) Element {
	e := Element{Tag: n.Data, Attributes: map[string]string{}}
	for _, a := range n.Attr {
		switch a.Key {
		case "id":
			e.ID = a.Val
		case "class":
			e.Classes = a.Val
		case "style":
			e.Style = styleMap(parseStyle(a.Val))
		default:
			e.Attributes[a.Key] = a.Val
		}
	}
	var text strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			text.WriteString(c.Data)
		case html.ElementNode:
			e.Children++
		}
	}
	e.Text = text.String()
	if len(e.Attributes) == 0 {
		e.Attributes = nil
	}
	return e
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}
