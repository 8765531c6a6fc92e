package document

import (
	"sort"
	"strings"

	"golang.org/x/net/html"
)

type declaration struct {
	prop, val string
}

// parseStyle splits "color: red; top: 0px" into ordered declarations.
func parseStyle(s string) []declaration {
	var out []declaration
	for _, rule := range strings.Split(s, ";") {
		prop, val, ok := strings.Cut(rule, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.TrimSpace(val)
		if prop == "" || val == "" {
			continue
		}
		out = append(out, declaration{prop, val})
	}
	return out
}

func formatStyle(decls []declaration) string {
	parts := make([]string, len(decls))
	for i, d := range decls {
		parts[i] = d.prop + ": " + d.val
	}
	return strings.Join(parts, "; ")
}

func styleMap(decls []declaration) map[string]string {
	if len(decls) == 0 {
		return nil
	}
	m := make(map[string]string, len(decls))
	for _, d := range decls {
		m[d.prop] = d.val
	}
	return m
}

func declsFromMap(m map[string]string) []declaration {
	props := make([]string, 0, len(m))
	for p := range m {
		props = append(props, p)
	}
	sort.Strings(props)
	out := make([]declaration, 0, len(props))
	for _, p := range props {
		out = append(out, declaration{strings.ToLower(strings.TrimSpace(p)), strings.TrimSpace(m[p])})
	}
	return out
}

// mergeStyle updates n's inline style. A value of "none" removes the
// property.
func mergeStyle(n *html.Node, updates []declaration) {
	decls := parseStyle(attr(n, "style"))
	for _, u := range updates {
		found := false
		for i, d := range decls {
			if d.prop != u.prop {
				continue
			}
			found = true
			if u.val == "none" {
				decls = append(decls[:i], decls[i+1:]...)
			} else {
				decls[i].val = u.val
			}
			break
		}
		if !found && u.val != "none" {
			decls = append(decls, u)
		}
	}
	if len(decls) == 0 {
		removeAttr(n, "style")
		return
	}
	setAttr(n, "style", formatStyle(decls))
}
