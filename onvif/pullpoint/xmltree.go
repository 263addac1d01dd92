package pullpoint

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// node is an element under construction
type node struct {
	name     string
	attrs    map[string]any
	text     strings.Builder
	children map[string]any
}

func (n *node) add(name string, v any) {
	if n.children == nil {
		n.children = make(map[string]any)
	}
	cur, ok := n.children[name]
	if !ok {
		n.children[name] = v
		return
	}
	if list, isList := cur.([]any); isList {
		n.children[name] = append(list, v)
		return
	}
	n.children[name] = []any{cur, v}
}

// value is the text of a bare element, otherwise a map of children with
// attributes under "$" and text under "_".
func (n *node) value() any {
	text := strings.TrimSpace(n.text.String())
	if len(n.attrs) == 0 && len(n.children) == 0 {
		return text
	}
	m := make(map[string]any, len(n.children)+2)
	for k, v := range n.children {
		m[k] = v
	}
	if len(n.attrs) > 0 {
		m["$"] = n.attrs
	}
	if text != "" {
		m["_"] = text
	}
	return m
}

// parseTree decodes an XML document into nested maps keyed by
// lower-camel local element names. Namespaces are dropped.
func parseTree(r io.Reader) (map[string]any, error) {
	dec := xml.NewDecoder(r)
	var stack []*node
	var root *node

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: lowerFirst(t.Name.Local)}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				if n.attrs == nil {
					n.attrs = make(map[string]any)
				}
				n.attrs[a.Name.Local] = a.Value
			}
			stack = append(stack, n)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				root = n
				continue
			}
			stack[len(stack)-1].add(n.name, n.value())
		}
	}

	if root == nil {
		return nil, errors.New("parse xml: empty document")
	}
	return map[string]any{root.name: root.value()}, nil
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

// lookup walks nested maps along path.
func lookup(tree any, path ...string) any {
	cur := tree
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// textOf returns the text of a bare or attributed element.
func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		s, _ := t["_"].(string)
		return s
	}
	return ""
}
