package yaml

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"
)

func Unmarshal(in []byte, out any) error {
	return yaml.Unmarshal(in, out)
}

func Encode(v any, indent int) ([]byte, error) {
	var b bytes.Buffer
	e := yaml.NewEncoder(&b)
	e.SetIndent(indent)

	if err := e.Encode(v); err != nil {
		return nil, err
	}
	if err := e.Close(); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Patch sets key under path in YAML document. Other lines with their
// comments and formatting stay untouched. Missing path parts are created,
// nil value removes the key.
//
//	Patch(src, "pin", "1234", "airplay", "devices", "AA:BB:CC:DD:EE:FF")
func Patch(src []byte, key string, value any, path ...string) ([]byte, error) {
	parent, err := rootMapping(src)
	if err != nil {
		return nil, err
	}

	// deepest existing mapping along the path
	depth := 0
	for parent != nil && depth < len(path) {
		node := valueOf(parent, path[depth])
		if node == nil || node.Kind != yaml.MappingNode {
			break
		}
		parent = node
		depth++
	}

	if depth < len(path) {
		if value == nil {
			return src, nil // nothing to remove
		}
		value = nest(path[depth+1:], key, value)
		key = path[depth]
	}

	var dst []byte
	if parent != nil {
		dst, err = replace(src, parent, key, value)
	} else {
		dst, err = appendEnd(src, key, value)
	}
	if err != nil {
		return nil, err
	}

	// result should stay valid YAML
	if err = yaml.Unmarshal(dst, map[string]any{}); err != nil {
		return nil, err
	}

	return dst, nil
}

func rootMapping(src []byte) (*yaml.Node, error) {
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, err
	}

	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, nil
	}
	return doc.Content[0], nil
}

// keyOf - key node and value node of mapping item
func keyOf(mapping *yaml.Node, name string) (key, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == name {
			return mapping.Content[i], mapping.Content[i+1]
		}
	}
	return nil, nil
}

func valueOf(mapping *yaml.Node, name string) *yaml.Node {
	_, value := keyOf(mapping, name)
	return value
}

// nest wraps value into maps for every path item: [a b], k, v => {a: {b: {k: v}}}
func nest(path []string, key string, value any) any {
	v := map[string]any{key: value}
	for i := len(path) - 1; i >= 0; i-- {
		v = map[string]any{path[i]: v}
	}
	return v
}

func replace(src []byte, mapping *yaml.Node, key string, value any) ([]byte, error) {
	put, err := Encode(map[string]any{key: value}, 2)
	if err != nil {
		return nil, err
	}

	var i0, i1 int

	if nodeKey, nodeValue := keyOf(mapping, key); nodeKey != nil {
		put = indent(put, nodeKey.Column-1)
		i0 = lineOffset(src, nodeKey.Line)
		i1 = lineOffset(src, lastLine(nodeValue)+1)
	} else {
		if value == nil {
			return src, nil
		}
		put = indent(put, mapping.Content[0].Column-1)
		i0 = lineOffset(src, lastLine(mapping)+1)
		i1 = i0
	}

	if value == nil {
		put = nil
	}

	if i0 < 0 {
		// last line without new line
		dst := append(bytes.Clone(src), '\n')
		return append(dst, put...), nil
	}

	dst := make([]byte, 0, len(src)+len(put))
	dst = append(dst, src[:i0]...)
	dst = append(dst, put...)
	if i1 >= 0 {
		dst = append(dst, src[i1:]...)
	}
	return dst, nil
}

func appendEnd(src []byte, key string, value any) ([]byte, error) {
	if value == nil {
		return src, nil
	}

	put, err := Encode(map[string]any{key: value}, 2)
	if err != nil {
		return nil, err
	}

	dst := make([]byte, 0, len(src)+1+len(put))
	dst = append(dst, src...)
	if n := len(src); n > 0 && src[n-1] != '\n' {
		dst = append(dst, '\n')
	}
	return append(dst, put...), nil
}

func lastLine(node *yaml.Node) int {
	for len(node.Content) > 0 {
		node = node.Content[len(node.Content)-1]
	}
	return node.Line
}

func indent(src []byte, n int) []byte {
	if n <= 0 {
		return src
	}

	pre := strings.Repeat(" ", n)

	var b bytes.Buffer
	for _, line := range bytes.SplitAfter(src, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		b.WriteString(pre)
		b.Write(line)
	}
	return b.Bytes()
}

// lineOffset - byte offset of line start, -1 if no such line
func lineOffset(b []byte, line int) int {
	offset := 0
	for l := 1; l < line; l++ {
		i := bytes.IndexByte(b[offset:], '\n')
		if i < 0 {
			return -1
		}
		offset += i + 1
	}
	return offset
}
