// Package fdt models device-tree nodes and encodes them as flattened
// device tree blobs.
package fdt

import "strings"

// Property is a single device-tree property. Exactly one of the typed
// fields is populated, or none for an empty (flag) property.
type Property struct {
	Strings []string
	U32     []uint32
	Bytes   []byte
	Flag    bool
}

// U32 builds a cell-list property.
func U32(cells ...uint32) Property {
	return Property{U32: cells}
}

// Strings builds a string-list property.
func Strings(values ...string) Property {
	return Property{Strings: values}
}

// Flag builds an empty property such as interrupt-controller.
func Flag() Property {
	return Property{Flag: true}
}

func (p Property) kinds() int {
	n := 0
	if len(p.Strings) > 0 {
		n++
	}
	if len(p.U32) > 0 {
		n++
	}
	if len(p.Bytes) > 0 {
		n++
	}
	if p.Flag {
		n++
	}
	return n
}

// Node is a device-tree node.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Set adds or replaces a property.
func (n *Node) Set(name string, p Property) {
	if n.Properties == nil {
		n.Properties = make(map[string]Property)
	}
	n.Properties[name] = p
}

// AddChild appends a child node.
func (n *Node) AddChild(child Node) {
	n.Children = append(n.Children, child)
}

// Find returns the node at a slash-separated path relative to n.
func (n *Node) Find(path string) (*Node, bool) {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		var next *Node
		for i := range cur.Children {
			if cur.Children[i].Name == part {
				next = &cur.Children[i]
				break
			}
		}
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Compatible returns the children of n whose compatible list contains c.
func (n *Node) Compatible(c string) []*Node {
	var out []*Node
	for i := range n.Children {
		for _, s := range n.Children[i].Properties["compatible"].StringList() {
			if s == c {
				out = append(out, &n.Children[i])
				break
			}
		}
	}
	return out
}
