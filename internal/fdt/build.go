package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	magic          = 0xd00dfeed
	version        = 17
	lastCompatible = 16
	headerSize     = 40
	memReserveSize = 16

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// ErrMalformed is returned by Parse for blobs it cannot decode.
var ErrMalformed = errors.New("fdt: malformed blob")

// Build serializes the tree rooted at root. Properties are emitted in name
// order so identical trees give identical blobs.
func Build(root Node) ([]byte, error) {
	e := &encoder{offsets: make(map[string]uint32)}
	if err := e.node(root); err != nil {
		return nil, err
	}
	e.token(tokenEnd)

	structOff := headerSize + memReserveSize
	stringsOff := structOff + e.structure.Len()
	total := stringsOff + e.strings.Len()

	blob := make([]byte, total)
	hdr := []uint32{
		magic, uint32(total), uint32(structOff), uint32(stringsOff), headerSize,
		version, lastCompatible, 0, uint32(e.strings.Len()), uint32(e.structure.Len()),
	}
	for i, v := range hdr {
		binary.BigEndian.PutUint32(blob[i*4:], v)
	}
	copy(blob[structOff:], e.structure.Bytes())
	copy(blob[stringsOff:], e.strings.Bytes())
	return blob, nil
}

type encoder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	offsets   map[string]uint32
}

func (e *encoder) node(n Node) error {
	e.token(tokenBeginNode)
	e.structure.WriteString(n.Name)
	e.structure.WriteByte(0)
	e.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.prop(name, n.Properties[name]); err != nil {
			return fmt.Errorf("fdt: node %q: %w", n.Name, err)
		}
	}

	for _, child := range n.Children {
		if err := e.node(child); err != nil {
			return err
		}
	}
	e.token(tokenEndNode)
	return nil
}

func (e *encoder) prop(name string, p Property) error {
	switch p.kinds() {
	case 0:
		return fmt.Errorf("property %q has no value", name)
	case 1:
	default:
		return fmt.Errorf("property %q mixes value kinds", name)
	}

	var data []byte
	switch {
	case len(p.Strings) > 0:
		for _, s := range p.Strings {
			data = append(data, s...)
			data = append(data, 0)
		}
	case len(p.U32) > 0:
		data = make([]byte, 4*len(p.U32))
		for i, v := range p.U32 {
			binary.BigEndian.PutUint32(data[i*4:], v)
		}
	case len(p.Bytes) > 0:
		data = p.Bytes
	}

	e.token(tokenProp)
	e.u32(uint32(len(data)))
	e.u32(e.stringOffset(name))
	e.structure.Write(data)
	e.pad()
	return nil
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.offsets[name]; ok {
		return off
	}
	off := uint32(e.strings.Len())
	e.strings.WriteString(name)
	e.strings.WriteByte(0)
	e.offsets[name] = off
	return off
}

func (e *encoder) token(t uint32) { e.u32(t) }

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.structure.Write(tmp[:])
}

func (e *encoder) pad() {
	for e.structure.Len()%4 != 0 {
		e.structure.WriteByte(0)
	}
}
