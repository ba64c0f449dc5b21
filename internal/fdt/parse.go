package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Parse decodes a blob produced by Build. Property values come back as
// Bytes; use Property.Cells and Property.StringList to interpret them.
func Parse(blob []byte) (Node, error) {
	if len(blob) < headerSize {
		return Node{}, fmt.Errorf("%w: short header", ErrMalformed)
	}
	be := binary.BigEndian
	if be.Uint32(blob[0:]) != magic {
		return Node{}, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	total := be.Uint32(blob[4:])
	structOff := be.Uint32(blob[8:])
	stringsOff := be.Uint32(blob[12:])
	stringsLen := be.Uint32(blob[32:])
	structLen := be.Uint32(blob[36:])
	if uint64(total) > uint64(len(blob)) ||
		uint64(structOff)+uint64(structLen) > uint64(total) ||
		uint64(stringsOff)+uint64(stringsLen) > uint64(total) {
		return Node{}, fmt.Errorf("%w: block out of range", ErrMalformed)
	}

	d := &decoder{
		structure: blob[structOff : structOff+structLen],
		strings:   blob[stringsOff : stringsOff+stringsLen],
	}
	tok, err := d.next()
	if err != nil {
		return Node{}, err
	}
	if tok != tokenBeginNode {
		return Node{}, fmt.Errorf("%w: tree does not start with a node", ErrMalformed)
	}
	root, err := d.node()
	if err != nil {
		return Node{}, err
	}
	if tok, err := d.next(); err != nil || tok != tokenEnd {
		return Node{}, fmt.Errorf("%w: missing end token", ErrMalformed)
	}
	return root, nil
}

// Cells interprets the property value as big-endian 32-bit cells.
func (p Property) Cells() []uint32 {
	if len(p.U32) > 0 {
		return p.U32
	}
	out := make([]uint32, len(p.Bytes)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(p.Bytes[i*4:])
	}
	return out
}

// StringList interprets the property value as NUL separated strings.
func (p Property) StringList() []string {
	if len(p.Strings) > 0 {
		return p.Strings
	}
	var out []string
	for _, s := range bytes.Split(bytes.TrimSuffix(p.Bytes, []byte{0}), []byte{0}) {
		out = append(out, string(s))
	}
	return out
}

type decoder struct {
	structure []byte
	strings   []byte
	off       int
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.structure) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(d.structure[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) next() (uint32, error) {
	for {
		tok, err := d.u32()
		if err != nil || tok != tokenNop {
			return tok, err
		}
	}
}

func (d *decoder) align() {
	d.off = (d.off + 3) &^ 3
}

func (d *decoder) cstring(buf []byte, off int) (string, int, error) {
	if off > len(buf) {
		return "", 0, fmt.Errorf("%w: string offset out of range", ErrMalformed)
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("%w: unterminated string", ErrMalformed)
	}
	return string(buf[off : off+end]), off + end + 1, nil
}

func (d *decoder) node() (Node, error) {
	name, next, err := d.cstring(d.structure, d.off)
	if err != nil {
		return Node{}, err
	}
	d.off = next
	d.align()

	n := Node{Name: name}
	for {
		tok, err := d.next()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case tokenProp:
			size, err := d.u32()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := d.u32()
			if err != nil {
				return Node{}, err
			}
			if d.off+int(size) > len(d.structure) {
				return Node{}, fmt.Errorf("%w: property overruns structure block", ErrMalformed)
			}
			propName, _, err := d.cstring(d.strings, int(nameOff))
			if err != nil {
				return Node{}, err
			}
			p := Property{Flag: size == 0}
			if size > 0 {
				p.Bytes = append([]byte(nil), d.structure[d.off:d.off+int(size)]...)
			}
			n.Set(propName, p)
			d.off += int(size)
			d.align()
		case tokenBeginNode:
			child, err := d.node()
			if err != nil {
				return Node{}, err
			}
			n.AddChild(child)
		case tokenEndNode:
			return n, nil
		default:
			return Node{}, fmt.Errorf("%w: unexpected token %#x", ErrMalformed, tok)
		}
	}
}
