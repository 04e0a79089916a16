package plist

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
	"unicode/utf16"

	"github.com/go2airplay/go2airplay/pkg/core"
)

const maxDepth = 512

// DecodeError reports malformed binary plist. Matches core.ErrDecode.
type DecodeError struct {
	Offset uint64
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("plist: %s (offset %d)", e.Msg, e.Offset)
}

func (e *DecodeError) Is(target error) bool {
	return target == core.ErrDecode
}

// appleEpoch - reference date for plist dates
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

type decoder struct {
	data     []byte
	offsets  []uint64
	refSize  int
	visiting []bool
}

// Decode binary plist with dict as top object
func Decode(b []byte) (*Dict, error) {
	v, err := Unmarshal(b)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*Dict)
	if !ok {
		return nil, &DecodeError{Msg: fmt.Sprintf("top object is %T, not dict", v)}
	}
	return d, nil
}

// Unmarshal binary plist to: string, bool, int64, uint64 (only for values above MaxInt64 and UIDs),
// float64, []byte, time.Time, *Dict, []any
func Unmarshal(b []byte) (any, error) {
	if len(b) < len(header)+trailerSize {
		return nil, &DecodeError{Msg: "buffer too small"}
	}
	if string(b[:6]) != header[:6] {
		return nil, &DecodeError{Msg: "wrong header"}
	}
	if b[6] != '0' {
		return nil, &DecodeError{Offset: 6, Msg: "unsupported version " + string(b[6:8])}
	}

	trailerOffset := uint64(len(b) - trailerSize)
	trailer := b[trailerOffset:]

	offsetSize := int(trailer[6])
	refSize := int(trailer[7])
	numObjects := binary.BigEndian.Uint64(trailer[8:])
	topObject := binary.BigEndian.Uint64(trailer[16:])
	tableOffset := binary.BigEndian.Uint64(trailer[24:])

	if offsetSize < 1 || offsetSize > 8 || refSize < 1 || refSize > 8 {
		return nil, &DecodeError{Offset: trailerOffset, Msg: "wrong int size in trailer"}
	}
	if numObjects == 0 || topObject >= numObjects {
		return nil, &DecodeError{Offset: trailerOffset, Msg: "wrong object count in trailer"}
	}
	if tableOffset < uint64(len(header)) || tableOffset > trailerOffset ||
		numObjects > (trailerOffset-tableOffset)/uint64(offsetSize) {
		return nil, &DecodeError{Offset: trailerOffset, Msg: "offset table out of range"}
	}

	d := &decoder{
		data:     b[:trailerOffset],
		offsets:  make([]uint64, numObjects),
		refSize:  refSize,
		visiting: make([]bool, numObjects),
	}

	for i := range d.offsets {
		pos := tableOffset + uint64(i*offsetSize)
		offset := readUint(b[pos : pos+uint64(offsetSize)])
		if offset < uint64(len(header)) || offset >= tableOffset {
			return nil, &DecodeError{Offset: pos, Msg: "object offset out of range"}
		}
		d.offsets[i] = offset
	}

	return d.object(topObject, 0)
}

func (d *decoder) object(ref uint64, depth int) (any, error) {
	if depth > maxDepth {
		return nil, &DecodeError{Offset: d.offsets[ref], Msg: "nesting too deep"}
	}
	if d.visiting[ref] {
		return nil, &DecodeError{Offset: d.offsets[ref], Msg: "object cycle"}
	}

	offset := d.offsets[ref]
	marker := d.data[offset]
	lo := marker & 0x0F

	switch marker & 0xF0 {
	case markerSimple:
		switch lo {
		case 0x08:
			return false, nil
		case 0x09:
			return true, nil
		}

	case markerInt:
		if lo > 4 {
			break
		}
		b, err := d.bytes(offset+1, 1<<lo)
		if err != nil {
			return nil, err
		}
		return parseInt(b), nil

	case markerReal:
		switch lo {
		case 2:
			b, err := d.bytes(offset+1, 4)
			if err != nil {
				return nil, err
			}
			return float64(math.Float32frombits(uint32(readUint(b)))), nil
		case 3:
			b, err := d.bytes(offset+1, 8)
			if err != nil {
				return nil, err
			}
			return math.Float64frombits(readUint(b)), nil
		}

	case markerDate:
		if lo != 3 {
			break
		}
		b, err := d.bytes(offset+1, 8)
		if err != nil {
			return nil, err
		}
		sec := math.Float64frombits(readUint(b))
		return appleEpoch.Add(time.Duration(sec * float64(time.Second))), nil

	case markerData:
		n, start, err := d.length(offset, lo)
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(start, n)
		if err != nil {
			return nil, err
		}
		return bytesClone(b), nil

	case markerASCII:
		n, start, err := d.length(offset, lo)
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(start, n)
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case markerUTF16:
		n, start, err := d.length(offset, lo)
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(start, n*2)
		if err != nil {
			return nil, err
		}
		units := make([]uint16, n)
		for i := range units {
			units[i] = binary.BigEndian.Uint16(b[i*2:])
		}
		return string(utf16.Decode(units)), nil

	case markerUID:
		b, err := d.bytes(offset+1, uint64(lo)+1)
		if err != nil {
			return nil, err
		}
		return readUint(b), nil

	case markerArray:
		n, start, err := d.length(offset, lo)
		if err != nil {
			return nil, err
		}
		refs, err := d.refs(start, n)
		if err != nil {
			return nil, err
		}

		d.visiting[ref] = true
		defer func() { d.visiting[ref] = false }()

		a := make([]any, 0, n)
		for _, r := range refs {
			v, err := d.object(r, depth+1)
			if err != nil {
				return nil, err
			}
			a = append(a, v)
		}
		return a, nil

	case markerDict:
		n, start, err := d.length(offset, lo)
		if err != nil {
			return nil, err
		}
		refs, err := d.refs(start, 2*n)
		if err != nil {
			return nil, err
		}

		d.visiting[ref] = true
		defer func() { d.visiting[ref] = false }()

		dict := NewDict()
		for i := uint64(0); i < n; i++ {
			k, err := d.object(refs[i], depth+1)
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				return nil, &DecodeError{Offset: offset, Msg: fmt.Sprintf("dict key is %T", k)}
			}
			v, err := d.object(refs[n+i], depth+1)
			if err != nil {
				return nil, err
			}
			dict.Set(key, v)
		}
		return dict, nil
	}

	return nil, &DecodeError{Offset: offset, Msg: fmt.Sprintf("unknown marker 0x%02X", marker)}
}

// length reads inline length or extended int length after marker
func (d *decoder) length(offset uint64, lo byte) (n uint64, start uint64, err error) {
	if lo != 0x0F {
		return uint64(lo), offset + 1, nil
	}

	b, err := d.bytes(offset+1, 1)
	if err != nil {
		return 0, 0, err
	}
	if b[0]&0xF0 != markerInt || b[0]&0x0F > 3 {
		return 0, 0, &DecodeError{Offset: offset + 1, Msg: "wrong extended length"}
	}

	size := uint64(1) << (b[0] & 0x0F)
	if b, err = d.bytes(offset+2, size); err != nil {
		return 0, 0, err
	}

	// every element takes at least one byte
	if n = readUint(b); n > uint64(len(d.data)) {
		return 0, 0, &DecodeError{Offset: offset + 1, Msg: "length out of range"}
	}
	return n, offset + 2 + size, nil
}

func (d *decoder) refs(offset, n uint64) ([]uint64, error) {
	if n > uint64(len(d.data)) {
		return nil, &DecodeError{Offset: offset, Msg: "container too large"}
	}
	b, err := d.bytes(offset, n*uint64(d.refSize))
	if err != nil {
		return nil, err
	}
	refs := make([]uint64, n)
	for i := range refs {
		ref := readUint(b[i*d.refSize : (i+1)*d.refSize])
		if ref >= uint64(len(d.offsets)) {
			return nil, &DecodeError{Offset: offset, Msg: "object ref out of range"}
		}
		refs[i] = ref
	}
	return refs, nil
}

func (d *decoder) bytes(offset, n uint64) ([]byte, error) {
	if offset > uint64(len(d.data)) || n > uint64(len(d.data))-offset {
		return nil, &DecodeError{Offset: offset, Msg: "unexpected end of data"}
	}
	return d.data[offset : offset+n], nil
}

func parseInt(b []byte) any {
	switch len(b) {
	case 8:
		return int64(readUint(b))
	case 16:
		// 128-bit values are only written for unsigned ints above MaxInt64
		v := readUint(b[8:])
		if v > math.MaxInt64 {
			return v
		}
		return int64(v)
	}
	return int64(readUint(b))
}

func bytesClone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func readUint(b []byte) (v uint64) {
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return
}
