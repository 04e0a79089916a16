package plist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
)

const (
	header      = "bplist00"
	trailerSize = 32
)

// object markers, high nibble
const (
	markerSimple = 0x00
	markerInt    = 0x10
	markerReal   = 0x20
	markerDate   = 0x30
	markerData   = 0x40
	markerASCII  = 0x50
	markerUTF16  = 0x60
	markerUID    = 0x80
	markerArray  = 0xA0
	markerDict   = 0xD0
)

type object struct {
	value any
	refs  []uint64
}

type encoder struct {
	objects []object
}

// Encode dict as binary plist, the usual body of AirPlay requests
func Encode(d *Dict) ([]byte, error) {
	return Marshal(d)
}

// Marshal supports: string, bool, all ints and uints, float32, float64, []byte, *Dict,
// map[string]any (keys sorted), []any
func Marshal(v any) ([]byte, error) {
	e := &encoder{}
	if _, err := e.flatten(v); err != nil {
		return nil, err
	}

	refSize := sizeOf(uint64(len(e.objects) - 1))

	buf := bytes.NewBuffer(make([]byte, 0, 256))
	buf.WriteString(header)

	offsets := make([]uint64, len(e.objects))
	for i, obj := range e.objects {
		offsets[i] = uint64(buf.Len())
		writeObject(buf, obj, refSize)
	}

	tableOffset := uint64(buf.Len())
	offsetSize := sizeOf(tableOffset)
	for _, offset := range offsets {
		writeUint(buf, offset, offsetSize)
	}

	var trailer [trailerSize]byte
	trailer[6] = offsetSize
	trailer[7] = refSize
	binary.BigEndian.PutUint64(trailer[8:], uint64(len(e.objects)))
	binary.BigEndian.PutUint64(trailer[16:], 0) // top object always first
	binary.BigEndian.PutUint64(trailer[24:], tableOffset)
	buf.Write(trailer[:])

	return buf.Bytes(), nil
}

// flatten assigns object index to the value before its children,
// so objects can be written in index order
func (e *encoder) flatten(v any) (uint64, error) {
	v, err := normalize(v)
	if err != nil {
		return 0, err
	}

	i := uint64(len(e.objects))
	e.objects = append(e.objects, object{value: v})

	switch v := v.(type) {
	case *Dict:
		refs := make([]uint64, 0, 2*v.Len())
		for _, key := range v.keys {
			ref, _ := e.flatten(key)
			refs = append(refs, ref)
		}
		for _, key := range v.keys {
			ref, err := e.flatten(v.values[key])
			if err != nil {
				return 0, fmt.Errorf("plist: key %q: %w", key, err)
			}
			refs = append(refs, ref)
		}
		e.objects[i].refs = refs
	case []any:
		refs := make([]uint64, 0, len(v))
		for _, item := range v {
			ref, err := e.flatten(item)
			if err != nil {
				return 0, err
			}
			refs = append(refs, ref)
		}
		e.objects[i].refs = refs
	}

	return i, nil
}

func normalize(v any) (any, error) {
	switch v := v.(type) {
	case string, bool, float64, []byte, *Dict, []any, int64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		return normalize(uint64(v))
	case uint64:
		if v > math.MaxInt64 {
			return v, nil
		}
		return int64(v), nil
	case float32:
		return float64(v), nil
	case map[string]any:
		d := NewDict()
		for _, key := range sortedKeys(v) {
			d.Set(key, v[key])
		}
		return d, nil
	case []string:
		a := make([]any, len(v))
		for i, s := range v {
			a[i] = s
		}
		return a, nil
	case nil:
		return nil, fmt.Errorf("plist: nil value not supported")
	}
	return nil, fmt.Errorf("plist: unsupported type %T", v)
}

func writeObject(buf *bytes.Buffer, obj object, refSize byte) {
	switch v := obj.value.(type) {
	case bool:
		if v {
			buf.WriteByte(markerSimple | 0x09)
		} else {
			buf.WriteByte(markerSimple | 0x08)
		}
	case int64:
		writeInt(buf, v)
	case uint64:
		// 128-bit integer for unsigned values above MaxInt64
		buf.WriteByte(markerInt | 0x04)
		buf.Write(make([]byte, 8))
		writeUint(buf, v, 8)
	case float64:
		buf.WriteByte(markerReal | 0x03)
		writeUint(buf, math.Float64bits(v), 8)
	case []byte:
		writeMarker(buf, markerData, len(v))
		buf.Write(v)
	case string:
		if isASCII(v) {
			writeMarker(buf, markerASCII, len(v))
			buf.WriteString(v)
		} else {
			units := utf16.Encode([]rune(v))
			writeMarker(buf, markerUTF16, len(units))
			for _, u := range units {
				writeUint(buf, uint64(u), 2)
			}
		}
	case *Dict:
		writeMarker(buf, markerDict, len(obj.refs)/2)
		for _, ref := range obj.refs {
			writeUint(buf, ref, refSize)
		}
	case []any:
		writeMarker(buf, markerArray, len(obj.refs))
		for _, ref := range obj.refs {
			writeUint(buf, ref, refSize)
		}
	}
}

func writeInt(buf *bytes.Buffer, i int64) {
	// negative numbers always use 8 bytes
	if i < 0 {
		buf.WriteByte(markerInt | 0x03)
		writeUint(buf, uint64(i), 8)
		return
	}

	size := sizeOf(uint64(i))
	switch size {
	case 1:
		buf.WriteByte(markerInt | 0x00)
	case 2:
		buf.WriteByte(markerInt | 0x01)
	case 4:
		buf.WriteByte(markerInt | 0x02)
	default:
		buf.WriteByte(markerInt | 0x03)
	}
	writeUint(buf, uint64(i), size)
}

// writeMarker writes type nibble with inline length or 0xF and extended length as int object
func writeMarker(buf *bytes.Buffer, marker byte, n int) {
	if n < 0x0F {
		buf.WriteByte(marker | byte(n))
		return
	}
	buf.WriteByte(marker | 0x0F)
	writeInt(buf, int64(n))
}

func writeUint(buf *bytes.Buffer, v uint64, size byte) {
	for i := int(size) - 1; i >= 0; i-- {
		buf.WriteByte(byte(v >> (8 * i)))
	}
}

func sizeOf(max uint64) byte {
	switch {
	case max <= math.MaxUint8:
		return 1
	case max <= math.MaxUint16:
		return 2
	case max <= math.MaxUint32:
		return 4
	}
	return 8
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
