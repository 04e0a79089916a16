package plist

import (
	"bytes"
	"sort"
	"time"

	"github.com/groob/plist"
)

const (
	MimeBinary = "application/x-apple-binary-plist"
	MimeXML    = "text/x-apple-plist+xml"
)

// Parse body in any plist format: binary or XML (some receivers answer /server-info with XML)
func Parse(b []byte) (*Dict, error) {
	if bytes.HasPrefix(b, []byte("bplist")) {
		return Decode(b)
	}

	var v map[string]any
	if err := plist.Unmarshal(b, &v); err != nil {
		return nil, &DecodeError{Msg: err.Error()}
	}

	d, _ := fromNative(v).(*Dict)
	return d, nil
}

// MarshalXML renders dict in XML format, used for receivers which reject binary bodies
func MarshalXML(d *Dict) ([]byte, error) {
	return plist.MarshalIndent(d.Map(), "\t")
}

func fromNative(v any) any {
	switch v := v.(type) {
	case map[string]any:
		d := NewDict()
		for _, key := range sortedKeys(v) {
			d.Set(key, fromNative(v[key]))
		}
		return d
	case []any:
		a := make([]any, len(v))
		for i, item := range v {
			a[i] = fromNative(item)
		}
		return a
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		if v <= 1<<63-1 {
			return int64(v)
		}
		return v
	case float32:
		return float64(v)
	case time.Time:
		return v.UTC()
	}
	return v
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
