package plist

// Dict is an ordered string-keyed dictionary. Insertion order is kept on the wire.
type Dict struct {
	keys   []string
	values map[string]any
}

func NewDict() *Dict {
	return &Dict{values: map[string]any{}}
}

// Set adds or replaces key. Replacing keeps the original position.
func (d *Dict) Set(key string, value any) *Dict {
	if d.values == nil {
		d.values = map[string]any{}
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
	return d
}

func (d *Dict) Get(key string) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.values[key]
	return v, ok
}

func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	return d.keys
}

func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

func (d *Dict) String(key string) string {
	s, _ := d.values[key].(string)
	return s
}

// Int returns integer value, also accepts unsigned integers and reals
func (d *Dict) Int(key string) int64 {
	switch v := d.values[key].(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func (d *Dict) Uint(key string) uint64 {
	switch v := d.values[key].(type) {
	case int64:
		return uint64(v)
	case uint64:
		return v
	}
	return 0
}

func (d *Dict) Float(key string) float64 {
	switch v := d.values[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func (d *Dict) Bool(key string) bool {
	b, _ := d.values[key].(bool)
	return b
}

func (d *Dict) Data(key string) []byte {
	b, _ := d.values[key].([]byte)
	return b
}

func (d *Dict) Dict(key string) *Dict {
	v, _ := d.values[key].(*Dict)
	return v
}

func (d *Dict) Array(key string) []any {
	v, _ := d.values[key].([]any)
	return v
}

// Map converts dict (recursively) to the regular Go map, useful for JSON output
func (d *Dict) Map() map[string]any {
	m := make(map[string]any, len(d.keys))
	for _, k := range d.keys {
		m[k] = toNative(d.values[k])
	}
	return m
}

func toNative(v any) any {
	switch v := v.(type) {
	case *Dict:
		return v.Map()
	case []any:
		a := make([]any, len(v))
		for i, item := range v {
			a[i] = toNative(item)
		}
		return a
	}
	return v
}
