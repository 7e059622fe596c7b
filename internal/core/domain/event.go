package domain

import "fmt"

// Event is a single marketing event read from a row source. Field order
// follows the source query, so positional consumers stay aligned with the
// columns they asked for.
type Event struct {
	fields []string
	values []any
	index  map[string]int
}

// NewEvent pairs field names with values positionally. Callers guarantee
// len(values) >= len(fields); extra values are ignored.
func NewEvent(fields []string, values []any) Event {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f] = i
	}
	return Event{fields: fields, values: values, index: idx}
}

// Fields returns the field names in source order.
func (e Event) Fields() []string { return e.fields }

// Values returns the values aligned with Fields.
func (e Event) Values() []any {
	if len(e.values) <= len(e.fields) {
		return e.values
	}
	return e.values[:len(e.fields)]
}

// Get returns the value stored under name.
func (e Event) Get(name string) (any, bool) {
	i, ok := e.index[name]
	if !ok {
		return nil, false
	}
	return e.values[i], true
}

// GetString renders the value under name as a string, or "" when the field
// is absent or nil.
func (e Event) GetString(name string) string {
	v, ok := e.Get(name)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

// Empty reports whether every value is absent or zero-like. Rows whose
// events are empty carry no signal and are dropped during mapping.
func (e Event) Empty() bool {
	for _, v := range e.Values() {
		if !emptyValue(v) {
			return false
		}
	}
	return true
}

// emptyValue mirrors the scalar types SQL drivers and JSON decoding hand
// back. Unknown types count as non-empty.
func emptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []byte:
		return len(x) == 0
	case bool:
		return !x
	case int:
		return x == 0
	case int32:
		return x == 0
	case int64:
		return x == 0
	case float32:
		return x == 0
	case float64:
		return x == 0
	default:
		return false
	}
}
