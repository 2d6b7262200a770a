package query

import (
	"strings"
	"time"
)

// Value wraps a filter's decoded payload. Generic filters read it through
// Input; kind-specialized filters read the normalized accessors, which the
// pipeline populates during validation.
type Value struct {
	raw      any
	kind     Kind
	options  []Option
	ts       time.Time
	selected any
	flags    map[string]bool
}

// NewValue wraps an already-decoded payload as a generic value. Apply
// functions receive pipeline-built values; this constructor exists for
// exercising an apply function directly.
func NewValue(raw any) *Value {
	return &Value{raw: raw, kind: KindGeneric}
}

func newValue(raw any, kind Kind, options []Option) *Value {
	if kind == "" {
		kind = KindGeneric
	}
	return &Value{raw: raw, kind: kind, options: options}
}

// Raw returns the decoded payload as-is.
func (v *Value) Raw() any { return v.raw }

// IsNull reports whether the payload was absent or JSON null.
func (v *Value) IsNull() bool { return v.raw == nil }

// Input resolves a dot-separated path inside the payload record. A
// missing segment yields the fallback instead of an error; an empty path
// yields the whole payload (or the fallback when the payload is null).
func (v *Value) Input(path string, fallback any) any {
	if path == "" {
		if v.raw == nil {
			return fallback
		}
		return v.raw
	}
	current := v.raw
	for _, segment := range strings.Split(path, ".") {
		record, ok := current.(map[string]any)
		if !ok {
			return fallback
		}
		next, present := record[segment]
		if !present {
			return fallback
		}
		current = next
	}
	return current
}

// Time returns the normalized comparison time of a timestamp filter.
func (v *Value) Time() time.Time { return v.ts }

// Selected returns the chosen option's underlying value for a select
// filter.
func (v *Value) Selected() any { return v.selected }

// Flags returns the named boolean flags of a boolean filter. Every
// declared option is present; flags the client omitted are false.
func (v *Value) Flags() map[string]bool { return v.flags }

// Flag reports a single named flag of a boolean filter.
func (v *Value) Flag(name string) bool { return v.flags[name] }
