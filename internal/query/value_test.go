package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueInput(t *testing.T) {
	tests := []struct {
		name     string
		raw      any
		path     string
		fallback any
		want     any
	}{
		{
			name:     "missing key returns the fallback",
			raw:      map[string]any{},
			path:     "activation.active",
			fallback: false,
			want:     false,
		},
		{
			name:     "nested path resolves",
			raw:      map[string]any{"activation": map[string]any{"active": true}},
			path:     "activation.active",
			fallback: false,
			want:     true,
		},
		{
			name:     "missing leaf returns the fallback",
			raw:      map[string]any{"activation": map[string]any{}},
			path:     "activation.active",
			fallback: "default",
			want:     "default",
		},
		{
			name:     "non-record payload returns the fallback for any path",
			raw:      "scalar",
			path:     "anything",
			fallback: 42,
			want:     42,
		},
		{
			name:     "empty path returns the whole payload",
			raw:      map[string]any{"a": float64(1)},
			path:     "",
			fallback: nil,
			want:     map[string]any{"a": float64(1)},
		},
		{
			name:     "empty path on null payload returns the fallback",
			raw:      nil,
			path:     "",
			fallback: "none",
			want:     "none",
		},
		{
			name:     "present null is returned, not the fallback",
			raw:      map[string]any{"note": nil},
			path:     "note",
			fallback: "default",
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewValue(tt.raw).Input(tt.path, tt.fallback))
		})
	}
}

func TestValueIsNull(t *testing.T) {
	assert.True(t, NewValue(nil).IsNull())
	assert.False(t, NewValue("x").IsNull())
}

func TestValueFlagOnEmptyValue(t *testing.T) {
	// Flags are only populated for boolean filters after validation;
	// lookups on anything else stay false instead of panicking.
	assert.False(t, NewValue(nil).Flag("is_active"))
}
