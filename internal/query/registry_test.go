package query

import (
	"errors"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passthrough(query sq.SelectBuilder, _ *Value) sq.SelectBuilder { return query }

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Filter{Key: "ready-posts", Apply: passthrough}))

	err := r.Register(&Filter{Key: "ready-posts", Apply: passthrough})
	require.Error(t, err)
	var dup *DuplicateKeyError
	assert.True(t, errors.As(err, &dup))
	assert.Equal(t, "ready-posts", dup.Key)
}

func TestRegistryRegisterInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		def  *Filter
	}{
		{name: "missing key", def: &Filter{Apply: passthrough}},
		{name: "missing apply", def: &Filter{Key: "x"}},
		{name: "select without options", def: &Filter{Key: "x", Kind: KindSelect, Apply: passthrough}},
		{name: "boolean without options", def: &Filter{Key: "x", Kind: KindBoolean, Apply: passthrough}},
		{
			name: "boolean with non-string option value",
			def: &Filter{
				Key:     "x",
				Kind:    KindBoolean,
				Options: []Option{{Label: "Is Active", Value: 1}},
				Apply:   passthrough,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, NewRegistry().Register(tt.def))
		})
	}
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nope")
	require.Error(t, err)
	var unknown *UnknownFilterError
	assert.True(t, errors.As(err, &unknown))
	assert.Equal(t, "nope", unknown.Key)
}

func TestRegistryListPreservesOrder(t *testing.T) {
	r := NewRegistry()
	for _, key := range []string{"zulu", "alpha", "mike"} {
		require.NoError(t, r.Register(&Filter{Key: key, Apply: passthrough}))
	}
	assert.Equal(t, []string{"zulu", "alpha", "mike"}, r.Keys())
	var listed []string
	for _, def := range r.List() {
		listed = append(listed, def.Key)
	}
	assert.Equal(t, []string{"zulu", "alpha", "mike"}, listed)
}

func TestRegistryDefaultsKindToGeneric(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Filter{Key: "plain", Apply: passthrough}))
	def, err := r.Lookup("plain")
	require.NoError(t, err)
	assert.Equal(t, KindGeneric, def.Kind)
}

func TestSortRegistryRegister(t *testing.T) {
	r := NewSortRegistry()
	require.NoError(t, r.Register(&Sort{Key: "id"}))

	err := r.Register(&Sort{Key: "id"})
	require.Error(t, err)
	var dup *DuplicateKeyError
	assert.True(t, errors.As(err, &dup))
}

func TestSortRegistryRelationBindingRequiresJoinAndColumn(t *testing.T) {
	r := NewSortRegistry()
	err := r.Register(&Sort{
		Key:      "author.attributes.name",
		Relation: &RelationBinding{Name: "author"},
	})
	assert.Error(t, err)
}

func TestSortRegistryLookupUnknown(t *testing.T) {
	r := NewSortRegistry()
	_, err := r.Lookup("missing")
	require.Error(t, err)
	var unknown *UnknownSortError
	assert.True(t, errors.As(err, &unknown))
	assert.Equal(t, "missing", unknown.Key)
}

func TestSortRegistryKeysPreserveOrder(t *testing.T) {
	r := NewSortRegistry()
	for _, key := range []string{"id", "title", "published_at"} {
		require.NoError(t, r.Register(&Sort{Key: key}))
	}
	assert.Equal(t, []string{"id", "title", "published_at"}, r.Keys())
}
