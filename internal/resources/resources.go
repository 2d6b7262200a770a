// Package resources declares the filterable resources the API serves.
// Each resource pairs a base select with the pipeline that resolves
// client filter and sort requests against it.
package resources

import (
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"queryline/internal/query"
)

type Definition struct {
	Name     string
	Base     func() sq.SelectBuilder
	Pipeline *query.Pipeline
	Meta     query.Meta

	// DefaultOrder keeps pages stable when the request carries no sort.
	DefaultOrder string
}

type Set struct {
	defs map[string]*Definition
}

func NewSet(defs ...*Definition) (*Set, error) {
	s := &Set{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("resource definition without a name")
		}
		if _, ok := s.defs[d.Name]; ok {
			return nil, fmt.Errorf("resource %q declared twice", d.Name)
		}
		s.defs[d.Name] = d
	}
	return s, nil
}

func (s *Set) Get(name string) (*Definition, bool) {
	d, ok := s.defs[name]
	return d, ok
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All builds the full resource set served by this deployment.
func All(logger *zap.Logger) (*Set, error) {
	posts, err := NewPosts(logger)
	if err != nil {
		return nil, fmt.Errorf("posts: %w", err)
	}
	authors, err := NewAuthors(logger)
	if err != nil {
		return nil, fmt.Errorf("authors: %w", err)
	}
	return NewSet(posts, authors)
}
