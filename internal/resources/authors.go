package resources

import (
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"queryline/internal/query"
	"queryline/internal/repo"
)

// NewAuthors declares the authors resource.
func NewAuthors(logger *zap.Logger) (*Definition, error) {
	p := query.NewPipeline(logger)

	filters := []*query.Filter{
		{
			Key:         "active-boolean-filter",
			Kind:        query.KindBoolean,
			Description: "Match the active flag exactly.",
			Options: []query.Option{
				{Label: "Is Active", Value: "is_active"},
			},
			Apply: func(qb sq.SelectBuilder, v *query.Value) sq.SelectBuilder {
				return qb.Where(sq.Eq{"authors.active": v.Flag("is_active")})
			},
		},
		{
			Key:         "joined-after",
			Kind:        query.KindTimestamp,
			Description: "Authors who joined at or after the given moment.",
			Apply: func(qb sq.SelectBuilder, v *query.Value) sq.SelectBuilder {
				return qb.Where(sq.GtOrEq{"authors.joined_at": v.Time().UTC().Format(time.RFC3339)})
			},
		},
	}
	for _, f := range filters {
		if err := p.RegisterFilter(f); err != nil {
			return nil, err
		}
	}

	sorts := []*query.Sort{
		{Key: "id", Column: "authors.id"},
		{Key: "name", Column: "authors.name"},
		{
			Key:         "post_count",
			Description: "Number of posts, ties broken by id.",
			Transform: func(qb sq.SelectBuilder, d query.Direction) sq.SelectBuilder {
				return qb.OrderBy("post_count "+d.SQL(), "authors.id ASC")
			},
		},
	}
	for _, s := range sorts {
		if err := p.RegisterSort(s); err != nil {
			return nil, err
		}
	}

	return &Definition{
		Name:     "authors",
		Base:     repo.AuthorsQuery,
		Pipeline: p,
		Meta: query.Meta{
			Matches: map[string]string{
				"active": "bool",
				"name":   "string",
			},
			Searchables: []string{"name", "email"},
		},
		DefaultOrder: "authors.id ASC",
	}, nil
}
