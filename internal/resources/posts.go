package resources

import (
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"queryline/internal/query"
	"queryline/internal/repo"
)

// NewPosts declares the posts resource: which filters clients may send,
// who may send them, and how each one rewrites the query.
func NewPosts(logger *zap.Logger) (*Definition, error) {
	p := query.NewPipeline(logger)

	filters := []*query.Filter{
		{
			Key:         "ready-posts",
			Description: "Only posts that have been published.",
			Apply: func(qb sq.SelectBuilder, _ *query.Value) sq.SelectBuilder {
				return qb.Where(sq.Eq{"posts.published": true})
			},
		},
		{
			Key:         "unpublished-posts",
			Description: "Drafts; requires the posts.unpublished permission.",
			Authorize: func(c query.Caller) bool {
				return c.Can("posts.unpublished")
			},
			Apply: func(qb sq.SelectBuilder, _ *query.Value) sq.SelectBuilder {
				return qb.Where(sq.Eq{"posts.published": false})
			},
		},
		{
			Key:         "created-at",
			Kind:        query.KindTimestamp,
			Description: "Posts created at or after the given moment.",
			Apply: func(qb sq.SelectBuilder, v *query.Value) sq.SelectBuilder {
				return qb.Where(sq.GtOrEq{"posts.created_at": v.Time().UTC().Format(time.RFC3339)})
			},
		},
		{
			Key:         "category",
			Kind:        query.KindSelect,
			Description: "Posts in a single category.",
			Options: []query.Option{
				{Label: "Article", Value: "article"},
				{Label: "Tutorial", Value: "tutorial"},
				{Label: "Note", Value: "note"},
			},
			Apply: func(qb sq.SelectBuilder, v *query.Value) sq.SelectBuilder {
				return qb.Where(sq.Eq{"posts.category": v.Selected()})
			},
		},
		{
			Key:         "active-boolean-filter",
			Kind:        query.KindBoolean,
			Description: "Match the active flag exactly.",
			Options: []query.Option{
				{Label: "Is Active", Value: "is_active"},
			},
			Apply: func(qb sq.SelectBuilder, v *query.Value) sq.SelectBuilder {
				return qb.Where(sq.Eq{"posts.active": v.Flag("is_active")})
			},
		},
		{
			Key:         "title-contains",
			Description: "Substring match on the title.",
			Rules: map[string]*query.RuleSchema{
				"term": {Type: "string", MinLength: ptr(2)},
			},
			Apply: func(qb sq.SelectBuilder, v *query.Value) sq.SelectBuilder {
				term, _ := v.Input("term", "").(string)
				return qb.Where(sq.Like{"posts.title": "%" + term + "%"})
			},
		},
	}
	for _, f := range filters {
		if err := p.RegisterFilter(f); err != nil {
			return nil, err
		}
	}

	sorts := []*query.Sort{
		{Key: "id", Column: "posts.id"},
		{Key: "title", Column: "posts.title"},
		{Key: "published_at", Column: "posts.published_at"},
		{
			Key: "author.attributes.name",
			Relation: &query.RelationBinding{
				Name:   "author",
				Join:   "authors ON authors.id = posts.author_id",
				Column: "authors.name",
			},
		},
		{
			Key:         "popularity",
			Description: "Like count, ties broken by id.",
			Transform: func(qb sq.SelectBuilder, d query.Direction) sq.SelectBuilder {
				return qb.OrderBy("posts.like_count "+d.SQL(), "posts.id ASC")
			},
		},
	}
	for _, s := range sorts {
		if err := p.RegisterSort(s); err != nil {
			return nil, err
		}
	}

	return &Definition{
		Name:     "posts",
		Base:     repo.PostsQuery,
		Pipeline: p,
		Meta: query.Meta{
			Matches: map[string]string{
				"author_id": "int",
				"category":  "string",
				"published": "bool",
			},
			Searchables: []string{"title", "body"},
		},
		DefaultOrder: "posts.id ASC",
	}, nil
}

func ptr[T any](v T) *T { return &v }
