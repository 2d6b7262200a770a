package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"queryline/internal/config"
	"queryline/internal/domain"
	"queryline/internal/events"
	"queryline/internal/query"
	"queryline/internal/repo"
	"queryline/internal/resources"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Resources *resources.Set
	Logger    *zap.Logger
	Now       func() time.Time
}

var (
	ErrUnknownResource = errors.New("unknown resource")
	ErrBadCursor       = errors.New("invalid cursor")
)

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) (Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	set, err := resources.All(logger)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Resources: set,
		Logger:    logger,
		Now:       time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ListOptions carry one list request through decode, resolution and
// execution. Filters is the base64 payload exactly as received.
type ListOptions struct {
	Filters string
	Sort    string
	Limit   int
	Cursor  string
	Caller  query.Caller
}

type PostPage struct {
	Items      []domain.Post
	NextCursor string
}

type AuthorPage struct {
	Items      []domain.Author
	NextCursor string
}

// resolve decodes the wire request and runs the resource pipeline over
// the base query. Any failure hands back the untouched base select.
func (e Engine) resolve(def *resources.Definition, caller query.Caller, filters, sort string) (sq.SelectBuilder, query.Request, error) {
	req, err := query.Decode(filters, sort)
	if err != nil {
		return def.Base(), req, err
	}
	qb, err := def.Pipeline.Apply(def.Base(), caller, req)
	if err != nil {
		return def.Base(), req, err
	}
	if req.Sort == nil && def.DefaultOrder != "" {
		qb = qb.OrderBy(def.DefaultOrder)
	}
	return qb, req, nil
}

func (e Engine) pageLimit(resource string, requested int) int {
	rc := e.Config.Resource(resource)
	if requested <= 0 {
		return rc.PageSize
	}
	if requested > rc.MaxPageSize {
		return rc.MaxPageSize
	}
	return requested
}

func parseCursor(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	rest, ok := strings.CutPrefix(s, "offset|")
	if !ok {
		return 0, ErrBadCursor
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, ErrBadCursor
	}
	return n, nil
}

func formatCursor(offset uint64) string {
	return fmt.Sprintf("offset|%d", offset)
}

func (e Engine) audit(ctx context.Context, resource string, caller query.Caller, req query.Request, returned int) error {
	actor := caller.ActorID
	if actor == "" {
		actor = "anonymous"
	}
	payload := events.EventPayload{
		"filters":  len(req.Filters),
		"returned": returned,
	}
	if req.Sort != nil {
		payload["sort"] = req.Sort.Key
	}
	return e.Events.Append(ctx, "query.list", resource, actor, payload)
}

func (e Engine) ListPosts(ctx context.Context, opts ListOptions) (PostPage, error) {
	def, ok := e.Resources.Get("posts")
	if !ok {
		return PostPage{}, ErrUnknownResource
	}
	offset, err := parseCursor(opts.Cursor)
	if err != nil {
		return PostPage{}, err
	}
	qb, req, err := e.resolve(def, opts.Caller, opts.Filters, opts.Sort)
	if err != nil {
		return PostPage{}, err
	}
	limit := e.pageLimit("posts", opts.Limit)
	items, more, err := e.Repo.ListPosts(ctx, qb, limit, offset)
	if err != nil {
		return PostPage{}, err
	}
	page := PostPage{Items: items}
	if more {
		page.NextCursor = formatCursor(offset + uint64(limit))
	}
	if err := e.audit(ctx, "posts", opts.Caller, req, len(items)); err != nil {
		return PostPage{}, err
	}
	return page, nil
}

func (e Engine) ListAuthors(ctx context.Context, opts ListOptions) (AuthorPage, error) {
	def, ok := e.Resources.Get("authors")
	if !ok {
		return AuthorPage{}, ErrUnknownResource
	}
	offset, err := parseCursor(opts.Cursor)
	if err != nil {
		return AuthorPage{}, err
	}
	qb, req, err := e.resolve(def, opts.Caller, opts.Filters, opts.Sort)
	if err != nil {
		return AuthorPage{}, err
	}
	limit := e.pageLimit("authors", opts.Limit)
	items, more, err := e.Repo.ListAuthors(ctx, qb, limit, offset)
	if err != nil {
		return AuthorPage{}, err
	}
	page := AuthorPage{Items: items}
	if more {
		page.NextCursor = formatCursor(offset + uint64(limit))
	}
	if err := e.audit(ctx, "authors", opts.Caller, req, len(items)); err != nil {
		return AuthorPage{}, err
	}
	return page, nil
}

// Explain resolves a request without executing it and returns the SQL
// the list would run, minus pagination.
func (e Engine) Explain(resource string, caller query.Caller, filters, sort string) (string, []any, error) {
	def, ok := e.Resources.Get(resource)
	if !ok {
		return "", nil, ErrUnknownResource
	}
	qb, _, err := e.resolve(def, caller, filters, sort)
	if err != nil {
		return "", nil, err
	}
	return qb.ToSql()
}

// Catalog describes a resource's filters for client discovery. The
// include directive pulls in the optional matches, searchables and
// sortables groups; a non-empty only directive returns just those
// groups instead.
func (e Engine) Catalog(resource, include, only string) (query.CatalogResponse, error) {
	def, ok := e.Resources.Get(resource)
	if !ok {
		return query.CatalogResponse{}, ErrUnknownResource
	}
	if only != "" {
		return def.Pipeline.CatalogOnly(def.Meta, query.DecodeInclude(only)), nil
	}
	return def.Pipeline.Catalog(def.Meta, query.DecodeInclude(include)), nil
}

func (e Engine) GetPost(ctx context.Context, id int64) (domain.Post, error) {
	return e.Repo.GetPost(ctx, id)
}

func (e Engine) GetAuthor(ctx context.Context, id int64) (domain.Author, error) {
	return e.Repo.GetAuthor(ctx, id)
}

func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, resource, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	return e.Repo.LatestEvents(ctx, limit, cursor, resource, evtType)
}

// CreateAPIKey mints a key, stores only its hash and returns the
// plaintext once. Grants become the caller's permissions when the key
// authenticates a request.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, grants []string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor is required")
	}
	plaintext := "qk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		Grants:    grants,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	err := e.Events.Append(ctx, "apikey.create", "api_keys", actorID, events.EventPayload{
		"id":   key.ID,
		"name": name,
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	return e.Events.Append(ctx, "apikey.delete", "api_keys", actorID, events.EventPayload{"id": id})
}
