package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"queryline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// PostsQuery is the base select every posts list request starts from.
// The author name rides along as a correlated subquery so relation sorts
// can join the authors table without colliding with the base query.
func PostsQuery() sq.SelectBuilder {
	return sq.Select(
		"posts.id", "posts.author_id", "posts.title", "posts.body", "posts.category",
		"posts.published", "posts.published_at", "posts.active", "posts.like_count", "posts.created_at",
		"(SELECT name FROM authors WHERE authors.id = posts.author_id) AS author_name",
	).From("posts")
}

// AuthorsQuery is the base select for authors list requests.
func AuthorsQuery() sq.SelectBuilder {
	return sq.Select(
		"authors.id", "authors.name", "authors.email", "authors.active", "authors.joined_at",
		"(SELECT COUNT(*) FROM posts WHERE posts.author_id = authors.id) AS post_count",
	).From("authors")
}

func scanPost(rows *sql.Rows) (domain.Post, error) {
	var p domain.Post
	var publishedAt, authorName sql.NullString
	err := rows.Scan(&p.ID, &p.AuthorID, &p.Title, &p.Body, &p.Category,
		&p.Published, &publishedAt, &p.Active, &p.LikeCount, &p.CreatedAt, &authorName)
	if err != nil {
		return p, err
	}
	if publishedAt.Valid {
		p.PublishedAt = &publishedAt.String
	}
	if authorName.Valid {
		p.AuthorName = authorName.String
	}
	return p, nil
}

func scanAuthor(rows *sql.Rows) (domain.Author, error) {
	var a domain.Author
	err := rows.Scan(&a.ID, &a.Name, &a.Email, &a.Active, &a.JoinedAt, &a.PostCount)
	return a, err
}

// ListPosts executes a resolved posts query. It fetches one row past the
// limit so callers can tell whether another page exists.
func (r Repo) ListPosts(ctx context.Context, qb sq.SelectBuilder, limit int, offset uint64) ([]domain.Post, bool, error) {
	query, args, err := qb.Limit(uint64(limit) + 1).Offset(offset).ToSql()
	if err != nil {
		return nil, false, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var res []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, false, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	more := len(res) > limit
	if more {
		res = res[:limit]
	}
	return res, more, nil
}

// ListAuthors executes a resolved authors query, paginated like ListPosts.
func (r Repo) ListAuthors(ctx context.Context, qb sq.SelectBuilder, limit int, offset uint64) ([]domain.Author, bool, error) {
	query, args, err := qb.Limit(uint64(limit) + 1).Offset(offset).ToSql()
	if err != nil {
		return nil, false, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var res []domain.Author
	for rows.Next() {
		a, err := scanAuthor(rows)
		if err != nil {
			return nil, false, err
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	more := len(res) > limit
	if more {
		res = res[:limit]
	}
	return res, more, nil
}

func (r Repo) GetPost(ctx context.Context, id int64) (domain.Post, error) {
	query, args, err := PostsQuery().Where(sq.Eq{"posts.id": id}).ToSql()
	if err != nil {
		return domain.Post{}, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.Post{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Post{}, err
		}
		return domain.Post{}, ErrNotFound
	}
	return scanPost(rows)
}

func (r Repo) GetAuthor(ctx context.Context, id int64) (domain.Author, error) {
	query, args, err := AuthorsQuery().Where(sq.Eq{"authors.id": id}).ToSql()
	if err != nil {
		return domain.Author{}, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.Author{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Author{}, err
		}
		return domain.Author{}, ErrNotFound
	}
	return scanAuthor(rows)
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, resource, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if resource != "" {
		clauses = append(clauses, "resource=?")
		args = append(args, resource)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,resource,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Resource, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, resource string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if resource != "" {
		clauses = append(clauses, "resource=?")
		args = append(args, resource)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,resource,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Resource, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent audit event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
