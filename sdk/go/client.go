package querylinesdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Queryline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Filter is one activation in an ordered filter sequence.
type Filter struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// EncodeFilters builds the base64 wire token the filters parameter
// expects. Order is preserved.
func EncodeFilters(filters []Filter) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	b, err := json.Marshal(filters)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// FilterSet accumulates filter activations in order.
type FilterSet struct {
	items []Filter
}

// Where starts a filter set with one activation.
func Where(key string, value any) *FilterSet {
	return (&FilterSet{}).Where(key, value)
}

// Where appends an activation. Repeating a key is allowed; the server
// applies repeats in order.
func (f *FilterSet) Where(key string, value any) *FilterSet {
	f.items = append(f.items, Filter{Key: key, Value: value})
	return f
}

// Items returns the accumulated activations for ListOptions.Filters.
func (f *FilterSet) Items() []Filter { return f.items }

// ListOptions shape one list request.
type ListOptions struct {
	Filters []Filter
	Sort    string
	Limit   int
	Cursor  string
}

// Post represents the API post model.
type Post struct {
	ID          int64   `json:"id"`
	AuthorID    int64   `json:"author_id"`
	AuthorName  string  `json:"author_name,omitempty"`
	Title       string  `json:"title"`
	Body        string  `json:"body,omitempty"`
	Category    string  `json:"category"`
	Published   bool    `json:"published"`
	PublishedAt *string `json:"published_at,omitempty"`
	Active      bool    `json:"active"`
	LikeCount   int64   `json:"like_count"`
	CreatedAt   string  `json:"created_at"`
}

// Author represents the API author model.
type Author struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Active    bool   `json:"active"`
	JoinedAt  string `json:"joined_at"`
	PostCount int64  `json:"post_count"`
}

// Event represents an audit log entry.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	Resource string `json:"resource"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

// Option is one selectable value of a select or boolean filter.
type Option struct {
	Label string `json:"label"`
	Value any    `json:"value"`
}

// CatalogFilter describes one filter a resource accepts.
type CatalogFilter struct {
	Key         string   `json:"key"`
	Kind        string   `json:"kind"`
	Description string   `json:"description,omitempty"`
	Options     []Option `json:"options"`
}

// Catalog is a resource's filter discovery document.
type Catalog struct {
	Filters     []CatalogFilter   `json:"filters"`
	Matches     map[string]string `json:"matches,omitempty"`
	Searchables []string          `json:"searchables,omitempty"`
	Sortables   []string          `json:"sortables,omitempty"`
}

// APIKey represents a created or listed key. Key carries the plaintext
// only in the creation response.
type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Grants    []string `json:"grants,omitempty"`
	CreatedAt string   `json:"created_at"`
	Key       string   `json:"key,omitempty"`
}

// Me describes the authenticated principal.
type Me struct {
	ActorID     string   `json:"actor_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Source      string   `json:"source"`
}

// APIError wraps non-2xx responses. Code and Message are filled when
// the server returned its error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedPosts wraps a posts page with its cursor.
type PaginatedPosts struct {
	Items      []Post `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedAuthors wraps an authors page with its cursor.
type PaginatedAuthors struct {
	Items      []Author `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedEvents wraps an events page with its cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// ListPosts runs a filtered, sorted post listing.
func (c *Client) ListPosts(ctx context.Context, opts ListOptions) (PaginatedPosts, error) {
	var resp PaginatedPosts
	endpoint, err := listEndpoint("posts", opts)
	if err != nil {
		return resp, err
	}
	err = c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListAuthors runs a filtered, sorted author listing.
func (c *Client) ListAuthors(ctx context.Context, opts ListOptions) (PaginatedAuthors, error) {
	var resp PaginatedAuthors
	endpoint, err := listEndpoint("authors", opts)
	if err != nil {
		return resp, err
	}
	err = c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Filters fetches the filter catalog of a resource. Include names extra
// groups: matches, searchables, sortables.
func (c *Client) Filters(ctx context.Context, resource string, include ...string) (Catalog, error) {
	endpoint := apiPath(fmt.Sprintf("%s/filters", url.PathEscape(resource)))
	if len(include) > 0 {
		endpoint += "?include=" + url.QueryEscape(strings.Join(include, ","))
	}
	var resp Catalog
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetPost fetches one post by id.
func (c *Client) GetPost(ctx context.Context, id int64) (Post, error) {
	var resp Post
	err := c.do(ctx, http.MethodGet, apiPath(fmt.Sprintf("posts/%d", id)), nil, &resp)
	return resp, err
}

// GetAuthor fetches one author by id.
func (c *Client) GetAuthor(ctx context.Context, id int64) (Author, error) {
	var resp Author
	err := c.do(ctx, http.MethodGet, apiPath(fmt.Sprintf("authors/%d", id)), nil, &resp)
	return resp, err
}

// Events returns recent audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0, "", "")
	return page.Items, err
}

// EventsPage returns a paginated audit event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64, resource, evtType string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	if resource != "" {
		q.Set("resource", resource)
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	endpoint := apiPath("log")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Me returns the principal the configured credentials resolve to.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, apiPath("me"), nil, &resp)
	return resp, err
}

// CreateAPIKey mints a key for an actor. Requires the apikeys.manage
// permission.
func (c *Client) CreateAPIKey(ctx context.Context, actorID, name string, grants []string) (APIKey, error) {
	body := map[string]any{
		"actor_id": actorID,
		"name":     name,
		"grants":   grants,
	}
	var resp APIKey
	err := c.do(ctx, http.MethodPost, apiPath("apikeys"), body, &resp)
	return resp, err
}

// DeleteAPIKey revokes a key by id.
func (c *Client) DeleteAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, apiPath("apikeys/"+url.PathEscape(id)), nil, nil)
}

func listEndpoint(resource string, opts ListOptions) (string, error) {
	q := url.Values{}
	token, err := EncodeFilters(opts.Filters)
	if err != nil {
		return "", err
	}
	if token != "" {
		q.Set("filters", token)
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := apiPath(resource)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	return endpoint, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
