package domain

type Author struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Active    bool   `json:"active"`
	JoinedAt  string `json:"joined_at" format:"date-time"`
	PostCount int64  `json:"post_count"`
}

type Post struct {
	ID          int64   `json:"id"`
	AuthorID    int64   `json:"author_id"`
	Title       string  `json:"title"`
	Body        string  `json:"body,omitempty"`
	Category    string  `json:"category" enum:"article,tutorial,note"`
	Published   bool    `json:"published"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
	Active      bool    `json:"active"`
	LikeCount   int64   `json:"like_count"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	AuthorName  string  `json:"author_name,omitempty"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	Resource string `json:"resource"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	KeyHash   string   `json:"key_hash"`
	Grants    []string `json:"grants,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
