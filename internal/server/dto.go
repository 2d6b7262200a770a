package server

import (
	"queryline/internal/domain"
)

type PostResponse struct {
	ID          int64   `json:"id"`
	AuthorID    int64   `json:"author_id"`
	AuthorName  string  `json:"author_name,omitempty"`
	Title       string  `json:"title"`
	Body        string  `json:"body,omitempty"`
	Category    string  `json:"category"`
	Published   bool    `json:"published"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
	Active      bool    `json:"active"`
	LikeCount   int64   `json:"like_count"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

func postResponse(p domain.Post) PostResponse {
	return PostResponse{
		ID:          p.ID,
		AuthorID:    p.AuthorID,
		AuthorName:  p.AuthorName,
		Title:       p.Title,
		Body:        p.Body,
		Category:    p.Category,
		Published:   p.Published,
		PublishedAt: p.PublishedAt,
		Active:      p.Active,
		LikeCount:   p.LikeCount,
		CreatedAt:   p.CreatedAt,
	}
}

func mapPosts(items []domain.Post) []PostResponse {
	res := make([]PostResponse, 0, len(items))
	for _, p := range items {
		res = append(res, postResponse(p))
	}
	return res
}

type paginatedPosts struct {
	Items      []PostResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type AuthorResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Active    bool   `json:"active"`
	JoinedAt  string `json:"joined_at" format:"date-time"`
	PostCount int64  `json:"post_count"`
}

func authorResponse(a domain.Author) AuthorResponse {
	return AuthorResponse{
		ID:        a.ID,
		Name:      a.Name,
		Email:     a.Email,
		Active:    a.Active,
		JoinedAt:  a.JoinedAt,
		PostCount: a.PostCount,
	}
}

func mapAuthors(items []domain.Author) []AuthorResponse {
	res := make([]AuthorResponse, 0, len(items))
	for _, a := range items {
		res = append(res, authorResponse(a))
	}
	return res
}

type paginatedAuthors struct {
	Items      []AuthorResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	Resource string `json:"resource"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:       e.ID,
			TS:       e.TS,
			Type:     e.Type,
			Resource: e.Resource,
			ActorID:  e.ActorID,
			Payload:  e.Payload,
		})
	}
	return res
}

type CreateAPIKeyRequest struct {
	ActorID string   `json:"actor_id"`
	Name    string   `json:"name,omitempty"`
	Grants  []string `json:"grants,omitempty"`
}

type APIKeyResponse struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Grants    []string `json:"grants,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`

	// Key carries the plaintext exactly once, on creation.
	Key string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Grants:    k.Grants,
		CreatedAt: k.CreatedAt,
	}
}

type MeResponse struct {
	ActorID     string   `json:"actor_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Source      string   `json:"source"`
}
