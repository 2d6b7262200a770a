package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"queryline/internal/config"
	"queryline/internal/db"
	"queryline/internal/engine"
	"queryline/internal/migrate"
	"queryline/internal/query"
)

const testSecret = "queryline-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.AllowAnonymous = true
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:      cfg.Auth.JWTSecret,
			AllowAnonymous: cfg.Auth.AllowAnonymous,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func encodeActivations(t *testing.T, activations []map[string]any) string {
	t.Helper()
	b, err := json.Marshal(activations)
	if err != nil {
		t.Fatalf("marshal filter activations: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func signToken(t *testing.T, subject string, permissions ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Permissions: permissions,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func listURL(base string, params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return base + "?" + q.Encode()
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestHealthz(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", body["status"])
	}
}

func TestListPostsReadyDescending(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := encodeActivations(t, []map[string]any{{"key": "ready-posts"}})
	res, data := doJSON(t, srv.Client(), http.MethodGet, listURL(srv.URL+"/v0/posts", map[string]string{
		"filters": token,
		"sort":    "-id",
	}), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedPosts
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	want := []int64{7, 6, 4, 2, 1}
	if len(page.Items) != len(want) {
		t.Fatalf("expected %d posts, got %d: %s", len(want), len(page.Items), string(data))
	}
	for i, id := range want {
		if page.Items[i].ID != id {
			t.Fatalf("position %d: expected post %d, got %d", i, id, page.Items[i].ID)
		}
		if !page.Items[i].Published {
			t.Fatalf("post %d should be published", page.Items[i].ID)
		}
	}
	if page.NextCursor != "" {
		t.Fatalf("unexpected next cursor %q", page.NextCursor)
	}
}

func TestListPostsUnknownFilter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := encodeActivations(t, []map[string]any{{"key": "draft-posts"}})
	res, data := doJSON(t, srv.Client(), http.MethodGet, listURL(srv.URL+"/v0/posts", map[string]string{
		"filters": token,
	}), nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Code != "unknown_filter" {
		t.Fatalf("expected unknown_filter, got %q", body.Code)
	}
	if body.Details["key"] != "draft-posts" {
		t.Fatalf("expected offending key in details, got %v", body.Details)
	}
}

func TestListPostsMalformedPayload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, listURL(srv.URL+"/v0/posts", map[string]string{
		"filters": "not base64!",
	}), nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "malformed_filter_payload" {
		t.Fatalf("expected malformed_filter_payload, got %q", body.Code)
	}
}

func TestListPostsValidationFailure(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := encodeActivations(t, []map[string]any{
		{"key": "title-contains", "value": map[string]any{"term": "x"}},
	})
	res, data := doJSON(t, srv.Client(), http.MethodGet, listURL(srv.URL+"/v0/posts", map[string]string{
		"filters": token,
	}), nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %q", body.Code)
	}
	fields, ok := body.Details["fields"].(map[string]any)
	if !ok {
		t.Fatalf("expected field errors in details, got %v", body.Details)
	}
	if _, ok := fields["title-contains.term"]; !ok {
		t.Fatalf("expected error under title-contains.term, got %v", fields)
	}
}

func TestGatedFilterRequiresPermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := encodeActivations(t, []map[string]any{{"key": "unpublished-posts"}})
	target := listURL(srv.URL+"/v0/posts", map[string]string{"filters": token})

	// Anonymous callers do not see the gate; the filter vanishes.
	res, data := doJSON(t, srv.Client(), http.MethodGet, target, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("anonymous list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedPosts
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 8 {
		t.Fatalf("expected all 8 posts for anonymous caller, got %d", len(page.Items))
	}

	// An editor with the right permission gets the filtered view.
	editor := signToken(t, "editor-1", "posts.unpublished")
	res, data = doJSON(t, srv.Client(), http.MethodGet, target, nil, map[string]string{
		"Authorization": "Bearer " + editor,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("editor list status %d: %s", res.StatusCode, string(data))
	}
	page = paginatedPosts{}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	want := []int64{3, 5, 8}
	if len(page.Items) != len(want) {
		t.Fatalf("expected %d unpublished posts, got %d: %s", len(want), len(page.Items), string(data))
	}
	for i, id := range want {
		if page.Items[i].ID != id {
			t.Fatalf("position %d: expected post %d, got %d", i, id, page.Items[i].ID)
		}
	}
}

func TestFilterCatalogIncludeGroups(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, listURL(srv.URL+"/v0/posts/filters", map[string]string{
		"include": "matches,sortables",
	}), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("catalog status %d: %s", res.StatusCode, string(data))
	}
	var cat query.CatalogResponse
	if err := json.Unmarshal(data, &cat); err != nil {
		t.Fatalf("unmarshal catalog: %v", err)
	}
	if len(cat.Filters) != 6 {
		t.Fatalf("expected 6 filters, got %d", len(cat.Filters))
	}
	if cat.Filters[0].Key != "ready-posts" {
		t.Fatalf("expected ready-posts first, got %q", cat.Filters[0].Key)
	}
	if cat.Matches["category"] != "string" {
		t.Fatalf("expected category match type, got %v", cat.Matches)
	}
	if len(cat.Sortables) != 5 {
		t.Fatalf("expected 5 sortables, got %v", cat.Sortables)
	}
	if cat.Searchables != nil {
		t.Fatalf("searchables not requested, got %v", cat.Searchables)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, listURL(srv.URL+"/v0/posts/filters", map[string]string{
		"only": "searchables",
	}), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("only status %d: %s", res.StatusCode, string(data))
	}
	cat = query.CatalogResponse{}
	if err := json.Unmarshal(data, &cat); err != nil {
		t.Fatalf("unmarshal only catalog: %v", err)
	}
	if cat.Filters != nil {
		t.Fatalf("only directive should omit filters, got %v", cat.Filters)
	}
	if len(cat.Searchables) != 2 {
		t.Fatalf("expected title and body searchable, got %v", cat.Searchables)
	}
}

func TestPaginationCursor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, listURL(srv.URL+"/v0/posts", map[string]string{
		"limit": "3",
	}), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first page status %d: %s", res.StatusCode, string(data))
	}
	var first paginatedPosts
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal first page: %v", err)
	}
	if len(first.Items) != 3 || first.Items[0].ID != 1 {
		t.Fatalf("unexpected first page: %s", string(data))
	}
	if first.NextCursor == "" {
		t.Fatal("expected a next cursor on the first page")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, listURL(srv.URL+"/v0/posts", map[string]string{
		"limit":  "3",
		"cursor": first.NextCursor,
	}), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	var second paginatedPosts
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(second.Items) != 3 || second.Items[0].ID != 4 {
		t.Fatalf("unexpected second page: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, listURL(srv.URL+"/v0/posts", map[string]string{
		"cursor": "bogus",
	}), nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// Anonymous callers cannot manage keys.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", CreateAPIKeyRequest{
		ActorID: "ci-bot",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous create, got %d: %s", res.StatusCode, string(data))
	}

	// Authenticated without the grant is forbidden.
	viewer := signToken(t, "viewer-1")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", CreateAPIKeyRequest{
		ActorID: "ci-bot",
	}, map[string]string{"Authorization": "Bearer " + viewer})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without apikeys.manage, got %d: %s", res.StatusCode, string(data))
	}

	admin := signToken(t, "admin-1", "apikeys.manage")
	adminHeaders := map[string]string{"Authorization": "Bearer " + admin}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", CreateAPIKeyRequest{
		ActorID: "ci-bot",
		Name:    "nightly sync",
		Grants:  []string{"posts.unpublished"},
	}, adminHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" || created.ID == "" {
		t.Fatalf("expected plaintext key and id on creation: %s", string(data))
	}

	// The plaintext authenticates and carries its grants into the pipeline.
	token := encodeActivations(t, []map[string]any{{"key": "unpublished-posts"}})
	res, data = doJSON(t, client, http.MethodGet, listURL(srv.URL+"/v0/posts", map[string]string{
		"filters": token,
	}), nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedPosts
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 unpublished posts via api key, got %d", len(page.Items))
	}

	res, data = doJSON(t, client, http.MethodGet, listURL(srv.URL+"/v0/apikeys", map[string]string{
		"actor_id": "ci-bot",
	}), nil, adminHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d: %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("expected one listed key without plaintext: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, adminHeaders)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key status %d: %s", res.StatusCode, string(data))
	}

	// The revoked key no longer authenticates.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/posts", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revocation, got %d: %s", res.StatusCode, string(data))
	}
}

func TestQueryLogRecordsLists(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/posts", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, listURL(srv.URL+"/v0/log", map[string]string{
		"resource": "posts",
	}), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("log status %d: %s", res.StatusCode, string(data))
	}
	var page logPage
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatal("expected at least one audit event")
	}
	evt := page.Items[0]
	if evt.Type != "query.list" || evt.Resource != "posts" || evt.ActorID != "anonymous" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestInvalidBearerRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/posts", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %q", body.Code)
	}
}

func TestGetPostNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/posts/999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", body.Code)
	}
}

func TestMeReflectsPrincipal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("anonymous me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Source != "anonymous" || me.ActorID != "" {
		t.Fatalf("unexpected anonymous principal: %+v", me)
	}

	editor := signToken(t, "editor-1", "posts.unpublished")
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + editor,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt me status %d: %s", res.StatusCode, string(data))
	}
	me = MeResponse{}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "editor-1" || me.Source != "jwt" {
		t.Fatalf("unexpected jwt principal: %+v", me)
	}
	if len(me.Permissions) != 1 || me.Permissions[0] != "posts.unpublished" {
		t.Fatalf("expected permissions to round-trip, got %v", me.Permissions)
	}
}
