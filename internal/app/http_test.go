package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"offshoot/api/internal/config"
	"offshoot/api/internal/fork"
	"offshoot/api/internal/gitrepo"
	"offshoot/api/internal/metrics"
	"offshoot/api/internal/session"
	"offshoot/api/internal/store"
)

type testEnv struct {
	store   *store.MemoryStore
	service *Service
	server  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		JWTSecret:     "test-secret",
		AccessTTL:     time.Hour,
		DevLogin:      true,
		Taxonomies:    []string{"category"},
		ForkableKinds: []string{"document"},
		PublicURL:     "https://cms.example.com/",
	}
	mem := store.NewMemoryStore()
	revisions := gitrepo.New(t.TempDir())
	repo := fork.NewRepository(mem, mem, fork.Options{
		Taxonomies:    cfg.Taxonomies,
		ForkableKinds: cfg.ForkableKinds,
		PublicURL:     cfg.PublicURL,
	})
	svc := New(cfg, Deps{
		Documents:   mem,
		Forks:       repo,
		Merges:      fork.NewEngine(repo, revisions),
		Comparisons: fork.NewComparer(repo),
		Revocations: session.NewMemoryStore(),
		History:     revisions,
	})
	m := metrics.New()
	return &testEnv{
		store:   mem,
		service: svc,
		server:  NewHTTPServer(svc, "*", m).Handler(),
	}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) login(t *testing.T, name, role string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"userId": "user-" + strings.ToLower(name), "name": name, "role": role, "email": strings.ToLower(name) + "@example.com"})
	rr := e.do(t, http.MethodPost, "/api/session/login", "", string(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body=%s", name, rr.Code, rr.Body.String())
	}
	var payload struct {
		Token string `json:"token"`
	}
	decode(t, rr, &payload)
	if payload.Token == "" {
		t.Fatalf("expected token for %s", name)
	}
	return payload.Token
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	decode(t, rr, &payload)
	code, _ := payload["code"].(string)
	return code
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestReadyEndpointReportsChecks(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		OK     bool                      `json:"ok"`
		Checks map[string]map[string]any `json:"checks"`
	}
	decode(t, rr, &payload)
	if !payload.OK || payload.Checks["database"]["status"] != "ok" || payload.Checks["sessions"]["status"] != "ok" {
		t.Fatalf("unexpected readiness payload %+v", payload)
	}
}

type failingRevocations struct {
	pingFn func(context.Context) error
}

func (f *failingRevocations) Revoke(context.Context, string, string, time.Time) error { return nil }
func (f *failingRevocations) IsRevoked(context.Context, string) (bool, error) { return false, nil }
func (f *failingRevocations) Ping(ctx context.Context) error { return f.pingFn(ctx) }

func TestReadyEndpointFailsWhenSessionStoreIsDown(t *testing.T) {
	env := newTestEnv(t)
	env.service.revocations = &failingRevocations{pingFn: func(context.Context) error {
		return errors.New("connection refused")
	}}
	rr := env.do(t, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestLoginDisabledOutsideDevMode(t *testing.T) {
	env := newTestEnv(t)
	env.service.cfg.DevLogin = false
	rr := env.do(t, http.MethodPost, "/api/session/login", "", `{"name":"Avery"}`)
	if rr.Code != http.StatusForbidden || errorCode(t, rr) != "DEV_LOGIN_DISABLED" {
		t.Fatalf("expected DEV_LOGIN_DISABLED, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestLoginRejectsInvalidBodies(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "malformed json", body: `{"name":`, code: "INVALID_BODY"},
		{name: "unknown role", body: `{"name":"Avery","role":"owner"}`, code: "VALIDATION_ERROR"},
		{name: "bad email", body: `{"name":"Avery","email":"not-an-email"}`, code: "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/session/login", "", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
			}
			if got := errorCode(t, rr); got != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/documents/doc-1", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/api/documents/doc-1", "garbage.token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for a forged token, got %d", rr.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "Avery", "editor")

	if rr := env.do(t, http.MethodGet, "/api/session", token, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected active session, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/session/logout", token, ""); rr.Code != http.StatusOK {
		t.Fatalf("logout: status %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := env.do(t, http.MethodGet, "/api/session", token, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", rr.Code)
	}
}

func createDocument(t *testing.T, env *testEnv, token, body string) Document {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/api/documents", token, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create document: status %d body=%s", rr.Code, rr.Body.String())
	}
	var doc Document
	decode(t, rr, &doc)
	return doc
}

func createFork(t *testing.T, env *testEnv, token, documentID string) fork.Fork {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/api/documents/"+documentID+"/forks", token, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create fork: status %d body=%s", rr.Code, rr.Body.String())
	}
	var created fork.Fork
	decode(t, rr, &created)
	return created
}

func TestForkEditCompareMergeFlow(t *testing.T) {
	env := newTestEnv(t)
	editor := env.login(t, "Avery", "editor")

	doc := createDocument(t, env, editor, `{"title":"Hello","content":"Body","excerpt":"","properties":{"color":"blue","_secret":"x"},"terms":{"category":["news"]},"primaryImage":"img-1"}`)
	if doc.Kind != "document" || doc.Properties["color"] != "blue" || doc.PrimaryImage != "img-1" {
		t.Fatalf("unexpected document %+v", doc)
	}

	created := createFork(t, env, editor, doc.ID)
	if created.State != fork.StateDraft || created.OriginalID != doc.ID || created.Title != "Hello" {
		t.Fatalf("unexpected fork %+v", created)
	}
	if created.Base[fork.FieldTitle] != "Hello" {
		t.Fatalf("expected base snapshot of the original, got %+v", created.Base)
	}

	forkView := env.do(t, http.MethodGet, "/api/documents/"+created.ID, editor, "")
	var forkDoc Document
	decode(t, forkView, &forkDoc)
	if _, copied := forkDoc.Properties["_secret"]; copied {
		t.Fatal("reserved properties must not be copied into the fork")
	}
	if forkDoc.Terms["category"][0] != "news" || forkDoc.PrimaryImage != "img-1" {
		t.Fatalf("expected terms and image copied, got %+v", forkDoc)
	}

	if rr := env.do(t, http.MethodPut, "/api/documents/"+created.ID, editor, `{"title":"Hello World","content":"Body","excerpt":"Short"}`); rr.Code != http.StatusOK {
		t.Fatalf("edit fork: status %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := env.do(t, http.MethodPut, "/api/documents/"+doc.ID, editor, `{"title":"Hello","content":"Edited body","excerpt":"Other"}`); rr.Code != http.StatusOK {
		t.Fatalf("edit original: status %d body=%s", rr.Code, rr.Body.String())
	}

	rr := env.do(t, http.MethodGet, "/api/forks/"+created.ID+"/compare", editor, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("compare: status %d body=%s", rr.Code, rr.Body.String())
	}
	var view fork.Comparison
	decode(t, rr, &view)
	if !view.HasChanges || len(view.Fields) != 3 {
		t.Fatalf("unexpected comparison %+v", view)
	}

	rr = env.do(t, http.MethodPost, "/api/forks/"+created.ID+"/merge", editor, `{"originalId":"`+doc.ID+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("merge: status %d body=%s", rr.Code, rr.Body.String())
	}
	var result fork.MergeResult
	decode(t, rr, &result)
	if !result.Success || !result.HasConflicts || len(result.Conflicts) != 1 || result.Conflicts[0].Field != fork.FieldExcerpt {
		t.Fatalf("expected a single excerpt conflict, got %+v", result)
	}
	if result.ViewURL != "https://cms.example.com/documents/"+doc.ID {
		t.Fatalf("unexpected view url %q", result.ViewURL)
	}

	merged, err := env.store.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if merged.Title != "Hello World" || merged.Content != "Edited body" || merged.Excerpt != "Short" {
		t.Fatalf("unexpected merged document %+v", merged)
	}

	rr = env.do(t, http.MethodPost, "/api/forks/"+created.ID+"/merge", editor, `{"originalId":"`+doc.ID+`"}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "ALREADY_MERGED" {
		t.Fatalf("expected ALREADY_MERGED, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPut, "/api/documents/"+created.ID, editor, `{"title":"Late edit"}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "FORK_LOCKED" {
		t.Fatalf("expected FORK_LOCKED, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/documents/"+doc.ID+"/revisions", editor, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("revisions: status %d body=%s", rr.Code, rr.Body.String())
	}
	var history RevisionList
	decode(t, rr, &history)
	if len(history.Revisions) != 1 || len(history.AuditNotes) != 1 {
		t.Fatalf("expected one backup and one audit note, got %+v", history)
	}
	if !strings.Contains(history.AuditNotes[0].Body, created.ID) {
		t.Fatalf("audit note should name the fork, got %q", history.AuditNotes[0].Body)
	}
}

func TestListForksOfDocument(t *testing.T) {
	env := newTestEnv(t)
	editor := env.login(t, "Avery", "editor")
	doc := createDocument(t, env, editor, `{"title":"Hello"}`)
	createFork(t, env, editor, doc.ID)
	createFork(t, env, editor, doc.ID)

	rr := env.do(t, http.MethodGet, "/api/documents/"+doc.ID+"/forks", editor, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list forks: status %d", rr.Code)
	}
	var payload struct {
		Items []fork.Fork `json:"items"`
		Total int         `json:"total"`
	}
	decode(t, rr, &payload)
	if payload.Total != 2 || len(payload.Items) != 2 {
		t.Fatalf("expected 2 forks, got %+v", payload)
	}

	rr = env.do(t, http.MethodGet, "/api/documents/"+doc.ID, editor, "")
	var view Document
	decode(t, rr, &view)
	if view.ForkCount != 2 {
		t.Fatalf("expected forkCount 2, got %d", view.ForkCount)
	}

	if rr := env.do(t, http.MethodGet, "/api/documents/missing/forks", editor, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown document, got %d", rr.Code)
	}
}

func TestRoleGates(t *testing.T) {
	env := newTestEnv(t)
	editor := env.login(t, "Avery", "editor")
	viewer := env.login(t, "Blake", "viewer")
	contributor := env.login(t, "Casey", "contributor")
	doc := createDocument(t, env, editor, `{"title":"Hello"}`)

	if rr := env.do(t, http.MethodGet, "/api/documents/"+doc.ID, viewer, ""); rr.Code != http.StatusOK {
		t.Fatalf("viewer read: expected 200, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/documents/"+doc.ID+"/forks", viewer, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer fork: expected 403, got %d", rr.Code)
	}
	created := createFork(t, env, contributor, doc.ID)
	if created.AuthorName != "Casey" {
		t.Fatalf("expected fork author Casey, got %q", created.AuthorName)
	}
	rr := env.do(t, http.MethodPost, "/api/forks/"+created.ID+"/merge", contributor, `{"originalId":"`+doc.ID+`"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("contributor merge: expected 403, got %d", rr.Code)
	}
}

func TestMergeErrorsMapToCodes(t *testing.T) {
	env := newTestEnv(t)
	editor := env.login(t, "Avery", "editor")
	docA := createDocument(t, env, editor, `{"title":"A"}`)
	docB := createDocument(t, env, editor, `{"title":"B"}`)
	forkA := createFork(t, env, editor, docA.ID)

	tests := []struct {
		name   string
		forkID string
		body   string
		status int
		code   string
	}{
		{name: "unknown fork", forkID: "fork_missing", body: `{"originalId":"` + docA.ID + `"}`, status: http.StatusNotFound, code: "INVALID_FORK"},
		{name: "unknown original", forkID: forkA.ID, body: `{"originalId":"doc_missing"}`, status: http.StatusUnprocessableEntity, code: "INVALID_ORIGINAL"},
		{name: "original is a fork", forkID: forkA.ID, body: `{"originalId":"` + forkA.ID + `"}`, status: http.StatusUnprocessableEntity, code: "INVALID_ORIGINAL"},
		{name: "wrong original", forkID: forkA.ID, body: `{"originalId":"` + docB.ID + `"}`, status: http.StatusConflict, code: "MISMATCH"},
		{name: "missing original id", forkID: forkA.ID, body: `{}`, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/forks/"+tt.forkID+"/merge", editor, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected status %d, got %d body=%s", tt.status, rr.Code, rr.Body.String())
			}
			if got := errorCode(t, rr); got != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestForkOfForkIsRejected(t *testing.T) {
	env := newTestEnv(t)
	editor := env.login(t, "Avery", "editor")
	doc := createDocument(t, env, editor, `{"title":"Hello"}`)
	created := createFork(t, env, editor, doc.ID)

	rr := env.do(t, http.MethodPost, "/api/documents/"+created.ID+"/forks", editor, "")
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "INVALID_ORIGINAL" {
		t.Fatalf("expected INVALID_ORIGINAL, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCompareAfterOriginalDeleted(t *testing.T) {
	env := newTestEnv(t)
	editor := env.login(t, "Avery", "editor")
	doc := createDocument(t, env, editor, `{"title":"Hello"}`)
	created := createFork(t, env, editor, doc.ID)
	if err := env.store.DeleteDocument(context.Background(), doc.ID); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}

	rr := env.do(t, http.MethodGet, "/api/forks/"+created.ID+"/compare", editor, "")
	if rr.Code != http.StatusGone || errorCode(t, rr) != "ORIGINAL_DELETED" {
		t.Fatalf("expected ORIGINAL_DELETED, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t)
	editor := env.login(t, "Avery", "editor")
	if rr := env.do(t, http.MethodGet, "/api/search/forks", editor, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without q, got %d", rr.Code)
	}
	rr := env.do(t, http.MethodGet, "/api/search/forks?q=hello", editor, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload map[string]any
	decode(t, rr, &payload)
	if results, ok := payload["results"].([]any); !ok || len(results) != 0 {
		t.Fatalf("expected empty results without a search backend, got %v", payload["results"])
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/health", "", "")

	rr := env.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `offshoot_http_requests_total{method="GET",route="/api/health",status="200"} 1`) {
		t.Fatalf("expected request counter in metrics output:\n%s", rr.Body.String())
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/api/health":                    "/api/health",
		"/api/session/login":             "/api/session/login",
		"/api/search/forks":              "/api/search/forks",
		"/api/documents":                 "/api/documents",
		"/api/documents/doc_1":           "/api/documents/{id}",
		"/api/documents/doc_1/forks":     "/api/documents/{id}/forks",
		"/api/documents/doc_1/revisions": "/api/documents/{id}/revisions",
		"/api/forks/fork_1/merge":        "/api/forks/{id}/merge",
		"/api/forks/fork_1/a/b":          "other",
		"/api/documents/doc_1/unknown":   "other",
		"/api/abc123":                    "other",
		"/api/zzz/yyy/xxx":               "other",
		"/api/session/extra":             "other",
		"/metrics":                       "/metrics",
		"/favicon.ico":                   "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestCreateForkRejectsKindOutsideForkableKinds(t *testing.T) {
	env := newTestEnv(t)
	editor := env.login(t, "Avery", "editor")

	doc := createDocument(t, env, editor, `{"title":"Menu","kind":"navigation"}`)
	rr := env.do(t, http.MethodPost, "/api/documents/"+doc.ID+"/forks", editor, "")
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "INVALID_ORIGINAL" {
		t.Fatalf("expected 422 INVALID_ORIGINAL, got %d body=%s", rr.Code, rr.Body.String())
	}

	allowed := createDocument(t, env, editor, `{"title":"Hello"}`)
	createFork(t, env, editor, allowed.ID)
}
