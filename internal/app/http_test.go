package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"theoryboard/api/internal/config"
	"theoryboard/api/internal/store"
)

func newTestHandler(fs *fakeStore, resolver *fakeResolver) http.Handler {
	svc := New(config.Config{}, fs, resolver, nil, nil)
	return NewHTTPServer(svc, "*").Handler()
}

func bearerFor(t *testing.T, subject, email string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func memberResolver(username string) *fakeResolver {
	return &fakeResolver{resolveFn: func(ctx context.Context, subjectID, email string) (store.User, error) {
		return store.User{ID: "usr_member", SubjectID: subjectID, Email: email, Username: username}, nil
	}}
}

func adminResolver() *fakeResolver {
	return &fakeResolver{resolveFn: func(ctx context.Context, subjectID, email string) (store.User, error) {
		return store.User{
			ID:        "usr_admin",
			SubjectID: subjectID,
			Email:     email,
			Username:  "mod_one",
			Roles:     []string{"admin"},
		}, nil
	}}
}

func doRequest(handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, &fakeResolver{})
	rec := doRequest(handler, http.MethodGet, "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["status"] != "ok" {
		t.Errorf("unexpected body: %v", payload)
	}
}

func TestReadyReportsDatabaseOutage(t *testing.T) {
	fs := &fakeStore{pingFn: func(ctx context.Context) error {
		return errors.New("connection refused")
	}}
	handler := newTestHandler(fs, &fakeResolver{})

	rec := doRequest(handler, http.MethodGet, "/api/ready", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["error"] != "UNAVAILABLE" {
		t.Errorf("unexpected body: %v", payload)
	}
}

func TestUnknownRoute(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, &fakeResolver{})
	rec := doRequest(handler, http.MethodGet, "/api/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitRequiresToken(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, &fakeResolver{})
	rec := doRequest(handler, http.MethodPost, "/api/theories", "", `{"content":"hm"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["error"] != "UNAUTHORIZED" {
		t.Errorf("unexpected body: %v", payload)
	}
}

func TestSubmitTheoryCreated(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, memberResolver("fan_one"))
	token := bearerFor(t, "subj_member", "fan@example.com")

	rec := doRequest(handler, http.MethodPost, "/api/theories", token,
		`{"content":"the monster is a security system"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	theory := payload["theory"].(map[string]any)
	if theory["status"] != store.StatusPending {
		t.Errorf("expected pending, got %v", theory["status"])
	}
}

func TestSubmitInvalidBody(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, memberResolver("fan_one"))
	token := bearerFor(t, "subj_member", "fan@example.com")

	rec := doRequest(handler, http.MethodPost, "/api/theories", token, `{"content":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["error"] != "INVALID_BODY" {
		t.Errorf("unexpected body: %v", payload)
	}
}

func TestVoteRoute(t *testing.T) {
	var gotTheory string
	fs := &fakeStore{castVoteFn: func(ctx context.Context, theoryID, voterID string, value int) (store.VoteTally, error) {
		gotTheory = theoryID
		return store.VoteTally{Score: 1, Upvotes: 1, UserVote: value}, nil
	}}
	handler := newTestHandler(fs, memberResolver("fan_one"))
	token := bearerFor(t, "subj_member", "fan@example.com")

	rec := doRequest(handler, http.MethodPost, "/api/theories/thy_1/vote", token, `{"value":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if gotTheory != "thy_1" {
		t.Errorf("expected thy_1, got %s", gotTheory)
	}
	payload := decodeResponse(t, rec)
	if payload["score"] != float64(1) || payload["userVote"] != float64(1) {
		t.Errorf("unexpected tally: %v", payload)
	}
}

func TestModerationRoutesForbiddenForMembers(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, memberResolver("fan_one"))
	token := bearerFor(t, "subj_member", "fan@example.com")

	for _, tc := range []struct {
		method, path, body string
	}{
		{http.MethodGet, "/api/theories/unmoderated", ""},
		{http.MethodGet, "/api/admin/users", ""},
		{http.MethodPost, "/api/theories/thy_1/moderate", `{"status":"approved"}`},
		{http.MethodPost, "/api/admin/contributions/backfill", ""},
	} {
		rec := doRequest(handler, tc.method, tc.path, token, tc.body)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s: expected 403, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestModerateRoute(t *testing.T) {
	fs := &fakeStore{moderateFn: func(ctx context.Context, in store.ModerateInput) (store.Theory, bool, error) {
		return store.Theory{ID: in.TheoryID, Status: store.StatusApproved, Title: in.Title}, true, nil
	}}
	handler := newTestHandler(fs, adminResolver())
	token := bearerFor(t, "subj_admin", "boss@example.com")

	rec := doRequest(handler, http.MethodPost, "/api/theories/thy_1/moderate", token,
		`{"status":"approved","title":"The Numbers"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	if payload["credited"] != true {
		t.Errorf("expected credited true, got %v", payload["credited"])
	}
	theory := payload["theory"].(map[string]any)
	if theory["title"] != "The Numbers" {
		t.Errorf("unexpected theory: %v", theory)
	}
}

func TestAdminUsersRoute(t *testing.T) {
	fs := &fakeStore{listUsersFn: func(ctx context.Context) ([]store.User, error) {
		return []store.User{{ID: "usr_1", Email: "a@b.c"}}, nil
	}}
	handler := newTestHandler(fs, adminResolver())
	token := bearerFor(t, "subj_admin", "boss@example.com")

	rec := doRequest(handler, http.MethodGet, "/api/admin/users", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeResponse(t, rec)
	users := payload["users"].([]any)
	if len(users) != 1 {
		t.Errorf("expected one user, got %v", users)
	}
}

func TestLeaderboardIsPublic(t *testing.T) {
	fs := &fakeStore{leaderboardFn: func(ctx context.Context) ([]store.ContributorTotals, error) {
		return []store.ContributorTotals{{UserID: "usr_1", Username: "fan_one", Total: 3}}, nil
	}}
	handler := newTestHandler(fs, &fakeResolver{})

	rec := doRequest(handler, http.MethodGet, "/api/contributions/leaderboard", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if _, ok := payload["currentUser"]; ok {
		t.Error("anonymous response must not carry currentUser")
	}
	rows := payload["leaderboard"].([]any)
	if len(rows) != 1 {
		t.Errorf("expected one row, got %v", rows)
	}
}

func TestInvalidTokenIsUnauthorized(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, &fakeResolver{})
	rec := doRequest(handler, http.MethodGet, "/api/auth/me", "Bearer not-a-token", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, &fakeResolver{})
	rec := doRequest(handler, http.MethodOptions, "/api/theories", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected wildcard origin, got %q", origin)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, &fakeResolver{})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req_fixed" {
		t.Errorf("expected echoed request id, got %q", got)
	}
}
