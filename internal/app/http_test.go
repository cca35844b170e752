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

	"eidos/api/internal/auth"
	"eidos/api/internal/changes"
	"eidos/api/internal/config"
	"eidos/api/internal/store"
)

func tokenFor(t *testing.T, subjectID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), subjectID, "", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	return token
}

func doRequest(t *testing.T, handler http.Handler, method, path, subjectID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if subjectID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, subjectID))
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func newTestHandler(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	return env, NewHTTPServer(env.svc, "*").Handler()
}

const relabelBody = `{
	"title": "Relabel person",
	"submit": true,
	"mutations": [{
		"type": "update",
		"entityType": "class",
		"entityId": "c1",
		"before": {"name": "Person", "label": "Person"},
		"after": {"name": "Person", "label": "Human"}
	}]
}`

func createViaHTTP(t *testing.T, handler http.Handler, subjectID string) string {
	t.Helper()
	rr := doRequest(t, handler, http.MethodPost, "/api/resources/res_1/merge-requests", subjectID, relabelBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	return decodeJSON(t, rr)["id"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestHandler(t)
	rr := doRequest(t, handler, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing middleware headers: %v", rr.Header())
	}
}

type failingPingStore struct {
	*store.MemoryStore
}

func (failingPingStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		store      DataStore
		wantStatus int
	}{
		{name: "ready", store: store.NewMemoryStore(), wantStatus: http.StatusOK},
		{name: "database down", store: failingPingStore{store.NewMemoryStore()}, wantStatus: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := New(config.Config{JWTSecret: testSecret}, tc.store, Dependencies{})
			handler := NewHTTPServer(svc, "*").Handler()
			rr := doRequest(t, handler, http.MethodGet, "/api/ready", "", "")
			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tc.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	_, handler := newTestHandler(t)

	rr := doRequest(t, handler, http.MethodGet, "/api/resources/res_1/merge-requests", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/resources/res_1/merge-requests", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized || decodeJSON(t, rr)["code"] != "UNAUTHORIZED" {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	_, handler := newTestHandler(t)
	rr := doRequest(t, handler, http.MethodGet, "/api/nothing-here", "bob", "")
	if rr.Code != http.StatusNotFound || decodeJSON(t, rr)["code"] != "NOT_FOUND" {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMergeRequestLifecycleOverHTTP(t *testing.T) {
	env, handler := newTestHandler(t)
	id := createViaHTTP(t, handler, "bob")

	rr := doRequest(t, handler, http.MethodGet, "/api/merge-requests/"+id, "carol", "")
	if rr.Code != http.StatusOK || decodeJSON(t, rr)["status"] != "pending" {
		t.Fatalf("get status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/merge-requests/"+id+"/approve", "carol", `{}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("editor approve status = %d, want 403", rr.Code)
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/merge-requests/"+id+"/approve", "alice", `{"comment":"ship it"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeJSON(t, rr)
	if payload["resourceVersion"].(float64) != 1 {
		t.Fatalf("approve payload = %v", payload)
	}
	if got := env.liveState(t, "c1")["label"]; got != "Human" {
		t.Fatalf("c1 label = %v", got)
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/merge-requests/"+id+"/approve", "alice", `{}`)
	if rr.Code != http.StatusConflict || decodeJSON(t, rr)["code"] != "ALREADY_FINALIZED" {
		t.Fatalf("second approve status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/resources/res_1/merge-requests?status=approved", "bob", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	if items := decodeJSON(t, rr)["items"].([]any); len(items) != 1 {
		t.Fatalf("items = %v", items)
	}
}

func TestConflictResponseCarriesDetails(t *testing.T) {
	env, handler := newTestHandler(t)
	id := createViaHTTP(t, handler, "bob")
	env.store.PutEntity("res_1", "class", "c1", changes.Snapshot{"name": "Person", "label": "Individual"})

	rr := doRequest(t, handler, http.MethodPost, "/api/merge-requests/"+id+"/approve", "alice", `{}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeJSON(t, rr)
	details := payload["details"].(map[string]any)
	conflicts := details["conflicts"].([]any)
	if payload["code"] != "CONFLICT_DETECTED" || len(conflicts) != 1 {
		t.Fatalf("payload = %v", payload)
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/merge-requests/"+id+"/conflicts", "bob", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("conflicts status = %d", rr.Code)
	}
	if got := decodeJSON(t, rr)["conflicts"].([]any); len(got) != 1 {
		t.Fatalf("conflicts = %v", got)
	}
}

func TestRejectAndCancelStatusCodes(t *testing.T) {
	_, handler := newTestHandler(t)
	id := createViaHTTP(t, handler, "bob")

	tests := []struct {
		name       string
		subject    string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "short reason", subject: "alice", path: "/reject", body: `{"reason":"nope"}`, wantStatus: http.StatusUnprocessableEntity, wantCode: "REASON_TOO_SHORT"},
		{name: "cancel by other", subject: "alice", path: "/cancel", body: `{}`, wantStatus: http.StatusForbidden, wantCode: "NOT_SUBMITTER"},
		{name: "self review", subject: "bob", path: "/reject", body: `{"reason":"I changed my mind"}`, wantStatus: http.StatusConflict, wantCode: "SELF_REVIEW"},
		{name: "bad body", subject: "alice", path: "/reject", body: `{`, wantStatus: http.StatusUnprocessableEntity, wantCode: "INVALID_BODY"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, handler, http.MethodPost, "/api/merge-requests/"+id+tc.path, tc.subject, tc.body)
			if rr.Code != tc.wantStatus || decodeJSON(t, rr)["code"] != tc.wantCode {
				t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
			}
		})
	}

	rr := doRequest(t, handler, http.MethodPost, "/api/merge-requests/"+id+"/cancel", "bob", "")
	if rr.Code != http.StatusOK || decodeJSON(t, rr)["status"] != "cancelled" {
		t.Fatalf("cancel status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestExportEndpoint(t *testing.T) {
	_, handler := newTestHandler(t)
	id := createViaHTTP(t, handler, "bob")

	rr := doRequest(t, handler, http.MethodGet, "/api/merge-requests/"+id+"/export?format=html&archive=true", "bob", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content type = %s", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "Relabel-person.html") {
		t.Fatalf("content disposition = %s", rr.Header().Get("Content-Disposition"))
	}
	if rr.Header().Get("X-Archive-Key") == "" {
		t.Fatal("missing archive key header")
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/merge-requests/"+id+"/export?format=docx", "bob", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unsupported format status = %d", rr.Code)
	}
}

func TestShareLinkFlowOverHTTP(t *testing.T) {
	_, handler := newTestHandler(t)

	rr := doRequest(t, handler, http.MethodPost, "/api/resources/res_1/share-links", "alice", `{"level":"view"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create link status = %d body=%s", rr.Code, rr.Body.String())
	}
	link := decodeJSON(t, rr)
	token := link["token"].(string)
	if _, leaked := link["tokenHash"]; leaked {
		t.Fatal("token hash must not be serialized")
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/resources/res_1/merge-requests", "erin", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("pre-redeem status = %d", rr.Code)
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/share-links/redeem", "erin", `{"token":"`+token+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("redeem status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/resources/res_1/permission", "erin", "")
	payload := decodeJSON(t, rr)
	if rr.Code != http.StatusOK || payload["level"] != "view" || payload["source"] != "share_link" {
		t.Fatalf("permission status = %d payload=%v", rr.Code, payload)
	}

	rr = doRequest(t, handler, http.MethodDelete, "/api/resources/res_1/share-links/"+link["id"].(string), "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doRequest(t, handler, http.MethodGet, "/api/resources/res_1/merge-requests", "erin", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("post-revoke status = %d", rr.Code)
	}
}

func TestGrantEndpoints(t *testing.T) {
	_, handler := newTestHandler(t)

	rr := doRequest(t, handler, http.MethodPost, "/api/resources/res_1/grants/direct", "alice", `{"subjectId":"dave","level":"edit"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("grant status = %d body=%s", rr.Code, rr.Body.String())
	}
	grantID := decodeJSON(t, rr)["id"].(string)

	rr = doRequest(t, handler, http.MethodPost, "/api/resources/res_1/version-changed", "dave", `{"bump":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("version-changed status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodDelete, "/api/resources/res_1/grants/"+grantID, "bob", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin revoke status = %d", rr.Code)
	}
	rr = doRequest(t, handler, http.MethodDelete, "/api/resources/res_1/grants/"+grantID, "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doRequest(t, handler, http.MethodPost, "/api/resources/res_1/version-changed", "dave", `{}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("post-revoke status = %d", rr.Code)
	}
}
