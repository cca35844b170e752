package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"eidos/api/internal/auth"
	"eidos/api/internal/export"
	"eidos/api/internal/search"
	"eidos/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        logrus.FieldLogger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: service.log}
}

// authedHandle is a route handler that runs with a verified subject. A
// returned error is written through mapError.
type authedHandle func(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error

func (s *HTTPServer) Handler() http.Handler {
	router := httprouter.New()
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	router.GET("/api/health", s.handleHealth)
	router.GET("/api/ready", s.handleReady)

	router.POST("/api/resources", s.authed(s.handleCreateResource))
	router.GET("/api/resources/:resourceId", s.authed(s.handleGetResource))
	router.GET("/api/resources/:resourceId/permission", s.authed(s.handlePermission))
	router.POST("/api/resources/:resourceId/version-changed", s.authed(s.handleVersionChanged))
	router.GET("/api/resources/:resourceId/history", s.authed(s.handleHistory))
	router.GET("/api/resources/:resourceId/audit", s.authed(s.handleAudit))

	router.POST("/api/resources/:resourceId/merge-requests", s.authed(s.handleCreateMergeRequest))
	router.GET("/api/resources/:resourceId/merge-requests", s.authed(s.handleListMergeRequests))
	router.GET("/api/merge-requests/:id", s.authed(s.handleGetMergeRequest))
	router.POST("/api/merge-requests/:id/submit", s.authed(s.handleSubmit))
	router.POST("/api/merge-requests/:id/approve", s.authed(s.handleApprove))
	router.POST("/api/merge-requests/:id/reject", s.authed(s.handleReject))
	router.POST("/api/merge-requests/:id/cancel", s.authed(s.handleCancel))
	router.POST("/api/merge-requests/:id/rebase", s.authed(s.handleRebase))
	router.GET("/api/merge-requests/:id/conflicts", s.authed(s.handleConflicts))
	router.GET("/api/merge-requests/:id/staleness", s.authed(s.handleStaleness))
	router.GET("/api/merge-requests/:id/export", s.authed(s.handleExport))
	router.GET("/api/search/merge-requests", s.authed(s.handleSearch))

	router.POST("/api/resources/:resourceId/grants/direct", s.authed(s.handleGrantDirect))
	router.POST("/api/resources/:resourceId/grants/group", s.authed(s.handleGrantGroup))
	router.DELETE("/api/resources/:resourceId/grants/:grantId", s.authed(s.handleRevokeGrant))
	router.POST("/api/resources/:resourceId/share-links", s.authed(s.handleCreateShareLink))
	router.DELETE("/api/resources/:resourceId/share-links/:linkId", s.authed(s.handleRevokeShareLink))
	router.POST("/api/share-links/redeem", s.authed(s.handleRedeemShareLink))

	return s.withMiddleware(router)
}

func (s *HTTPServer) authed(handle authedHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		subject, ok := s.requireSubject(w, r)
		if !ok {
			return
		}
		if err := handle(w, r, subject, params); err != nil {
			s.writeServiceError(w, r, err)
		}
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestIDFrom(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"search":   map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if !s.service.search.Healthy() {
		checks["search"] = map[string]any{"status": "degraded"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// ---- resources ----

func (s *HTTPServer) handleCreateResource(w http.ResponseWriter, r *http.Request, subject auth.Subject, _ httprouter.Params) error {
	var body CreateResourceInput
	if err := decodeBody(r, &body); err != nil {
		return invalidBody(err)
	}
	resource, err := s.service.CreateResource(r.Context(), subject.ID, body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, resource)
	return nil
}

func (s *HTTPServer) handleGetResource(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	view, err := s.service.GetResource(r.Context(), subject.ID, params.ByName("resourceId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, view)
	return nil
}

func (s *HTTPServer) handlePermission(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	decision, err := s.service.ExplainPermission(r.Context(), subject.ID, params.ByName("resourceId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, decision)
	return nil
}

func (s *HTTPServer) handleVersionChanged(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	var body struct {
		Bump bool `json:"bump"`
	}
	if err := decodeBody(r, &body); err != nil {
		return invalidBody(err)
	}
	change, err := s.service.NotifyVersionChanged(r.Context(), subject.ID, params.ByName("resourceId"), body.Bump)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, change)
	return nil
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	limit := queryInt(r, "limit", 50)
	items, err := s.service.History(r.Context(), subject.ID, params.ByName("resourceId"), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
	return nil
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	events, err := s.service.ListAuditEvents(r.Context(), subject.ID, params.ByName("resourceId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
	return nil
}

// ---- merge requests ----

func (s *HTTPServer) handleCreateMergeRequest(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	var body CreateMergeRequestInput
	if err := decodeBody(r, &body); err != nil {
		return invalidBody(err)
	}
	mr, err := s.service.CreateMergeRequest(r.Context(), subject.ID, params.ByName("resourceId"), body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, mr)
	return nil
}

func (s *HTTPServer) handleListMergeRequests(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	items, err := s.service.ListMergeRequests(r.Context(), subject.ID, params.ByName("resourceId"), r.URL.Query().Get("status"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
	return nil
}

func (s *HTTPServer) handleGetMergeRequest(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	mr, err := s.service.GetMergeRequest(r.Context(), subject.ID, params.ByName("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, mr)
	return nil
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	mr, err := s.service.SubmitForReview(r.Context(), subject.ID, params.ByName("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, mr)
	return nil
}

func (s *HTTPServer) handleApprove(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	var body ApproveInput
	if err := decodeBody(r, &body); err != nil {
		return invalidBody(err)
	}
	result, err := s.service.Approve(r.Context(), subject.ID, params.ByName("id"), body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, result)
	return nil
}

func (s *HTTPServer) handleReject(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		return invalidBody(err)
	}
	mr, err := s.service.Reject(r.Context(), subject.ID, params.ByName("id"), body.Reason)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, mr)
	return nil
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	mr, err := s.service.Cancel(r.Context(), subject.ID, params.ByName("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, mr)
	return nil
}

func (s *HTTPServer) handleRebase(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	mr, err := s.service.Rebase(r.Context(), subject.ID, params.ByName("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, mr)
	return nil
}

func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	report, err := s.service.GetConflicts(r.Context(), subject.ID, params.ByName("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, report)
	return nil
}

func (s *HTTPServer) handleStaleness(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	report, err := s.service.CheckStaleness(r.Context(), subject.ID, params.ByName("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, report)
	return nil
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		return domainError(KindValidationFailed, "INVALID_FORMAT", "format must be 'html' or 'pdf'", nil)
	}
	archiveReport, _ := strconv.ParseBool(r.URL.Query().Get("archive"))

	result, err := s.service.ExportMergeRequest(r.Context(), subject.ID, params.ByName("id"), format, archiveReport)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	if result.ArchiveKey != "" {
		w.Header().Set("X-Archive-Key", result.ArchiveKey)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
	return nil
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, subject auth.Subject, _ httprouter.Params) error {
	query := r.URL.Query()
	q := search.Query{
		Text:             query.Get("q"),
		FilterResourceID: query.Get("resourceId"),
		FilterStatus:     query.Get("status"),
		Limit:            queryInt(r, "limit", 0),
		Offset:           queryInt(r, "offset", 0),
	}
	resp, err := s.service.SearchMergeRequests(r.Context(), subject.ID, q)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// ---- grants and share links ----

func (s *HTTPServer) handleGrantDirect(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	var body GrantInput
	if err := decodeBody(r, &body); err != nil {
		return invalidBody(err)
	}
	grant, err := s.service.GrantDirect(r.Context(), subject.ID, params.ByName("resourceId"), body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, grant)
	return nil
}

func (s *HTTPServer) handleGrantGroup(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	var body GrantInput
	if err := decodeBody(r, &body); err != nil {
		return invalidBody(err)
	}
	grant, err := s.service.GrantGroup(r.Context(), subject.ID, params.ByName("resourceId"), body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, grant)
	return nil
}

func (s *HTTPServer) handleRevokeGrant(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	if err := s.service.RevokeGrant(r.Context(), subject.ID, params.ByName("resourceId"), params.ByName("grantId")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	return nil
}

func (s *HTTPServer) handleCreateShareLink(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	var body ShareLinkInput
	if err := decodeBody(r, &body); err != nil {
		return invalidBody(err)
	}
	link, err := s.service.CreateShareLink(r.Context(), subject.ID, params.ByName("resourceId"), body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, link)
	return nil
}

func (s *HTTPServer) handleRevokeShareLink(w http.ResponseWriter, r *http.Request, subject auth.Subject, params httprouter.Params) error {
	link, err := s.service.RevokeShareLink(r.Context(), subject.ID, params.ByName("resourceId"), params.ByName("linkId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, link)
	return nil
}

func (s *HTTPServer) handleRedeemShareLink(w http.ResponseWriter, r *http.Request, subject auth.Subject, _ httprouter.Params) error {
	var body struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		return invalidBody(err)
	}
	grant, err := s.service.RedeemShareLink(r.Context(), subject.ID, body.Token, body.Password)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, grant)
	return nil
}

// ---- plumbing ----

func (s *HTTPServer) requireSubject(w http.ResponseWriter, r *http.Request) (auth.Subject, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Subject{}, false
	}
	subject, err := s.service.SubjectFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Subject{}, false
	}
	return subject, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func invalidBody(err error) error {
	return domainError(KindValidationFailed, "INVALID_BODY", err.Error(), nil)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
