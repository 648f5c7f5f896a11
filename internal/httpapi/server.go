package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/siftapp/sift/internal/sift"
)

type ServerConfig struct {
	// RequireCSRF demands an X-CSRF-Token header on every mutating call.
	// The token is pass-through; validation belongs to the session layer.
	RequireCSRF     bool
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *sift.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *sift.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *sift.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{store: store, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
	}
	if authErr := checkCSRF(r, s.cfg.RequireCSRF); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "items" && parts[2] == "sync" && r.Method == http.MethodGet:
		s.handleSync(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "items" && parts[2] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "items" && parts[2] == "events" && parts[3] == "stream" && r.Method == http.MethodGet:
		s.handleEventStream(w, r)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "items" && r.Method == http.MethodPost:
		s.handleCreate(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "items" && r.Method == http.MethodGet:
		s.handleGet(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "items" && r.Method == http.MethodPatch:
		s.handlePatch(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "items" && r.Method == http.MethodDelete:
		s.handleArchive(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "items" && parts[3] == "triage" && r.Method == http.MethodPost:
		s.handleTriage(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "items" && parts[3] == "unarchive" && r.Method == http.MethodPost:
		s.handleUnarchive(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "attachments" && r.Method == http.MethodGet:
		s.handleAttachment(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "backends" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.GetBackendStatus())
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	cursor := strings.TrimSpace(query.Get("cursor"))
	includeCompleted, err := parseOptionalBool(query.Get("completed"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid completed flag")
		return
	}
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
		return
	}
	resp, syncErr := s.store.Sync(cursor, includeCompleted, limit)
	if syncErr != nil {
		writeStoreError(w, syncErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var envelope struct {
		Source string          `json:"source"`
		Item   json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if len(envelope.Item) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "missing item payload")
		return
	}
	if err := sift.ValidatePayloadJSON(envelope.Item); err != nil {
		writeStoreError(w, err)
		return
	}
	var payload sift.Payload
	if err := json.Unmarshal(envelope.Item, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid item payload")
		return
	}
	record, err := s.store.CreateItem(sift.CreateRequest{Source: envelope.Source, Payload: payload})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, canonicalID string) {
	record, err := s.store.GetItem(canonicalID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, canonicalID string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var envelope struct {
		Item json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if len(envelope.Item) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "missing item patch")
		return
	}
	if err := sift.ValidatePatchJSON(envelope.Item); err != nil {
		writeStoreError(w, err)
		return
	}
	var patch sift.ItemPatch
	if err := json.Unmarshal(envelope.Item, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid item patch")
		return
	}
	record, err := s.store.PatchItem(canonicalID, patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, canonicalID string) {
	result, err := s.store.Archive(canonicalID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUnarchive(w http.ResponseWriter, r *http.Request, canonicalID string) {
	record, err := s.store.Unarchive(canonicalID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request, canonicalID string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		TargetBucket string `json:"targetBucket"`
		DueDate      string `json:"dueDate,omitempty"`
		ProjectID    string `json:"projectId,omitempty"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	result, err := s.store.Triage(canonicalID, sift.Bucket(req.TargetBucket), sift.TriageExtra{
		DueDate:   req.DueDate,
		ProjectID: req.ProjectID,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 200, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
		return
	}
	feed, feedErr := s.store.GetEvents(strings.TrimSpace(query.Get("cursor")), limit)
	if feedErr != nil {
		writeStoreError(w, feedErr)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// handleEventStream pushes change events over a websocket so views can react
// without polling. Inbound frames are ignored; a slow consumer is cut off by
// the per-write timeout.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	events, cancel := s.store.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			writeErr := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if writeErr != nil {
				return
			}
		}
	}
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, fileID string) {
	attachments := s.store.Attachments()
	if attachments == nil {
		writeError(w, http.StatusNotFound, "not_found", "attachments are not configured")
		return
	}
	file, err := attachments.Open(fileID)
	if err != nil {
		if errors.Is(err, sift.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown attachment")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	http.ServeContent(w, r, fileID, info.ModTime(), file)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
		return nil, false
	}
	return body, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sift.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, sift.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, sift.ErrInvalidPatch):
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
	case errors.Is(err, sift.ErrMissingScheduleDate):
		writeError(w, http.StatusBadRequest, "missing_schedule_date", err.Error())
	case errors.Is(err, sift.ErrInvalidTargetBucket):
		writeError(w, http.StatusBadRequest, "invalid_target_bucket", err.Error())
	case errors.Is(err, sift.ErrProjectNotFound):
		writeError(w, http.StatusBadRequest, "project_not_found", err.Error())
	case errors.Is(err, sift.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, sift.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < min {
		value = min
	}
	if value > max {
		value = max
	}
	return value, nil
}
