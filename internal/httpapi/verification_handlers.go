package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rollcall.org/internal/audit"
	"rollcall.org/internal/auth"
	"rollcall.org/internal/compare"
	"rollcall.org/internal/verification"
)

type tokenRequest struct {
	UserID     string   `json:"user_id"`
	Roles      []string `json:"roles"`
	TTLMinutes int      `json:"ttl_minutes"`
}

type createVerificationRequest struct {
	SessionID  string   `json:"session_id"`
	ScopeRef   string   `json:"scope_ref"`
	Recipients []string `json:"recipients"`
	TTLSeconds int      `json:"ttl_seconds"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Threshold  float64  `json:"threshold"`
}

type verifyRequest struct {
	RecipientID string    `json:"recipient_id"`
	Embedding   []float64 `json:"embedding"`
	Threshold   float64   `json:"threshold"`
}

const maxRecipients = 512

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > 24*time.Hour {
		writeError(w, r, http.StatusBadRequest, "ttl_minutes must be at most 1440")
		return
	}
	token, err := auth.GenerateToken(req.UserID, req.Roles, ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(ttl.Seconds()),
	})
}

func (a *API) handleVerificationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createVerification(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleVerificationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/verifications/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/verify") {
		id := strings.TrimSuffix(path, "/verify")
		id = strings.TrimSuffix(id, "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "verification request not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.verify(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.status(w, r, path)
	case http.MethodDelete:
		a.cancel(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if !strings.HasSuffix(path, "/verifications") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := strings.TrimSuffix(path, "/verifications")
	id = strings.TrimSuffix(id, "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	a.cleanupSession(w, r, id)
}

func (a *API) createVerification(w http.ResponseWriter, r *http.Request) {
	if !requireInitiatorRole(r) {
		writeError(w, r, http.StatusForbidden, "lecturer or admin role required")
		return
	}
	var req createVerificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, "session_id is required")
		return
	}
	if len(sessionID) > 128 {
		writeError(w, r, http.StatusBadRequest, "session_id too long")
		return
	}
	if len(req.Recipients) > maxRecipients {
		writeError(w, r, http.StatusBadRequest, "too many recipients")
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "ttl_seconds must be >= 0")
		return
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		writeError(w, r, http.StatusBadRequest, "threshold must be between 0 and 1")
		return
	}

	initiator, _ := auth.UserIDFromContext(r.Context())
	res, err := a.coord.Create(r.Context(), verification.CreateParams{
		InitiatorID: initiator,
		SessionID:   sessionID,
		ScopeRef:    strings.TrimSpace(req.ScopeRef),
		Recipients:  req.Recipients,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		Title:       strings.TrimSpace(req.Title),
		Body:        strings.TrimSpace(req.Body),
		Threshold:   req.Threshold,
	})
	if err != nil {
		handleVerificationError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "verification.request.create", map[string]any{
		"verification_id": res.RequestID,
		"session_id":      res.SessionID,
		"recipient_count": strconv.Itoa(res.RecipientCount),
		"threshold":       verification.Threshold(res.Threshold),
		"expires_at":      res.ExpiresAt.Format(time.RFC3339),
	})

	w.Header().Set("Location", "/v1/verifications/"+res.RequestID)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) verify(w http.ResponseWriter, r *http.Request, id string) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	subject, _ := auth.UserIDFromContext(r.Context())
	recipient := strings.TrimSpace(req.RecipientID)
	if recipient == "" {
		recipient = subject
	}
	// Recipients may only verify as themselves; admins may act for anyone.
	if recipient != subject && !auth.HasRole(r.Context(), auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "cannot verify on behalf of another recipient")
		return
	}
	if len(req.Embedding) == 0 {
		writeError(w, r, http.StatusBadRequest, "embedding is required")
		return
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		writeError(w, r, http.StatusBadRequest, "threshold must be between 0 and 1")
		return
	}

	rec, err := a.coord.Verify(r.Context(), id, recipient, req.Embedding, req.Threshold)
	if err != nil {
		handleVerificationError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "verification.attempt", map[string]any{
		"verification_id": rec.RequestID,
		"recipient_id":    rec.RecipientID,
		"matched":         strconv.FormatBool(rec.Matched),
		"similarity":      verification.Threshold(rec.Similarity),
	})

	writeJSON(w, http.StatusOK, rec)
}

func (a *API) status(w http.ResponseWriter, r *http.Request, id string) {
	res, err := a.coord.Status(r.Context(), id)
	if err != nil {
		handleVerificationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request, id string) {
	if !requireInitiatorRole(r) {
		writeError(w, r, http.StatusForbidden, "lecturer or admin role required")
		return
	}
	res, err := a.coord.Cancel(r.Context(), id)
	if err != nil {
		handleVerificationError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "verification.request.cancel", map[string]any{
		"verification_id": res.RequestID,
		"rows_cancelled":  strconv.FormatInt(res.RowsCancelled, 10),
		"notified":        strconv.Itoa(res.Notified),
	})

	writeJSON(w, http.StatusOK, res)
}

func (a *API) cleanupSession(w http.ResponseWriter, r *http.Request, id string) {
	if !requireInitiatorRole(r) {
		writeError(w, r, http.StatusForbidden, "lecturer or admin role required")
		return
	}
	res, err := a.coord.CleanupSession(r.Context(), id)
	if err != nil {
		handleVerificationError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "verification.session.cleanup", map[string]any{
		"session_id":          res.SessionID,
		"requests_cancelled":  strconv.Itoa(res.RequestsCancelled),
		"rows_cancelled":      strconv.FormatInt(res.RowsCancelled, 10),
		"recipients_notified": strconv.Itoa(res.RecipientsNotified),
	})

	writeJSON(w, http.StatusOK, res)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleVerificationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, verification.ErrNoRecipients),
		errors.Is(err, verification.ErrNotARecipient):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, verification.ErrNotFoundOrExpired):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, verification.ErrAlreadyActive),
		errors.Is(err, verification.ErrAlreadyVerified):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, verification.ErrExpired):
		writeError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, compare.ErrComparison):
		writeError(w, r, http.StatusBadGateway, "comparison backend failed")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
