package verification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rollcall.org/internal/audit"
	"rollcall.org/internal/compare"
	"rollcall.org/internal/ids"
	"rollcall.org/internal/notify"
	"rollcall.org/internal/obs"
	"rollcall.org/internal/roster"
)

// Notifier is the outbound notification channel as seen by the coordinator:
// enqueue and forget. The returned dispatch id is recorded on the audit row.
type Notifier interface {
	Enqueue(msg notify.Message) (string, error)
}

// Config bounds request lifetimes and the default match threshold.
type Config struct {
	MinTTL           time.Duration
	MaxTTL           time.Duration
	DefaultTTL       time.Duration
	DefaultThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MinTTL <= 0 {
		c.MinTTL = time.Minute
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 120 * time.Minute
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 15 * time.Minute
	}
	if c.DefaultThreshold <= 0 || c.DefaultThreshold > 1 {
		c.DefaultThreshold = 0.75
	}
	return c
}

// Coordinator orchestrates creation, per-recipient verification, status,
// cancellation and session-wide cleanup. It is stateless: all mutable state
// lives in the ephemeral store and the audit repository, so any number of
// replicas may run concurrently.
type Coordinator struct {
	state      StateStore
	audit      audit.Repository
	roster     roster.Resolver
	notifier   Notifier
	comparator compare.Comparator
	cfg        Config
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock injects the time source. The coordinator and the state store
// must agree on one clock so deadline checks cannot disagree.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(state StateStore, auditRepo audit.Repository, rosterResolver roster.Resolver, notifier Notifier, comparator compare.Comparator, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		state:      state,
		audit:      auditRepo,
		roster:     rosterResolver,
		notifier:   notifier,
		comparator: comparator,
		cfg:        cfg.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateParams describes a new verification request. Recipients may be given
// explicitly; otherwise ScopeRef is resolved through the roster service.
type CreateParams struct {
	InitiatorID string
	SessionID   string
	ScopeRef    string
	Recipients  []string
	TTL         time.Duration
	Title       string
	Body        string
	Threshold   float64
}

// CreateResult is the caller-facing outcome of Create.
type CreateResult struct {
	RequestID      string    `json:"request_id"`
	SessionID      string    `json:"session_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	RecipientCount int       `json:"recipient_count"`
	Threshold      float64   `json:"threshold"`
}

// Create resolves recipients, claims the session, writes audit rows and
// fans out notifications. The four side effects are not transactional: a
// metadata failure aborts everything, an audit failure rolls the metadata
// back, and notification failures are logged but never fatal.
func (c *Coordinator) Create(ctx context.Context, p CreateParams) (CreateResult, error) {
	res, err := c.create(ctx, p)
	countOperation("create", err)
	return res, err
}

func (c *Coordinator) create(ctx context.Context, p CreateParams) (CreateResult, error) {
	recipients := dedupe(p.Recipients)
	if len(recipients) == 0 {
		if strings.TrimSpace(p.ScopeRef) == "" {
			return CreateResult{}, ErrNoRecipients
		}
		resolved, err := c.roster.Resolve(ctx, p.ScopeRef)
		if err != nil {
			if errors.Is(err, roster.ErrScopeNotFound) {
				return CreateResult{}, ErrNoRecipients
			}
			return CreateResult{}, fmt.Errorf("resolve recipients: %w", err)
		}
		recipients = dedupe(resolved)
	}
	if len(recipients) == 0 {
		return CreateResult{}, ErrNoRecipients
	}

	now := c.now()
	req := Request{
		ID:          ids.NewRequestID(),
		SessionID:   p.SessionID,
		InitiatorID: p.InitiatorID,
		ScopeRef:    p.ScopeRef,
		Title:       p.Title,
		Body:        p.Body,
		Threshold:   c.clampThreshold(p.Threshold),
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.clampTTL(p.TTL)),
		Recipients:  recipients,
	}

	// Atomic create-if-absent on the session key: two concurrent Create
	// calls for one session yield exactly one winner.
	if err := c.state.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, ErrSessionHeld) {
			return CreateResult{}, ErrAlreadyActive
		}
		return CreateResult{}, fmt.Errorf("write request state: %w", err)
	}

	rows := make([]audit.Record, 0, len(recipients))
	for _, rcp := range recipients {
		rows = append(rows, audit.Record{
			RequestID:   req.ID,
			RecipientID: rcp,
			InitiatorID: req.InitiatorID,
			SessionID:   req.SessionID,
			ScopeRef:    req.ScopeRef,
			Threshold:   req.Threshold,
			ExpiresAt:   req.ExpiresAt,
			Status:      audit.StatusPending,
			CreatedAt:   now,
		})
	}
	if err := c.audit.CreateMany(ctx, rows); err != nil {
		// Recipients must never be able to act on a request that has no
		// audit rows, so roll the ephemeral keys back before failing.
		if purgeErr := c.state.Purge(ctx, req); purgeErr != nil {
			c.warn("create_rollback_failed", map[string]any{
				"request_id": req.ID, "error": purgeErr.Error(),
			})
		}
		return CreateResult{}, fmt.Errorf("write audit rows: %w", err)
	}

	title := req.Title
	if title == "" {
		title = "Verification requested"
	}
	for _, rcp := range recipients {
		dispatchID, err := c.notifier.Enqueue(notify.Message{
			RecipientID: rcp,
			Title:       title,
			Body:        req.Body,
			Metadata: map[string]string{
				"request_id": req.ID,
				"session_id": req.SessionID,
				"expires_at": req.ExpiresAt.Format(time.RFC3339),
			},
		})
		if err != nil {
			// Non-fatal: the request is fully functional without pushes.
			c.warn("notification_enqueue_failed", map[string]any{
				"request_id": req.ID, "recipient_id": rcp, "error": err.Error(),
			})
			continue
		}
		if err := c.audit.SetNotificationID(ctx, req.ID, rcp, dispatchID); err != nil {
			c.warn("notification_id_record_failed", map[string]any{
				"request_id": req.ID, "recipient_id": rcp, "error": err.Error(),
			})
		}
	}

	return CreateResult{
		RequestID:      req.ID,
		SessionID:      req.SessionID,
		ExpiresAt:      req.ExpiresAt,
		RecipientCount: len(recipients),
		Threshold:      req.Threshold,
	}, nil
}

// Verify is the hot path: one recipient submits one live embedding.
// A failed comparison is a normal result; only the taxonomy errors are
// returned as errors.
func (c *Coordinator) Verify(ctx context.Context, requestID, recipientID string, embedding []float64, threshold float64) (Receipt, error) {
	rec, err := c.verify(ctx, requestID, recipientID, embedding, threshold)
	countOperation("verify", err)
	return rec, err
}

func (c *Coordinator) verify(ctx context.Context, requestID, recipientID string, embedding []float64, threshold float64) (Receipt, error) {
	req, err := c.state.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return Receipt{}, ErrNotFoundOrExpired
		}
		return Receipt{}, fmt.Errorf("read request state: %w", err)
	}

	if req.Expired(c.now()) {
		// Lazy expiry: reclaim the keys on access, then report 410.
		if purgeErr := c.state.Purge(ctx, req); purgeErr != nil {
			c.warn("expiry_purge_failed", map[string]any{
				"request_id": req.ID, "error": purgeErr.Error(),
			})
		}
		return Receipt{}, ErrExpired
	}

	if !req.IsRecipient(recipientID) {
		return Receipt{}, ErrNotARecipient
	}

	// Cheap pre-check; MarkVerified below is the authoritative gate.
	if members, err := c.state.VerifiedMembers(ctx, requestID); err == nil {
		for _, m := range members {
			if m == recipientID {
				return Receipt{}, ErrAlreadyVerified
			}
		}
	}

	// The comparator is the only slow step and holds no coordinator state.
	th := req.Threshold
	if threshold > 0 && threshold <= 1 {
		th = threshold
	}
	start := time.Now()
	result, err := c.comparator.Compare(ctx, recipientID, embedding, th)
	obs.ObserveCompare(time.Since(start))
	if err != nil {
		if errors.Is(err, compare.ErrComparison) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("%w: %v", compare.ErrComparison, err)
	}

	now := c.now()
	rec := Receipt{
		RequestID:   req.ID,
		SessionID:   req.SessionID,
		RecipientID: recipientID,
		Matched:     result.Matched,
		Similarity:  result.Similarity,
		VerifiedAt:  now,
	}
	if err := c.state.PutReceipt(ctx, rec, req.ExpiresAt.Sub(now)); err != nil {
		c.warn("receipt_write_failed", map[string]any{
			"request_id": req.ID, "recipient_id": recipientID, "error": err.Error(),
		})
	}

	if !result.Matched {
		if err := c.audit.MarkCompleted(ctx, requestID, recipientID, false); err != nil {
			c.warn("audit_update_failed", map[string]any{
				"request_id": req.ID, "recipient_id": recipientID, "error": err.Error(),
			})
		}
		return rec, nil
	}

	added, err := c.state.MarkVerified(ctx, requestID, recipientID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			// Keys evaporated between the deadline check and the write.
			return Receipt{}, ErrExpired
		}
		return Receipt{}, fmt.Errorf("record verification: %w", err)
	}
	if !added {
		// Lost the race against a concurrent success; the first writer is
		// authoritative and has already updated the audit row.
		return Receipt{}, ErrAlreadyVerified
	}
	if err := c.audit.MarkCompleted(ctx, requestID, recipientID, true); err != nil {
		c.warn("audit_update_failed", map[string]any{
			"request_id": req.ID, "recipient_id": recipientID, "error": err.Error(),
		})
	}
	return rec, nil
}

// StatusResult summarises progress against the deadline.
type StatusResult struct {
	RequestID            string    `json:"request_id"`
	SessionID            string    `json:"session_id"`
	ExpiresAt            time.Time `json:"expires_at"`
	TotalRecipients      int       `json:"total_recipients"`
	TotalVerified        int       `json:"total_verified"`
	VerifiedRecipientIDs []string  `json:"verified_recipient_ids"`
}

// Status is read-only: it never purges expired keys and never mutates state.
func (c *Coordinator) Status(ctx context.Context, requestID string) (StatusResult, error) {
	res, err := c.status(ctx, requestID)
	countOperation("status", err)
	return res, err
}

func (c *Coordinator) status(ctx context.Context, requestID string) (StatusResult, error) {
	req, err := c.state.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return StatusResult{}, ErrNotFoundOrExpired
		}
		return StatusResult{}, fmt.Errorf("read request state: %w", err)
	}
	if req.Expired(c.now()) {
		return StatusResult{}, ErrNotFoundOrExpired
	}
	members, err := c.state.VerifiedMembers(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return StatusResult{}, ErrNotFoundOrExpired
		}
		return StatusResult{}, fmt.Errorf("read verified set: %w", err)
	}
	if members == nil {
		members = []string{}
	}
	return StatusResult{
		RequestID:            req.ID,
		SessionID:            req.SessionID,
		ExpiresAt:            req.ExpiresAt,
		TotalRecipients:      len(req.Recipients),
		TotalVerified:        len(members),
		VerifiedRecipientIDs: members,
	}, nil
}

// CancelResult reports what a cancellation touched.
type CancelResult struct {
	RequestID     string `json:"request_id"`
	RowsCancelled int64  `json:"rows_cancelled"`
	Notified      int    `json:"notified"`
}

// Cancel terminates a request early: notify remaining recipients, cancel
// pending audit rows, delete the ephemeral keys. Cancelling an expired or
// already-cancelled request is a successful no-op and never re-notifies.
func (c *Coordinator) Cancel(ctx context.Context, requestID string) (CancelResult, error) {
	res, err := c.cancel(ctx, requestID)
	countOperation("cancel", err)
	return res, err
}

func (c *Coordinator) cancel(ctx context.Context, requestID string) (CancelResult, error) {
	req, err := c.state.GetRequest(ctx, requestID)
	if err != nil {
		if !errors.Is(err, ErrStateNotFound) {
			return CancelResult{}, fmt.Errorf("read request state: %w", err)
		}
		// Keys are gone. The audit rows tell apart a request that once
		// existed (idempotent cleanup, success) from one that never did.
		rows, lerr := c.audit.ListByRequestID(ctx, requestID)
		if lerr != nil {
			return CancelResult{}, fmt.Errorf("read audit rows: %w", lerr)
		}
		if len(rows) == 0 {
			return CancelResult{}, ErrNotFoundOrExpired
		}
		n, cerr := c.audit.CancelByRequestID(ctx, requestID)
		if cerr != nil {
			return CancelResult{}, fmt.Errorf("cancel audit rows: %w", cerr)
		}
		return CancelResult{RequestID: requestID, RowsCancelled: n}, nil
	}

	notified := 0
	if !req.Expired(c.now()) {
		title := "Verification cancelled"
		for _, rcp := range req.Recipients {
			if _, err := c.notifier.Enqueue(notify.Message{
				RecipientID: rcp,
				Title:       title,
				Body:        "The verification request ended early.",
				Metadata:    map[string]string{"request_id": req.ID, "session_id": req.SessionID},
			}); err != nil {
				c.warn("notification_enqueue_failed", map[string]any{
					"request_id": req.ID, "recipient_id": rcp, "error": err.Error(),
				})
				continue
			}
			notified++
		}
	}

	n, err := c.audit.CancelByRequestID(ctx, requestID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel audit rows: %w", err)
	}
	if err := c.state.Purge(ctx, req); err != nil {
		c.warn("cancel_purge_failed", map[string]any{
			"request_id": req.ID, "error": err.Error(),
		})
	}
	return CancelResult{RequestID: requestID, RowsCancelled: n, Notified: notified}, nil
}

// CleanupResult reports a session-wide sweep.
type CleanupResult struct {
	SessionID          string `json:"session_id"`
	RequestsCancelled  int    `json:"requests_cancelled"`
	RowsCancelled      int64  `json:"rows_cancelled"`
	RecipientsNotified int    `json:"recipients_notified"`
}

// CleanupSession cancels every request with pending audit rows for the
// session. There should be at most one, but the sweep handles more
// defensively. Affected recipients receive one aggregate notice each,
// deduplicated across request groups.
func (c *Coordinator) CleanupSession(ctx context.Context, sessionID string) (CleanupResult, error) {
	res, err := c.cleanupSession(ctx, sessionID)
	countOperation("cleanup", err)
	return res, err
}

func (c *Coordinator) cleanupSession(ctx context.Context, sessionID string) (CleanupResult, error) {
	rows, err := c.audit.FindActiveBySessionID(ctx, sessionID)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("find pending audit rows: %w", err)
	}

	requestIDs := make([]string, 0, 1)
	seenRequests := make(map[string]struct{})
	recipients := make([]string, 0, len(rows))
	seenRecipients := make(map[string]struct{})
	for _, row := range rows {
		if _, ok := seenRequests[row.RequestID]; !ok {
			seenRequests[row.RequestID] = struct{}{}
			requestIDs = append(requestIDs, row.RequestID)
		}
		if _, ok := seenRecipients[row.RecipientID]; !ok {
			seenRecipients[row.RecipientID] = struct{}{}
			recipients = append(recipients, row.RecipientID)
		}
	}

	for _, rid := range requestIDs {
		req, err := c.state.GetRequest(ctx, rid)
		if err != nil {
			continue
		}
		if err := c.state.Purge(ctx, req); err != nil {
			c.warn("cleanup_purge_failed", map[string]any{
				"request_id": rid, "error": err.Error(),
			})
		}
	}
	// The session key may survive a purge whose metadata already expired.
	if err := c.state.ReleaseSession(ctx, sessionID); err != nil {
		c.warn("cleanup_release_failed", map[string]any{
			"session_id": sessionID, "error": err.Error(),
		})
	}

	cancelled, err := c.audit.CancelBySessionID(ctx, sessionID)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cancel audit rows: %w", err)
	}

	notified := 0
	for _, rcp := range recipients {
		if _, err := c.notifier.Enqueue(notify.Message{
			RecipientID: rcp,
			Title:       "Verification cancelled",
			Body:        "All verification requests for this session were closed.",
			Metadata:    map[string]string{"session_id": sessionID},
		}); err != nil {
			c.warn("notification_enqueue_failed", map[string]any{
				"session_id": sessionID, "recipient_id": rcp, "error": err.Error(),
			})
			continue
		}
		notified++
	}

	return CleanupResult{
		SessionID:          sessionID,
		RequestsCancelled:  len(requestIDs),
		RowsCancelled:      cancelled,
		RecipientsNotified: notified,
	}, nil
}

// Helpers ------------------------------------------------------------------

func (c *Coordinator) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.cfg.DefaultTTL
	}
	if ttl < c.cfg.MinTTL {
		return c.cfg.MinTTL
	}
	if ttl > c.cfg.MaxTTL {
		return c.cfg.MaxTTL
	}
	return ttl
}

func (c *Coordinator) clampThreshold(t float64) float64 {
	if t <= 0 || t > 1 {
		return c.cfg.DefaultThreshold
	}
	return t
}

func (c *Coordinator) warn(msg string, fields map[string]any) {
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": "warn",
		"msg":   msg,
	}
	for k, v := range fields {
		entry[k] = v
	}
	obs.LogRequest(entry)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func countOperation(op string, err error) {
	obs.CountOperation(op, resultLabel(err))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFoundOrExpired):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrNoRecipients):
		return "no_recipients"
	case errors.Is(err, ErrNotARecipient):
		return "not_a_recipient"
	case errors.Is(err, ErrAlreadyVerified):
		return "already_verified"
	case errors.Is(err, compare.ErrComparison):
		return "comparison_error"
	default:
		return "internal_error"
	}
}

// Threshold formats thresholds for audit log fields.
func Threshold(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}
