// Package redis backs the ephemeral coordinator state with Redis so that
// multiple API replicas share one view of sessions, verified sets and
// receipts. Key TTLs replace the in-memory store's lazy expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall.org/internal/verification"
)

const (
	requestKeyPrefix = "rollcall:req:"
	sessionKeyPrefix = "rollcall:session:"
	setKeyPrefix     = "rollcall:verified:"
	receiptKeyPrefix = "rollcall:receipt:"
)

// releaseIfOwner deletes the session key only when it still points at the
// given request, so a purge of a stale request cannot evict its successor.
var releaseIfOwner = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type State struct {
	rdb *redis.Client
	now func() time.Time
}

var _ verification.StateStore = (*State)(nil)

// Open connects to a single Redis node.
func Open(addr string) *State {
	return New(redis.NewClient(&redis.Options{Addr: addr}))
}

// New wraps an existing client.
func New(rdb *redis.Client) *State {
	return &State{rdb: rdb, now: func() time.Time { return time.Now().UTC() }}
}

func (s *State) Close() error { return s.rdb.Close() }

// Ping reports connectivity for the readiness probe.
func (s *State) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func requestKey(id string) string { return requestKeyPrefix + id }
func sessionKey(id string) string { return sessionKeyPrefix + id }
func verifiedKey(id string) string { return setKeyPrefix + id }
func receiptKey(req, rcp string) string { return receiptKeyPrefix + req + ":" + rcp }

func (s *State) CreateRequest(ctx context.Context, req verification.Request) error {
	ttl := req.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("request %s already expired", req.ID)
	}

	// SET NX on the session key is the single atomic gate: exactly one of
	// any number of concurrent creates wins the session.
	ok, err := s.rdb.SetNX(ctx, sessionKey(req.SessionID), req.ID, ttl).Result()
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	if !ok {
		return verification.ErrSessionHeld
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := s.rdb.Set(ctx, requestKey(req.ID), raw, ttl).Err(); err != nil {
		// Losing the metadata write leaves a claimed but unusable session;
		// release the claim so the caller can retry cleanly.
		_, _ = releaseIfOwner.Run(ctx, s.rdb, []string{sessionKey(req.SessionID)}, req.ID).Result()
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (s *State) GetRequest(ctx context.Context, requestID string) (verification.Request, error) {
	raw, err := s.rdb.Get(ctx, requestKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return verification.Request{}, verification.ErrStateNotFound
	}
	if err != nil {
		return verification.Request{}, fmt.Errorf("read request: %w", err)
	}
	var req verification.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return verification.Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func (s *State) ActiveRequestID(ctx context.Context, sessionID string) (string, error) {
	id, err := s.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", verification.ErrStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read session: %w", err)
	}
	return id, nil
}

func (s *State) MarkVerified(ctx context.Context, requestID, recipientID string) (bool, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return false, err
	}

	added, err := s.rdb.SAdd(ctx, verifiedKey(requestID), recipientID).Result()
	if err != nil {
		return false, fmt.Errorf("add verified member: %w", err)
	}
	// The set is created lazily on first success; pin its lifetime to the
	// parent request's so it cannot outlive it.
	if err := s.rdb.ExpireAt(ctx, verifiedKey(requestID), req.ExpiresAt).Err(); err != nil {
		return added == 1, fmt.Errorf("expire verified set: %w", err)
	}
	return added == 1, nil
}

func (s *State) VerifiedMembers(ctx context.Context, requestID string) ([]string, error) {
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	members, err := s.rdb.SMembers(ctx, verifiedKey(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read verified set: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *State) PutReceipt(ctx context.Context, rec verification.Receipt, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	return s.rdb.Set(ctx, receiptKey(rec.RequestID, rec.RecipientID), raw, ttl).Err()
}

// GetReceipt returns the most recent attempt outcome, if still alive.
func (s *State) GetReceipt(ctx context.Context, requestID, recipientID string) (verification.Receipt, error) {
	raw, err := s.rdb.Get(ctx, receiptKey(requestID, recipientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return verification.Receipt{}, verification.ErrStateNotFound
	}
	if err != nil {
		return verification.Receipt{}, fmt.Errorf("read receipt: %w", err)
	}
	var rec verification.Receipt
	if err := json.Unmarshal(raw, &rec); err != nil {
		return verification.Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	return rec, nil
}

func (s *State) Purge(ctx context.Context, req verification.Request) error {
	keys := make([]string, 0, len(req.Recipients)+2)
	keys = append(keys, requestKey(req.ID), verifiedKey(req.ID))
	for _, rcp := range req.Recipients {
		keys = append(keys, receiptKey(req.ID, rcp))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete request keys: %w", err)
	}
	if _, err := releaseIfOwner.Run(ctx, s.rdb, []string{sessionKey(req.SessionID)}, req.ID).Result(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

func (s *State) ReleaseSession(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session key: %w", err)
	}
	return nil
}
