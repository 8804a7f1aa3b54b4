// Package session is the unified session cache. A session's provider
// continuation payload and its stable inline list live in one record
// under one long TTL, so resuming a conversation restores both the
// message history and the inline-file stability in a single read.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/attache-ai/attache/internal/model"
	"github.com/attache-ai/attache/internal/store"
)

const (
	// Sessions are conversational memory, so the default lifetime is
	// months rather than the hours used for vector stores.
	DefaultTTL = 90 * 24 * time.Hour

	cleanupBatch = 256
)

// Store is the persistence surface the cache needs.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (model.SessionRecord, error)
	PutSession(ctx context.Context, rec model.SessionRecord) error
	TouchSession(ctx context.Context, sessionID string, updatedAt, expiresAt int64) (bool, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteExpiredSessions(ctx context.Context, now int64, limit int) (int64, error)
	CountSessions(ctx context.Context) (int64, error)
}

// Options tune a Cache. Zero values give the defaults.
type Options struct {
	TTL time.Duration

	// CleanupProbability is the chance that a Get or Put also purges a
	// bounded batch of expired sessions.
	CleanupProbability float64

	Logger *slog.Logger
}

type Cache struct {
	store       Store
	ttl         time.Duration
	cleanupProb float64
	logger      *slog.Logger

	now func() time.Time
}

func New(st Store, opts Options) *Cache {
	c := &Cache{
		store:       st,
		ttl:         opts.TTL,
		cleanupProb: opts.CleanupProbability,
		logger:      opts.Logger,
		now:         time.Now,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Get returns the session record when present and unexpired. An
// expired row that cleanup has not reached yet reads as absent.
func (c *Cache) Get(ctx context.Context, sessionID string) (model.SessionRecord, error) {
	c.maybeCleanup(ctx)
	rec, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.SessionRecord{}, err
	}
	if rec.ExpiresAt <= c.now().Unix() {
		return model.SessionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// Put writes the record and restarts its TTL. CreatedAt is filled on
// first insert and preserved on overwrite.
func (c *Cache) Put(ctx context.Context, rec model.SessionRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return errors.New("session id is required")
	}
	c.maybeCleanup(ctx)
	now := c.now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.ExpiresAt = now + int64(c.ttl/time.Second)
	return c.store.PutSession(ctx, rec)
}

// Touch refreshes the TTL without rewriting the payload.
func (c *Cache) Touch(ctx context.Context, sessionID string) error {
	now := c.now().Unix()
	ok, err := c.store.TouchSession(ctx, sessionID, now, now+int64(c.ttl/time.Second))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

// Reset discards the session entirely. The next allocation starts a
// fresh inline list with no tombstones.
func (c *Cache) Reset(ctx context.Context, sessionID string) error {
	return c.store.DeleteSession(ctx, sessionID)
}

// CleanupExpired purges one bounded batch of expired sessions and
// reports how many went. The background sweeper calls this; the same
// work also runs probabilistically on the access paths.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	return c.store.DeleteExpiredSessions(ctx, c.now().Unix(), cleanupBatch)
}

// Count reports the number of stored sessions, expired rows included.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	return c.store.CountSessions(ctx)
}

func (c *Cache) maybeCleanup(ctx context.Context) {
	if c.cleanupProb <= 0 || rand.Float64() >= c.cleanupProb {
		return
	}
	n, err := c.store.DeleteExpiredSessions(ctx, c.now().Unix(), cleanupBatch)
	if err != nil {
		c.logger.Warn("session cleanup failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("purged expired sessions", "count", n)
	}
}
