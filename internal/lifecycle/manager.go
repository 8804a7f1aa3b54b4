// Package lifecycle drives vector store records through their state
// machine: created, active, rolled over or expired, deleted. The
// database row is authoritative; every mutation runs under an
// optimistic updated_at guard so concurrent processes never lose
// updates, they lose races and re-read.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/attache-ai/attache/internal/model"
	"github.com/attache-ai/attache/internal/store"
)

const (
	defaultTTL           = 24 * time.Hour
	defaultRolloverLimit = 1000
	recordWriteAttempts  = 4
	sweepBatch           = 32
)

// ErrRolloverCycle reports a corrupt rollover_from chain.
var ErrRolloverCycle = errors.New("rollover chain contains a cycle")

// Store is the persistence surface the manager needs.
type Store interface {
	InsertVectorStore(ctx context.Context, rec model.VectorStoreRecord) error
	GetVectorStore(ctx context.Context, id string) (model.VectorStoreRecord, error)
	GetVectorStoreBySession(ctx context.Context, sessionID string) (model.VectorStoreRecord, error)
	GetVectorStoreByName(ctx context.Context, name string) (model.VectorStoreRecord, error)
	GetVectorStoreSuccessor(ctx context.Context, predecessorID string) (model.VectorStoreRecord, error)
	RenewVectorStore(ctx context.Context, id string, prevUpdated, newUpdated, newExpires int64) (bool, error)
	AddDocumentCount(ctx context.Context, id string, delta int64, prevUpdated, newUpdated int64) (bool, error)
	RolloverVectorStore(ctx context.Context, predecessorID, demotedName string, prevUpdated, newUpdated int64, successor model.VectorStoreRecord) (bool, error)
	ListExpiredVectorStores(ctx context.Context, now int64, limit int) ([]model.VectorStoreRecord, error)
	DeleteVectorStore(ctx context.Context, id string, prevUpdated int64) (bool, error)
	DeleteDedupEntriesForStore(ctx context.Context, storeID string) (int64, error)
}

// Options tune a Manager. Zero values give the defaults.
type Options struct {
	// ProviderName is stamped on created records.
	ProviderName string

	// TTL is the lifetime of session-bound stores. Named stores never
	// expire.
	TTL time.Duration

	// RolloverLimit caps document_count per store before a successor
	// is chained on.
	RolloverLimit int64

	// CleanupProbability is the chance that an acquire or write also
	// kicks the background sweep.
	CleanupProbability float64

	Logger *slog.Logger
}

type Manager struct {
	store         Store
	provider      model.VectorStoreProvider
	providerName  string
	logger        *slog.Logger
	ttl           time.Duration
	rolloverLimit int64
	cleanupProb   float64
	kick          func()

	now func() time.Time
}

func New(st Store, p model.VectorStoreProvider, opts Options) *Manager {
	m := &Manager{
		store:         st,
		provider:      p,
		providerName:  opts.ProviderName,
		logger:        opts.Logger,
		ttl:           opts.TTL,
		rolloverLimit: opts.RolloverLimit,
		cleanupProb:   opts.CleanupProbability,
		now:           time.Now,
	}
	if m.providerName == "" {
		m.providerName = "mistral"
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.ttl <= 0 {
		m.ttl = defaultTTL
	}
	if m.rolloverLimit <= 0 {
		m.rolloverLimit = defaultRolloverLimit
	}
	return m
}

// SetKick installs the sweep trigger that probabilistic cleanup fires.
func (m *Manager) SetKick(kick func()) {
	m.kick = kick
}

// AcquireForSession returns the active store bound to sessionID,
// creating one (row plus remote index) when none exists. An expired
// binding that the sweep has not reached yet is cleared inline so the
// replacement can take over the session slot.
func (m *Manager) AcquireForSession(ctx context.Context, sessionID string) (model.VectorStoreRecord, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return model.VectorStoreRecord{}, errors.New("session id is required")
	}
	defer m.maybeKick()

	rec, err := m.store.GetVectorStoreBySession(ctx, sessionID)
	switch {
	case err == nil:
		if rec.IsActive && (rec.ExpiresAt == 0 || rec.ExpiresAt > m.now().Unix()) {
			return m.renew(ctx, rec), nil
		}
		if _, err := m.expireChain(ctx, rec); err != nil {
			return model.VectorStoreRecord{}, fmt.Errorf("expiring stale store for session %s: %w", sessionID, err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return model.VectorStoreRecord{}, err
	}

	expires := m.now().Add(m.ttl).Unix()
	return m.create(ctx, model.VectorStoreRecord{SessionID: sessionID}, expires, false)
}

// AcquireNamed returns the protected store registered under name,
// creating it on first use. Named stores never expire automatically.
func (m *Manager) AcquireNamed(ctx context.Context, name string) (model.VectorStoreRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.VectorStoreRecord{}, errors.New("store name is required")
	}
	defer m.maybeKick()

	rec, err := m.store.GetVectorStoreByName(ctx, name)
	switch {
	case err == nil:
		return rec, nil
	case !errors.Is(err, store.ErrNotFound):
		return model.VectorStoreRecord{}, err
	}
	return m.create(ctx, model.VectorStoreRecord{Name: name}, 0, true)
}

// RecordWrite adds deltaDocs to the store's document count and returns
// the record subsequent writes should target. When the count passes
// the rollover limit a successor store is chained on and returned; the
// predecessor stays queryable through the chain.
func (m *Manager) RecordWrite(ctx context.Context, storeID string, deltaDocs int64) (model.VectorStoreRecord, error) {
	if deltaDocs <= 0 {
		return m.head(ctx, storeID)
	}
	defer m.maybeKick()

	id := storeID
	for attempt := 0; attempt < recordWriteAttempts; attempt++ {
		rec, err := m.head(ctx, id)
		if err != nil {
			return model.VectorStoreRecord{}, err
		}
		id = rec.ID

		now := m.now().Unix()
		ok, err := m.store.AddDocumentCount(ctx, rec.ID, deltaDocs, rec.UpdatedAt, now)
		if err != nil {
			return model.VectorStoreRecord{}, err
		}
		if !ok {
			continue
		}
		rec.DocumentCount += deltaDocs
		rec.UpdatedAt = now

		if rec.DocumentCount <= m.rolloverLimit {
			return rec, nil
		}
		return m.rollover(ctx, rec)
	}
	return model.VectorStoreRecord{}, fmt.Errorf("recording write to %s: too much contention", storeID)
}

// Chain returns the rollover chain starting at headID, head first. A
// predecessor that has already been deleted ends the walk.
func (m *Manager) Chain(ctx context.Context, headID string) ([]model.VectorStoreRecord, error) {
	var chain []model.VectorStoreRecord
	seen := make(map[string]bool)
	id := headID
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("%w: store %s", ErrRolloverCycle, id)
		}
		seen[id] = true
		rec, err := m.store.GetVectorStore(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) && len(chain) > 0 {
				break
			}
			return nil, err
		}
		chain = append(chain, rec)
		id = rec.RolloverFrom
	}
	return chain, nil
}

// SearchChain queries every index in the chain rooted at headID and
// merges the results by score. Stores whose remote index is already
// gone are skipped; other per-store failures degrade to partial
// results unless nothing could be searched at all.
func (m *Manager) SearchChain(ctx context.Context, headID, query string, k int) ([]model.IndexMatch, error) {
	searcher, ok := m.provider.(model.IndexSearcher)
	if !ok {
		return nil, fmt.Errorf("provider %s does not support search", m.providerName)
	}
	if k <= 0 {
		k = 10
	}
	chain, err := m.Chain(ctx, headID)
	if err != nil {
		return nil, err
	}

	var matches []model.IndexMatch
	var searchErr error
	searched := 0
	for _, rec := range chain {
		found, err := searcher.SearchIndex(ctx, rec.ProviderMetadata, query, k)
		if err != nil {
			if model.IsAbsent(err) {
				continue
			}
			m.logger.Warn("chain search failed for store", "store", rec.ID, "error", err)
			searchErr = err
			continue
		}
		searched++
		for i := range found {
			found[i].StoreID = rec.ID
		}
		matches = append(matches, found...)
	}
	if searched == 0 && searchErr != nil {
		return nil, searchErr
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Expire deletes expired unprotected stores together with their
// rollover chains, remote index first, local row second. Idempotent;
// safe to run concurrently with allocations.
func (m *Manager) Expire(ctx context.Context) (int, error) {
	now := m.now().Unix()
	heads, err := m.store.ListExpiredVectorStores(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, head := range heads {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		n, err := m.expireChain(ctx, head)
		removed += n
		if err != nil {
			m.logger.Warn("expiry incomplete", "store", head.ID, "error", err)
		}
	}
	if removed > 0 {
		m.logger.Info("expired vector stores", "count", removed)
	}
	return removed, nil
}

// expireChain removes a whole chain, deepest predecessor first, head
// last. An interrupted pass leaves the head alive so the next sweep
// still reaches the remainder.
func (m *Manager) expireChain(ctx context.Context, head model.VectorStoreRecord) (int, error) {
	chain, err := m.Chain(ctx, head.ID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := len(chain) - 1; i >= 0; i-- {
		if err := m.deleteRecord(ctx, chain[i]); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) deleteRecord(ctx context.Context, rec model.VectorStoreRecord) error {
	if rec.ProviderMetadata != "" {
		if err := m.provider.DeleteIndex(ctx, rec.ProviderMetadata); err != nil {
			if !model.IsAbsent(err) {
				return fmt.Errorf("deleting remote index %s: %w", rec.ProviderMetadata, err)
			}
			m.logger.Debug("remote index already gone", "store", rec.ID, "index", rec.ProviderMetadata)
		}
	}
	ok, err := m.store.DeleteVectorStore(ctx, rec.ID, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store %s changed during expiry", rec.ID)
	}
	if _, err := m.store.DeleteDedupEntriesForStore(ctx, rec.ID); err != nil {
		m.logger.Warn("dedup cleanup failed", "store", rec.ID, "error", err)
	}
	m.logger.Info("deleted vector store", "store", rec.ID, "documents", rec.DocumentCount)
	return nil
}

// head resolves id to the live end of its rollover chain.
func (m *Manager) head(ctx context.Context, id string) (model.VectorStoreRecord, error) {
	seen := make(map[string]bool)
	for {
		rec, err := m.store.GetVectorStore(ctx, id)
		if err != nil {
			return model.VectorStoreRecord{}, err
		}
		if rec.IsActive {
			return rec, nil
		}
		if seen[rec.ID] {
			return model.VectorStoreRecord{}, fmt.Errorf("%w: store %s", ErrRolloverCycle, rec.ID)
		}
		seen[rec.ID] = true
		next, err := m.store.GetVectorStoreSuccessor(ctx, rec.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return model.VectorStoreRecord{}, fmt.Errorf("store %s is inactive with no successor", rec.ID)
			}
			return model.VectorStoreRecord{}, err
		}
		id = next.ID
	}
}

func (m *Manager) renew(ctx context.Context, rec model.VectorStoreRecord) model.VectorStoreRecord {
	now := m.now().Unix()
	newExpires := int64(0)
	if rec.ExpiresAt != 0 {
		newExpires = now + int64(m.ttl/time.Second)
	}
	ok, err := m.store.RenewVectorStore(ctx, rec.ID, rec.UpdatedAt, now, newExpires)
	if err != nil {
		m.logger.Warn("store renewal failed", "store", rec.ID, "error", err)
		return rec
	}
	if !ok {
		// lost to a concurrent renewer; their version is just as good
		if fresh, err := m.store.GetVectorStore(ctx, rec.ID); err == nil {
			return fresh
		}
		return rec
	}
	rec.UpdatedAt = now
	rec.ExpiresAt = newExpires
	return rec
}

func (m *Manager) create(ctx context.Context, binding model.VectorStoreRecord, expiresAt int64, protected bool) (model.VectorStoreRecord, error) {
	indexID, err := m.provider.CreateIndex(ctx, displayName(binding))
	if err != nil {
		return model.VectorStoreRecord{}, fmt.Errorf("creating remote index: %w", err)
	}

	now := m.now().Unix()
	rec := model.VectorStoreRecord{
		ID:               uuid.NewString(),
		Name:             binding.Name,
		SessionID:        binding.SessionID,
		Provider:         m.providerName,
		ProviderMetadata: indexID,
		IsProtected:      protected,
		IsActive:         true,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
		UpdatedAt:        now,
	}
	if err := m.store.InsertVectorStore(ctx, rec); err != nil {
		// Probably lost a create race. Adopt the winner's record and
		// drop the index we just made.
		if existing, lookupErr := m.lookupBinding(ctx, binding); lookupErr == nil {
			m.dropIndex(indexID)
			return existing, nil
		}
		m.dropIndex(indexID)
		return model.VectorStoreRecord{}, fmt.Errorf("recording vector store: %w", err)
	}
	m.logger.Info("created vector store",
		"store", rec.ID, "index", indexID, "session", rec.SessionID, "name", rec.Name)
	return rec, nil
}

func (m *Manager) lookupBinding(ctx context.Context, binding model.VectorStoreRecord) (model.VectorStoreRecord, error) {
	if binding.SessionID != "" {
		return m.store.GetVectorStoreBySession(ctx, binding.SessionID)
	}
	return m.store.GetVectorStoreByName(ctx, binding.Name)
}

func (m *Manager) rollover(ctx context.Context, pred model.VectorStoreRecord) (model.VectorStoreRecord, error) {
	indexID, err := m.provider.CreateIndex(ctx, displayName(pred))
	if err != nil {
		return model.VectorStoreRecord{}, fmt.Errorf("creating rollover index: %w", err)
	}

	now := m.now().Unix()
	expires := int64(0)
	if pred.ExpiresAt != 0 {
		expires = now + int64(m.ttl/time.Second)
	}
	succ := model.VectorStoreRecord{
		ID:               uuid.NewString(),
		Name:             pred.Name,
		SessionID:        pred.SessionID,
		Provider:         pred.Provider,
		ProviderMetadata: indexID,
		IsProtected:      pred.IsProtected,
		IsActive:         true,
		CreatedAt:        now,
		ExpiresAt:        expires,
		UpdatedAt:        now,
		RolloverFrom:     pred.ID,
	}
	ok, rerr := m.store.RolloverVectorStore(ctx, pred.ID, "rolled-"+pred.ID, pred.UpdatedAt, now, succ)
	if rerr == nil && ok {
		m.logger.Info("rolled over vector store",
			"from", pred.ID, "to", succ.ID, "documents", pred.DocumentCount)
		return succ, nil
	}

	// Lost the rollover race; if another process chained a successor,
	// use theirs.
	m.dropIndex(indexID)
	if next, err := m.store.GetVectorStoreSuccessor(ctx, pred.ID); err == nil {
		return next, nil
	}
	if rerr != nil {
		return model.VectorStoreRecord{}, fmt.Errorf("rolling over %s: %w", pred.ID, rerr)
	}
	return model.VectorStoreRecord{}, fmt.Errorf("rolling over %s: predecessor changed", pred.ID)
}

// dropIndex cleans up a remote index that never got a local record.
// Runs on its own context; the caller's may already be cancelled.
func (m *Manager) dropIndex(indexID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.provider.DeleteIndex(ctx, indexID); err != nil && !model.IsAbsent(err) {
		m.logger.Warn("orphan index delete failed", "index", indexID, "error", err)
	}
}

func (m *Manager) maybeKick() {
	if m.kick == nil || m.cleanupProb <= 0 {
		return
	}
	if rand.Float64() < m.cleanupProb {
		m.kick()
	}
}

func displayName(rec model.VectorStoreRecord) string {
	if rec.Name != "" {
		return "attache-" + rec.Name
	}
	return "attache-" + rec.SessionID
}
