// Package dedup coordinates content-addressed uploads across processes.
//
// Uploads follow a claim-then-upload protocol: callers race to insert a
// claim marker keyed by content fingerprint, the single winner uploads
// and records a dedup entry, and losers poll until the entry appears.
// The database unique constraint on the claim table is the only
// cross-process guard; everything in memory is an optimization.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attache-ai/attache/internal/fingerprint"
	"github.com/attache-ai/attache/internal/model"
	"github.com/attache-ai/attache/internal/store"
)

const (
	defaultClaimTimeout = 90 * time.Second

	// Loser poll loop: short first probe, doubling to a ceiling so a
	// long upload does not get hammered with queries.
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 2 * time.Second

	uploadAttempts     = 3
	uploadRetryBackoff = 500 * time.Millisecond

	// Claim release after a cancelled upload runs on its own context;
	// the caller's is already dead.
	claimReleaseTimeout = 5 * time.Second
)

// Store is the persistence surface the deduplicator needs.
type Store interface {
	GetVectorStore(ctx context.Context, id string) (model.VectorStoreRecord, error)
	GetDedupEntry(ctx context.Context, print string) (model.DedupEntry, error)
	PutDedupEntry(ctx context.Context, entry model.DedupEntry) error
	IncrementDedupRefCount(ctx context.Context, print string) error
	TryInsertClaim(ctx context.Context, print, claimant string, now int64) (bool, error)
	GetClaim(ctx context.Context, print string) (model.ClaimMarker, error)
	DeleteClaim(ctx context.Context, print, claimant string) error
	DeleteStaleClaim(ctx context.Context, print string, staleBefore int64) (bool, error)
}

// Result reports where content lives after an EnsureUploaded call.
// StoreID is the store that physically holds the document, which on a
// dedup hit may differ from the store the caller asked for.
type Result struct {
	RemoteRef string
	StoreID   string
	Uploaded  bool
}

// Options tune a Deduplicator. Zero values give the defaults.
type Options struct {
	// ClaimTimeout bounds how long a loser waits for a winner's upload
	// and doubles as the staleness threshold for abandoned claims.
	ClaimTimeout time.Duration

	// Serialize coarsens the whole claim-and-upload section to one
	// in-flight call per process, for backends with tight rate limits.
	Serialize bool

	Logger *slog.Logger
}

type Deduplicator struct {
	store        Store
	provider     model.VectorStoreProvider
	logger       *slog.Logger
	claimant     string
	claimTimeout time.Duration
	serialize    chan struct{}

	mu    sync.RWMutex
	cache map[string]model.DedupEntry

	now func() time.Time
}

func New(st Store, p model.VectorStoreProvider, opts Options) *Deduplicator {
	d := &Deduplicator{
		store:        st,
		provider:     p,
		logger:       opts.Logger,
		claimant:     newClaimantID(),
		claimTimeout: opts.ClaimTimeout,
		cache:        make(map[string]model.DedupEntry),
		now:          time.Now,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.claimTimeout <= 0 {
		d.claimTimeout = defaultClaimTimeout
	}
	if opts.Serialize {
		d.serialize = make(chan struct{}, 1)
	}
	return d
}

// EnsureUploaded returns a remote reference for the file's content,
// uploading it to storeID at most once across all cooperating
// processes. Idempotent under retry.
func (d *Deduplicator) EnsureUploaded(ctx context.Context, storeID string, file model.FileCandidate) (Result, error) {
	print := fingerprint.Compute(file.Content)
	sum := fingerprint.Checksum(file.Content)
	size := int64(len(file.Content))

	d.mu.RLock()
	cached, ok := d.cache[print]
	d.mu.RUnlock()
	if ok {
		if cached.SizeBytes == size && cached.Checksum == sum {
			d.bumpRefCount(ctx, print)
			return Result{RemoteRef: cached.RemoteRef, StoreID: cached.StoreID}, nil
		}
		d.logger.Warn("fingerprint collision on cached entry",
			"fingerprint", short(print), "cached_size", cached.SizeBytes, "size", size)
		d.mu.Lock()
		delete(d.cache, print)
		d.mu.Unlock()
	}

	if d.serialize != nil {
		select {
		case d.serialize <- struct{}{}:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		defer func() { <-d.serialize }()
	}

	return d.ensure(ctx, storeID, file, print, sum, size)
}

// ensure runs the claim protocol until the content is referenced:
// entry hit, won claim and uploaded, or timed-out fail-open upload.
func (d *Deduplicator) ensure(ctx context.Context, storeID string, file model.FileCandidate, print, sum string, size int64) (Result, error) {
	deadline := d.now().Add(d.claimTimeout)
	backoff := initialBackoff

	for {
		entry, err := d.store.GetDedupEntry(ctx, print)
		switch {
		case err == nil:
			if entry.SizeBytes == size && entry.Checksum == sum {
				d.bumpRefCount(ctx, print)
				d.remember(entry)
				return Result{RemoteRef: entry.RemoteRef, StoreID: entry.StoreID}, nil
			}
			d.logger.Warn("fingerprint collision, forcing fresh upload",
				"fingerprint", short(print), "stored_size", entry.SizeBytes, "size", size)
		case !errors.Is(err, store.ErrNotFound):
			return Result{}, fmt.Errorf("dedup lookup: %w", err)
		}

		won, err := d.store.TryInsertClaim(ctx, print, d.claimant, d.now().Unix())
		if err != nil {
			return Result{}, fmt.Errorf("claim insert: %w", err)
		}
		if won {
			return d.upload(ctx, storeID, file, print, sum, size)
		}

		if d.now().After(deadline) {
			// Fail open: liveness over the single-upload guarantee. The
			// entry write is last-writer-wins, so a duplicate upload never
			// surfaces inconsistent content.
			staleBefore := d.now().Add(-d.claimTimeout).Unix()
			if _, err := d.store.DeleteStaleClaim(ctx, print, staleBefore); err != nil {
				d.logger.Warn("stale claim delete failed", "fingerprint", short(print), "error", err)
			}
			if won, err := d.store.TryInsertClaim(ctx, print, d.claimant, d.now().Unix()); err != nil {
				return Result{}, fmt.Errorf("claim insert: %w", err)
			} else if !won {
				d.logger.Warn("claim wait timed out, uploading without claim", "fingerprint", short(print))
			}
			return d.upload(ctx, storeID, file, print, sum, size)
		}

		claim, err := d.store.GetClaim(ctx, print)
		if err == nil && claim.CreatedAt <= d.now().Add(-d.claimTimeout).Unix() {
			removed, derr := d.store.DeleteStaleClaim(ctx, print, claim.CreatedAt)
			if derr != nil {
				d.logger.Warn("stale claim delete failed", "fingerprint", short(print), "error", derr)
			} else if removed {
				d.logger.Info("reclaimed stale upload claim",
					"fingerprint", short(print), "claimant", claim.Claimant)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// upload is the winner path: push the document, record the entry,
// release the claim. Any exit releases our claim so other claimants
// are never blocked by a dead owner, including cancelled callers.
func (d *Deduplicator) upload(ctx context.Context, storeID string, file model.FileCandidate, print, sum string, size int64) (Result, error) {
	rec, err := d.store.GetVectorStore(ctx, storeID)
	if err != nil {
		d.releaseClaim(print)
		return Result{}, fmt.Errorf("resolving store %s: %w", storeID, err)
	}

	ref, err := d.uploadWithRetry(ctx, rec.ProviderMetadata, file)
	if err != nil {
		d.releaseClaim(print)
		return Result{}, err
	}

	entry := model.DedupEntry{
		Fingerprint: print,
		RemoteRef:   ref,
		StoreID:     storeID,
		SizeBytes:   size,
		Checksum:    sum,
		UploadedAt:  d.now().Unix(),
		RefCount:    1,
	}
	if err := d.store.PutDedupEntry(ctx, entry); err != nil {
		d.releaseClaim(print)
		return Result{}, fmt.Errorf("recording upload: %w", err)
	}
	d.releaseClaim(print)
	d.remember(entry)
	return Result{RemoteRef: ref, StoreID: storeID, Uploaded: true}, nil
}

func (d *Deduplicator) uploadWithRetry(ctx context.Context, indexID string, file model.FileCandidate) (string, error) {
	doc := model.IndexDocument{Name: file.Path, Content: file.Content}
	backoff := uploadRetryBackoff
	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		ref, err := d.provider.UploadDocument(ctx, indexID, doc)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if !model.IsRetryableProviderError(err) {
			break
		}
		d.logger.Warn("upload attempt failed",
			"path", file.Path, "attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("uploading %s: %w", file.Path, lastErr)
}

// bumpRefCount is advisory bookkeeping; a failure never fails the call.
func (d *Deduplicator) bumpRefCount(ctx context.Context, print string) {
	if err := d.store.IncrementDedupRefCount(ctx, print); err != nil {
		d.logger.Warn("ref count increment failed", "fingerprint", short(print), "error", err)
	}
}

func (d *Deduplicator) remember(entry model.DedupEntry) {
	d.mu.Lock()
	d.cache[entry.Fingerprint] = entry
	d.mu.Unlock()
}

func (d *Deduplicator) releaseClaim(print string) {
	ctx, cancel := context.WithTimeout(context.Background(), claimReleaseTimeout)
	defer cancel()
	if err := d.store.DeleteClaim(ctx, print, d.claimant); err != nil {
		d.logger.Warn("claim release failed", "fingerprint", short(print), "error", err)
	}
}

func newClaimantID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func short(print string) string {
	if len(print) > 12 {
		return print[:12]
	}
	return print
}
