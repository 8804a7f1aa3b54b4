// Package allocator decides per request which candidate files ride
// inline in the model prompt and which are delegated to the session's
// vector store chain. A session's first allocation fixes its stable
// inline list; later allocations resend only changed members and never
// admit new ones, so the prompt prefix stays cacheable.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/attache-ai/attache/internal/dedup"
	"github.com/attache-ai/attache/internal/fingerprint"
	"github.com/attache-ai/attache/internal/model"
	"github.com/attache-ai/attache/internal/store"
)

// Sessions is the slice of the session cache the allocator needs.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (model.SessionRecord, error)
	Put(ctx context.Context, rec model.SessionRecord) error
}

// Stores acquires and advances the session's vector store chain.
type Stores interface {
	AcquireForSession(ctx context.Context, sessionID string) (model.VectorStoreRecord, error)
	RecordWrite(ctx context.Context, storeID string, deltaDocs int64) (model.VectorStoreRecord, error)
}

// Uploader pushes one file into a store, deduplicated.
type Uploader interface {
	EnsureUploaded(ctx context.Context, storeID string, file model.FileCandidate) (dedup.Result, error)
}

// Options tune an Allocator. Zero values give the defaults.
type Options struct {
	Estimator    model.TokenEstimator
	ProviderName string

	// MaxFileBytes excludes single files from the inline pass outright.
	MaxFileBytes int64

	// MaxTotalBytes caps the summed size of inline content.
	MaxTotalBytes int64

	// UploadConcurrency bounds parallel delegated uploads.
	UploadConcurrency int

	Logger *slog.Logger
}

type Allocator struct {
	sessions      Sessions
	stores        Stores
	uploader      Uploader
	estimator     model.TokenEstimator
	provider      string
	maxFileBytes  int64
	maxTotalBytes int64
	concurrency   int
	logger        *slog.Logger
}

func New(sessions Sessions, stores Stores, uploader Uploader, opts Options) *Allocator {
	a := &Allocator{
		sessions:      sessions,
		stores:        stores,
		uploader:      uploader,
		estimator:     opts.Estimator,
		provider:      opts.ProviderName,
		maxFileBytes:  opts.MaxFileBytes,
		maxTotalBytes: opts.MaxTotalBytes,
		concurrency:   opts.UploadConcurrency,
		logger:        opts.Logger,
	}
	if a.estimator == nil {
		a.estimator = HeuristicEstimator{}
	}
	if a.provider == "" {
		a.provider = "mistral"
	}
	if a.maxFileBytes <= 0 {
		a.maxFileBytes = 256 << 10
	}
	if a.maxTotalBytes <= 0 {
		a.maxTotalBytes = 8 << 20
	}
	if a.concurrency <= 0 {
		a.concurrency = 4
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

type candidate struct {
	file     model.FileCandidate
	print    string
	tokens   int // -1 when the estimate failed
	priority bool
	listed   bool
}

// Allocate splits files into inline and delegated sets for one request
// turn. priorityPaths are always inlined and bypass the budget. The
// returned allocation reflects the session's stable inline list after
// this call; per-file problems surface as warnings, not errors.
//
// Callers run at most one Allocate per session id at a time; the list
// update is read-modify-write against the session cache.
func (a *Allocator) Allocate(ctx context.Context, sessionID string, files []model.FileCandidate, priorityPaths []string, tokenBudget int) (model.Allocation, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return model.Allocation{}, errors.New("session id is required")
	}

	rec, err := a.sessions.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		rec = model.SessionRecord{SessionID: sessionID, Provider: a.provider}
	} else if err != nil {
		return model.Allocation{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	var alloc model.Allocation
	priority := make(map[string]bool, len(priorityPaths))
	for _, p := range priorityPaths {
		priority[p] = true
	}

	cands := make([]candidate, 0, len(files))
	byPath := make(map[string]*candidate, len(files))
	for _, f := range files {
		if len(f.Content) == 0 && f.SizeBytes > 0 {
			alloc.Warnings = append(alloc.Warnings, model.FileWarning{Path: f.Path, Reason: "content unavailable"})
			continue
		}
		tokens, err := a.estimator.EstimateTokens(f.Path, f.Content)
		if err != nil {
			alloc.Warnings = append(alloc.Warnings, model.FileWarning{Path: f.Path, Reason: "token estimate failed: " + err.Error()})
			tokens = -1
		}
		cands = append(cands, candidate{
			file:     f,
			print:    fingerprint.Compute(f.Content),
			tokens:   tokens,
			priority: priority[f.Path],
		})
	}
	for i := range cands {
		byPath[cands[i].file.Path] = &cands[i]
	}
	for _, p := range priorityPaths {
		if _, ok := byPath[p]; !ok {
			alloc.Warnings = append(alloc.Warnings, model.FileWarning{Path: p, Reason: "priority file not among candidates"})
		}
	}

	var delegated []candidate
	if rec.InlineList.Version == 0 {
		delegated = a.firstAllocation(&rec, cands, tokenBudget, &alloc)
	} else {
		delegated = a.laterAllocation(&rec, cands, byPath, &alloc)
	}

	if err := a.delegate(ctx, sessionID, delegated, &alloc); err != nil {
		return model.Allocation{}, err
	}

	alloc.ListVersion = rec.InlineList.Version
	rec.Provider = a.provider
	if err := a.sessions.Put(ctx, rec); err != nil {
		return model.Allocation{}, fmt.Errorf("saving session %s: %w", sessionID, err)
	}
	return alloc, nil
}

// firstAllocation builds the stable inline list: priority files first,
// then the cheapest candidates in ascending token order until the
// budget or the total-size ceiling cuts the tail off. The file that
// would overflow, and everything sorted after it, is delegated.
func (a *Allocator) firstAllocation(rec *model.SessionRecord, cands []candidate, tokenBudget int, alloc *model.Allocation) []candidate {
	budget := tokenBudget
	var rest, delegated []candidate
	var admitted []candidate

	for _, c := range cands {
		if c.priority {
			admitted = append(admitted, c)
			if c.tokens > 0 {
				budget -= c.tokens
			}
			continue
		}
		if c.tokens < 0 || c.file.SizeBytes > a.maxFileBytes {
			delegated = append(delegated, c)
			continue
		}
		rest = append(rest, c)
	}

	sort.Slice(rest, func(i, j int) bool {
		if rest[i].tokens != rest[j].tokens {
			return rest[i].tokens < rest[j].tokens
		}
		return rest[i].file.Path < rest[j].file.Path
	})

	running := 0
	runningBytes := int64(0)
	for i, c := range rest {
		if running+c.tokens > budget || runningBytes+c.file.SizeBytes > a.maxTotalBytes {
			delegated = append(delegated, rest[i:]...)
			break
		}
		running += c.tokens
		runningBytes += c.file.SizeBytes
		admitted = append(admitted, c)
	}

	rec.InlineList.Version = 1
	rec.InlineList.Entries = make([]model.InlineEntry, 0, len(admitted))
	for _, c := range admitted {
		rec.InlineList.Entries = append(rec.InlineList.Entries, model.InlineEntry{
			Path:        c.file.Path,
			Fingerprint: c.print,
		})
		alloc.Inlined = append(alloc.Inlined, inlineFile(c))
	}
	return delegated
}

// laterAllocation walks the existing list: members are resent only when
// their fingerprint moved, vanished members get a tombstone, and
// candidates outside the list are delegated unless marked priority.
func (a *Allocator) laterAllocation(rec *model.SessionRecord, cands []candidate, byPath map[string]*candidate, alloc *model.Allocation) []candidate {
	mutated := false
	for i := range rec.InlineList.Entries {
		e := &rec.InlineList.Entries[i]
		if e.Tombstone {
			continue
		}
		c, ok := byPath[e.Path]
		if !ok {
			e.Tombstone = true
			mutated = true
			a.logger.Debug("inline file gone, tombstoned", "path", e.Path)
			continue
		}
		c.listed = true
		if c.print != e.Fingerprint {
			e.Fingerprint = c.print
			mutated = true
			alloc.Inlined = append(alloc.Inlined, inlineFile(*c))
		} else {
			alloc.Unchanged = append(alloc.Unchanged, e.Path)
		}
	}
	if mutated {
		rec.InlineList.Version++
	}

	var delegated []candidate
	for _, c := range cands {
		if c.listed {
			continue
		}
		if c.priority {
			// inlined this turn but never admitted to the list
			alloc.Inlined = append(alloc.Inlined, inlineFile(c))
			continue
		}
		delegated = append(delegated, c)
	}
	return delegated
}

// delegate uploads the batch into the session's active store. Upload
// failures are per-file warnings; only cancellation aborts the batch.
func (a *Allocator) delegate(ctx context.Context, sessionID string, cands []candidate, alloc *model.Allocation) error {
	if len(cands) == 0 {
		return nil
	}
	head, err := a.stores.AcquireForSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("acquiring store for session %s: %w", sessionID, err)
	}
	alloc.StoreID = head.ID

	var (
		mu       sync.Mutex
		uploaded int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range cands {
		c := cands[i]
		g.Go(func() error {
			res, err := a.uploader.EnsureUploaded(gctx, head.ID, c.file)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				a.logger.Warn("delegated upload failed", "path", c.file.Path, "error", err)
				alloc.Warnings = append(alloc.Warnings, model.FileWarning{
					Path:   c.file.Path,
					Reason: "upload failed: " + err.Error(),
				})
				return nil
			}
			if res.Uploaded && res.StoreID == head.ID {
				uploaded++
			}
			alloc.Delegated = append(alloc.Delegated, model.DelegatedFile{
				Path:        c.file.Path,
				Fingerprint: c.print,
				RemoteRef:   res.RemoteRef,
				StoreID:     res.StoreID,
				SizeBytes:   int64(len(c.file.Content)),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	sort.Slice(alloc.Delegated, func(i, j int) bool {
		return alloc.Delegated[i].Path < alloc.Delegated[j].Path
	})

	if uploaded > 0 {
		next, err := a.stores.RecordWrite(ctx, head.ID, uploaded)
		if err != nil {
			// count bookkeeping failed; the uploads themselves are fine
			a.logger.Warn("recording write failed", "store", head.ID, "error", err)
			return nil
		}
		alloc.StoreID = next.ID
	}
	return nil
}

func inlineFile(c candidate) model.InlineFile {
	tokens := c.tokens
	if tokens < 0 {
		tokens = 0
	}
	return model.InlineFile{
		Path:     c.file.Path,
		Content:  c.file.Content,
		Tokens:   tokens,
		Priority: c.priority,
	}
}
