package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/attache-ai/attache/internal/fingerprint"
	"github.com/attache-ai/attache/internal/model"
	"github.com/attache-ai/attache/internal/store"
)

type fakeProvider struct {
	mu       sync.Mutex
	uploads  int
	delay    time.Duration
	failures int
	permFail bool
	indexIDs []string
}

func (p *fakeProvider) CreateIndex(ctx context.Context, displayName string) (string, error) {
	return "idx-" + displayName, nil
}

func (p *fakeProvider) UploadDocument(ctx context.Context, indexID string, doc model.IndexDocument) (string, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.indexIDs = append(p.indexIDs, indexID)
	if p.failures > 0 {
		p.failures--
		return "", &model.ProviderError{Code: "FAKE_RATE_LIMIT", Message: "slow down", Retryable: true, StatusCode: 429}
	}
	if p.permFail {
		return "", &model.ProviderError{Code: "FAKE_FAILED", Message: "bad request", StatusCode: 400}
	}
	p.uploads++
	return fmt.Sprintf("ref-%d", p.uploads), nil
}

func (p *fakeProvider) DeleteIndex(ctx context.Context, indexID string) error {
	return nil
}

func (p *fakeProvider) uploadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploads
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st := store.NewSQLiteStore(filepath.Join(t.TempDir(), "attache.db"))
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedStoreRecord(t *testing.T, st *store.SQLiteStore, id string) {
	t.Helper()
	now := time.Now().Unix()
	err := st.InsertVectorStore(context.Background(), model.VectorStoreRecord{
		ID:               id,
		SessionID:        "sess-" + id,
		Provider:         "fake",
		ProviderMetadata: "idx-" + id,
		IsActive:         true,
		CreatedAt:        now,
		ExpiresAt:        now + 3600,
		UpdatedAt:        now,
	})
	if err != nil {
		t.Fatalf("seeding store record: %v", err)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestEnsureUploadedUploadsOnce(t *testing.T) {
	st := newTestStore(t)
	seedStoreRecord(t, st, "vs-1")
	p := &fakeProvider{}
	d := New(st, p, Options{Logger: quietLogger()})

	file := model.FileCandidate{Path: "a.go", Content: []byte("package a")}

	first, err := d.EnsureUploaded(context.Background(), "vs-1", file)
	if err != nil {
		t.Fatalf("first EnsureUploaded: %v", err)
	}
	if !first.Uploaded || first.RemoteRef != "ref-1" || first.StoreID != "vs-1" {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := d.EnsureUploaded(context.Background(), "vs-1", file)
	if err != nil {
		t.Fatalf("second EnsureUploaded: %v", err)
	}
	if second.Uploaded || second.RemoteRef != "ref-1" {
		t.Fatalf("unexpected second result: %+v", second)
	}
	if got := p.uploadCount(); got != 1 {
		t.Fatalf("upload count = %d, want 1", got)
	}

	print := fingerprint.Compute(file.Content)
	entry, err := st.GetDedupEntry(context.Background(), print)
	if err != nil {
		t.Fatalf("reading entry: %v", err)
	}
	if entry.RefCount != 2 {
		t.Fatalf("ref count = %d, want 2", entry.RefCount)
	}
	if entry.Checksum != fingerprint.Checksum(file.Content) {
		t.Fatalf("stored checksum mismatch")
	}
}

func TestEnsureUploadedReusesAcrossStores(t *testing.T) {
	st := newTestStore(t)
	seedStoreRecord(t, st, "vs-1")
	seedStoreRecord(t, st, "vs-2")
	p := &fakeProvider{}
	d := New(st, p, Options{Logger: quietLogger()})

	file := model.FileCandidate{Path: "a.go", Content: []byte("package a")}

	if _, err := d.EnsureUploaded(context.Background(), "vs-1", file); err != nil {
		t.Fatalf("first EnsureUploaded: %v", err)
	}
	res, err := d.EnsureUploaded(context.Background(), "vs-2", file)
	if err != nil {
		t.Fatalf("second EnsureUploaded: %v", err)
	}
	if res.Uploaded || res.StoreID != "vs-1" {
		t.Fatalf("expected reuse from vs-1, got %+v", res)
	}
	if got := p.uploadCount(); got != 1 {
		t.Fatalf("upload count = %d, want 1", got)
	}
}

func TestConcurrentEnsureUploaded(t *testing.T) {
	st := newTestStore(t)
	seedStoreRecord(t, st, "vs-1")
	p := &fakeProvider{delay: 20 * time.Millisecond}

	file := model.FileCandidate{Path: "big.go", Content: []byte("package big\n\nvar X = 1\n")}

	const callers = 12
	refs := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// separate Deduplicator per goroutine: no shared in-process
			// cache, so coordination happens through the database alone
			d := New(st, p, Options{Logger: quietLogger()})
			res, err := d.EnsureUploaded(context.Background(), "vs-1", file)
			refs[i] = res.RemoteRef
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if refs[i] != "ref-1" {
			t.Fatalf("caller %d got ref %q, want ref-1", i, refs[i])
		}
	}
	if got := p.uploadCount(); got != 1 {
		t.Fatalf("upload count = %d, want 1", got)
	}
}

func TestCollisionForcesFreshUpload(t *testing.T) {
	st := newTestStore(t)
	seedStoreRecord(t, st, "vs-1")
	p := &fakeProvider{}
	d := New(st, p, Options{Logger: quietLogger()})

	file := model.FileCandidate{Path: "a.go", Content: []byte("package a")}
	print := fingerprint.Compute(file.Content)

	// same fingerprint, different recorded content
	err := st.PutDedupEntry(context.Background(), model.DedupEntry{
		Fingerprint: print,
		RemoteRef:   "ref-stale",
		StoreID:     "vs-1",
		SizeBytes:   999,
		Checksum:    "deadbeef",
		UploadedAt:  time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("seeding entry: %v", err)
	}

	res, err := d.EnsureUploaded(context.Background(), "vs-1", file)
	if err != nil {
		t.Fatalf("EnsureUploaded: %v", err)
	}
	if !res.Uploaded || res.RemoteRef == "ref-stale" {
		t.Fatalf("expected fresh upload, got %+v", res)
	}

	entry, err := st.GetDedupEntry(context.Background(), print)
	if err != nil {
		t.Fatalf("reading entry: %v", err)
	}
	if entry.SizeBytes != int64(len(file.Content)) || entry.Checksum != fingerprint.Checksum(file.Content) {
		t.Fatalf("entry not overwritten: %+v", entry)
	}
}

func TestUploadFailureReleasesClaim(t *testing.T) {
	st := newTestStore(t)
	seedStoreRecord(t, st, "vs-1")
	p := &fakeProvider{permFail: true}
	d := New(st, p, Options{Logger: quietLogger()})

	file := model.FileCandidate{Path: "a.go", Content: []byte("package a")}
	print := fingerprint.Compute(file.Content)

	_, err := d.EnsureUploaded(context.Background(), "vs-1", file)
	if err == nil {
		t.Fatalf("expected upload failure")
	}
	var pe *model.ProviderError
	if !errors.As(err, &pe) || pe.Code != "FAKE_FAILED" {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := st.GetClaim(context.Background(), print); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("claim not released: %v", err)
	}
	if _, err := st.GetDedupEntry(context.Background(), print); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("entry written despite failure: %v", err)
	}
}

func TestRetryableUploadRetries(t *testing.T) {
	st := newTestStore(t)
	seedStoreRecord(t, st, "vs-1")
	p := &fakeProvider{failures: 1}
	d := New(st, p, Options{Logger: quietLogger()})

	file := model.FileCandidate{Path: "a.go", Content: []byte("package a")}
	res, err := d.EnsureUploaded(context.Background(), "vs-1", file)
	if err != nil {
		t.Fatalf("EnsureUploaded: %v", err)
	}
	if !res.Uploaded {
		t.Fatalf("expected upload after retry, got %+v", res)
	}
	if got := p.uploadCount(); got != 1 {
		t.Fatalf("upload count = %d, want 1", got)
	}
}

func TestStaleClaimReclaimed(t *testing.T) {
	st := newTestStore(t)
	seedStoreRecord(t, st, "vs-1")
	p := &fakeProvider{}
	d := New(st, p, Options{ClaimTimeout: 5 * time.Second, Logger: quietLogger()})

	file := model.FileCandidate{Path: "a.go", Content: []byte("package a")}
	print := fingerprint.Compute(file.Content)

	// claim from a process that died 10 minutes ago
	won, err := st.TryInsertClaim(context.Background(), print, "dead-process", time.Now().Add(-10*time.Minute).Unix())
	if err != nil || !won {
		t.Fatalf("seeding claim: won=%v err=%v", won, err)
	}

	start := time.Now()
	res, err := d.EnsureUploaded(context.Background(), "vs-1", file)
	if err != nil {
		t.Fatalf("EnsureUploaded: %v", err)
	}
	if !res.Uploaded {
		t.Fatalf("expected reclaim and upload, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("reclaim took %v, should not wait out the full timeout", elapsed)
	}
}

func TestLoserWaitsForWinner(t *testing.T) {
	st := newTestStore(t)
	seedStoreRecord(t, st, "vs-1")
	p := &fakeProvider{}
	d := New(st, p, Options{ClaimTimeout: 5 * time.Second, Logger: quietLogger()})

	file := model.FileCandidate{Path: "a.go", Content: []byte("package a")}
	print := fingerprint.Compute(file.Content)
	sum := fingerprint.Checksum(file.Content)

	won, err := st.TryInsertClaim(context.Background(), print, "other-process", time.Now().Unix())
	if err != nil || !won {
		t.Fatalf("seeding claim: won=%v err=%v", won, err)
	}

	done := make(chan Result, 1)
	errc := make(chan error, 1)
	go func() {
		res, err := d.EnsureUploaded(context.Background(), "vs-1", file)
		if err != nil {
			errc <- err
			return
		}
		done <- res
	}()

	// play the winner from here
	time.Sleep(150 * time.Millisecond)
	err = st.PutDedupEntry(context.Background(), model.DedupEntry{
		Fingerprint: print,
		RemoteRef:   "ref-winner",
		StoreID:     "vs-1",
		SizeBytes:   int64(len(file.Content)),
		Checksum:    sum,
		UploadedAt:  time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("writing winner entry: %v", err)
	}
	if err := st.DeleteClaim(context.Background(), print, "other-process"); err != nil {
		t.Fatalf("deleting winner claim: %v", err)
	}

	select {
	case res := <-done:
		if res.Uploaded || res.RemoteRef != "ref-winner" {
			t.Fatalf("unexpected loser result: %+v", res)
		}
	case err := <-errc:
		t.Fatalf("loser failed: %v", err)
	case <-time.After(4 * time.Second):
		t.Fatalf("loser did not observe winner entry")
	}
	if got := p.uploadCount(); got != 0 {
		t.Fatalf("upload count = %d, want 0", got)
	}
}

func TestCancelledWaiterReturns(t *testing.T) {
	st := newTestStore(t)
	seedStoreRecord(t, st, "vs-1")
	p := &fakeProvider{}
	d := New(st, p, Options{ClaimTimeout: 30 * time.Second, Logger: quietLogger()})

	file := model.FileCandidate{Path: "a.go", Content: []byte("package a")}
	print := fingerprint.Compute(file.Content)

	won, err := st.TryInsertClaim(context.Background(), print, "other-process", time.Now().Unix())
	if err != nil || !won {
		t.Fatalf("seeding claim: won=%v err=%v", won, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.EnsureUploaded(ctx, "vs-1", file)
		errc <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled waiter did not return")
	}
}

func TestSerializedMode(t *testing.T) {
	st := newTestStore(t)
	seedStoreRecord(t, st, "vs-1")
	p := &fakeProvider{delay: 10 * time.Millisecond}
	d := New(st, p, Options{Serialize: true, Logger: quietLogger()})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			file := model.FileCandidate{
				Path:    fmt.Sprintf("f%d.go", i),
				Content: []byte(fmt.Sprintf("package f%d", i)),
			}
			_, errs[i] = d.EnsureUploaded(context.Background(), "vs-1", file)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if got := p.uploadCount(); got != 8 {
		t.Fatalf("upload count = %d, want 8", got)
	}
}
