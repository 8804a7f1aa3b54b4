package cli

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/attache-ai/attache/internal/allocator"
	"github.com/attache-ai/attache/internal/config"
	"github.com/attache-ai/attache/internal/dedup"
	"github.com/attache-ai/attache/internal/lifecycle"
	"github.com/attache-ai/attache/internal/model"
	"github.com/attache-ai/attache/internal/provider"
	"github.com/attache-ai/attache/internal/session"
	"github.com/attache-ai/attache/internal/store"
)

// runtime is the wired stack behind every command: one SQLite state
// file, one provider client, and the coordination layers on top.
type runtime struct {
	cfg      config.Config
	rootDir  string
	stateDir string
	store    *store.SQLiteStore
	provider model.VectorStoreProvider
	manager  *lifecycle.Manager
	sessions *session.Cache
	dedup    *dedup.Deduplicator
	alloc    *allocator.Allocator
	logger   *slog.Logger
}

// mustRuntime resolves directories, loads config, and wires the stack,
// exiting with a specific code when startup cannot proceed.
func mustRuntime() *runtime {
	rootDir, err := filepath.Abs(globalFlags.Dir)
	if err != nil {
		exitWith(ExitRootMissing, "ERROR: working directory inaccessible: "+err.Error())
	}
	info, err := os.Stat(rootDir)
	if err != nil || !info.IsDir() {
		exitWith(ExitRootMissing, "ERROR: working directory not found: "+globalFlags.Dir)
	}

	stateDir := globalFlags.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(rootDir, ".attache")
	}
	stateDir, err = filepath.Abs(stateDir)
	if err != nil {
		exitWith(ExitStateFailure, "ERROR: state directory path invalid: "+err.Error())
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		exitWith(ExitStateFailure, "ERROR: creating state directory: "+err.Error())
	}

	cfg, err := config.Load(globalFlags.ConfigPath)
	if err != nil {
		exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
	}

	p, err := provider.New(cfg.Provider.Name, cfg.ResolveAPIKey(), cfg.Provider.BaseURL)
	if err != nil {
		exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
	}

	logger := slog.Default()
	st := store.NewSQLiteStore(cfg.StorePathIn(stateDir))

	manager := lifecycle.New(st, p, lifecycle.Options{
		ProviderName:       cfg.Provider.Name,
		TTL:                time.Duration(cfg.VectorStore.TTLSeconds) * time.Second,
		RolloverLimit:      cfg.VectorStore.RolloverLimit,
		CleanupProbability: cfg.VectorStore.CleanupProbability,
		Logger:             logger,
	})
	sessions := session.New(st, session.Options{
		TTL:                time.Duration(cfg.Session.TTLSeconds) * time.Second,
		CleanupProbability: cfg.Session.CleanupProbability,
		Logger:             logger,
	})
	ded := dedup.New(st, p, dedup.Options{
		ClaimTimeout: time.Duration(cfg.Dedup.ClaimTimeoutSeconds) * time.Second,
		Serialize:    cfg.Dedup.SerializeUploads,
		Logger:       logger,
	})
	alloc := allocator.New(sessions, manager, ded, allocator.Options{
		ProviderName:      cfg.Provider.Name,
		MaxFileBytes:      cfg.Inline.MaxFileBytes,
		MaxTotalBytes:     cfg.Inline.MaxTotalBytes,
		UploadConcurrency: cfg.Dedup.UploadConcurrency,
		Logger:            logger,
	})

	return &runtime{
		cfg:      cfg,
		rootDir:  rootDir,
		stateDir: stateDir,
		store:    st,
		provider: p,
		manager:  manager,
		sessions: sessions,
		dedup:    ded,
		alloc:    alloc,
		logger:   logger,
	}
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.logger.Warn("closing state db", "error", err)
	}
}
