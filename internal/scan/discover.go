// Package scan collects the candidate files for one allocation turn.
// The walk is deterministic: entries are visited in sorted order,
// symlinks and special files are skipped, and the result is sorted by
// relative path, so identical trees always produce identical sets.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/attache-ai/attache/internal/model"
)

const defaultMaxFileBytes int64 = 10 * 1024 * 1024

var skippedDirs = map[string]struct{}{
	".git":         {},
	".attache":     {},
	"node_modules": {},
	"vendor":       {},
	"__pycache__":  {},
}

type Options struct {
	// MaxFileBytes drops files larger than this from the candidate set
	// entirely. This is the scan ceiling, not the inline one.
	MaxFileBytes int64

	// Excludes are globs in the MatchesAny dialect, matched against
	// slash-separated relative paths.
	Excludes []string

	// Priority paths stay in the candidate set even when an exclude
	// glob matches them. A pruned directory still hides its contents,
	// priority or not.
	Priority []string

	Logger *slog.Logger
}

// Collect walks root and loads candidate files with their content.
// Unreadable files are logged and skipped. A root that is a regular
// file yields a single candidate.
func Collect(ctx context.Context, root string, opts Options) ([]model.FileCandidate, error) {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = defaultMaxFileBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return collectSingle(absRoot, info, opts)
	}

	files := make([]model.FileCandidate, 0, 128)
	w := walker{opts: opts, priority: prioritySet(opts.Priority), files: &files}
	if err := w.walkDir(ctx, absRoot, ""); err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func collectSingle(absPath string, info os.FileInfo, opts Options) ([]model.FileCandidate, error) {
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("root %s is neither a directory nor a regular file", absPath)
	}
	if info.Size() > opts.MaxFileBytes {
		return nil, fmt.Errorf("file %s exceeds the %d byte candidate ceiling", absPath, opts.MaxFileBytes)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	return []model.FileCandidate{{
		Path:      filepath.Base(absPath),
		SizeBytes: int64(len(content)),
		Content:   content,
		Ext:       strings.ToLower(filepath.Ext(absPath)),
	}}, nil
}

type walker struct {
	opts     Options
	priority map[string]struct{}
	files    *[]model.FileCandidate
}

func prioritySet(paths []string) map[string]struct{} {
	if len(paths) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if n := normalizeForGlob(p); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func (w *walker) walkDir(ctx context.Context, absDir, relDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := entry.Name()
		relPath := name
		if relDir != "" {
			relPath = relDir + "/" + name
		}
		fullPath := filepath.Join(absDir, name)

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		if info.IsDir() {
			if _, ok := skippedDirs[name]; ok {
				continue
			}
			if MatchesAny(relPath, w.opts.Excludes) {
				continue
			}
			if err := w.walkDir(ctx, fullPath, relPath); err != nil {
				return err
			}
			continue
		}

		if !info.Mode().IsRegular() {
			continue
		}
		if MatchesAny(relPath, w.opts.Excludes) {
			if _, keep := w.priority[relPath]; !keep {
				continue
			}
		}
		if info.Size() > w.opts.MaxFileBytes {
			w.opts.Logger.Debug("skipping oversized file", "path", relPath, "size", info.Size())
			continue
		}

		content, err := os.ReadFile(fullPath)
		if err != nil {
			w.opts.Logger.Warn("skipping unreadable file", "path", relPath, "error", err)
			continue
		}
		*w.files = append(*w.files, model.FileCandidate{
			Path:      relPath,
			SizeBytes: int64(len(content)),
			Content:   content,
			Ext:       strings.ToLower(filepath.Ext(name)),
		})
	}

	return nil
}
