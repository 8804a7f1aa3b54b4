package scan

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func quietOpts(opts Options) Options {
	opts.Logger = slog.New(slog.DiscardHandler)
	return opts
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", rel, err)
		}
	}
}

func TestMatchesAny(t *testing.T) {
	patterns := []string{
		"**/private/**",
		"**/*.pem",
		"fixtures/",
	}

	if !MatchesAny("src/private/token.txt", patterns) {
		t.Fatal("expected private path to match")
	}
	if !MatchesAny("tls/server.pem", patterns) {
		t.Fatal("expected pem path to match")
	}
	if !MatchesAny("fixtures/data/sample.json", patterns) {
		t.Fatal("expected fixtures/ prefix path to match")
	}
	if !MatchesAny("fixtures", patterns) {
		t.Fatal("expected the fixtures dir itself to match")
	}
	if MatchesAny("src/public/readme.md", patterns) {
		t.Fatal("did not expect public path to match")
	}
	if MatchesAny("deep/nested/app.log", []string{"*.log"}) {
		t.Fatal("bare *.log must stay top-level only")
	}
}

func TestCollectWalksSortedAndLoadsContent(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"b/inner.go":         "package inner\n",
		"a.txt":              "hello\n",
		".git/config":        "[core]\n",
		"node_modules/x.js":  "x",
		"vendor/dep/code.go": "package dep\n",
		".attache/state.db":  "binary",
	})

	files, err := Collect(context.Background(), root, quietOpts(Options{}))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(files), files)
	}
	if files[0].Path != "a.txt" || files[1].Path != "b/inner.go" {
		t.Fatalf("paths = [%s %s], want sorted [a.txt b/inner.go]", files[0].Path, files[1].Path)
	}
	if string(files[0].Content) != "hello\n" {
		t.Fatalf("content = %q", files[0].Content)
	}
	if files[0].SizeBytes != 6 {
		t.Fatalf("size = %d, want 6", files[0].SizeBytes)
	}
	if files[1].Ext != ".go" {
		t.Fatalf("ext = %q, want .go", files[1].Ext)
	}
}

func TestCollectAppliesExcludeGlobs(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.go":        "package main\n",
		"src/key.pem":        "---",
		"fixtures/data.json": "{}",
	})

	files, err := Collect(context.Background(), root, quietOpts(Options{
		Excludes: []string{"**/*.pem", "fixtures/"},
	}))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(files) != 1 || files[0].Path != "src/main.go" {
		t.Fatalf("candidates = %+v, want only src/main.go", files)
	}
}

func TestCollectKeepsPriorityDespiteExcludes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.go":     "package main\n",
		"docs/notes.md":   "notes\n",
		"docs/extra.md":   "extra\n",
		"build/keep.txt":  "kept?",
		"build/other.txt": "other",
	})

	files, err := Collect(context.Background(), root, quietOpts(Options{
		Excludes: []string{"**/*.md", "build/"},
		Priority: []string{"docs/notes.md", "build/keep.txt"},
	}))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	got := make([]string, 0, len(files))
	for _, f := range files {
		got = append(got, f.Path)
	}
	// docs/notes.md survives its glob; build/keep.txt does not, because
	// the build/ subtree is pruned before its files are seen.
	want := []string{"docs/notes.md", "src/main.go"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}
}

func TestCollectSkipsOversizedFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"small.txt": "ok",
		"large.txt": "0123456789",
	})

	files, err := Collect(context.Background(), root, quietOpts(Options{MaxFileBytes: 5}))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(files) != 1 || files[0].Path != "small.txt" {
		t.Fatalf("candidates = %+v, want only small.txt", files)
	}
}

func TestCollectSkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"real.txt": "real"})
	if err := os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	files, err := Collect(context.Background(), root, quietOpts(Options{}))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(files) != 1 || files[0].Path != "real.txt" {
		t.Fatalf("candidates = %+v, want only real.txt", files)
	}
}

func TestCollectSingleFileRoot(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"only.md": "# doc\n"})

	files, err := Collect(context.Background(), filepath.Join(root, "only.md"), quietOpts(Options{}))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d candidates, want 1", len(files))
	}
	if files[0].Path != "only.md" || files[0].Ext != ".md" {
		t.Fatalf("candidate = %+v", files[0])
	}
}

func TestCollectHonorsCancellation(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Collect(ctx, root, quietOpts(Options{})); err == nil {
		t.Fatal("expected cancellation error")
	}
}
