package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cerrors "github.com/adalundhe/accord/core/errors"
	"github.com/adalundhe/accord/core/hashing"
	"github.com/adalundhe/accord/core/locking"
	"github.com/adalundhe/accord/core/merge"
	"github.com/adalundhe/accord/core/workspace"
)

type fixture struct {
	root  string
	coord *Coordinator
	locks *locking.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	guard, err := workspace.NewGuard(workspace.DefaultConfig(root))
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}

	tracker, err := hashing.NewTracker(256)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	locks := locking.NewManager()
	t.Cleanup(locks.Close)

	coord, err := New(Config{
		Guard:  guard,
		Locks:  locks,
		Hashes: tracker,
		Merger: merge.NewResolver(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &fixture{root: root, coord: coord, locks: locks}
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.root, name)
}

func (f *fixture) mustWrite(t *testing.T, name, content, session string) WriteResult {
	t.Helper()
	result := f.coord.SafeWriteFile(context.Background(), f.path(name), []byte(content), WriteOptions{
		SessionID: session,
	})
	if !result.Success {
		t.Fatalf("SafeWriteFile(%s) failed: %v", name, result.Err)
	}
	return result
}

func (f *fixture) diskContent(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", name, err)
	}
	return string(data)
}

func TestWriteReadRoundTrip(t *testing.T) {
	f := newFixture(t)

	written := f.mustWrite(t, "a.txt", "Hello, World!", "session-1")
	if written.NewHash == "" {
		t.Fatal("commit returned empty hash")
	}

	read := f.coord.SafeReadFile(f.path("a.txt"), ReadOptions{SessionID: "session-1"})
	if !read.Success {
		t.Fatalf("SafeReadFile() failed: %v", read.Err)
	}
	if string(read.Content) != "Hello, World!" {
		t.Errorf("Content = %q, want %q", read.Content, "Hello, World!")
	}
	if read.Hash != written.NewHash {
		t.Errorf("read hash %q != committed hash %q", read.Hash, written.NewHash)
	}
}

func TestWriteIdempotentHash(t *testing.T) {
	f := newFixture(t)

	first := f.mustWrite(t, "a.txt", "same content", "session-1")
	second := f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte("same content"), WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: first.NewHash,
	})
	if !second.Success {
		t.Fatalf("rewrite failed: %v", second.Err)
	}
	if second.NewHash != first.NewHash {
		t.Errorf("identical content hashed differently: %q vs %q", second.NewHash, first.NewHash)
	}
	if second.Conflict != nil {
		t.Error("rewrite with current hash reported a conflict")
	}
}

func TestWriteWithoutExpectedHashSkipsCheck(t *testing.T) {
	f := newFixture(t)

	f.mustWrite(t, "a.txt", "v1", "session-1")

	// No expected hash: blind overwrite succeeds regardless of state.
	result := f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte("v2"), WriteOptions{
		SessionID: "session-2",
	})
	if !result.Success {
		t.Fatalf("blind write failed: %v", result.Err)
	}
	if got := f.diskContent(t, "a.txt"); got != "v2" {
		t.Errorf("content = %q, want v2", got)
	}
}

func TestFailFastRejectsStaleWrite(t *testing.T) {
	f := newFixture(t)

	base := f.mustWrite(t, "a.txt", "v1", "session-1")
	f.mustWrite(t, "a.txt", "v2 from session-2", "session-2")

	result := f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte("stale write"), WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: base.NewHash,
		Resolution:   FailFast,
	})

	if result.Success {
		t.Fatal("stale fail-fast write succeeded")
	}
	if result.Err == nil || result.Err.Kind != cerrors.KindConflict {
		t.Fatalf("Err = %v, want KindConflict", result.Err)
	}
	if result.Conflict == nil {
		t.Fatal("fail-fast result missing conflict info")
	}
	if result.Conflict.ExpectedHash != base.NewHash {
		t.Errorf("ExpectedHash = %q, want %q", result.Conflict.ExpectedHash, base.NewHash)
	}
	if result.Conflict.CurrentHash == base.NewHash {
		t.Error("CurrentHash should reflect the intervening write")
	}
	if result.Conflict.LastModifiedBy != "session-2" {
		t.Errorf("LastModifiedBy = %q, want session-2", result.Conflict.LastModifiedBy)
	}

	// Filesystem untouched by the rejected write.
	if got := f.diskContent(t, "a.txt"); got != "v2 from session-2" {
		t.Errorf("content = %q, rejected write must not modify the file", got)
	}
}

func TestLastWriteWinsOverwrites(t *testing.T) {
	f := newFixture(t)

	base := f.mustWrite(t, "a.txt", "v1", "session-1")
	f.mustWrite(t, "a.txt", "v2", "session-2")

	result := f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte("session-1 wins"), WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: base.NewHash,
		Resolution:   LastWriteWins,
	})

	if !result.Success {
		t.Fatalf("last-write-wins failed: %v", result.Err)
	}
	if result.Conflict == nil {
		t.Error("overridden conflict should still be reported")
	}
	if got := f.diskContent(t, "a.txt"); got != "session-1 wins" {
		t.Errorf("content = %q, want the last writer's payload", got)
	}
}

func TestAutoMergeDisjointEdits(t *testing.T) {
	f := newFixture(t)

	base := "line1\nline2\nline3\nline4\nline5"
	first := f.mustWrite(t, "a.txt", base, "session-0")

	// session-2 commits an edit to line 1.
	theirs := "line1 by s2\nline2\nline3\nline4\nline5"
	f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte(theirs), WriteOptions{
		SessionID:    "session-2",
		ExpectedHash: first.NewHash,
	})

	// session-1 edits line 5 against the original base.
	mine := "line1\nline2\nline3\nline4\nline5 by s1"
	result := f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte(mine), WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: first.NewHash,
		Resolution:   AutoMerge,
	})

	if !result.Success {
		t.Fatalf("auto-merge failed: %v", result.Err)
	}
	if result.Merge == nil || !result.Merge.CanAutoMerge {
		t.Fatal("result missing merge outcome")
	}

	merged := f.diskContent(t, "a.txt")
	if !strings.Contains(merged, "line1 by s2") || !strings.Contains(merged, "line5 by s1") {
		t.Errorf("merged content missing an edit: %q", merged)
	}
}

func TestAutoMergeExplicitBaseContent(t *testing.T) {
	f := newFixture(t)

	base := "a\nb\nc"
	first := f.mustWrite(t, "a.txt", base, "session-0")

	f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte("a edited\nb\nc"), WriteOptions{
		SessionID:    "session-2",
		ExpectedHash: first.NewHash,
	})

	result := f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte("a\nb\nc edited"), WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: first.NewHash,
		Resolution:   AutoMerge,
		BaseContent:  []byte(base),
	})

	if !result.Success {
		t.Fatalf("auto-merge with explicit base failed: %v", result.Err)
	}
	if want := "a edited\nb\nc edited"; f.diskContent(t, "a.txt") != want {
		t.Errorf("content = %q, want %q", f.diskContent(t, "a.txt"), want)
	}
}

func TestAutoMergeOverlapFallsBackToFailFast(t *testing.T) {
	f := newFixture(t)

	base := "shared line"
	first := f.mustWrite(t, "a.txt", base, "session-0")

	f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte("shared line by s2"), WriteOptions{
		SessionID:    "session-2",
		ExpectedHash: first.NewHash,
	})

	result := f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte("shared line by s1"), WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: first.NewHash,
		Resolution:   AutoMerge,
		BaseContent:  []byte(base),
	})

	if result.Success {
		t.Fatal("overlapping edits must not auto-merge")
	}
	if result.Err == nil || result.Err.Kind != cerrors.KindConflict {
		t.Fatalf("Err = %v, want KindConflict", result.Err)
	}
	if result.Merge == nil || result.Merge.CanAutoMerge {
		t.Error("declined merge outcome missing from result")
	}
	if got := f.diskContent(t, "a.txt"); got != "shared line by s2" {
		t.Errorf("content = %q, declined merge must leave the file unchanged", got)
	}
}

func TestWriteRejectsEscapingPath(t *testing.T) {
	f := newFixture(t)

	result := f.coord.SafeWriteFile(context.Background(), filepath.Join(f.root, "..", "escape.txt"), []byte("x"), WriteOptions{
		SessionID: "session-1",
	})
	if result.Success {
		t.Fatal("write outside the workspace succeeded")
	}
	if result.Err == nil || result.Err.Kind != cerrors.KindPathEscape {
		t.Errorf("Err = %v, want KindPathEscape", result.Err)
	}
}

func TestReadMissingFile(t *testing.T) {
	f := newFixture(t)

	result := f.coord.SafeReadFile(f.path("missing.txt"), ReadOptions{SessionID: "session-1"})
	if result.Success {
		t.Fatal("read of missing file succeeded")
	}
	if result.Err == nil || result.Err.Kind != cerrors.KindIO {
		t.Errorf("Err = %v, want KindIO", result.Err)
	}
}

func TestWriteLockTimeout(t *testing.T) {
	f := newFixture(t)

	resolved, err := filepath.Abs(f.path("a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	held, err := f.locks.Acquire(context.Background(), resolved, "hog", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer f.locks.Release(held)

	start := time.Now()
	result := f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte("x"), WriteOptions{
		SessionID:   "session-1",
		LockTimeout: 50 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if result.Success {
		t.Fatal("write succeeded while lock held elsewhere")
	}
	if result.Err == nil || result.Err.Kind != cerrors.KindLockTimeout {
		t.Fatalf("Err = %v, want KindLockTimeout", result.Err)
	}
	if elapsed < 50*time.Millisecond || elapsed > 250*time.Millisecond {
		t.Errorf("timeout elapsed = %v, want ~50ms", elapsed)
	}
	if !cerrors.IsRetryable(result.Err) {
		t.Error("lock timeout must be retryable")
	}
}

func TestCheckFileModified(t *testing.T) {
	f := newFixture(t)

	written := f.mustWrite(t, "a.txt", "v1", "session-1")

	check := f.coord.CheckFileModified(f.path("a.txt"), written.NewHash, "session-1")
	if check.Err != nil {
		t.Fatalf("CheckFileModified() error = %v", check.Err)
	}
	if check.HasConflict {
		t.Error("unmodified file reported as conflicting")
	}

	f.mustWrite(t, "a.txt", "v2", "session-2")

	check = f.coord.CheckFileModified(f.path("a.txt"), written.NewHash, "session-1")
	if check.Err != nil {
		t.Fatalf("CheckFileModified() error = %v", check.Err)
	}
	if !check.HasConflict {
		t.Error("modified file not reported as conflicting")
	}
	if check.CurrentHash == written.NewHash {
		t.Error("CurrentHash unchanged after modification")
	}
}

func TestExternalChangeAttribution(t *testing.T) {
	f := newFixture(t)

	written := f.mustWrite(t, "a.txt", "v1", "session-1")

	// Simulate an out-of-band edit reported by the watcher.
	if err := os.WriteFile(f.path("a.txt"), []byte("edited outside"), 0644); err != nil {
		t.Fatal(err)
	}
	resolved, _ := filepath.Abs(f.path("a.txt"))
	f.coord.NoteExternalChange(resolved)

	result := f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte("stale"), WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: written.NewHash,
	})

	if result.Success {
		t.Fatal("write against an externally changed file succeeded")
	}
	if result.Conflict == nil {
		t.Fatal("missing conflict info")
	}
	if result.Conflict.LastModifiedBy != ExternalWriter {
		t.Errorf("LastModifiedBy = %q, want %q", result.Conflict.LastModifiedBy, ExternalWriter)
	}
}

func TestForceWrite(t *testing.T) {
	f := newFixture(t)

	f.mustWrite(t, "a.txt", "v1", "session-1")

	hash, err := f.coord.ForceWrite(context.Background(), f.path("a.txt"), []byte("forced"), "session-2")
	if err != nil {
		t.Fatalf("ForceWrite() error = %v", err)
	}
	if hash == "" {
		t.Error("ForceWrite() returned empty hash")
	}
	if got := f.diskContent(t, "a.txt"); got != "forced" {
		t.Errorf("content = %q, want forced", got)
	}
}

func TestConcurrentWritersLinearize(t *testing.T) {
	f := newFixture(t)

	const writers = 10
	var wg sync.WaitGroup
	results := make([]WriteResult, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := fmt.Sprintf("writer-%d content", n)
			results[n] = f.coord.SafeWriteFile(context.Background(), f.path("shared.txt"), []byte(payload), WriteOptions{
				SessionID:   fmt.Sprintf("session-%d", n),
				LockTimeout: 10 * time.Second,
			})
		}(i)
	}
	wg.Wait()

	final := f.diskContent(t, "shared.txt")
	matched := false
	for n := 0; n < writers; n++ {
		if !results[n].Success {
			t.Fatalf("writer %d failed: %v", n, results[n].Err)
		}
		if final == fmt.Sprintf("writer-%d content", n) {
			matched = true
		}
	}
	if !matched {
		// Interleaved writes would leave torn content matching no writer.
		t.Errorf("final content %q is not any single writer's payload", final)
	}

	read := f.coord.SafeReadFile(f.path("shared.txt"), ReadOptions{SessionID: "reader"})
	if !read.Success {
		t.Fatalf("final read failed: %v", read.Err)
	}
	if read.Hash != hashing.DigestBytes([]byte(final)) {
		t.Error("cached hash out of sync with final content")
	}
}

func TestStaleCheckAndWritersRace(t *testing.T) {
	f := newFixture(t)

	base := f.mustWrite(t, "a.txt", "base", "session-0")

	// Two sessions race the same expected hash with fail-fast. Exactly one
	// must win; the other must observe a conflict.
	var wg sync.WaitGroup
	outcomes := make([]WriteResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			outcomes[n] = f.coord.SafeWriteFile(context.Background(), f.path("a.txt"), []byte(fmt.Sprintf("attempt-%d", n)), WriteOptions{
				SessionID:    fmt.Sprintf("session-%d", n+1),
				ExpectedHash: base.NewHash,
				LockTimeout:  5 * time.Second,
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	conflicts := 0
	for _, outcome := range outcomes {
		if outcome.Success {
			successes++
			continue
		}
		if outcome.Err != nil && outcome.Err.Kind == cerrors.KindConflict {
			conflicts++
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Errorf("successes = %d, conflicts = %d; want exactly one of each", successes, conflicts)
	}
}

func TestParseResolution(t *testing.T) {
	cases := map[string]Resolution{
		"fail-fast":       FailFast,
		"last-write-wins": LastWriteWins,
		"auto-merge":      AutoMerge,
		"":                FailFast,
		"bogus":           FailFast,
	}
	for name, want := range cases {
		if got := ParseResolution(name); got != want {
			t.Errorf("ParseResolution(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestResolutionString(t *testing.T) {
	if got := LastWriteWins.String(); got != "last-write-wins" {
		t.Errorf("String() = %q", got)
	}
	if got := Resolution(99).String(); got != "unknown" {
		t.Errorf("String() = %q", got)
	}
}
