package history

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := &Job{ID: "j1", Workflow: "txt2img", Params: map[string]any{"prompt": "a fox", "seed": int64(1234567890123456789)}}
	if err := s.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx, "j1", "p1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRunning || got.PromptID != "p1" || got.Params["prompt"] != "a fox" {
		t.Fatalf("unexpected job %#v", got)
	}
	if got.Params["seed"] != json.Number("1234567890123456789") {
		t.Fatalf("seed = %#v", got.Params["seed"])
	}

	if err := s.Finish(ctx, "j1", []string{"output/a.png"}, nil); err != nil {
		t.Fatal(err)
	}
	got, err = s.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSucceeded || len(got.Outputs) != 1 || got.FinishedAt == nil {
		t.Fatalf("unexpected finished job %#v", got)
	}
}

func TestFinishWithError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, &Job{ID: "j2", Workflow: "wan", Params: map[string]any{}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(ctx, "j2", nil, errors.New("CUDA out of memory")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "j2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.Error != "CUDA out of memory" {
		t.Fatalf("unexpected job %#v", got)
	}
}

func TestNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Start(ctx, "nope", "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start: %v", err)
	}
}

func TestRecent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		j := &Job{ID: id, Workflow: "txt2img", Params: map[string]any{}, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	jobs, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "b" {
		t.Fatalf("Recent returned %v", jobs)
	}
}

func openFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("no /proc/self/fd on this platform")
	}
	return len(entries)
}

func TestOpenFailureReleasesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	if err := os.WriteFile(path, []byte(strings.Repeat("not a sqlite database ", 200)), 0o644); err != nil {
		t.Fatal(err)
	}

	const attempts = 20
	before := openFiles(t)
	for i := 0; i < attempts; i++ {
		if s, err := Open(path); err == nil {
			s.Close()
			t.Fatal("expected error opening a corrupt database")
		}
	}
	if leaked := openFiles(t) - before; leaked >= attempts {
		t.Fatalf("%d file descriptors left open after %d failed opens", leaked, attempts)
	}
}
