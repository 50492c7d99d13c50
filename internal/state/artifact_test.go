package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/deskstream/internal/types"
)

func TestSpillShortOutputStaysInline(t *testing.T) {
	dir := t.TempDir()
	store := NewArtifactStore(dir)

	out := strings.Repeat("a", InlineLimit)
	inline, id, err := store.Spill(context.Background(), types.NewJobID(), "kb_search", out)
	if err != nil {
		t.Fatal(err)
	}
	if inline != out || id != "" {
		t.Errorf("expected output at the limit to stay inline, got id %q", id)
	}
	if _, err := os.Stat(filepath.Join(dir, "jobs")); !os.IsNotExist(err) {
		t.Error("expected nothing written for inline output")
	}
}

func TestSpillStoresUnderJob(t *testing.T) {
	dir := t.TempDir()
	store := NewArtifactStore(dir)
	ctx := context.Background()
	job := types.NewJobID()

	out := strings.Repeat("b", InlineLimit) + "tail"
	inline, id, err := store.Spill(ctx, job, "web_search", out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(id), string(job)+".") {
		t.Errorf("expected id prefixed with job, got %s", id)
	}
	want := strings.Repeat("b", InlineLimit) + "\n[truncated, see artifact " + string(id) + "]"
	if inline != want {
		t.Errorf("unexpected excerpt tail %q", inline[InlineLimit:])
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "jobs", string(job), "outputs", "*.json"))
	if len(matches) != 1 {
		t.Fatalf("expected one output file under the job, got %v", matches)
	}

	raw, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	var full string
	if err := json.Unmarshal(raw, &full); err != nil {
		t.Fatal(err)
	}
	if full != out {
		t.Errorf("expected full output back, got %d bytes", len(full))
	}

	meta, err := store.GetMeta(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if meta.JobID != job || meta.Tool != "web_search" || meta.Bytes != len(out) {
		t.Errorf("unexpected meta %+v", meta)
	}
}

func TestSpillKeepsRunesWhole(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	// "é" is two bytes, so InlineLimit falls inside the last one
	out := strings.Repeat("a", InlineLimit-1) + "é" + "rest"

	inline, id, err := store.Spill(context.Background(), types.NewJobID(), "kb_search", out)
	if err != nil {
		t.Fatal(err)
	}
	head, _, _ := strings.Cut(inline, "\n[truncated")
	if head != strings.Repeat("a", InlineLimit-1) {
		t.Errorf("expected cut before the split rune, got %d bytes", len(head))
	}
	if id == "" {
		t.Error("expected stored output")
	}
}

func TestSpillRejectsBadJobID(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	out := strings.Repeat("c", InlineLimit+1)

	inline, id, err := store.Spill(context.Background(), "../escape", "kb_search", out)
	if err == nil {
		t.Fatal("expected error for job id with a path separator")
	}
	if inline != out || id != "" {
		t.Error("expected output returned unchanged on error")
	}
}

func TestArtifactGetNotFound(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	ctx := context.Background()

	for _, id := range []types.ArtifactID{
		types.NewArtifactID(types.NewJobID()),
		"no-job-prefix",
		"../../etc.passwd",
		"job.",
	} {
		if _, err := store.Get(ctx, id); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", id, err)
		}
		if _, err := store.GetMeta(ctx, id); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound from meta, got %v", id, err)
		}
	}
}
