package similarity

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loopengine/loopagent/internal/graph"
)

type memStore struct {
	mu      sync.Mutex
	scores  []Score
	deleted []string
}

func (s *memStore) LoadScores(context.Context) ([]Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Score(nil), s.scores...), nil
}

func (s *memStore) SaveScores(_ context.Context, scores []Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, scores...)
	return nil
}

func (s *memStore) DeleteScores(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, nodeID)
	return nil
}

func gradient(w, h int, invert bool) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := uint8((x * 255) / (w - 1))
			if invert {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	return path
}

func TestSSIM(t *testing.T) {
	a := NewGray(gradient(64, 48, false), 32)
	b := NewGray(gradient(64, 48, false), 32)
	inv := NewGray(gradient(64, 48, true), 32)

	same, err := SSIM(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if same < 0.999 {
		t.Errorf("identical frames scored %v", same)
	}

	diff, err := SSIM(a, inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff >= 0.5 {
		t.Errorf("inverted frames scored %v, want < 0.5", diff)
	}
}

func TestSSIM_SizeMismatch(t *testing.T) {
	_, err := SSIM(NewGray(gradient(16, 16, false), 16), NewGray(gradient(16, 16, false), 32))
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestLoadFrame_Missing(t *testing.T) {
	if _, err := LoadFrame(filepath.Join(t.TempDir(), "nope.jpg"), 32); err == nil {
		t.Fatal("expected error for missing frame")
	}
}

func TestLocal_RegisterAndCompatible(t *testing.T) {
	dir := t.TempDir()
	plain := writePNG(t, dir, "plain.png", gradient(64, 64, false))
	inverted := writePNG(t, dir, "inverted.png", gradient(64, 64, true))

	store := &memStore{}
	local := NewLocal(store, 32, testLogger())
	ctx := context.Background()

	if err := local.Register(ctx, Frames{NodeID: "a", FirstPath: plain, LastPath: plain}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := local.Register(ctx, Frames{NodeID: "b", FirstPath: plain, LastPath: inverted}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	m, err := local.Matrix(ctx)
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	if m.Len() != 4 {
		t.Fatalf("matrix has %d scores, want 4", m.Len())
	}
	if len(store.scores) != 4 {
		t.Fatalf("store has %d scores, want 4", len(store.scores))
	}

	if s, _ := m.Score("a", "b"); s < 0.99 {
		t.Errorf("a->b = %v, want ~1", s)
	}
	if s, _ := m.Score("b", "a"); s >= 0.5 {
		t.Errorf("b->a = %v, want low", s)
	}

	targets, err := local.Compatible(ctx, "a", graph.SideLast, DefaultThreshold)
	if err != nil {
		t.Fatalf("compatible: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets = %+v, want a and b", targets)
	}

	sources, _ := local.Compatible(ctx, "a", graph.SideFirst, DefaultThreshold)
	if len(sources) != 1 || sources[0].NodeID != "a" {
		t.Errorf("sources = %+v, want only a", sources)
	}
}

func TestLocal_RegisterSkipsKnownPairs(t *testing.T) {
	dir := t.TempDir()
	plain := writePNG(t, dir, "plain.png", gradient(64, 64, false))

	store := &memStore{}
	local := NewLocal(store, 32, testLogger())
	ctx := context.Background()

	f := Frames{NodeID: "a", FirstPath: plain, LastPath: plain}
	if err := local.Register(ctx, f); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := local.Register(ctx, f); err != nil {
		t.Fatalf("register again: %v", err)
	}
	if len(store.scores) != 1 {
		t.Errorf("store has %d scores, want 1", len(store.scores))
	}
}

func TestLocal_Remove(t *testing.T) {
	dir := t.TempDir()
	plain := writePNG(t, dir, "plain.png", gradient(64, 64, false))

	store := &memStore{}
	local := NewLocal(store, 32, testLogger())
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := local.Register(ctx, Frames{NodeID: id, FirstPath: plain, LastPath: plain}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := local.Remove(ctx, "b"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	m, _ := local.Matrix(ctx)
	if m.Has("b") {
		t.Error("b still in matrix")
	}
	if _, ok := m.Score("a", "b"); ok {
		t.Error("a->b still scored")
	}
	if len(store.deleted) != 1 || store.deleted[0] != "b" {
		t.Errorf("deleted = %v", store.deleted)
	}
}

func TestLocal_LoadAndWarm(t *testing.T) {
	dir := t.TempDir()
	plain := writePNG(t, dir, "plain.png", gradient(64, 64, false))

	store := &memStore{scores: []Score{{From: "old", To: "old", Value: 1}}}
	local := NewLocal(store, 32, testLogger())
	ctx := context.Background()

	if err := local.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	local.Warm([]Frames{
		{NodeID: "old", FirstPath: plain, LastPath: plain},
		{NodeID: "gone", FirstPath: filepath.Join(dir, "x.png"), LastPath: filepath.Join(dir, "y.png")},
	})

	if err := local.Register(ctx, Frames{NodeID: "new", FirstPath: plain, LastPath: plain}); err != nil {
		t.Fatalf("register: %v", err)
	}

	m, _ := local.Matrix(ctx)
	if s, ok := m.Score("old", "new"); !ok || s < 0.99 {
		t.Errorf("old->new = %v, %v; warmed frames should be compared", s, ok)
	}
	if _, ok := m.Score("gone", "new"); ok {
		t.Error("node without frames should not be scored")
	}
}
