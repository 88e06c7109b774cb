package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/loopengine/loopagent/internal/compose"
	"github.com/loopengine/loopagent/internal/db"
	"github.com/loopengine/loopagent/internal/graph"
	"github.com/loopengine/loopagent/internal/media"
	"github.com/loopengine/loopagent/internal/similarity"
)

func setupTestDB(t *testing.T) (*db.DB, Repository) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := db.New(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := NewRepository(database.Conn())
	return database, repo
}

// fakeFFmpeg reads the clip duration from the uploaded file's content.
type fakeFFmpeg struct{}

func (fakeFFmpeg) Probe(_ context.Context, path string) (*media.ProbeResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return nil, fmt.Errorf("not a video: %w", err)
	}
	return &media.ProbeResult{Duration: d, Width: 640, Height: 360}, nil
}

func (fakeFFmpeg) ExtractFrame(_ context.Context, _, outPath string, _ float64) error {
	return os.WriteFile(outPath, []byte("jpeg"), 0644)
}

type fakeRegistry struct {
	mu         sync.Mutex
	registered []similarity.Frames
	removed    []string
	err        error
}

func (f *fakeRegistry) Register(_ context.Context, fr similarity.Frames) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.registered = append(f.registered, fr)
	return nil
}

func (f *fakeRegistry) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type fakeScorer struct {
	matrix *similarity.Matrix
	err    error
}

func (f *fakeScorer) Compatible(_ context.Context, id string, side graph.Side, threshold float64) ([]similarity.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.matrix.Compatible(id, side, threshold), nil
}

func (f *fakeScorer) Matrix(context.Context) (*similarity.Matrix, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.matrix, nil
}

type testEnv struct {
	svc      *Service
	repo     Repository
	registry *fakeRegistry
	scorer   *fakeScorer
	dataDir  string
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	_, repo := setupTestDB(t)
	dataDir := t.TempDir()

	env := &testEnv{
		repo:     repo,
		registry: &fakeRegistry{},
		scorer:   &fakeScorer{matrix: similarity.NewMatrix()},
		dataDir:  dataDir,
	}
	env.svc = env.newService()
	return env
}

// newService builds a service over the same database, as after a restart.
func (e *testEnv) newService() *Service {
	return NewService(ServiceConfig{
		Repo:       e.repo,
		Scorer:     e.scorer,
		Registry:   e.registry,
		FFmpeg:     fakeFFmpeg{},
		UploadsDir: filepath.Join(e.dataDir, "uploads"),
		FramesDir:  filepath.Join(e.dataDir, "frames"),
		Threshold:  similarity.DefaultThreshold,
	})
}

func textUpload(name, content string) Upload {
	return Upload{
		Filename: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

// ingestClips ingests one clip per duration, named c0, c1, ...
func ingestClips(t *testing.T, svc *Service, durations ...float64) []*NodeRecord {
	t.Helper()
	uploads := make([]Upload, len(durations))
	for i, d := range durations {
		uploads[i] = textUpload(fmt.Sprintf("c%d.mp4", i), strconv.FormatFloat(d, 'f', -1, 64))
	}
	recs, err := svc.Ingest(context.Background(), uploads)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	return recs
}

func lastToFirst(from, to string) graph.Edge {
	return graph.NewEdge(from, graph.SideLast, to, graph.SideFirst)
}

func TestService_Ingest(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	recs := ingestClips(t, env.svc, 3, 2.5)
	if len(recs) != 2 {
		t.Fatalf("ingested %d, want 2", len(recs))
	}

	r := recs[0]
	if r.Name != "c0" || r.Duration != 3 || r.Kind != KindClip || !r.Active {
		t.Errorf("record = %+v", r)
	}
	if r.FirstFrameRef != r.ID+"_first.jpg" || r.LastFrameRef != r.ID+"_last.jpg" {
		t.Errorf("frame refs = %q, %q", r.FirstFrameRef, r.LastFrameRef)
	}
	if r.MediaPath != filepath.Join(env.dataDir, "uploads", r.ID+".mp4") {
		t.Errorf("media path = %q", r.MediaPath)
	}
	if _, err := os.Stat(r.MediaPath); err != nil {
		t.Errorf("upload not stored: %v", err)
	}

	g := env.svc.Graph()
	if g.Len() != 2 {
		t.Errorf("graph has %d nodes, want 2", g.Len())
	}
	n, ok := g.Node(r.ID)
	if !ok || n.Kind() != graph.KindClip {
		t.Fatalf("node missing from graph: %+v", n)
	}
	if clip := n.Content.(graph.Clip); clip.MediaURL != "/media/"+r.ID+"/video" {
		t.Errorf("media url = %q", clip.MediaURL)
	}

	jobs, err := env.repo.ListPendingJobs(ctx)
	if err != nil {
		t.Fatalf("ListPendingJobs() error = %v", err)
	}
	if len(jobs) != 2 || jobs[0].Type != JobTypeSimilarity {
		t.Errorf("pending jobs = %+v", jobs)
	}
}

func TestService_Ingest_RejectsWholeBatch(t *testing.T) {
	env := setupService(t)

	_, err := env.svc.Ingest(context.Background(), []Upload{
		textUpload("good.mp4", "4"),
		textUpload("broken.mov", "garbage"),
	})
	if !errors.Is(err, ErrInvalidMedia) {
		t.Fatalf("Ingest() error = %v, want ErrInvalidMedia", err)
	}

	if env.svc.Graph().Len() != 0 {
		t.Error("no node should be added when a file fails")
	}
	entries, _ := os.ReadDir(filepath.Join(env.dataDir, "uploads"))
	if len(entries) != 0 {
		t.Errorf("uploads left behind: %d", len(entries))
	}
	frames, _ := os.ReadDir(filepath.Join(env.dataDir, "frames"))
	if len(frames) != 0 {
		t.Errorf("frames left behind: %d", len(frames))
	}
}

func TestService_Ingest_UnsupportedExtension(t *testing.T) {
	env := setupService(t)

	_, err := env.svc.Ingest(context.Background(), []Upload{textUpload("notes.txt", "3")})
	if !errors.Is(err, ErrInvalidMedia) {
		t.Fatalf("Ingest() error = %v, want ErrInvalidMedia", err)
	}
}

func TestService_Ingest_ZeroDuration(t *testing.T) {
	env := setupService(t)

	_, err := env.svc.Ingest(context.Background(), []Upload{textUpload("still.mp4", "0")})
	if !errors.Is(err, ErrInvalidMedia) {
		t.Fatalf("Ingest() error = %v, want ErrInvalidMedia", err)
	}
}

func TestService_Edges(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 1, 1)
	a, b := recs[0].ID, recs[1].ID

	added, err := env.svc.AddEdge(ctx, lastToFirst(a, b))
	if err != nil || !added {
		t.Fatalf("AddEdge() = %v, %v", added, err)
	}
	added, err = env.svc.AddEdge(ctx, lastToFirst(a, b))
	if err != nil || added {
		t.Fatalf("second AddEdge() = %v, %v; want false, nil", added, err)
	}

	if _, err := env.svc.AddEdge(ctx, lastToFirst(a, "missing")); !errors.Is(err, graph.ErrEdgeEndpoint) {
		t.Errorf("AddEdge(unknown) error = %v", err)
	}
	if _, err := env.svc.AddEdge(ctx, graph.NewEdge(a, "middle", b, graph.SideFirst)); !errors.Is(err, graph.ErrInvalidSide) {
		t.Errorf("AddEdge(bad side) error = %v", err)
	}

	stored, _ := env.repo.ListEdges(ctx)
	if len(stored) != 1 {
		t.Errorf("stored edges = %d, want 1", len(stored))
	}

	removed, err := env.svc.RemoveEdge(ctx, lastToFirst(a, b))
	if err != nil || !removed {
		t.Fatalf("RemoveEdge() = %v, %v", removed, err)
	}
	if len(env.svc.Graph().Edges()) != 0 {
		t.Error("edge still in graph")
	}
}

func TestService_LoadAfterRestart(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 1, 2)
	env.svc.AddEdge(ctx, lastToFirst(recs[0].ID, recs[1].ID))

	restarted := env.newService()
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	g := restarted.Graph()
	if g.Len() != 2 || len(g.Edges()) != 1 {
		t.Errorf("reloaded graph: %d nodes, %d edges", g.Len(), len(g.Edges()))
	}
}

func TestService_CreateGroup(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 3, 2, 1, 4)
	a, b, c, outside := recs[0].ID, recs[1].ID, recs[2].ID, recs[3].ID

	env.svc.AddEdge(ctx, lastToFirst(a, b))
	env.svc.AddEdge(ctx, lastToFirst(b, c))
	env.svc.AddEdge(ctx, lastToFirst(c, outside))

	res, err := env.svc.CreateGroup(ctx, []string{c, a, b}, "Run")
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if res.Fallback {
		t.Error("acyclic selection should not fall back")
	}
	if got := strings.Join(res.Order, ","); got != strings.Join([]string{a, b, c}, ",") {
		t.Errorf("order = %v", res.Order)
	}

	grp := res.Group
	if grp.Duration != 6 || grp.Name != "Run" || !grp.IsGroup() {
		t.Errorf("group = %+v", grp)
	}
	if grp.FirstFrameRef != recs[0].FirstFrameRef || grp.LastFrameRef != recs[2].LastFrameRef {
		t.Errorf("frame refs = %q, %q", grp.FirstFrameRef, grp.LastFrameRef)
	}

	g := env.svc.Graph()
	if g.Len() != 2 || !g.Has(grp.ID) || g.Has(a) {
		t.Errorf("graph nodes = %v", g.NodeIDs())
	}
	if len(g.Edges()) != 0 {
		t.Errorf("edges touching children should be gone, got %v", g.Edges())
	}

	stored, err := env.repo.GetNode(ctx, grp.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetNode(group) = %v, %v", stored, err)
	}
	if strings.Join(stored.Children, ",") != strings.Join(res.Order, ",") {
		t.Errorf("stored children = %v", stored.Children)
	}
	child, _ := env.repo.GetNode(ctx, a)
	if child == nil || child.Active {
		t.Errorf("grouped child should stay stored and inactive: %+v", child)
	}

	counts, _ := env.svc.Counts(ctx)
	if counts.Clips != 1 || counts.Groups != 1 || counts.Inactive != 3 || counts.Edges != 0 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestService_CreateGroup_Cycle(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 1, 1)
	a, b := recs[0].ID, recs[1].ID
	env.svc.AddEdge(ctx, lastToFirst(a, b))
	env.svc.AddEdge(ctx, lastToFirst(b, a))

	res, err := env.svc.CreateGroup(ctx, []string{b, a}, "")
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if !res.Fallback || res.Order[0] != b {
		t.Errorf("result = %+v, want fallback in selection order", res)
	}
	if res.Group.Name != "Group (2)" {
		t.Errorf("default name = %q", res.Group.Name)
	}
}

func TestService_CreateGroup_Invalid(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 1, 1)

	if _, err := env.svc.CreateGroup(ctx, []string{recs[0].ID}, ""); !errors.Is(err, ErrInvalidSelection) {
		t.Errorf("single node error = %v", err)
	}
	if _, err := env.svc.CreateGroup(ctx, []string{recs[0].ID, recs[0].ID}, ""); !errors.Is(err, ErrInvalidSelection) {
		t.Errorf("duplicate node error = %v", err)
	}
	if _, err := env.svc.CreateGroup(ctx, []string{"gone-1", "gone-2"}, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("all unknown nodes error = %v", err)
	}
	if env.svc.Graph().Len() != 2 {
		t.Error("graph changed by a rejected grouping")
	}
}

func TestService_CreateGroup_VanishedNode(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 2, 3)

	res, err := env.svc.CreateGroup(ctx, []string{recs[0].ID, recs[1].ID, "vanished"}, "")
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if got := res.Order; len(got) != 3 || got[2] != "vanished" {
		t.Errorf("order = %v", got)
	}
	if res.Group.Duration != 5 {
		t.Errorf("duration = %v, want 5", res.Group.Duration)
	}
	if res.Group.LastFrameRef != "" {
		t.Errorf("last frame = %q, want empty for a vanished tail", res.Group.LastFrameRef)
	}

	g := env.svc.Graph()
	if !g.Has(res.Group.ID) || g.Has(recs[0].ID) || g.Has(recs[1].ID) {
		t.Errorf("graph nodes = %v", g.NodeIDs())
	}

	restored, err := env.svc.Ungroup(ctx, res.Group.ID)
	if err != nil {
		t.Fatalf("Ungroup() error = %v", err)
	}
	if len(restored) != 2 {
		t.Errorf("restored %d nodes, want 2", len(restored))
	}
}

func TestService_Ungroup(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 2, 3)
	res, err := env.svc.CreateGroup(ctx, []string{recs[1].ID, recs[0].ID}, "")
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	restored, err := env.svc.Ungroup(ctx, res.Group.ID)
	if err != nil {
		t.Fatalf("Ungroup() error = %v", err)
	}
	if len(restored) != 2 || restored[0].ID != recs[1].ID || !restored[0].Active {
		t.Errorf("restored = %+v", restored)
	}

	g := env.svc.Graph()
	if g.Has(res.Group.ID) || !g.Has(recs[0].ID) || !g.Has(recs[1].ID) {
		t.Errorf("graph nodes = %v", g.NodeIDs())
	}
	if gone, _ := env.repo.GetNode(ctx, res.Group.ID); gone != nil {
		t.Error("group row should be deleted")
	}
	if len(env.registry.removed) != 1 || env.registry.removed[0] != res.Group.ID {
		t.Errorf("registry removals = %v", env.registry.removed)
	}

	if _, err := env.svc.Ungroup(ctx, recs[0].ID); !errors.Is(err, compose.ErrNotGroup) {
		t.Errorf("Ungroup(clip) error = %v", err)
	}
	if _, err := env.svc.Ungroup(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ungroup(missing) error = %v", err)
	}
}

func TestService_NestedGroupSurvivesRestart(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 1, 1, 1)

	inner, err := env.svc.CreateGroup(ctx, []string{recs[0].ID, recs[1].ID}, "inner")
	if err != nil {
		t.Fatalf("CreateGroup(inner) error = %v", err)
	}
	outer, err := env.svc.CreateGroup(ctx, []string{inner.Group.ID, recs[2].ID}, "outer")
	if err != nil {
		t.Fatalf("CreateGroup(outer) error = %v", err)
	}
	if outer.Group.Duration != 3 {
		t.Errorf("outer duration = %v, want 3", outer.Group.Duration)
	}

	restarted := env.newService()
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ids := restarted.Graph().NodeIDs(); len(ids) != 1 || ids[0] != outer.Group.ID {
		t.Fatalf("graph nodes = %v", ids)
	}

	restored, err := restarted.Ungroup(ctx, outer.Group.ID)
	if err != nil {
		t.Fatalf("Ungroup() error = %v", err)
	}
	if len(restored) != 2 || !restored[0].IsGroup() {
		t.Errorf("restored = %+v", restored)
	}
}

func TestService_DeleteGroupRemovesHeldNodes(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 1, 1, 1)
	res, _ := env.svc.CreateGroup(ctx, []string{recs[0].ID, recs[1].ID}, "")

	if err := env.svc.DeleteNode(ctx, res.Group.ID); err != nil {
		t.Fatalf("DeleteNode() error = %v", err)
	}

	all, _ := env.repo.ListNodes(ctx, true)
	if len(all) != 1 || all[0].ID != recs[2].ID {
		t.Errorf("remaining nodes = %+v", all)
	}
	if _, err := os.Stat(recs[0].MediaPath); !os.IsNotExist(err) {
		t.Error("held clip media should be deleted")
	}
	if _, err := os.Stat(recs[2].MediaPath); err != nil {
		t.Error("unrelated clip media should remain")
	}
	if len(env.registry.removed) != 3 {
		t.Errorf("registry removals = %v", env.registry.removed)
	}

	if err := env.svc.DeleteNode(ctx, recs[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteNode(gone) error = %v", err)
	}
}

func TestService_RenameNode(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 1)

	got, err := env.svc.RenameNode(ctx, recs[0].ID, "  Sunset  ")
	if err != nil {
		t.Fatalf("RenameNode() error = %v", err)
	}
	if got.Name != "Sunset" {
		t.Errorf("name = %q", got.Name)
	}
	if n, _ := env.svc.Graph().Node(recs[0].ID); n.Name != "Sunset" {
		t.Errorf("graph name = %q", n.Name)
	}

	if _, err := env.svc.RenameNode(ctx, recs[0].ID, " "); err == nil {
		t.Error("empty name should be rejected")
	}
	if _, err := env.svc.RenameNode(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RenameNode(missing) error = %v", err)
	}
}

func TestService_CheckTimeline(t *testing.T) {
	env := setupService(t)
	env.scorer.matrix.Set("a", "b", 0.9)
	env.scorer.matrix.Set("b", "c", 0.5)

	got, err := env.svc.CheckTimeline(context.Background(), []compose.Slot{
		{ID: "s1", NodeID: "a"}, {ID: "s2", NodeID: "b"}, {ID: "s3", NodeID: "c"},
	}, 0.75)
	if err != nil {
		t.Fatalf("CheckTimeline() error = %v", err)
	}
	want := []bool{true, true, false}
	for i, c := range got {
		if c.Compatible != want[i] {
			t.Errorf("slot %d compatible = %v, want %v", i, c.Compatible, want[i])
		}
	}
}

func TestService_CheckTimeline_ScorerError(t *testing.T) {
	env := setupService(t)
	env.scorer.err = &similarity.ServiceError{StatusCode: 503, Body: "down"}

	_, err := env.svc.CheckTimeline(context.Background(), []compose.Slot{{ID: "s", NodeID: "a"}}, 0.75)
	var svcErr *similarity.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("error = %v, want ServiceError", err)
	}
}

func TestService_CompatibleSkipsGroupedNodes(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 1, 1, 1)
	a, b, c := recs[0].ID, recs[1].ID, recs[2].ID
	env.scorer.matrix.Set(a, b, 0.9)
	env.scorer.matrix.Set(a, c, 0.8)

	got, err := env.svc.Compatible(ctx, a, graph.SideLast, 0.75)
	if err != nil || len(got) != 2 || got[0].NodeID != b {
		t.Fatalf("Compatible() = %+v, %v", got, err)
	}

	if _, err := env.svc.CreateGroup(ctx, []string{b, c}, ""); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	got, _ = env.svc.Compatible(ctx, a, graph.SideLast, 0.75)
	if len(got) != 0 {
		t.Errorf("grouped nodes should not be suggested: %+v", got)
	}

	if _, err := env.svc.Compatible(ctx, b, graph.SideLast, 0.75); !errors.Is(err, ErrNotFound) {
		t.Errorf("Compatible(inactive) error = %v", err)
	}
}

func TestService_Export(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 3, 2, 1)
	x, y, z := recs[0].ID, recs[1].ID, recs[2].ID
	res, _ := env.svc.CreateGroup(ctx, []string{y, z}, "yz")

	doc, unresolved, err := env.svc.Export(ctx, []compose.Cycle{
		{NodeIDs: []string{x, res.Group.ID, "ghost"}, Repeat: 2},
	}, false)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if doc.TotalDuration != 12 || len(doc.Entries) != 6 {
		t.Errorf("total = %v entries = %d", doc.TotalDuration, len(doc.Entries))
	}
	if doc.Entries[0].MediaURL != MediaURL(x) || doc.Entries[0].MediaPath != recs[0].MediaPath {
		t.Errorf("clip entry = %+v", doc.Entries[0])
	}
	if doc.Entries[1].Kind != "group" || doc.Entries[1].MediaURL != "" {
		t.Errorf("group entry = %+v", doc.Entries[1])
	}
	if len(unresolved) != 1 || unresolved[0] != "ghost" {
		t.Errorf("unresolved = %v", unresolved)
	}

	flat, _, err := env.svc.Export(ctx, []compose.Cycle{{NodeIDs: []string{res.Group.ID}, Repeat: 1}}, true)
	if err != nil {
		t.Fatalf("Export(flatten) error = %v", err)
	}
	if len(flat.Entries) != 2 || flat.Entries[0].NodeID != y || flat.Entries[1].NodeID != z || flat.TotalDuration != 3 {
		t.Errorf("flattened = %+v", flat)
	}
}

func TestService_Asset(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 1)
	id := recs[0].ID

	got, err := env.svc.Asset(ctx, id, AssetLast)
	if err != nil || got != filepath.Join(env.dataDir, "frames", id+"_last.jpg") {
		t.Errorf("Asset(last) = %q, %v", got, err)
	}
	if got, _ := env.svc.Asset(ctx, id, AssetVideo); got != recs[0].MediaPath {
		t.Errorf("Asset(video) = %q", got)
	}
	if _, err := env.svc.Asset(ctx, id, "poster"); err == nil {
		t.Error("unknown asset should fail")
	}
	if _, err := env.svc.Asset(ctx, "missing", AssetVideo); !errors.Is(err, ErrNotFound) {
		t.Errorf("Asset(missing) error = %v", err)
	}
}

func TestService_RegisterSimilarity(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 1)

	if err := env.svc.RegisterSimilarity(ctx, recs[0].ID); err != nil {
		t.Fatalf("RegisterSimilarity() error = %v", err)
	}
	if len(env.registry.registered) != 1 {
		t.Fatalf("registered = %+v", env.registry.registered)
	}
	fr := env.registry.registered[0]
	if fr.FirstPath != filepath.Join(env.dataDir, "frames", recs[0].FirstFrameRef) {
		t.Errorf("frames = %+v", fr)
	}

	if err := env.svc.RegisterSimilarity(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RegisterSimilarity(missing) error = %v", err)
	}

	frames, err := env.svc.Frames(ctx)
	if err != nil || len(frames) != 1 {
		t.Errorf("Frames() = %+v, %v", frames, err)
	}
}
