package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loopengine/loopagent/internal/compose"
	"github.com/loopengine/loopagent/internal/export"
	"github.com/loopengine/loopagent/internal/graph"
	"github.com/loopengine/loopagent/internal/media"
	"github.com/loopengine/loopagent/internal/similarity"
)

const ingestConcurrency = 4

// Asset names served for a node.
const (
	AssetVideo = "video"
	AssetFirst = "first"
	AssetLast  = "last"
)

// CatalogService is the surface used by the HTTP API and the CLI.
type CatalogService interface {
	Graph() *graph.Graph
	ListNodes(ctx context.Context, includeInactive bool) ([]*NodeRecord, error)
	GetNode(ctx context.Context, id string) (*NodeRecord, error)
	Ingest(ctx context.Context, uploads []Upload) ([]*NodeRecord, error)
	RenameNode(ctx context.Context, id, name string) (*NodeRecord, error)
	DeleteNode(ctx context.Context, id string) error
	Counts(ctx context.Context) (Counts, error)

	AddEdge(ctx context.Context, e graph.Edge) (bool, error)
	RemoveEdge(ctx context.Context, e graph.Edge) (bool, error)

	CreateGroup(ctx context.Context, nodeIDs []string, name string) (*GroupResult, error)
	Ungroup(ctx context.Context, groupID string) ([]*NodeRecord, error)

	Compatible(ctx context.Context, nodeID string, side graph.Side, threshold float64) ([]similarity.Result, error)
	Matrix(ctx context.Context) (*similarity.Matrix, error)
	CheckTimeline(ctx context.Context, slots []compose.Slot, threshold float64) ([]compose.Compatibility, error)
	Threshold() float64

	Export(ctx context.Context, cycles []compose.Cycle, flatten bool) (export.Document, []string, error)
	Loops(limit int) []compose.Loop
	Asset(ctx context.Context, id, asset string) (string, error)

	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
}

// Upload is one file handed to Ingest.
type Upload struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}

// FileUpload ingests a file already on disk. The file is copied, never moved.
func FileUpload(path string) Upload {
	return Upload{
		Filename: filepath.Base(path),
		Open:     func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

type GroupResult struct {
	Group *NodeRecord `json:"group"`
	Order []string    `json:"order"`
	// Fallback is set when the selection could not be ordered by its edges
	// and was kept in selection order.
	Fallback bool `json:"fallback"`
}

type ServiceConfig struct {
	Repo   Repository
	Store  *graph.Store
	Scorer similarity.Scorer
	// Registry is set when scores are computed in-process.
	Registry   similarity.Registry
	FFmpeg     media.FFmpeg
	UploadsDir string
	FramesDir  string
	Threshold  float64
	Logger     *slog.Logger
}

// Service keeps the repository and the in-memory graph in step. All writes
// go through mu, so the graph has a single writer.
type Service struct {
	repo       Repository
	store      *graph.Store
	scorer     similarity.Scorer
	registry   similarity.Registry
	ffmpeg     media.FFmpeg
	uploadsDir string
	framesDir  string
	threshold  float64
	logger     *slog.Logger

	mu sync.Mutex
}

func NewService(cfg ServiceConfig) *Service {
	store := cfg.Store
	if store == nil {
		store = graph.NewStore()
	}
	return &Service{
		repo:       cfg.Repo,
		store:      store,
		scorer:     cfg.Scorer,
		registry:   cfg.Registry,
		ffmpeg:     cfg.FFmpeg,
		uploadsDir: cfg.UploadsDir,
		framesDir:  cfg.FramesDir,
		threshold:  compose.ClampUnit(cfg.Threshold),
		logger:     cfg.Logger,
	}
}

// Load rebuilds the graph from the repository.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.repo.ListNodes(ctx, false)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	edges, err := s.repo.ListEdges(ctx)
	if err != nil {
		return fmt.Errorf("list edges: %w", err)
	}

	nodes := make([]graph.Node, 0, len(records))
	for _, r := range records {
		nodes = append(nodes, r.ToNode())
	}
	if err := s.store.Reset(nodes, edges); err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.Info("graph loaded", "nodes", len(nodes), "edges", len(s.store.Snapshot().Edges()))
	}
	return nil
}

func (s *Service) Graph() *graph.Graph {
	return s.store.Snapshot()
}

func (s *Service) Threshold() float64 {
	return s.threshold
}

func (s *Service) ListNodes(ctx context.Context, includeInactive bool) ([]*NodeRecord, error) {
	return s.repo.ListNodes(ctx, includeInactive)
}

func (s *Service) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	return s.repo.GetNode(ctx, id)
}

func (s *Service) Counts(ctx context.Context) (Counts, error) {
	return s.repo.CountNodes(ctx)
}

type ingested struct {
	record *NodeRecord
	files  []string
}

// Ingest copies, probes and frames every upload. When any upload fails the
// whole batch is discarded.
func (s *Service) Ingest(ctx context.Context, uploads []Upload) ([]*NodeRecord, error) {
	if len(uploads) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrInvalidMedia)
	}
	if s.ffmpeg == nil {
		return nil, errors.New("media tools not configured")
	}
	for _, dir := range []string{s.uploadsDir, s.framesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	results := make([]ingested, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)
	for i, u := range uploads {
		g.Go(func() error {
			res, err := s.ingestOne(gctx, u)
			results[i] = res
			if err != nil {
				return fmt.Errorf("%s: %w", u.Filename, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range results {
			removeFiles(r.files)
		}
		if s.logger != nil {
			s.logger.Warn("ingest rejected", "files", len(uploads), "error", err)
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*NodeRecord, 0, len(results))
	for i, r := range results {
		if err := s.repo.CreateNode(ctx, r.record); err != nil {
			for _, rest := range results[i:] {
				removeFiles(rest.files)
			}
			return records, fmt.Errorf("store node: %w", err)
		}
		if err := s.store.AddNode(r.record.ToNode()); err != nil {
			return records, err
		}
		records = append(records, r.record)
		s.enqueueSimilarity(ctx, r.record.ID)

		if s.logger != nil {
			s.logger.Info("clip ingested", "node_id", r.record.ID, "name", r.record.Name, "duration", r.record.Duration)
		}
	}
	return records, nil
}

func (s *Service) ingestOne(ctx context.Context, u Upload) (ingested, error) {
	var res ingested

	ext := strings.ToLower(filepath.Ext(u.Filename))
	if !IsVideoFile(u.Filename) {
		return res, fmt.Errorf("%w: unsupported extension %q", ErrInvalidMedia, ext)
	}

	id := NewID()
	dst := filepath.Join(s.uploadsDir, id+ext)
	res.files = append(res.files, dst)
	if err := copyUpload(u, dst); err != nil {
		return res, err
	}

	probe, err := s.ffmpeg.Probe(ctx, dst)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}
	if probe.Duration <= 0 {
		return res, fmt.Errorf("%w: zero duration", ErrInvalidMedia)
	}

	paths := media.FramePaths(s.framesDir, id)
	res.files = append(res.files, paths.FirstPath, paths.LastPath)
	frames, err := media.ExtractBoundaryFrames(ctx, s.ffmpeg, dst, s.framesDir, id, probe.Duration)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}

	name := strings.TrimSuffix(filepath.Base(u.Filename), filepath.Ext(u.Filename))
	if name == "" {
		name = id
	}
	res.record = &NodeRecord{
		ID:            id,
		Kind:          KindClip,
		Name:          name,
		Duration:      probe.Duration,
		FirstFrameRef: filepath.Base(frames.FirstPath),
		LastFrameRef:  filepath.Base(frames.LastPath),
		MediaPath:     dst,
		Width:         probe.Width,
		Height:        probe.Height,
		Active:        true,
		CreatedAt:     time.Now(),
	}
	return res, nil
}

func copyUpload(u Upload, dst string) error {
	src, err := u.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("copy upload: %w", err)
	}
	return out.Close()
}

func removeFiles(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

func (s *Service) RenameNode(ctx context.Context, id, name string) (*NodeRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.repo.RenameNode(ctx, id, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if s.store.Snapshot().Has(id) {
		if err := s.store.Rename(id, name); err != nil {
			return nil, err
		}
	}
	return s.repo.GetNode(ctx, id)
}

// DeleteNode removes an active node. Deleting a group also deletes the
// grouped nodes it holds, since nothing else can restore them.
func (s *Service) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.store.Snapshot().Has(id) {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	doomed, err := s.collectTree(ctx, id)
	if err != nil {
		return err
	}
	ids := make([]string, len(doomed))
	for i, r := range doomed {
		ids[i] = r.ID
	}

	if err := s.repo.DeleteNodes(ctx, ids); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	if err := s.store.RemoveNode(id); err != nil {
		return err
	}

	for _, r := range doomed {
		if s.registry != nil {
			if err := s.registry.Remove(ctx, r.ID); err != nil && s.logger != nil {
				s.logger.Warn("failed to drop similarity scores", "node_id", r.ID, "error", err)
			}
		}
		if r.IsGroup() {
			continue
		}
		removeFiles([]string{
			r.MediaPath,
			filepath.Join(s.framesDir, r.FirstFrameRef),
			filepath.Join(s.framesDir, r.LastFrameRef),
		})
	}

	if s.logger != nil {
		s.logger.Info("node deleted", "node_id", id, "removed", len(ids))
	}
	return nil
}

// collectTree returns id and every inactive node held below it.
func (s *Service) collectTree(ctx context.Context, id string) ([]*NodeRecord, error) {
	var out []*NodeRecord
	seen := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		batch := queue
		queue = nil
		recs, err := s.repo.GetNodes(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, bid := range batch {
			r, ok := recs[bid]
			if !ok || seen[bid] {
				continue
			}
			if bid != id && r.Active {
				continue
			}
			seen[bid] = true
			out = append(out, r)
			queue = append(queue, r.Children...)
		}
	}
	return out, nil
}

func (s *Service) AddEdge(ctx context.Context, e graph.Edge) (bool, error) {
	if err := s.checkEdge(e); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.store.Snapshot()
	for _, id := range []string{e.Source.NodeID, e.Target.NodeID} {
		if !snap.Has(id) {
			return false, fmt.Errorf("%w: %s", graph.ErrEdgeEndpoint, id)
		}
	}

	if _, err := s.repo.AddEdge(ctx, e); err != nil {
		return false, fmt.Errorf("store edge: %w", err)
	}
	return s.store.AddEdge(e)
}

func (s *Service) RemoveEdge(ctx context.Context, e graph.Edge) (bool, error) {
	if err := s.checkEdge(e); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.RemoveEdge(ctx, e); err != nil {
		return false, fmt.Errorf("delete edge: %w", err)
	}
	return s.store.RemoveEdge(e), nil
}

func (s *Service) checkEdge(e graph.Edge) error {
	if !e.Source.Side.Valid() || !e.Target.Side.Valid() {
		return graph.ErrInvalidSide
	}
	if e.Source.NodeID == "" || e.Target.NodeID == "" {
		return fmt.Errorf("%w: empty node id", graph.ErrEdgeEndpoint)
	}
	return nil
}

func (s *Service) CreateGroup(ctx context.Context, nodeIDs []string, name string) (*GroupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ids that no longer resolve stay in the group with zero duration and
	// no frames. Only a selection with nothing left to group is rejected.
	snap := s.store.Snapshot()
	if !slices.ContainsFunc(nodeIDs, snap.Has) {
		return nil, fmt.Errorf("no selected node exists: %w", ErrNotFound)
	}

	plan, ok := compose.Group(snap, nodeIDs, snap.EdgesAmong(nodeIDs), compose.GroupOptions{
		ID:   NewID(),
		Name: strings.TrimSpace(name),
	})
	if !ok {
		return nil, ErrInvalidSelection
	}

	rec := groupRecord(plan.Group)
	if err := s.repo.ApplyGroup(ctx, rec); err != nil {
		return nil, fmt.Errorf("store group: %w", err)
	}
	if err := s.store.Replace(plan.Remove, []graph.Node{plan.Group}); err != nil {
		return nil, err
	}

	if s.logger != nil {
		if plan.Fallback {
			s.logger.Warn("group selection has a cycle, kept selection order", "node_id", rec.ID, "children", len(plan.Order))
		}
		s.logger.Info("group created", "node_id", rec.ID, "children", len(plan.Order), "duration", rec.Duration)
	}
	s.enqueueSimilarity(ctx, rec.ID)

	return &GroupResult{Group: rec, Order: plan.Order, Fallback: plan.Fallback}, nil
}

// Ungroup replaces a group with the nodes it holds. Edges that touched the
// group are dropped; the restored nodes come back without edges.
func (s *Service) Ungroup(ctx context.Context, groupID string) ([]*NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.store.Snapshot().Node(groupID)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", groupID, ErrNotFound)
	}
	if !group.IsGroup() {
		return nil, fmt.Errorf("%w: %s", compose.ErrNotGroup, groupID)
	}

	stored, err := s.repo.GetNodes(ctx, group.Children())
	if err != nil {
		return nil, err
	}
	lookup := compose.NodeMap{}
	for id, r := range stored {
		if !r.Active {
			lookup[id] = r.ToNode()
		}
	}

	plan, err := compose.Ungroup(group, lookup)
	if err != nil {
		return nil, err
	}
	restore := make([]string, len(plan.Restore))
	for i, n := range plan.Restore {
		restore[i] = n.ID
	}

	if err := s.repo.ApplyUngroup(ctx, groupID, restore); err != nil {
		return nil, fmt.Errorf("store ungroup: %w", err)
	}
	if err := s.store.Replace([]string{groupID}, plan.Restore); err != nil {
		return nil, err
	}
	if s.registry != nil {
		if err := s.registry.Remove(ctx, groupID); err != nil && s.logger != nil {
			s.logger.Warn("failed to drop similarity scores", "node_id", groupID, "error", err)
		}
	}

	if s.logger != nil {
		if len(plan.Missing) > 0 {
			s.logger.Warn("group children missing on ungroup", "node_id", groupID, "missing", plan.Missing)
		}
		s.logger.Info("group dissolved", "node_id", groupID, "restored", len(restore))
	}

	records := make([]*NodeRecord, 0, len(restore))
	for _, id := range restore {
		r := stored[id]
		r.Active = true
		records = append(records, r)
	}
	return records, nil
}

// Compatible lists active nodes whose opposite frame matches the given side
// of nodeID.
func (s *Service) Compatible(ctx context.Context, nodeID string, side graph.Side, threshold float64) ([]similarity.Result, error) {
	if !side.Valid() {
		return nil, graph.ErrInvalidSide
	}
	snap := s.store.Snapshot()
	if !snap.Has(nodeID) {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	if s.scorer == nil {
		return []similarity.Result{}, nil
	}

	results, err := s.scorer.Compatible(ctx, nodeID, side, compose.ClampUnit(threshold))
	if err != nil {
		return nil, err
	}
	out := make([]similarity.Result, 0, len(results))
	for _, r := range results {
		if snap.Has(r.NodeID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) Matrix(ctx context.Context) (*similarity.Matrix, error) {
	if s.scorer == nil {
		return similarity.NewMatrix(), nil
	}
	return s.scorer.Matrix(ctx)
}

func (s *Service) CheckTimeline(ctx context.Context, slots []compose.Slot, threshold float64) ([]compose.Compatibility, error) {
	m, err := s.Matrix(ctx)
	if err != nil {
		return nil, err
	}
	return compose.CheckTimeline(slots, m.Score, threshold), nil
}

// Export schedules the cycles. Nodes held inside groups resolve too, so a
// flattened export can reach the clips of a group.
func (s *Service) Export(ctx context.Context, cycles []compose.Cycle, flatten bool) (export.Document, []string, error) {
	records, err := s.repo.ListNodes(ctx, true)
	if err != nil {
		return export.Document{}, nil, err
	}

	lookup := make(compose.NodeMap, len(records))
	byID := make(map[string]*NodeRecord, len(records))
	for _, r := range records {
		lookup[r.ID] = r.ToNode()
		byID[r.ID] = r
	}
	// the live graph wins over stored rows for active nodes
	nodes := compose.Chain{s.store.Snapshot(), lookup}

	sched := compose.Expand(nodes, cycles, compose.ExpandOptions{FlattenGroups: flatten})
	doc, unresolved := export.Build(sched, func(id string) (string, string) {
		r, ok := byID[id]
		if !ok || r.IsGroup() {
			return "", ""
		}
		return MediaURL(id), r.MediaPath
	})

	if s.logger != nil {
		s.logger.Info("export built", "cycles", len(cycles), "entries", len(doc.Entries), "unresolved", len(unresolved))
	}
	return doc, unresolved, nil
}

func (s *Service) Loops(limit int) []compose.Loop {
	return compose.FindLoops(s.store.Snapshot(), limit)
}

// Asset returns the file behind a node's video or boundary frame.
func (s *Service) Asset(ctx context.Context, id, asset string) (string, error) {
	r, err := s.repo.GetNode(ctx, id)
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	var path string
	switch asset {
	case AssetVideo:
		path = r.MediaPath
	case AssetFirst:
		if r.FirstFrameRef != "" {
			path = filepath.Join(s.framesDir, r.FirstFrameRef)
		}
	case AssetLast:
		if r.LastFrameRef != "" {
			path = filepath.Join(s.framesDir, r.LastFrameRef)
		}
	default:
		return "", fmt.Errorf("unknown asset %q", asset)
	}
	if path == "" {
		return "", fmt.Errorf("%s of %s: %w", asset, id, ErrNotFound)
	}
	return path, nil
}

// Frames lists the boundary frames of every active node.
func (s *Service) Frames(ctx context.Context) ([]similarity.Frames, error) {
	records, err := s.repo.ListNodes(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]similarity.Frames, 0, len(records))
	for _, r := range records {
		out = append(out, s.framesOf(r))
	}
	return out, nil
}

func (s *Service) framesOf(r *NodeRecord) similarity.Frames {
	return similarity.Frames{
		NodeID:    r.ID,
		FirstPath: filepath.Join(s.framesDir, r.FirstFrameRef),
		LastPath:  filepath.Join(s.framesDir, r.LastFrameRef),
	}
}

// RegisterSimilarity scores nodeID against every known node.
func (s *Service) RegisterSimilarity(ctx context.Context, nodeID string) error {
	if s.registry == nil {
		return nil
	}
	r, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	return s.registry.Register(ctx, s.framesOf(r))
}

func (s *Service) enqueueSimilarity(ctx context.Context, nodeID string) {
	if s.registry == nil {
		return
	}
	now := time.Now()
	job := &Job{
		ID:        NewID(),
		Type:      JobTypeSimilarity,
		Status:    JobStatusPending,
		NodeID:    nodeID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to create similarity job", "node_id", nodeID, "error", err)
		}
		return
	}
	if s.logger != nil {
		s.logger.Debug("similarity job created", "job_id", job.ID, "node_id", nodeID)
	}
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	return s.repo.ListJobs(ctx, limit)
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.GetJob(ctx, id)
}
