package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loopengine/loopagent/internal/graph"
)

// Score is one persisted matrix cell.
type Score struct {
	From  string
	To    string
	Value float64
}

// ScoreStore persists the matrix between runs.
type ScoreStore interface {
	LoadScores(ctx context.Context) ([]Score, error)
	SaveScores(ctx context.Context, scores []Score) error
	DeleteScores(ctx context.Context, nodeID string) error
}

// Local computes scores in-process from frames on disk.
type Local struct {
	store     ScoreStore
	frameSize int
	logger    *slog.Logger

	// mu serialises Register and Remove; matrix has its own lock for readers.
	mu     sync.Mutex
	matrix *Matrix
	first  map[string]*Gray
	last   map[string]*Gray
}

func NewLocal(store ScoreStore, frameSize int, logger *slog.Logger) *Local {
	if frameSize <= 0 {
		frameSize = 256
	}
	return &Local{
		store:     store,
		frameSize: frameSize,
		logger:    logger,
		matrix:    NewMatrix(),
		first:     make(map[string]*Gray),
		last:      make(map[string]*Gray),
	}
}

// Load reads persisted scores into memory.
func (l *Local) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	scores, err := l.store.LoadScores(ctx)
	if err != nil {
		return fmt.Errorf("load scores: %w", err)
	}
	for _, s := range scores {
		l.matrix.Set(s.From, s.To, s.Value)
	}
	if l.logger != nil {
		l.logger.Info("similarity scores loaded", "count", len(scores))
	}
	return nil
}

// Warm fills the frame cache for clips registered in an earlier run. Frames
// that cannot be read are skipped; the clip keeps its stored scores.
func (l *Local) Warm(frames []Frames) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range frames {
		if _, ok := l.first[f.NodeID]; !ok {
			if g, err := LoadFrame(f.FirstPath, l.frameSize); err == nil {
				l.first[f.NodeID] = g
			} else if l.logger != nil {
				l.logger.Debug("frame cache warm failed", "node_id", f.NodeID, "error", err)
			}
		}
		if _, ok := l.last[f.NodeID]; !ok {
			if g, err := LoadFrame(f.LastPath, l.frameSize); err == nil {
				l.last[f.NodeID] = g
			} else if l.logger != nil {
				l.logger.Debug("frame cache warm failed", "node_id", f.NodeID, "error", err)
			}
		}
	}
}

type pair struct {
	from, to string
}

// Register loads the frames of a new clip and scores it against every known
// clip in both directions, including against itself. Pairs already scored
// are left alone.
func (l *Local) Register(ctx context.Context, f Frames) error {
	first, err := LoadFrame(f.FirstPath, l.frameSize)
	if err != nil {
		return err
	}
	last, err := LoadFrame(f.LastPath, l.frameSize)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.first[f.NodeID] = first
	l.last[f.NodeID] = last

	var pairs []pair
	for id := range l.last {
		if _, done := l.matrix.Score(id, f.NodeID); !done {
			pairs = append(pairs, pair{from: id, to: f.NodeID})
		}
	}
	for id := range l.first {
		if id == f.NodeID {
			continue
		}
		if _, done := l.matrix.Score(f.NodeID, id); !done {
			pairs = append(pairs, pair{from: f.NodeID, to: id})
		}
	}

	scores := make([]Score, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, p := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := SSIM(l.last[p.from], l.first[p.to])
			if err != nil {
				return fmt.Errorf("score %s -> %s: %w", p.from, p.to, err)
			}
			scores[i] = Score{From: p.from, To: p.to, Value: round4(clamp(s))}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, s := range scores {
		l.matrix.Set(s.From, s.To, s.Value)
	}

	if l.store != nil && len(scores) > 0 {
		if err := l.store.SaveScores(ctx, scores); err != nil {
			return fmt.Errorf("save scores: %w", err)
		}
	}
	if l.logger != nil {
		l.logger.Info("similarity registered", "node_id", f.NodeID, "pairs", len(scores))
	}
	return nil
}

// Remove drops every score and cached frame owned by nodeID.
func (l *Local) Remove(ctx context.Context, nodeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.matrix.Remove(nodeID)
	delete(l.first, nodeID)
	delete(l.last, nodeID)

	if l.store != nil {
		if err := l.store.DeleteScores(ctx, nodeID); err != nil {
			return fmt.Errorf("delete scores: %w", err)
		}
	}
	return nil
}

func (l *Local) Compatible(_ context.Context, nodeID string, side graph.Side, threshold float64) ([]Result, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", graph.ErrInvalidSide, side)
	}
	return l.matrix.Compatible(nodeID, side, threshold), nil
}

// Matrix returns a copy of the current scores.
func (l *Local) Matrix(context.Context) (*Matrix, error) {
	return MatrixFrom(l.matrix.Snapshot()), nil
}
