package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loopengine/loopagent/internal/db"
	"github.com/loopengine/loopagent/internal/graph"
	"github.com/loopengine/loopagent/internal/similarity"
)

type Repository interface {
	CreateNode(ctx context.Context, node *NodeRecord) error
	GetNode(ctx context.Context, id string) (*NodeRecord, error)
	GetNodes(ctx context.Context, ids []string) (map[string]*NodeRecord, error)
	ListNodes(ctx context.Context, includeInactive bool) ([]*NodeRecord, error)
	RenameNode(ctx context.Context, id, name string) (bool, error)
	DeleteNodes(ctx context.Context, ids []string) error
	CountNodes(ctx context.Context) (Counts, error)

	AddEdge(ctx context.Context, e graph.Edge) (bool, error)
	RemoveEdge(ctx context.Context, e graph.Edge) (bool, error)
	ListEdges(ctx context.Context) ([]graph.Edge, error)

	// ApplyGroup stores group, deactivates its children and drops every
	// edge touching them, in one transaction.
	ApplyGroup(ctx context.Context, group *NodeRecord) error
	// ApplyUngroup deletes the group and reactivates restore, in one transaction.
	ApplyUngroup(ctx context.Context, groupID string, restore []string) error

	similarity.ScoreStore

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	ListPendingJobs(ctx context.Context) ([]*Job, error)
	UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const nodeColumns = `id, kind, name, duration, first_frame_ref, last_frame_ref, media_path, width, height, active, position, created_at`

func (r *SQLiteRepository) CreateNode(ctx context.Context, n *NodeRecord) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return insertNode(ctx, tx, n)
	})
}

func insertNode(ctx context.Context, q queryer, n *NodeRecord) error {
	if n.Position == 0 {
		pos, err := nextPosition(ctx, q)
		if err != nil {
			return err
		}
		n.Position = pos
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Kind, n.Name, n.Duration, n.FirstFrameRef, n.LastFrameRef, n.MediaPath,
		n.Width, n.Height, boolToInt(n.Active), n.Position, n.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert node %s: %w", n.ID, err)
	}

	for i, child := range n.Children {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO group_children (group_id, child_id, position) VALUES (?, ?, ?)`,
			n.ID, child, i); err != nil {
			return fmt.Errorf("insert group child %s: %w", child, err)
		}
	}
	return nil
}

func nextPosition(ctx context.Context, q queryer) (int64, error) {
	var pos int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM nodes`).Scan(&pos)
	return pos, err
}

func (r *SQLiteRepository) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	nodes, err := r.GetNodes(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return nodes[id], nil
}

// GetNodes loads the given nodes, active or not. Unknown ids are absent from
// the result.
func (r *SQLiteRepository) GetNodes(ctx context.Context, ids []string) (map[string]*NodeRecord, error) {
	out := make(map[string]*NodeRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if err := r.attachChildren(ctx, nodes); err != nil {
		return nil, err
	}
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out, nil
}

func (r *SQLiteRepository) ListNodes(ctx context.Context, includeInactive bool) ([]*NodeRecord, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if !includeInactive {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY position ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if err := r.attachChildren(ctx, nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func scanNodes(rows *sql.Rows) ([]*NodeRecord, error) {
	defer rows.Close()

	var nodes []*NodeRecord
	for rows.Next() {
		var n NodeRecord
		var active int
		var createdAt string
		if err := rows.Scan(&n.ID, &n.Kind, &n.Name, &n.Duration, &n.FirstFrameRef, &n.LastFrameRef,
			&n.MediaPath, &n.Width, &n.Height, &active, &n.Position, &createdAt); err != nil {
			return nil, err
		}
		n.Active = active == 1
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (r *SQLiteRepository) attachChildren(ctx context.Context, nodes []*NodeRecord) error {
	groups := make(map[string]*NodeRecord)
	args := []any{}
	for _, n := range nodes {
		if n.IsGroup() {
			groups[n.ID] = n
			args = append(args, n.ID)
		}
	}
	if len(groups) == 0 {
		return nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT group_id, child_id FROM group_children
		WHERE group_id IN (`+placeholders(len(args))+`)
		ORDER BY group_id, position ASC
	`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var groupID, childID string
		if err := rows.Scan(&groupID, &childID); err != nil {
			return err
		}
		g := groups[groupID]
		g.Children = append(g.Children, childID)
	}
	return rows.Err()
}

func (r *SQLiteRepository) RenameNode(ctx context.Context, id, name string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE nodes SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteNodes removes nodes with their edges, group membership rows and scores.
func (r *SQLiteRepository) DeleteNodes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	in := placeholders(len(ids))

	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM similarity_scores WHERE from_id IN (` + in + `) OR to_id IN (` + in + `)`,
			`DELETE FROM nodes WHERE id IN (` + in + `)`,
		}
		for i, stmt := range stmts {
			a := args
			if i == 0 {
				a = append(append([]any{}, args...), args...)
			}
			if _, err := tx.ExecContext(ctx, stmt, a...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) CountNodes(ctx context.Context) (Counts, error) {
	var c Counts
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN active = 1 AND kind = 'clip' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN active = 1 AND kind = 'group' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN active = 0 THEN 1 ELSE 0 END), 0)
		FROM nodes
	`).Scan(&c.Clips, &c.Groups, &c.Inactive)
	if err != nil {
		return c, err
	}
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&c.Edges)
	return c, err
}

// AddEdge stores e. Storing an edge that already exists is a no-op that
// reports false.
func (r *SQLiteRepository) AddEdge(ctx context.Context, e graph.Edge) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO edges (source_id, source_side, target_id, target_side, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, e.Source.NodeID, string(e.Source.Side), e.Target.NodeID, string(e.Target.Side), time.Now().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *SQLiteRepository) RemoveEdge(ctx context.Context, e graph.Edge) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM edges WHERE source_id = ? AND source_side = ? AND target_id = ? AND target_side = ?
	`, e.Source.NodeID, string(e.Source.Side), e.Target.NodeID, string(e.Target.Side))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *SQLiteRepository) ListEdges(ctx context.Context) ([]graph.Edge, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_id, source_side, target_id, target_side FROM edges ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		var srcID, srcSide, tgtID, tgtSide string
		if err := rows.Scan(&srcID, &srcSide, &tgtID, &tgtSide); err != nil {
			return nil, err
		}
		edges = append(edges, graph.NewEdge(srcID, graph.Side(srcSide), tgtID, graph.Side(tgtSide)))
	}
	return edges, rows.Err()
}

func (r *SQLiteRepository) ApplyGroup(ctx context.Context, group *NodeRecord) error {
	if len(group.Children) == 0 {
		return errors.New("group has no children")
	}
	args := make([]any, len(group.Children))
	for i, id := range group.Children {
		args[i] = id
	}
	in := placeholders(len(args))

	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM edges WHERE source_id IN (`+in+`) OR target_id IN (`+in+`)`,
			append(append([]any{}, args...), args...)...); err != nil {
			return fmt.Errorf("drop child edges: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET active = 0 WHERE id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("deactivate children: %w", err)
		}
		group.Active = true
		group.Position = 0
		return insertNode(ctx, tx, group)
	})
}

func (r *SQLiteRepository) ApplyUngroup(ctx context.Context, groupID string, restore []string) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ? AND kind = 'group'`, groupID)
		if err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM similarity_scores WHERE from_id = ? OR to_id = ?`, groupID, groupID); err != nil {
			return err
		}
		for _, id := range restore {
			pos, err := nextPosition(ctx, tx)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE nodes SET active = 1, position = ? WHERE id = ?`, pos, id); err != nil {
				return fmt.Errorf("restore %s: %w", id, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) LoadScores(ctx context.Context) ([]similarity.Score, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT from_id, to_id, score FROM similarity_scores`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []similarity.Score
	for rows.Next() {
		var s similarity.Score
		if err := rows.Scan(&s.From, &s.To, &s.Value); err != nil {
			return nil, err
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

func (r *SQLiteRepository) SaveScores(ctx context.Context, scores []similarity.Score) error {
	now := time.Now().Format(time.RFC3339)
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO similarity_scores (from_id, to_id, score, computed_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(from_id, to_id) DO UPDATE SET score = excluded.score, computed_at = excluded.computed_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, s := range scores {
			if _, err := stmt.ExecContext(ctx, s.From, s.To, s.Value, now); err != nil {
				return fmt.Errorf("save score %s -> %s: %w", s.From, s.To, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) DeleteScores(ctx context.Context, nodeID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM similarity_scores WHERE from_id = ? OR to_id = ?`, nodeID, nodeID)
	return err
}

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, node_id, progress, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Type, j.Status, nullString(j.NodeID),
		j.Progress, nullString(j.Error),
		j.CreatedAt.Format(time.RFC3339Nano), j.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

const jobColumns = `id, type, status, node_id, progress, error, created_at, updated_at`

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var j Job
	var nodeID, errMsg sql.NullString
	var createdAt, updatedAt string

	if err := scan(&j.ID, &j.Type, &j.Status, &nodeID, &j.Progress, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	j.NodeID = nodeID.String
	j.Error = errMsg.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (r *SQLiteRepository) ListPendingJobs(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), time.Now().Format(time.RFC3339Nano), id)
	return err
}

func (r *SQLiteRepository) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, time.Now().Format(time.RFC3339Nano), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	// rows written by SQLite's datetime('now')
	t, _ := time.Parse(time.DateTime, s)
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
