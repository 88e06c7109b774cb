package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func TestNew_CreatesDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	tables := []string{"nodes", "group_children", "edges", "similarity_scores", "jobs", "config", "_migrations"}
	for _, table := range tables {
		var name string
		err := database.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestNew_WALEnabled(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	var journalMode string
	err = database.Conn().QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}

	if journalMode != "wal" {
		t.Errorf("journal_mode = %s, want wal", journalMode)
	}
}

func TestNew_MigrationsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("first New() error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var count int
	err = db2.Conn().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count)
	if err != nil {
		t.Fatalf("count migrations error = %v", err)
	}

	if count != 3 {
		t.Errorf("migration count = %d, want 3", count)
	}
}

func TestMarkInterruptedJobs(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = db1.Conn().Exec(`
		INSERT INTO jobs (id, type, status, node_id, progress, created_at, updated_at)
		VALUES ('test-job', 'similarity', 'running', 'n1', 50, datetime('now'), datetime('now'))
	`)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var status, errMsg string
	err = db2.Conn().QueryRow("SELECT status, error FROM jobs WHERE id = 'test-job'").Scan(&status, &errMsg)
	if err != nil {
		t.Fatalf("query job error = %v", err)
	}

	if status != "failed" {
		t.Errorf("job status = %s, want failed", status)
	}
	if errMsg != "interrupted by restart" {
		t.Errorf("job error = %s, want 'interrupted by restart'", errMsg)
	}
}

func TestEdgesPrimaryKeyIsFourTuple(t *testing.T) {
	database, err := New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	conn := database.Conn()
	for _, id := range []string{"a", "b"} {
		if _, err := conn.Exec(`INSERT INTO nodes (id, kind, name, created_at) VALUES (?, 'clip', ?, datetime('now'))`, id, id); err != nil {
			t.Fatalf("insert node: %v", err)
		}
	}

	insert := `INSERT INTO edges (source_id, source_side, target_id, target_side, created_at) VALUES (?, ?, ?, ?, datetime('now'))`
	if _, err := conn.Exec(insert, "a", "last", "b", "first"); err != nil {
		t.Fatalf("insert edge: %v", err)
	}
	if _, err := conn.Exec(insert, "a", "first", "b", "first"); err != nil {
		t.Fatalf("edge with other side should be distinct: %v", err)
	}
	if _, err := conn.Exec(insert, "a", "last", "b", "first"); err == nil {
		t.Fatal("duplicate edge should violate primary key")
	}

	// deleting a node cascades to its edges
	if _, err := conn.Exec(`DELETE FROM nodes WHERE id = 'b'`); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&count); err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if count != 0 {
		t.Errorf("edges after cascade = %d, want 0", count)
	}
}

func TestTx_RollsBackOnError(t *testing.T) {
	database, err := New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	boom := errors.New("boom")
	err = database.Tx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO config (key, value) VALUES ('k', 'v')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Tx() error = %v, want boom", err)
	}

	var count int
	database.Conn().QueryRow(`SELECT COUNT(*) FROM config`).Scan(&count)
	if count != 0 {
		t.Errorf("config rows = %d, want rollback", count)
	}
}
