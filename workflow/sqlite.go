package workflow

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id              TEXT PRIMARY KEY,
	workflow_type   TEXT NOT NULL,
	project_id      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	current_step    TEXT NOT NULL DEFAULT '',
	steps_completed TEXT NOT NULL DEFAULT '[]',
	context         TEXT NOT NULL DEFAULT '{}',
	error           TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	started_at      DATETIME,
	completed_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
CREATE INDEX IF NOT EXISTS idx_workflows_project ON workflows(project_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	step        TEXT NOT NULL,
	context     TEXT NOT NULL DEFAULT '{}',
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow ON checkpoints(workflow_id, id);
`

const instanceCols = "id, workflow_type, project_id, status, current_step, steps_completed, context, error, created_at, updated_at, started_at, completed_at"

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite workflow store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single connection to prevent SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateInstance(in *Instance) (string, error) {
	if in.ID == "" {
		in.ID = newID()
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now

	steps, context, err := encodeInstanceJSON(in)
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(
		"INSERT INTO workflows ("+instanceCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		in.ID, in.Type, in.ProjectID, string(in.Status), in.CurrentStep,
		steps, context, in.Error, in.CreatedAt, in.UpdatedAt,
		nullTime(in.StartedAt), nullTime(in.CompletedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert workflow: %w", err)
	}
	return in.ID, nil
}

func (s *SQLiteStore) GetInstance(id string) (*Instance, error) {
	row := s.db.QueryRow("SELECT "+instanceCols+" FROM workflows WHERE id = ?", id)
	in, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return in, nil
}

func (s *SQLiteStore) UpdateInstance(in *Instance) error {
	in.UpdatedAt = time.Now().UTC()
	steps, context, err := encodeInstanceJSON(in)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE workflows SET workflow_type = ?, project_id = ?, status = ?, current_step = ?,
		 steps_completed = ?, context = ?, error = ?, updated_at = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		in.Type, in.ProjectID, string(in.Status), in.CurrentStep,
		steps, context, in.Error, in.UpdatedAt,
		nullTime(in.StartedAt), nullTime(in.CompletedAt), in.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("workflow %s: %w", in.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListInstances(f Filter) ([]*Instance, error) {
	var b strings.Builder
	b.WriteString("SELECT " + instanceCols + " FROM workflows WHERE 1=1")
	var args []any
	if f.Status != nil {
		b.WriteString(" AND status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Type != "" {
		b.WriteString(" AND workflow_type = ?")
		args = append(args, f.Type)
	}
	if f.ProjectID != "" {
		b.WriteString(" AND project_id = ?")
		args = append(args, f.ProjectID)
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if f.Limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
		if f.Offset > 0 {
			b.WriteString(fmt.Sprintf(" OFFSET %d", f.Offset))
		}
	}

	rows, err := s.db.Query(b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveCheckpoint(cp *Checkpoint) (int64, error) {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	context, err := json.Marshal(cp.Context)
	if err != nil {
		return 0, fmt.Errorf("encode checkpoint context: %w", err)
	}
	res, err := s.db.Exec(
		"INSERT INTO checkpoints (workflow_id, step, context, created_at) VALUES (?, ?, ?, ?)",
		cp.WorkflowID, cp.Step, string(context), cp.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("checkpoint id: %w", err)
	}
	cp.ID = id
	return id, nil
}

func (s *SQLiteStore) LatestCheckpoint(workflowID string) (*Checkpoint, error) {
	row := s.db.QueryRow(
		"SELECT id, workflow_id, step, context, created_at FROM checkpoints WHERE workflow_id = ? ORDER BY id DESC LIMIT 1",
		workflowID,
	)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint for workflow %s: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint %s: %w", workflowID, err)
	}
	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints(workflowID string) ([]*Checkpoint, error) {
	rows, err := s.db.Query(
		"SELECT id, workflow_id, step, context, created_at FROM checkpoints WHERE workflow_id = ? ORDER BY id ASC",
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*Instance, error) {
	var in Instance
	var status, steps, context string
	var started, completed sql.NullTime
	if err := s.Scan(
		&in.ID, &in.Type, &in.ProjectID, &status, &in.CurrentStep,
		&steps, &context, &in.Error, &in.CreatedAt, &in.UpdatedAt,
		&started, &completed,
	); err != nil {
		return nil, err
	}
	in.Status = Status(status)
	if err := json.Unmarshal([]byte(steps), &in.StepsCompleted); err != nil {
		return nil, fmt.Errorf("decode steps_completed: %w", err)
	}
	if err := json.Unmarshal([]byte(context), &in.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if started.Valid {
		t := started.Time.UTC()
		in.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		in.CompletedAt = &t
	}
	return &in, nil
}

func scanCheckpoint(s scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var context string
	if err := s.Scan(&cp.ID, &cp.WorkflowID, &cp.Step, &context, &cp.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(context), &cp.Context); err != nil {
		return nil, fmt.Errorf("decode checkpoint context: %w", err)
	}
	return &cp, nil
}

func encodeInstanceJSON(in *Instance) (steps, context string, err error) {
	sb, err := json.Marshal(in.StepsCompleted)
	if err != nil {
		return "", "", fmt.Errorf("encode steps_completed: %w", err)
	}
	cb, err := json.Marshal(in.Context)
	if err != nil {
		return "", "", fmt.Errorf("encode context: %w", err)
	}
	return string(sb), string(cb), nil
}

// nullTime converts an optional time for SQL insertion.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// newID generates a random hex ID.
func newID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
