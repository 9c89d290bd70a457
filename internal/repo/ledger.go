package repo

import (
	"context"
	"database/sql"

	"flowline/internal/domain"
)

// Ledger rows are append only. There are no update or delete statements here
// on purpose.

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(workflow_id, task_id, hash, created_at) VALUES (?,?,?,?)`,
		a.WorkflowID, a.TaskID, a.Hash, a.CreatedAt)
	return err
}

func (r Repo) ListArtifacts(ctx context.Context, workflowID, taskID uint64) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workflow_id, task_id, hash, created_at FROM artifacts WHERE workflow_id=? AND task_id=? ORDER BY id ASC`,
		workflowID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.WorkflowID, &a.TaskID, &a.Hash, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertTimeEntry(ctx context.Context, tx *sql.Tx, e domain.TimeEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO time_entries(workflow_id, task_id, hours, note, created_at) VALUES (?,?,?,?,?)`,
		e.WorkflowID, e.TaskID, e.Hours, nullable(e.Note), e.CreatedAt)
	return err
}

// AddLoggedHours bumps the running total on the task row inside the same
// transaction as the time entry insert.
func (r Repo) AddLoggedHours(ctx context.Context, tx *sql.Tx, workflowID, taskID, hours uint64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET logged_hours = logged_hours + ?, updated_at=? WHERE workflow_id=? AND task_id=?`,
		hours, updatedAt, workflowID, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTimeEntries(ctx context.Context, workflowID, taskID uint64) ([]domain.TimeEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workflow_id, task_id, hours, note, created_at FROM time_entries WHERE workflow_id=? AND task_id=? ORDER BY id ASC`,
		workflowID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeEntry
	for rows.Next() {
		var e domain.TimeEntry
		var note sql.NullString
		if err := rows.Scan(&e.WorkflowID, &e.TaskID, &e.Hours, &note, &e.CreatedAt); err != nil {
			return nil, err
		}
		if note.Valid {
			e.Note = note.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertNote(ctx context.Context, tx *sql.Tx, n domain.Note) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notes(workflow_id, task_id, body, created_at) VALUES (?,?,?,?)`,
		n.WorkflowID, n.TaskID, n.Body, n.CreatedAt)
	return err
}

func (r Repo) ListNotes(ctx context.Context, workflowID, taskID uint64) ([]domain.Note, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workflow_id, task_id, body, created_at FROM notes WHERE workflow_id=? AND task_id=? ORDER BY id ASC`,
		workflowID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Note
	for rows.Next() {
		var n domain.Note
		if err := rows.Scan(&n.WorkflowID, &n.TaskID, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
