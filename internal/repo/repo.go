package repo

import (
	"context"
	"database/sql"
	"errors"

	"flowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workflowColumns = `id,title,COALESCE(description,'') AS description,budget_floor,budget_ceiling,total_budget,owner,next_task_id,next_checkpoint_id,created_at,updated_at`

func scanWorkflow(row *sql.Row) (domain.Workflow, error) {
	var w domain.Workflow
	err := row.Scan(&w.ID, &w.Title, &w.Description, &w.BudgetFloor, &w.BudgetCeiling, &w.TotalBudget,
		&w.Owner, &w.NextTaskID, &w.NextCheckpointID, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) (uint64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO workflows(title,description,budget_floor,budget_ceiling,total_budget,owner,next_task_id,next_checkpoint_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.Title, nullable(w.Description), w.BudgetFloor, w.BudgetCeiling, w.TotalBudget, w.Owner, w.NextTaskID, w.NextCheckpointID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (r Repo) GetWorkflow(ctx context.Context, id uint64) (domain.Workflow, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id uint64) (domain.Workflow, error) {
	return scanWorkflow(tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
}

func (r Repo) UpdateWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET title=?, description=?, budget_floor=?, budget_ceiling=?, total_budget=?, updated_at=? WHERE id=?`,
		w.Title, nullable(w.Description), w.BudgetFloor, w.BudgetCeiling, w.TotalBudget, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllocateTaskID returns the workflow's next task id and advances the counter.
func (r Repo) AllocateTaskID(ctx context.Context, tx *sql.Tx, workflowID uint64) (uint64, error) {
	var next uint64
	err := tx.QueryRowContext(ctx, `SELECT next_task_id FROM workflows WHERE id=?`, workflowID).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET next_task_id=? WHERE id=?`, next+1, workflowID); err != nil {
		return 0, err
	}
	return next, nil
}

// AllocateCheckpointID returns the workflow's next checkpoint id and advances the counter.
func (r Repo) AllocateCheckpointID(ctx context.Context, tx *sql.Tx, workflowID uint64) (uint64, error) {
	var next uint64
	err := tx.QueryRowContext(ctx, `SELECT next_checkpoint_id FROM workflows WHERE id=?`, workflowID).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET next_checkpoint_id=? WHERE id=?`, next+1, workflowID); err != nil {
		return 0, err
	}
	return next, nil
}

func (r Repo) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		if err := rows.Scan(&w.ID, &w.Title, &w.Description, &w.BudgetFloor, &w.BudgetCeiling, &w.TotalBudget,
			&w.Owner, &w.NextTaskID, &w.NextCheckpointID, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableUintPtr(v *uint64) any {
	if v == nil {
		return nil
	}
	return *v
}
