package repo

import (
	"context"
	"database/sql"

	"flowline/internal/domain"
)

const checkpointColumns = `workflow_id,checkpoint_id,title,description,target_height,budget_allocation,created_at`

func scanCheckpoint(scan func(dest ...any) error) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	var description sql.NullString
	err := scan(&c.WorkflowID, &c.ID, &c.Title, &description, &c.TargetHeight, &c.BudgetAllocation, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if description.Valid {
		c.Description = description.String
	}
	return c, nil
}

func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(workflow_id,checkpoint_id,title,description,target_height,budget_allocation,created_at)
VALUES (?,?,?,?,?,?,?)`,
		c.WorkflowID, c.ID, c.Title, nullable(c.Description), c.TargetHeight, c.BudgetAllocation, c.CreatedAt)
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, workflowID, checkpointID uint64) (domain.Checkpoint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE workflow_id=? AND checkpoint_id=?`,
		workflowID, checkpointID)
	return scanCheckpoint(row.Scan)
}

func (r Repo) ListCheckpoints(ctx context.Context, workflowID uint64) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE workflow_id=? ORDER BY checkpoint_id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
