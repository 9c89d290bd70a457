package repo

import (
	"context"
	"database/sql"

	"flowline/internal/domain"
)

func (r Repo) InsertContributor(ctx context.Context, tx *sql.Tx, c domain.Contributor) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contributors(workflow_id,principal,tier,created_at) VALUES (?,?,?,?)`,
		c.WorkflowID, c.Principal, c.Tier, c.CreatedAt)
	return err
}

func (r Repo) GetContributor(ctx context.Context, workflowID uint64, principal string) (domain.Contributor, error) {
	var c domain.Contributor
	err := r.DB.QueryRowContext(ctx, `SELECT workflow_id,principal,tier,created_at FROM contributors WHERE workflow_id=? AND principal=?`,
		workflowID, principal).Scan(&c.WorkflowID, &c.Principal, &c.Tier, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetContributorTx(ctx context.Context, tx *sql.Tx, workflowID uint64, principal string) (domain.Contributor, error) {
	var c domain.Contributor
	err := tx.QueryRowContext(ctx, `SELECT workflow_id,principal,tier,created_at FROM contributors WHERE workflow_id=? AND principal=?`,
		workflowID, principal).Scan(&c.WorkflowID, &c.Principal, &c.Tier, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) UpdateContributorTier(ctx context.Context, tx *sql.Tx, workflowID uint64, principal string, tier domain.Tier) error {
	res, err := tx.ExecContext(ctx, `UPDATE contributors SET tier=? WHERE workflow_id=? AND principal=?`,
		tier, workflowID, principal)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteContributor(ctx context.Context, tx *sql.Tx, workflowID uint64, principal string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM contributors WHERE workflow_id=? AND principal=?`, workflowID, principal)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListContributors(ctx context.Context, workflowID uint64) ([]domain.Contributor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workflow_id,principal,tier,created_at FROM contributors WHERE workflow_id=? ORDER BY principal ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contributor
	for rows.Next() {
		var c domain.Contributor
		if err := rows.Scan(&c.WorkflowID, &c.Principal, &c.Tier, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountContributors(ctx context.Context, workflowID uint64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM contributors WHERE workflow_id=?`, workflowID).Scan(&n)
	return n, err
}
