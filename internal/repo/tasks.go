package repo

import (
	"context"
	"database/sql"

	"flowline/internal/domain"
)

const taskColumns = `workflow_id,task_id,title,description,assignee,priority,estimated_hours,scheduled_start,scheduled_end,state,parent,logged_hours,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, assignee sql.NullString
	var parent sql.NullInt64
	err := scan(&t.WorkflowID, &t.ID, &t.Title, &description, &assignee, &t.Priority, &t.EstimatedHours,
		&t.ScheduledStart, &t.ScheduledEnd, &t.State, &parent, &t.LoggedHours, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if assignee.Valid {
		t.Assignee = &assignee.String
	}
	if parent.Valid {
		p := uint64(parent.Int64)
		t.Parent = &p
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(workflow_id,task_id,title,description,assignee,priority,estimated_hours,scheduled_start,scheduled_end,state,parent,logged_hours,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.WorkflowID, t.ID, t.Title, nullable(t.Description), nullableStringPtr(t.Assignee), t.Priority, t.EstimatedHours,
		t.ScheduledStart, t.ScheduledEnd, t.State, nullableUintPtr(t.Parent), t.LoggedHours, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, assignee=?, priority=?, estimated_hours=?, scheduled_start=?, scheduled_end=?, state=?, parent=?, logged_hours=?, updated_at=? WHERE workflow_id=? AND task_id=?`,
		t.Title, nullable(t.Description), nullableStringPtr(t.Assignee), t.Priority, t.EstimatedHours,
		t.ScheduledStart, t.ScheduledEnd, t.State, nullableUintPtr(t.Parent), t.LoggedHours, t.UpdatedAt, t.WorkflowID, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, workflowID, taskID uint64) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workflow_id=? AND task_id=?`, workflowID, taskID)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	t.Prerequisites, err = r.ListPrerequisites(ctx, workflowID, taskID)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, workflowID, taskID uint64) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workflow_id=? AND task_id=?`, workflowID, taskID)
	return scanTask(row.Scan)
}

func (r Repo) TaskExistsTx(ctx context.Context, tx *sql.Tx, workflowID, taskID uint64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE workflow_id=? AND task_id=? LIMIT 1`, workflowID, taskID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

type TaskFilters struct {
	WorkflowID uint64
	State      domain.TaskState
	Assignee   string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE workflow_id=?`
	args := []any{f.WorkflowID}
	if f.State != 0 {
		query += ` AND state=?`
		args = append(args, f.State)
	}
	if f.Assignee != "" {
		query += ` AND assignee=?`
		args = append(args, f.Assignee)
	}
	query += ` ORDER BY task_id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPrerequisites returns the prerequisite task ids of a dependent task.
func (r Repo) ListPrerequisites(ctx context.Context, workflowID, dependentID uint64) ([]uint64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT prerequisite_id FROM task_deps WHERE workflow_id=? AND dependent_id=? ORDER BY prerequisite_id ASC`,
		workflowID, dependentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []uint64
	for rows.Next() {
		var dep uint64
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// WorkflowEdgesTx returns the full prerequisite edge set of one workflow as an
// adjacency map from dependent to prerequisites.
func (r Repo) WorkflowEdgesTx(ctx context.Context, tx *sql.Tx, workflowID uint64) (map[uint64][]uint64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT dependent_id, prerequisite_id FROM task_deps WHERE workflow_id=?`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	edges := map[uint64][]uint64{}
	for rows.Next() {
		var dep, pre uint64
		if err := rows.Scan(&dep, &pre); err != nil {
			return nil, err
		}
		edges[dep] = append(edges[dep], pre)
	}
	return edges, rows.Err()
}

func (r Repo) InsertEdge(ctx context.Context, tx *sql.Tx, workflowID, dependentID, prerequisiteID uint64) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(workflow_id, dependent_id, prerequisite_id) VALUES (?,?,?)`,
		workflowID, dependentID, prerequisiteID)
	return err
}

func (r Repo) DeleteEdge(ctx context.Context, tx *sql.Tx, workflowID, dependentID, prerequisiteID uint64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE workflow_id=? AND dependent_id=? AND prerequisite_id=?`,
		workflowID, dependentID, prerequisiteID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTasksByState(ctx context.Context, workflowID uint64) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM tasks WHERE workflow_id=? GROUP BY state`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state domain.TaskState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state.String()] = count
	}
	return res, rows.Err()
}
