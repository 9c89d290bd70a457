package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/engine/access"
	"flowline/internal/events"
	"flowline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Access access.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Access: access.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) checkTitle(title string) error {
	if title == "" {
		return InvalidParameterError{Field: "title", Reason: "must not be empty"}
	}
	if e.Config != nil && e.Config.Limits.TitleMax > 0 && len(title) > e.Config.Limits.TitleMax {
		return InvalidParameterError{Field: "title", Reason: "too long"}
	}
	return nil
}

func (e Engine) checkDescription(description string) error {
	if e.Config != nil && e.Config.Limits.DescriptionMax > 0 && len(description) > e.Config.Limits.DescriptionMax {
		return InvalidParameterError{Field: "description", Reason: "too long"}
	}
	return nil
}

// WorkflowCreateOptions are parameters for creating a workflow.
type WorkflowCreateOptions struct {
	Title         string
	Description   string
	BudgetFloor   uint64
	BudgetCeiling uint64
	TotalBudget   uint64
	Creator       string
}

// CreateWorkflow allocates a fresh workflow id and records the creator as
// owner. The owner holds an implicit executor membership that is never stored
// as a roster row.
func (e Engine) CreateWorkflow(ctx context.Context, opts WorkflowCreateOptions) (domain.Workflow, error) {
	if opts.Creator == "" {
		return domain.Workflow{}, InvalidParameterError{Field: "creator", Reason: "must not be empty"}
	}
	if err := e.checkTitle(opts.Title); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.checkDescription(opts.Description); err != nil {
		return domain.Workflow{}, err
	}
	if opts.BudgetFloor > opts.BudgetCeiling {
		return domain.Workflow{}, InvalidParameterError{Field: "budget_floor", Reason: "must not exceed budget_ceiling"}
	}
	now := e.timestamp()
	w := domain.Workflow{
		Title:            opts.Title,
		Description:      opts.Description,
		BudgetFloor:      opts.BudgetFloor,
		BudgetCeiling:    opts.BudgetCeiling,
		TotalBudget:      opts.TotalBudget,
		Owner:            opts.Creator,
		NextTaskID:       1,
		NextCheckpointID: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	w.ID, err = e.Repo.InsertWorkflow(ctx, tx, w)
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.created", w.ID, "workflow", "", opts.Creator, events.EventPayload{"title": w.Title}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// WorkflowModifyOptions are parameters for overwriting a workflow's mutable
// fields. RequiredTier is the privilege threshold the caller must meet and
// may only name the executor or manager tier.
type WorkflowModifyOptions struct {
	WorkflowID    uint64
	Title         string
	Description   string
	RequiredTier  domain.Tier
	BudgetFloor   uint64
	BudgetCeiling uint64
	TotalBudget   uint64
	Caller        string
}

func (e Engine) ModifyWorkflow(ctx context.Context, opts WorkflowModifyOptions) (domain.Workflow, error) {
	if opts.RequiredTier == 0 {
		opts.RequiredTier = domain.TierManager
	}
	if opts.RequiredTier > domain.TierManager {
		return domain.Workflow{}, InvalidParameterError{Field: "required_tier", Reason: "must be executor or manager"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, opts.WorkflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Access.Require(ctx, tx, w.ID, opts.Caller, w.Owner, opts.RequiredTier, "modify workflow"); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.checkTitle(opts.Title); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.checkDescription(opts.Description); err != nil {
		return domain.Workflow{}, err
	}
	if opts.BudgetFloor > opts.BudgetCeiling {
		return domain.Workflow{}, InvalidParameterError{Field: "budget_floor", Reason: "must not exceed budget_ceiling"}
	}
	w.Title = opts.Title
	w.Description = opts.Description
	w.BudgetFloor = opts.BudgetFloor
	w.BudgetCeiling = opts.BudgetCeiling
	w.TotalBudget = opts.TotalBudget
	w.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.updated", w.ID, "workflow", "", opts.Caller, events.EventPayload{"title": w.Title}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// Enroll adds a principal to a workflow roster at the given tier. Only the
// executor tier may enroll.
func (e Engine) Enroll(ctx context.Context, workflowID uint64, principal string, tier domain.Tier, caller string) (domain.Contributor, error) {
	if principal == "" {
		return domain.Contributor{}, InvalidParameterError{Field: "principal", Reason: "must not be empty"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contributor{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return domain.Contributor{}, err
	}
	if err := e.Access.Require(ctx, tx, w.ID, caller, w.Owner, domain.TierExecutor, "enroll contributors"); err != nil {
		return domain.Contributor{}, err
	}
	if !tier.Valid() {
		return domain.Contributor{}, InvalidParameterError{Field: "tier", Reason: "must be 1, 2 or 3"}
	}
	if principal == w.Owner {
		return domain.Contributor{}, ErrAlreadyMember
	}
	if _, err := e.Repo.GetContributorTx(ctx, tx, workflowID, principal); err == nil {
		return domain.Contributor{}, ErrAlreadyMember
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Contributor{}, err
	}
	c := domain.Contributor{
		WorkflowID: workflowID,
		Principal:  principal,
		Tier:       tier,
		CreatedAt:  e.timestamp(),
	}
	if err := e.Repo.InsertContributor(ctx, tx, c); err != nil {
		return domain.Contributor{}, err
	}
	if err := e.Events.Append(ctx, tx, "contributor.enrolled", workflowID, "contributor", principal, caller, events.EventPayload{"tier": tier}); err != nil {
		return domain.Contributor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contributor{}, err
	}
	return c, nil
}

// AdjustTier overwrites a contributor's tier. The owner's implicit executor
// membership has no roster row, so adjusting the owner reports not found.
func (e Engine) AdjustTier(ctx context.Context, workflowID uint64, principal string, newTier domain.Tier, caller string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if err := e.Access.Require(ctx, tx, w.ID, caller, w.Owner, domain.TierExecutor, "adjust tiers"); err != nil {
		return err
	}
	if !newTier.Valid() {
		return InvalidParameterError{Field: "tier", Reason: "must be 1, 2 or 3"}
	}
	if err := e.Repo.UpdateContributorTier(ctx, tx, workflowID, principal, newTier); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "contributor.tier_adjusted", workflowID, "contributor", principal, caller, events.EventPayload{"tier": newTier}); err != nil {
		return err
	}
	return tx.Commit()
}

// Remove deletes a principal from the roster. The owner is never removable.
func (e Engine) Remove(ctx context.Context, workflowID uint64, principal, caller string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if err := e.Access.Require(ctx, tx, w.ID, caller, w.Owner, domain.TierExecutor, "remove contributors"); err != nil {
		return err
	}
	if principal == w.Owner {
		return ErrProtectedPrincipal
	}
	if err := e.Repo.DeleteContributor(ctx, tx, workflowID, principal); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotMember
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "contributor.removed", workflowID, "contributor", principal, caller, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// HasAccess reports whether a principal is on the roster, owner included.
func (e Engine) HasAccess(ctx context.Context, workflowID uint64, principal string) (bool, error) {
	tier, err := e.TierOf(ctx, workflowID, principal)
	if err != nil {
		return false, err
	}
	return tier != nil, nil
}

// TierOf returns the effective tier of a principal, or nil when the principal
// has no access.
func (e Engine) TierOf(ctx context.Context, workflowID uint64, principal string) (*domain.Tier, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return nil, err
	}
	tier, ok, err := e.Access.TierOf(ctx, tx, workflowID, principal, w.Owner)
	if err != nil || !ok {
		return nil, err
	}
	return &tier, nil
}

// TaskSpawnOptions are parameters for creating a task.
type TaskSpawnOptions struct {
	WorkflowID     uint64
	Title          string
	Description    string
	Assignee       *string
	Priority       uint64
	EstimatedHours uint64
	ScheduledStart uint64
	ScheduledEnd   uint64
	Parent         *uint64
	Caller         string
}

func (e Engine) SpawnTask(ctx context.Context, opts TaskSpawnOptions) (domain.Task, error) {
	if err := e.checkTitle(opts.Title); err != nil {
		return domain.Task{}, err
	}
	if err := e.checkDescription(opts.Description); err != nil {
		return domain.Task{}, err
	}
	if opts.ScheduledStart > opts.ScheduledEnd {
		return domain.Task{}, InvalidParameterError{Field: "scheduled_start", Reason: "must not exceed scheduled_end"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, opts.WorkflowID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.requireMember(ctx, tx, w, opts.Caller, "spawn tasks"); err != nil {
		return domain.Task{}, err
	}
	if opts.Parent != nil {
		ok, err := e.Repo.TaskExistsTx(ctx, tx, w.ID, *opts.Parent)
		if err != nil {
			return domain.Task{}, err
		}
		if !ok {
			return domain.Task{}, repo.ErrNotFound
		}
	}
	taskID, err := e.Repo.AllocateTaskID(ctx, tx, w.ID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	t := domain.Task{
		WorkflowID:     w.ID,
		ID:             taskID,
		Title:          opts.Title,
		Description:    opts.Description,
		Assignee:       opts.Assignee,
		Priority:       opts.Priority,
		EstimatedHours: opts.EstimatedHours,
		ScheduledStart: opts.ScheduledStart,
		ScheduledEnd:   opts.ScheduledEnd,
		State:          domain.StateCreated,
		Parent:         opts.Parent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.spawned", w.ID, "task", idRef(taskID), opts.Caller, events.EventPayload{"title": t.Title}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskReviseOptions overwrite a task's mutable fields. State and logged hours
// are untouched.
type TaskReviseOptions struct {
	WorkflowID     uint64
	TaskID         uint64
	Title          string
	Description    string
	Assignee       *string
	Priority       uint64
	EstimatedHours uint64
	ScheduledStart uint64
	ScheduledEnd   uint64
	Parent         *uint64
	Caller         string
}

func (e Engine) ReviseTask(ctx context.Context, opts TaskReviseOptions) (domain.Task, error) {
	if err := e.checkTitle(opts.Title); err != nil {
		return domain.Task{}, err
	}
	if err := e.checkDescription(opts.Description); err != nil {
		return domain.Task{}, err
	}
	if opts.ScheduledStart > opts.ScheduledEnd {
		return domain.Task{}, InvalidParameterError{Field: "scheduled_start", Reason: "must not exceed scheduled_end"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, opts.WorkflowID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.requireMember(ctx, tx, w, opts.Caller, "revise tasks"); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, w.ID, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.Parent != nil {
		if *opts.Parent == t.ID {
			return domain.Task{}, InvalidParameterError{Field: "parent", Reason: "task cannot be its own parent"}
		}
		ok, err := e.Repo.TaskExistsTx(ctx, tx, w.ID, *opts.Parent)
		if err != nil {
			return domain.Task{}, err
		}
		if !ok {
			return domain.Task{}, repo.ErrNotFound
		}
	}
	t.Title = opts.Title
	t.Description = opts.Description
	t.Assignee = opts.Assignee
	t.Priority = opts.Priority
	t.EstimatedHours = opts.EstimatedHours
	t.ScheduledStart = opts.ScheduledStart
	t.ScheduledEnd = opts.ScheduledEnd
	t.Parent = opts.Parent
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.revised", w.ID, "task", idRef(t.ID), opts.Caller, events.EventPayload{"title": t.Title}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TransitionState advances a task by exactly one lifecycle step. The caller
// must be the task's assignee or hold manager privilege or better.
func (e Engine) TransitionState(ctx context.Context, workflowID, taskID uint64, target domain.TaskState, caller string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, w.ID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	tier, member, err := e.Access.TierOf(ctx, tx, w.ID, caller, w.Owner)
	if err != nil {
		return domain.Task{}, err
	}
	isAssignee := t.Assignee != nil && *t.Assignee == caller
	if !member || (!isAssignee && tier > domain.TierManager) {
		return domain.Task{}, access.UnauthorizedError{Principal: caller, Action: "transition task"}
	}
	if err := ensureTransition(t.State, target); err != nil {
		return domain.Task{}, err
	}
	from := t.State
	t.State = target
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.transitioned", w.ID, "task", idRef(t.ID), caller, events.EventPayload{
		"from": from.String(),
		"to":   target.String(),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ensureTransition permits only the next lifecycle step. Done is terminal.
func ensureTransition(current, target domain.TaskState) error {
	if current == domain.StateDone || target != current+1 || target > domain.StateDone {
		return InvalidTransitionError{From: current, To: target}
	}
	return nil
}

// EstablishPrerequisite records that dependent requires prerequisite. The
// edge is rejected when it would close a cycle in the workflow's dependency
// graph. Re-adding an existing edge is a no-op success.
func (e Engine) EstablishPrerequisite(ctx context.Context, workflowID, dependentID, prerequisiteID uint64, caller string) error {
	if dependentID == prerequisiteID {
		return ErrSelfReference
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if err := e.requireMember(ctx, tx, w, caller, "edit prerequisites"); err != nil {
		return err
	}
	for _, id := range []uint64{dependentID, prerequisiteID} {
		ok, err := e.Repo.TaskExistsTx(ctx, tx, w.ID, id)
		if err != nil {
			return err
		}
		if !ok {
			return repo.ErrNotFound
		}
	}
	edges, err := e.Repo.WorkflowEdgesTx(ctx, tx, w.ID)
	if err != nil {
		return err
	}
	if reachable(edges, prerequisiteID, dependentID) {
		return ErrCyclicDependency
	}
	if err := e.Repo.InsertEdge(ctx, tx, w.ID, dependentID, prerequisiteID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.prerequisite.added", w.ID, "task", idRef(dependentID), caller, events.EventPayload{"prerequisite": prerequisiteID}); err != nil {
		return err
	}
	return tx.Commit()
}

// reachable walks prerequisite chains from start looking for goal. An edge
// map entry lists the direct prerequisites of a task.
func reachable(edges map[uint64][]uint64, start, goal uint64) bool {
	seen := map[uint64]bool{start: true}
	queue := []uint64{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if next == goal {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// SeverPrerequisite removes an edge. A missing edge reports not found.
func (e Engine) SeverPrerequisite(ctx context.Context, workflowID, dependentID, prerequisiteID uint64, caller string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if err := e.requireMember(ctx, tx, w, caller, "edit prerequisites"); err != nil {
		return err
	}
	if err := e.Repo.DeleteEdge(ctx, tx, w.ID, dependentID, prerequisiteID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.prerequisite.removed", w.ID, "task", idRef(dependentID), caller, events.EventPayload{"prerequisite": prerequisiteID}); err != nil {
		return err
	}
	return tx.Commit()
}

// AttachArtifact appends a fixed-width content hash to a task's artifact log.
func (e Engine) AttachArtifact(ctx context.Context, workflowID, taskID uint64, hash []byte, caller string) error {
	if len(hash) != domain.ArtifactHashSize {
		return InvalidParameterError{Field: "hash", Reason: "must be exactly 32 bytes"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if err := e.requireMember(ctx, tx, w, caller, "attach artifacts"); err != nil {
		return err
	}
	ok, err := e.Repo.TaskExistsTx(ctx, tx, w.ID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return repo.ErrNotFound
	}
	a := domain.Artifact{
		WorkflowID: w.ID,
		TaskID:     taskID,
		Hash:       hash,
		CreatedAt:  e.timestamp(),
	}
	if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.artifact.attached", w.ID, "task", idRef(taskID), caller, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// LogTime appends a time entry and bumps the task's running hours total in
// the same transaction. Returns the new total.
func (e Engine) LogTime(ctx context.Context, workflowID, taskID, hours uint64, note, caller string) (uint64, error) {
	if hours == 0 {
		return 0, InvalidParameterError{Field: "hours", Reason: "must be positive"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return 0, err
	}
	if err := e.requireMember(ctx, tx, w, caller, "log time"); err != nil {
		return 0, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, w.ID, taskID)
	if err != nil {
		return 0, err
	}
	now := e.timestamp()
	entry := domain.TimeEntry{
		WorkflowID: w.ID,
		TaskID:     taskID,
		Hours:      hours,
		Note:       note,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertTimeEntry(ctx, tx, entry); err != nil {
		return 0, err
	}
	if err := e.Repo.AddLoggedHours(ctx, tx, w.ID, taskID, hours, now); err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "task.time.logged", w.ID, "task", idRef(taskID), caller, events.EventPayload{"hours": hours}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return t.LoggedHours + hours, nil
}

// ComposeNote appends a free-text note to a task.
func (e Engine) ComposeNote(ctx context.Context, workflowID, taskID uint64, text, caller string) error {
	if text == "" {
		return InvalidParameterError{Field: "body", Reason: "must not be empty"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if err := e.requireMember(ctx, tx, w, caller, "compose notes"); err != nil {
		return err
	}
	ok, err := e.Repo.TaskExistsTx(ctx, tx, w.ID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return repo.ErrNotFound
	}
	n := domain.Note{
		WorkflowID: w.ID,
		TaskID:     taskID,
		Body:       text,
		CreatedAt:  e.timestamp(),
	}
	if err := e.Repo.InsertNote(ctx, tx, n); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.note.added", w.ID, "task", idRef(taskID), caller, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CheckpointCreateOptions are parameters for recording a milestone.
type CheckpointCreateOptions struct {
	WorkflowID       uint64
	Title            string
	Description      string
	TargetHeight     uint64
	BudgetAllocation uint64
	Caller           string
}

// CreateCheckpoint records an immutable milestone. Manager privilege or
// better is required.
func (e Engine) CreateCheckpoint(ctx context.Context, opts CheckpointCreateOptions) (domain.Checkpoint, error) {
	if err := e.checkTitle(opts.Title); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := e.checkDescription(opts.Description); err != nil {
		return domain.Checkpoint{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, opts.WorkflowID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if err := e.Access.Require(ctx, tx, w.ID, opts.Caller, w.Owner, domain.TierManager, "create checkpoints"); err != nil {
		return domain.Checkpoint{}, err
	}
	checkpointID, err := e.Repo.AllocateCheckpointID(ctx, tx, w.ID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	c := domain.Checkpoint{
		WorkflowID:       w.ID,
		ID:               checkpointID,
		Title:            opts.Title,
		Description:      opts.Description,
		TargetHeight:     opts.TargetHeight,
		BudgetAllocation: opts.BudgetAllocation,
		CreatedAt:        e.timestamp(),
	}
	if err := e.Repo.InsertCheckpoint(ctx, tx, c); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := e.Events.Append(ctx, tx, "checkpoint.created", w.ID, "checkpoint", idRef(c.ID), opts.Caller, events.EventPayload{"title": c.Title}); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, err
	}
	return c, nil
}

// QueryWorkflow returns nil without error when the workflow does not exist.
func (e Engine) QueryWorkflow(ctx context.Context, workflowID uint64) (*domain.Workflow, error) {
	w, err := e.Repo.GetWorkflow(ctx, workflowID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// QueryTask reports not found for an unknown task, in contrast to
// QueryWorkflow's optional result.
func (e Engine) QueryTask(ctx context.Context, workflowID, taskID uint64) (domain.Task, error) {
	return e.Repo.GetTask(ctx, workflowID, taskID)
}

// QueryCheckpoint returns nil without error when the checkpoint does not
// exist.
func (e Engine) QueryCheckpoint(ctx context.Context, workflowID, checkpointID uint64) (*domain.Checkpoint, error) {
	c, err := e.Repo.GetCheckpoint(ctx, workflowID, checkpointID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (e Engine) requireMember(ctx context.Context, tx *sql.Tx, w domain.Workflow, caller, action string) error {
	ok, err := e.Access.Member(ctx, tx, w.ID, caller, w.Owner)
	if err != nil {
		return err
	}
	if !ok {
		return access.UnauthorizedError{Principal: caller, Action: action}
	}
	return nil
}

func idRef(id uint64) string {
	return strconv.FormatUint(id, 10)
}
