package engine_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/engine/access"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) createWorkflow(t *testing.T, creator string) domain.Workflow {
	t.Helper()
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		Title:         "Q4 Plan",
		Description:   "desc",
		BudgetFloor:   100,
		BudgetCeiling: 500,
		TotalBudget:   1_000_000,
		Creator:       creator,
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func (env testEnv) spawnTask(t *testing.T, workflowID uint64, title, caller string) domain.Task {
	t.Helper()
	task, err := env.Engine.SpawnTask(env.Ctx, engine.TaskSpawnOptions{
		WorkflowID:   workflowID,
		Title:        title,
		ScheduledEnd: 10,
		Caller:       caller,
	})
	if err != nil {
		t.Fatalf("spawn task %s: %v", title, err)
	}
	return task
}

func TestCreateWorkflowIDsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	var last uint64
	for i := 0; i < 3; i++ {
		w := env.createWorkflow(t, "alice")
		if w.ID <= last {
			t.Fatalf("workflow id %d not greater than %d", w.ID, last)
		}
		last = w.ID
	}
}

func TestCreateWorkflowValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		Title: "bad budget", BudgetFloor: 10, BudgetCeiling: 5, Creator: "alice",
	})
	var ip engine.InvalidParameterError
	if !errors.As(err, &ip) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
}

func TestModifyWorkflowAuthorization(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	if _, err := env.Engine.Enroll(env.Ctx, w.ID, "bob", domain.TierManager, "alice"); err != nil {
		t.Fatalf("enroll bob: %v", err)
	}

	// a manager may modify
	mod := engine.WorkflowModifyOptions{
		WorkflowID: w.ID, Title: "Q4 Plan v2", Description: "desc",
		BudgetFloor: 100, BudgetCeiling: 600, TotalBudget: 1_000_000, Caller: "bob",
	}
	if _, err := env.Engine.ModifyWorkflow(env.Ctx, mod); err != nil {
		t.Fatalf("manager modify: %v", err)
	}

	// an unrelated principal may not, and the record stays unchanged
	mod.Title = "hijacked"
	mod.Caller = "charlie"
	_, err := env.Engine.ModifyWorkflow(env.Ctx, mod)
	var unauth access.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	got, err := env.Engine.QueryWorkflow(env.Ctx, w.ID)
	if err != nil || got == nil {
		t.Fatalf("query workflow: %v", err)
	}
	if got.Title != "Q4 Plan v2" || got.Owner != "alice" {
		t.Fatalf("workflow changed by unauthorized caller: %+v", got)
	}
}

func TestEnrollDuplicate(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	if _, err := env.Engine.Enroll(env.Ctx, w.ID, "bob", domain.TierContributor, "alice"); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	_, err := env.Engine.Enroll(env.Ctx, w.ID, "bob", domain.TierContributor, "alice")
	if !errors.Is(err, engine.ErrAlreadyMember) {
		t.Fatalf("expected already member, got %v", err)
	}
	roster, err := env.Engine.Repo.ListContributors(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(roster) != 1 {
		t.Fatalf("roster size %d after duplicate enroll", len(roster))
	}
}

func TestRemoveOwnerProtected(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	err := env.Engine.Remove(env.Ctx, w.ID, "alice", "alice")
	if !errors.Is(err, engine.ErrProtectedPrincipal) {
		t.Fatalf("expected protected principal, got %v", err)
	}
}

func TestRemoveAndTierOf(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	if _, err := env.Engine.Enroll(env.Ctx, w.ID, "bob", domain.TierContributor, "alice"); err != nil {
		t.Fatal(err)
	}
	tier, err := env.Engine.TierOf(env.Ctx, w.ID, "bob")
	if err != nil || tier == nil || *tier != domain.TierContributor {
		t.Fatalf("tier of bob: %v %v", tier, err)
	}
	// owner has an implicit executor tier without a roster row
	tier, err = env.Engine.TierOf(env.Ctx, w.ID, "alice")
	if err != nil || tier == nil || *tier != domain.TierExecutor {
		t.Fatalf("tier of owner: %v %v", tier, err)
	}
	if err := env.Engine.Remove(env.Ctx, w.ID, "bob", "alice"); err != nil {
		t.Fatalf("remove bob: %v", err)
	}
	err = env.Engine.Remove(env.Ctx, w.ID, "bob", "alice")
	if !errors.Is(err, engine.ErrNotMember) {
		t.Fatalf("expected not member, got %v", err)
	}
	ok, err := env.Engine.HasAccess(env.Ctx, w.ID, "bob")
	if err != nil || ok {
		t.Fatalf("bob still has access after removal: %v %v", ok, err)
	}
}

func TestAdjustTierOwnerNotStored(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	err := env.Engine.AdjustTier(env.Ctx, w.ID, "alice", domain.TierContributor, "alice")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for owner tier adjust, got %v", err)
	}
}

func TestTaskIDsPerWorkflow(t *testing.T) {
	env := newTestEnv(t)
	w1 := env.createWorkflow(t, "alice")
	w2 := env.createWorkflow(t, "alice")
	if got := env.spawnTask(t, w1.ID, "a", "alice").ID; got != 1 {
		t.Fatalf("first task id %d", got)
	}
	if got := env.spawnTask(t, w1.ID, "b", "alice").ID; got != 2 {
		t.Fatalf("second task id %d", got)
	}
	if got := env.spawnTask(t, w2.ID, "c", "alice").ID; got != 1 {
		t.Fatalf("counter leaked across workflows: %d", got)
	}
}

func TestTransitionSequence(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	task := env.spawnTask(t, w.ID, "work", "alice")

	// skipping a step is rejected
	_, err := env.Engine.TransitionState(env.Ctx, w.ID, task.ID, domain.StateReview, "alice")
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	for _, target := range []domain.TaskState{domain.StateActive, domain.StateReview, domain.StateDone} {
		task, err = env.Engine.TransitionState(env.Ctx, w.ID, task.ID, target, "alice")
		if err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
		if task.State != target {
			t.Fatalf("state %s after transition to %s", task.State, target)
		}
	}

	// done is terminal
	_, err = env.Engine.TransitionState(env.Ctx, w.ID, task.ID, domain.StateCreated, "alice")
	if !errors.As(err, &it) {
		t.Fatalf("expected terminal rejection, got %v", err)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	for _, p := range []string{"assignee", "bystander"} {
		if _, err := env.Engine.Enroll(env.Ctx, w.ID, p, domain.TierContributor, "alice"); err != nil {
			t.Fatal(err)
		}
	}
	assignee := "assignee"
	task, err := env.Engine.SpawnTask(env.Ctx, engine.TaskSpawnOptions{
		WorkflowID: w.ID, Title: "work", Assignee: &assignee, ScheduledEnd: 5, Caller: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}

	// an enrolled contributor that is not the assignee is rejected
	_, err = env.Engine.TransitionState(env.Ctx, w.ID, task.ID, domain.StateActive, "bystander")
	var unauth access.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	// the assignee may transition even at contributor tier
	if _, err := env.Engine.TransitionState(env.Ctx, w.ID, task.ID, domain.StateActive, "assignee"); err != nil {
		t.Fatalf("assignee transition: %v", err)
	}
}

func TestPrerequisiteSelfReference(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	task := env.spawnTask(t, w.ID, "t", "alice")
	err := env.Engine.EstablishPrerequisite(env.Ctx, w.ID, task.ID, task.ID, "alice")
	if !errors.Is(err, engine.ErrSelfReference) {
		t.Fatalf("expected self reference, got %v", err)
	}
}

func TestPrerequisiteCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	t1 := env.spawnTask(t, w.ID, "T1", "alice")
	t2 := env.spawnTask(t, w.ID, "T2", "alice")
	t3 := env.spawnTask(t, w.ID, "T3", "alice")

	if err := env.Engine.EstablishPrerequisite(env.Ctx, w.ID, t2.ID, t1.ID, "alice"); err != nil {
		t.Fatalf("t2 requires t1: %v", err)
	}
	err := env.Engine.EstablishPrerequisite(env.Ctx, w.ID, t1.ID, t2.ID, "alice")
	if !errors.Is(err, engine.ErrCyclicDependency) {
		t.Fatalf("expected cyclic dependency, got %v", err)
	}

	// transitive cycle: t3 requires t2, then t1 requires t3
	if err := env.Engine.EstablishPrerequisite(env.Ctx, w.ID, t3.ID, t2.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	err = env.Engine.EstablishPrerequisite(env.Ctx, w.ID, t1.ID, t3.ID, "alice")
	if !errors.Is(err, engine.ErrCyclicDependency) {
		t.Fatalf("expected transitive cycle rejection, got %v", err)
	}

	// the rejected edges left the edge set unchanged
	task, err := env.Engine.QueryTask(env.Ctx, w.ID, t1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(task.Prerequisites) != 0 {
		t.Fatalf("t1 prerequisites %v after rejected inserts", task.Prerequisites)
	}
}

func TestPrerequisiteSeverAndReadd(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	t1 := env.spawnTask(t, w.ID, "T1", "alice")
	t2 := env.spawnTask(t, w.ID, "T2", "alice")

	if err := env.Engine.EstablishPrerequisite(env.Ctx, w.ID, t2.ID, t1.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	// re-adding the same edge is a no-op success
	if err := env.Engine.EstablishPrerequisite(env.Ctx, w.ID, t2.ID, t1.ID, "alice"); err != nil {
		t.Fatalf("idempotent re-add: %v", err)
	}
	if err := env.Engine.SeverPrerequisite(env.Ctx, w.ID, t2.ID, t1.ID, "alice"); err != nil {
		t.Fatalf("sever: %v", err)
	}
	err := env.Engine.SeverPrerequisite(env.Ctx, w.ID, t2.ID, t1.ID, "alice")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found severing missing edge, got %v", err)
	}
	if err := env.Engine.EstablishPrerequisite(env.Ctx, w.ID, t2.ID, t1.ID, "alice"); err != nil {
		t.Fatalf("re-add after sever: %v", err)
	}
}

func TestLogTimeAccumulates(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	task := env.spawnTask(t, w.ID, "work", "alice")

	if _, err := env.Engine.LogTime(env.Ctx, w.ID, task.ID, 8, "morning", "alice"); err != nil {
		t.Fatal(err)
	}
	total, err := env.Engine.LogTime(env.Ctx, w.ID, task.ID, 5, "afternoon", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if total != 13 {
		t.Fatalf("running total %d, want 13", total)
	}
	got, err := env.Engine.QueryTask(env.Ctx, w.ID, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LoggedHours != 13 {
		t.Fatalf("stored total %d, want 13", got.LoggedHours)
	}

	_, err = env.Engine.LogTime(env.Ctx, w.ID, task.ID, 0, "", "alice")
	var ip engine.InvalidParameterError
	if !errors.As(err, &ip) {
		t.Fatalf("expected invalid parameter for zero hours, got %v", err)
	}
}

func TestArtifactsAndNotes(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	task := env.spawnTask(t, w.ID, "work", "alice")

	hash := bytes.Repeat([]byte{0xAB}, 32)
	if err := env.Engine.AttachArtifact(env.Ctx, w.ID, task.ID, hash, "alice"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	err := env.Engine.AttachArtifact(env.Ctx, w.ID, task.ID, hash[:16], "alice")
	var ip engine.InvalidParameterError
	if !errors.As(err, &ip) {
		t.Fatalf("expected invalid parameter for short hash, got %v", err)
	}
	artifacts, err := env.Engine.Repo.ListArtifacts(env.Ctx, w.ID, task.ID)
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("artifacts %d: %v", len(artifacts), err)
	}
	if !bytes.Equal(artifacts[0].Hash, hash) {
		t.Fatalf("stored hash mismatch")
	}

	if err := env.Engine.ComposeNote(env.Ctx, w.ID, task.ID, "looks good", "alice"); err != nil {
		t.Fatalf("note: %v", err)
	}
	notes, err := env.Engine.Repo.ListNotes(env.Ctx, w.ID, task.ID)
	if err != nil || len(notes) != 1 {
		t.Fatalf("notes %d: %v", len(notes), err)
	}
}

func TestCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "alice")
	if _, err := env.Engine.Enroll(env.Ctx, w.ID, "carol", domain.TierContributor, "alice"); err != nil {
		t.Fatal(err)
	}

	c, err := env.Engine.CreateCheckpoint(env.Ctx, engine.CheckpointCreateOptions{
		WorkflowID: w.ID, Title: "beta", TargetHeight: 1000, BudgetAllocation: 50, Caller: "alice",
	})
	if err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}
	if c.ID != 1 {
		t.Fatalf("checkpoint id %d", c.ID)
	}

	// contributor tier may not create checkpoints
	_, err = env.Engine.CreateCheckpoint(env.Ctx, engine.CheckpointCreateOptions{
		WorkflowID: w.ID, Title: "rc", Caller: "carol",
	})
	var unauth access.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	got, err := env.Engine.QueryCheckpoint(env.Ctx, w.ID, c.ID)
	if err != nil || got == nil || got.Title != "beta" {
		t.Fatalf("query checkpoint: %+v %v", got, err)
	}
	missing, err := env.Engine.QueryCheckpoint(env.Ctx, w.ID, 99)
	if err != nil || missing != nil {
		t.Fatalf("expected empty optional for missing checkpoint, got %+v %v", missing, err)
	}
}

func TestQuerySemantics(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.QueryWorkflow(env.Ctx, 42)
	if err != nil || w != nil {
		t.Fatalf("expected empty optional for unknown workflow, got %+v %v", w, err)
	}
	wf := env.createWorkflow(t, "alice")
	_, err = env.Engine.QueryTask(env.Ctx, wf.ID, 7)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown task, got %v", err)
	}
}

func TestQ4PlanScenario(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWorkflow(t, "A")
	if w.ID != 1 {
		t.Fatalf("first workflow id %d", w.ID)
	}
	if _, err := env.Engine.Enroll(env.Ctx, w.ID, "B", domain.TierManager, "A"); err != nil {
		t.Fatalf("enroll B: %v", err)
	}
	mod := engine.WorkflowModifyOptions{
		WorkflowID: w.ID, Title: "Q4 Plan", Description: "desc",
		BudgetFloor: 100, BudgetCeiling: 500, TotalBudget: 1_000_000,
	}
	mod.Caller = "B"
	if _, err := env.Engine.ModifyWorkflow(env.Ctx, mod); err != nil {
		t.Fatalf("B modify: %v", err)
	}
	mod.Caller = "C"
	_, err := env.Engine.ModifyWorkflow(env.Ctx, mod)
	var unauth access.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected unauthorized for C, got %v", err)
	}
}

func TestLatestEventIDGlobalHead(t *testing.T) {
	env := newTestEnv(t)

	head, err := env.Engine.Repo.LatestEventID(env.Ctx, 0)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if head != 0 {
		t.Fatalf("expected empty ledger head 0, got %d", head)
	}

	w := env.createWorkflow(t, "alice")

	// the unscoped head must see the workflow.created event
	head, err = env.Engine.Repo.LatestEventID(env.Ctx, 0)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if head == 0 {
		t.Fatal("global ledger head still 0 after a mutation")
	}

	scoped, err := env.Engine.Repo.LatestEventID(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("scoped latest event id: %v", err)
	}
	if scoped != head {
		t.Fatalf("scoped head %d does not match global head %d", scoped, head)
	}

	// a consumer starting at the head sees nothing until the next mutation
	events, err := env.Engine.Repo.EventsAfter(env.Ctx, 10, head, 0)
	if err != nil {
		t.Fatalf("events after head: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events after head, got %d", len(events))
	}

	env.spawnTask(t, w.ID, "one", "alice")
	events, err = env.Engine.Repo.EventsAfter(env.Ctx, 10, head, 0)
	if err != nil {
		t.Fatalf("events after head: %v", err)
	}
	if len(events) != 1 || events[0].Type != "task.spawned" {
		t.Fatalf("expected one task.spawned event after head, got %+v", events)
	}
}
