package server

import (
	"encoding/hex"

	"flowline/internal/domain"
)

// Request payloads

type CreateWorkflowRequest struct {
	Title         string  `json:"title"`
	Description   *string `json:"description,omitempty"`
	BudgetFloor   uint64  `json:"budget_floor"`
	BudgetCeiling uint64  `json:"budget_ceiling"`
	TotalBudget   uint64  `json:"total_budget"`
}

type ModifyWorkflowRequest struct {
	Title         string  `json:"title"`
	Description   *string `json:"description,omitempty"`
	RequiredTier  *uint64 `json:"required_tier,omitempty" minimum:"1" maximum:"2"`
	BudgetFloor   uint64  `json:"budget_floor"`
	BudgetCeiling uint64  `json:"budget_ceiling"`
	TotalBudget   uint64  `json:"total_budget"`
}

type EnrollRequest struct {
	Principal string `json:"principal"`
	Tier      uint64 `json:"tier" minimum:"1" maximum:"3"`
}

type AdjustTierRequest struct {
	Tier uint64 `json:"tier" minimum:"1" maximum:"3"`
}

type SpawnTaskRequest struct {
	Title          string  `json:"title"`
	Description    *string `json:"description,omitempty"`
	Assignee       *string `json:"assignee,omitempty"`
	Priority       uint64  `json:"priority,omitempty"`
	EstimatedHours uint64  `json:"estimated_hours,omitempty"`
	ScheduledStart uint64  `json:"scheduled_start,omitempty"`
	ScheduledEnd   uint64  `json:"scheduled_end,omitempty"`
	Parent         *uint64 `json:"parent,omitempty"`
}

type TransitionRequest struct {
	State string `json:"state" enum:"created,active,review,done"`
}

type EstablishPrerequisiteRequest struct {
	PrerequisiteID uint64 `json:"prerequisite_id"`
}

type AttachArtifactRequest struct {
	Hash string `json:"hash" doc:"Hex-encoded 32-byte content hash"`
}

type LogTimeRequest struct {
	Hours uint64 `json:"hours"`
	Note  string `json:"note,omitempty"`
}

type ComposeNoteRequest struct {
	Body string `json:"body"`
}

type CreateCheckpointRequest struct {
	Title            string  `json:"title"`
	Description      *string `json:"description,omitempty"`
	TargetHeight     uint64  `json:"target_height"`
	BudgetAllocation uint64  `json:"budget_allocation"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type WorkflowResponse struct {
	ID            uint64 `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	BudgetFloor   uint64 `json:"budget_floor"`
	BudgetCeiling uint64 `json:"budget_ceiling"`
	TotalBudget   uint64 `json:"total_budget"`
	Owner         string `json:"owner"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type ContributorResponse struct {
	Principal string `json:"principal"`
	Tier      uint64 `json:"tier"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	WorkflowID     uint64   `json:"workflow_id"`
	ID             uint64   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Assignee       *string  `json:"assignee,omitempty"`
	Priority       uint64   `json:"priority"`
	EstimatedHours uint64   `json:"estimated_hours"`
	ScheduledStart uint64   `json:"scheduled_start"`
	ScheduledEnd   uint64   `json:"scheduled_end"`
	State          string   `json:"state" enum:"created,active,review,done"`
	Parent         *uint64  `json:"parent,omitempty"`
	LoggedHours    uint64   `json:"logged_hours"`
	Prerequisites  []uint64 `json:"prerequisites"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type ArtifactResponse struct {
	Hash      string `json:"hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TimeEntryResponse struct {
	Hours     uint64 `json:"hours"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type NoteResponse struct {
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CheckpointResponse struct {
	WorkflowID       uint64 `json:"workflow_id"`
	ID               uint64 `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	TargetHeight     uint64 `json:"target_height"`
	BudgetAllocation uint64 `json:"budget_allocation"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type AccessResponse struct {
	Principal string `json:"principal"`
	HasAccess bool   `json:"has_access"`
	Tier      *uint64 `json:"tier,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Plaintext key, returned once on creation"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:            w.ID,
		Title:         w.Title,
		Description:   w.Description,
		BudgetFloor:   w.BudgetFloor,
		BudgetCeiling: w.BudgetCeiling,
		TotalBudget:   w.TotalBudget,
		Owner:         w.Owner,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}

func contributorResponse(c domain.Contributor) ContributorResponse {
	return ContributorResponse{
		Principal: c.Principal,
		Tier:      uint64(c.Tier),
		CreatedAt: c.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		WorkflowID:     t.WorkflowID,
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		Assignee:       t.Assignee,
		Priority:       t.Priority,
		EstimatedHours: t.EstimatedHours,
		ScheduledStart: t.ScheduledStart,
		ScheduledEnd:   t.ScheduledEnd,
		State:          t.State.String(),
		Parent:         t.Parent,
		LoggedHours:    t.LoggedHours,
		Prerequisites:  nonNilSlice(t.Prerequisites),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	return ArtifactResponse{
		Hash:      hex.EncodeToString(a.Hash),
		CreatedAt: a.CreatedAt,
	}
}

func checkpointResponse(c domain.Checkpoint) CheckpointResponse {
	return CheckpointResponse{
		WorkflowID:       c.WorkflowID,
		ID:               c.ID,
		Title:            c.Title,
		Description:      c.Description,
		TargetHeight:     c.TargetHeight,
		BudgetAllocation: c.BudgetAllocation,
		CreatedAt:        c.CreatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
