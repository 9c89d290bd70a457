package domain

// Tier is a numeric privilege level; lower number means more privilege.
type Tier uint64

const (
	TierExecutor    Tier = 1
	TierManager     Tier = 2
	TierContributor Tier = 3
)

func (t Tier) String() string {
	switch t {
	case TierExecutor:
		return "executor"
	case TierManager:
		return "manager"
	case TierContributor:
		return "contributor"
	}
	return "unknown"
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= TierExecutor && t <= TierContributor
}

// TaskState is the task lifecycle position. Transitions only advance by one.
type TaskState uint64

const (
	StateCreated TaskState = 1
	StateActive  TaskState = 2
	StateReview  TaskState = 3
	StateDone    TaskState = 4
)

func (s TaskState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateReview:
		return "review"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// ArtifactHashSize is the fixed width of a work artifact content hash.
const ArtifactHashSize = 32

type Workflow struct {
	ID               uint64 `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	BudgetFloor      uint64 `json:"budget_floor"`
	BudgetCeiling    uint64 `json:"budget_ceiling"`
	TotalBudget      uint64 `json:"total_budget"`
	Owner            string `json:"owner"`
	NextTaskID       uint64 `json:"next_task_id"`
	NextCheckpointID uint64 `json:"next_checkpoint_id"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type Contributor struct {
	WorkflowID uint64 `json:"workflow_id"`
	Principal  string `json:"principal"`
	Tier       Tier   `json:"tier"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Task struct {
	WorkflowID     uint64    `json:"workflow_id"`
	ID             uint64    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Assignee       *string   `json:"assignee,omitempty"`
	Priority       uint64    `json:"priority"`
	EstimatedHours uint64    `json:"estimated_hours"`
	ScheduledStart uint64    `json:"scheduled_start"`
	ScheduledEnd   uint64    `json:"scheduled_end"`
	State          TaskState `json:"state"`
	Parent         *uint64   `json:"parent,omitempty"`
	LoggedHours    uint64    `json:"logged_hours"`
	Prerequisites  []uint64  `json:"prerequisites,omitempty"`
	CreatedAt      string    `json:"created_at" format:"date-time"`
	UpdatedAt      string    `json:"updated_at" format:"date-time"`
}

type Artifact struct {
	WorkflowID uint64 `json:"workflow_id"`
	TaskID     uint64 `json:"task_id"`
	Hash       []byte `json:"hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type TimeEntry struct {
	WorkflowID uint64 `json:"workflow_id"`
	TaskID     uint64 `json:"task_id"`
	Hours      uint64 `json:"hours"`
	Note       string `json:"note,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Note struct {
	WorkflowID uint64 `json:"workflow_id"`
	TaskID     uint64 `json:"task_id"`
	Body       string `json:"body"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Checkpoint struct {
	WorkflowID       uint64 `json:"workflow_id"`
	ID               uint64 `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	TargetHeight     uint64 `json:"target_height"`
	BudgetAllocation uint64 `json:"budget_allocation"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WorkflowID uint64 `json:"workflow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
