package agentrun

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"
)

// TaskStatus represents the possible states of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has been created but not picked up.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusPlanning indicates a plan is being generated for the task.
	TaskStatusPlanning TaskStatus = "planning"
	// TaskStatusExecuting indicates the plan is being executed step by step.
	TaskStatusExecuting TaskStatus = "executing"
	// TaskStatusPaused indicates execution was suspended at a step boundary.
	TaskStatusPaused TaskStatus = "paused"
	// TaskStatusCompleted indicates every step finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates execution aborted with an error.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled cooperatively.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the three end states.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// validTransitions encodes the task state machine:
// planning -> executing -> {completed|failed|cancelled}, with
// executing -> paused as a side branch resumed back into executing.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:   {TaskStatusPlanning, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusPlanning:  {TaskStatusExecuting, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusExecuting: {TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusPaused:    {TaskStatusExecuting, TaskStatusFailed, TaskStatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task identifies one user-initiated goal. The record itself is owned by the
// persistence collaborator; the engine reads and updates it through Store.
type Task struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Goal        string          `json:"goal"`
	AgentType   string          `json:"agent_type"`
	AgentModel  string          `json:"agent_model"`
	Config      *AgentConfig    `json:"config,omitempty"`
	Status      TaskStatus      `json:"status"`
	Plan        *ExecutionPlan  `json:"plan,omitempty"`
	CurrentStep int             `json:"current_step"`
	TotalSteps  int             `json:"total_steps"`
	CreditsUsed int             `json:"credits_used"`
	TokensUsed  int             `json:"tokens_used"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

// AgentConfig holds the per-task execution knobs. Zero values are replaced by
// defaults when the worker builds the effective config.
type AgentConfig struct {
	Model          string        `json:"model" yaml:"model"`
	ReasoningModel string        `json:"reasoning_model" yaml:"reasoning_model"`
	MaxSteps       int           `json:"max_steps" yaml:"max_steps"`
	RetryCount     int           `json:"retry_count" yaml:"retry_count"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	AutoApprove    bool          `json:"auto_approve" yaml:"auto_approve"`
}

// DefaultAgentConfig returns the task-level defaults applied when no config
// was persisted with the task.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Model:          "googleai/gemini-1.5-pro",
		ReasoningModel: "googleai/gemini-1.5-flash",
		MaxSteps:       20,
		RetryCount:     3,
		RetryDelay:     time.Second,
		Timeout:        10 * time.Minute,
		AutoApprove:    false,
	}
}

// Estimation constants. The flat planning overhead models the fixed model
// calls spent on planning and reasoning regardless of step count.
const (
	PlanningOverheadCredits = 500
	DefaultStepCredits      = 100
	DefaultStepDurationMS   = 5000
)

// ExecutionStep is one planned action. Read-only after plan creation.
type ExecutionStep struct {
	Number              int            `json:"step"`
	Action              string         `json:"action"`
	Description         string         `json:"description"`
	Tool                string         `json:"tool"`
	Params              map[string]any `json:"params,omitempty"`
	DependsOn           []int          `json:"depends_on,omitempty"`
	Retryable           bool           `json:"retryable"`
	RequiresApproval    bool           `json:"requires_approval"`
	EstimatedCredits    int            `json:"estimated_credits,omitempty"`
	EstimatedDurationMS int            `json:"estimated_duration_ms,omitempty"`
}

// ExecutionPlan is the ordered step list produced once per task attempt.
// Immutable once created; replanning builds a new plan value. Step numbers
// form a dense 1..N sequence matching array order.
type ExecutionPlan struct {
	Steps             []ExecutionStep `json:"steps"`
	EstimatedCredits  int             `json:"estimated_credits"`
	EstimatedDuration time.Duration   `json:"estimated_duration"`
}

// Checksum returns a stable fingerprint of the plan's steps, used to detect
// plan drift when resuming a paused task.
func (p *ExecutionPlan) Checksum() string {
	raw, err := json.Marshal(p.Steps)
	if err != nil {
		return ""
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// TraceStatus marks the outcome of one step attempt.
type TraceStatus string

const (
	TraceCompleted TraceStatus = "completed"
	TraceFailed    TraceStatus = "failed"
)

// TraceEntry records one attempted step. Re-attempts append new entries; the
// trace is a complete, order-preserving history of every attempt.
type TraceEntry struct {
	Step       int            `json:"step"`
	Timestamp  time.Time      `json:"timestamp"`
	Action     string         `json:"action"`
	Tool       string         `json:"tool"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Status     TraceStatus    `json:"status"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Credits    int            `json:"credits"`
	Tokens     int            `json:"tokens"`
}

// AgentState is the executor's transient per-run bookkeeping. It is owned
// exclusively by one executor instance for the duration of one Execute call
// and is never shared across processes. Durable facts are flushed to the
// Task record before it is discarded.
type AgentState struct {
	TaskID      string
	Status      TaskStatus
	CurrentStep int
	TotalSteps  int
	CreditsUsed int
	TokensUsed  int

	// Context passes step outputs to later steps, keyed "step<N>".
	Context map[string]any
	Trace   []TraceEntry
}

// NewAgentState initializes run state for a plan.
func NewAgentState(taskID string, totalSteps int) *AgentState {
	return &AgentState{
		TaskID:     taskID,
		Status:     TaskStatusExecuting,
		TotalSteps: totalSteps,
		Context:    make(map[string]any),
		Trace:      make([]TraceEntry, 0, totalSteps),
	}
}

// AddUsage accumulates credit and token consumption. Both counters are
// monotonically non-decreasing for the lifetime of one run.
func (s *AgentState) AddUsage(credits, tokens int) {
	if credits > 0 {
		s.CreditsUsed += credits
	}
	if tokens > 0 {
		s.TokensUsed += tokens
	}
}

// ToolResult is what a tool execution yields. A nil result with a nil error
// is treated as an internal fault by the executor.
type ToolResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Credits int            `json:"credits"`
	Tokens  int            `json:"tokens"`
}

// ToolInfo is the planner-facing description of a tool: name, category and
// description only, never implementation details.
type ToolInfo struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// TaskCompletion is the one logical update persisted when a run ends, on
// both the success and failure paths.
type TaskCompletion struct {
	TaskID      string
	Status      TaskStatus
	Result      map[string]any
	Error       string
	Trace       []TraceEntry
	CreditsUsed int
	TokensUsed  int
	CurrentStep int
	Duration    time.Duration
	FinishedAt  time.Time
}

// User is the owner record consulted for budget admission. monthlyCredits is
// the allowance; CreditsUsed is incremented after each run with the credits
// actually consumed.
type User struct {
	ID             string `json:"id"`
	MonthlyCredits int    `json:"monthly_credits"`
	CreditsUsed    int    `json:"credits_used"`
}

// RemainingCredits returns the budget left this cycle.
func (u *User) RemainingCredits() int {
	return u.MonthlyCredits - u.CreditsUsed
}
