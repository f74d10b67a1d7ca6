package agentrun

import "context"

// Tool represents a named, versionless capability unit that can appear in a
// plan. Side effects live entirely inside Execute; Validate and EstimateCost
// are pure.
type Tool interface {
	// Name returns the tool's unique name.
	Name() string

	// Category groups related tools for registry lookups and planner prompts.
	Category() string

	// Description is the planner-facing summary of what the tool does.
	Description() string

	// Validate checks the provided parameters. Returns nil if valid.
	// Calling Validate twice with the same parameters yields the same result.
	Validate(params map[string]any) error

	// EstimateCost returns the expected credit cost for the parameters.
	EstimateCost(params map[string]any) int

	// Execute performs the tool's action. execCtx carries outputs of earlier
	// steps keyed "step<N>"; tools may read it but never mutate it.
	Execute(ctx context.Context, params map[string]any, execCtx map[string]any) (*ToolResult, error)
}

// Planner turns a goal and the tool catalogue into an ordered execution plan
// with aggregate cost and duration estimates.
type Planner interface {
	Plan(ctx context.Context, task *Task, catalogue []ToolInfo) (*ExecutionPlan, error)
}

// ChatMessage is one turn in a model conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a single generative-model call.
type ChatRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
}

// ChatResponse carries the model output and its token usage.
type ChatResponse struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ChatModel is the generative-model collaborator, used both for planning
// (larger budget) and per-step reasoning (small, cheap model).
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Store is the read/write contract the executor and worker rely on from the
// persistence collaborator. The relational layer itself is out of scope.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// UpdateTaskStatus transitions a task's status and clears or stamps the
	// relevant timestamps.
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error

	// SavePlan persists a freshly generated plan together with the step count.
	SavePlan(ctx context.Context, taskID string, plan *ExecutionPlan) error

	// SaveProgress records the current step and running aggregates at a step
	// boundary (also the pause checkpoint).
	SaveProgress(ctx context.Context, taskID string, currentStep, creditsUsed, tokensUsed int) error

	// FinishTask applies the final status, result or error, the full trace
	// and the aggregate consumption as one logical update.
	FinishTask(ctx context.Context, done TaskCompletion) error

	GetUser(ctx context.Context, userID string) (*User, error)

	// AddCreditsUsed increments the owner's consumed credits after a run.
	AddCreditsUsed(ctx context.Context, userID string, credits int) error
}

// Notifier receives completion and failure hooks. Delivery is out of scope
// for the engine; implementations are external collaborators.
type Notifier interface {
	TaskCompleted(ctx context.Context, task *Task)
	TaskFailed(ctx context.Context, task *Task, reason string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) TaskCompleted(context.Context, *Task)      {}
func (NopNotifier) TaskFailed(context.Context, *Task, string) {}

// Approver gates steps flagged RequiresApproval. Await blocks until a human
// decision arrives, the context is cancelled, or the approver itself times
// out. Returning false fails the step without retry.
type Approver interface {
	Await(ctx context.Context, taskID string, step int) (bool, error)
}
