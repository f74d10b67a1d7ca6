// Package planner turns a task goal into a validated execution plan using a
// generative model.
package planner

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/halcyonlabs/agentrun"
	"github.com/halcyonlabs/agentrun/internal/cache"
)

const plannerSystemPrompt = `You are a planning assistant for an autonomous agent.
Given a goal and a list of available tools, produce a step-by-step execution plan.
Respond with ONLY a JSON object, no prose and no markdown fences.`

// LLMPlanner implements agentrun.Planner with a chat model and an optional
// plan cache.
type LLMPlanner struct {
	model agentrun.ChatModel
	cache *cache.PlanCache
}

// PlannerOption configures an LLMPlanner.
type PlannerOption func(*LLMPlanner)

// WithCache enables plan caching so identical goals skip the model call.
func WithCache(c *cache.PlanCache) PlannerOption {
	return func(p *LLMPlanner) {
		p.cache = c
	}
}

// NewLLMPlanner creates a planner backed by the given model.
func NewLLMPlanner(model agentrun.ChatModel, options ...PlannerOption) *LLMPlanner {
	p := &LLMPlanner{model: model}
	for _, option := range options {
		option(p)
	}
	return p
}

// Plan implements the agentrun.Planner interface.
func (p *LLMPlanner) Plan(ctx context.Context, task *agentrun.Task, catalogue []agentrun.ToolInfo) (*agentrun.ExecutionPlan, error) {
	cacheKey := p.cacheKey(task, catalogue)
	if p.cache != nil {
		if cached, err := p.cache.Get(ctx, cacheKey); err == nil {
			log.Printf("Plan cache hit for task %s", task.ID)
			return cached, nil
		}
	}

	model := ""
	if task.Config != nil {
		model = task.Config.Model
	}
	resp, err := p.model.Chat(ctx, agentrun.ChatRequest{
		Model:     model,
		System:    plannerSystemPrompt,
		Messages:  []agentrun.ChatMessage{{Role: "user", Content: p.buildPrompt(task, catalogue)}},
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, agentrun.NewPlanParseError(fmt.Sprintf("planning model call failed for task %s", task.ID), err)
	}

	plan, err := ParsePlan(resp.Content)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, cacheKey, plan); err != nil {
			log.Printf("Failed to cache plan for task %s: %v", task.ID, err)
		}
	}
	return plan, nil
}

// buildPrompt renders the goal and tool catalogue into the planning prompt.
func (p *LLMPlanner) buildPrompt(task *agentrun.Task, catalogue []agentrun.ToolInfo) string {
	var tools strings.Builder
	for _, info := range catalogue {
		fmt.Fprintf(&tools, "- %s (%s): %s\n", info.Name, info.Category, info.Description)
	}

	return fmt.Sprintf(`Goal: %s
Agent type: %s

Available tools:
%s
Output a JSON object of this shape:
{
  "steps": [
    {
      "number": 1,
      "action": "short imperative",
      "description": "what this step accomplishes",
      "tool": "tool name from the list above",
      "params": {"key": "value"},
      "dependsOn": [],
      "retryable": true,
      "requiresApproval": false,
      "estimatedCredits": 100,
      "estimatedDurationMS": 5000
    }
  ]
}

Rules:
- Steps are numbered 1..N with no gaps.
- "tool" must be one of the listed tool names.
- Reference an earlier step's output in params as "step<N>".
- Mark destructive or externally visible actions with "requiresApproval": true.
JSON plan:`, task.Goal, task.AgentType, tools.String())
}

func (p *LLMPlanner) cacheKey(task *agentrun.Task, catalogue []agentrun.ToolInfo) string {
	names := make([]string, 0, len(catalogue))
	for _, info := range catalogue {
		names = append(names, info.Name)
	}
	keyable := struct {
		Goal      string   `json:"goal"`
		AgentType string   `json:"agent_type"`
		Tools     []string `json:"tools"`
	}{task.Goal, task.AgentType, names}

	raw, err := json.Marshal(keyable)
	if err != nil {
		return "plan:" + task.Goal
	}
	hasher := sha1.New()
	hasher.Write(raw)
	return "plan:" + hex.EncodeToString(hasher.Sum(nil))
}

// wirePlan mirrors the JSON the model is asked to produce.
type wirePlan struct {
	Steps []wireStep `json:"steps"`
}

type wireStep struct {
	Number              int            `json:"number"`
	Action              string         `json:"action"`
	Description         string         `json:"description"`
	Tool                string         `json:"tool"`
	Params              map[string]any `json:"params"`
	DependsOn           []int          `json:"dependsOn"`
	Retryable           *bool          `json:"retryable"`
	RequiresApproval    bool           `json:"requiresApproval"`
	EstimatedCredits    int            `json:"estimatedCredits"`
	EstimatedDurationMS int            `json:"estimatedDurationMS"`
}

// ParsePlan decodes and validates model output into an ExecutionPlan.
// Malformed JSON gets one repair attempt before rejection.
func ParsePlan(raw string) (*agentrun.ExecutionPlan, error) {
	trimmed := stripFences(raw)

	var wire wirePlan
	if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(trimmed)
		if repairErr != nil {
			return nil, agentrun.NewPlanParseError("plan output is not valid JSON", err)
		}
		if err := json.Unmarshal([]byte(repaired), &wire); err != nil {
			return nil, agentrun.NewPlanParseError("plan output is not valid JSON after repair", err)
		}
	}

	if len(wire.Steps) == 0 {
		return nil, agentrun.NewPlanParseError("plan contains no steps", nil)
	}

	steps := make([]agentrun.ExecutionStep, 0, len(wire.Steps))
	for i, ws := range wire.Steps {
		if ws.Number != i+1 {
			return nil, agentrun.NewPlanParseError(
				fmt.Sprintf("step numbering must be dense 1..N: position %d carries number %d", i+1, ws.Number), nil)
		}
		if ws.Action == "" {
			return nil, agentrun.NewPlanParseError(fmt.Sprintf("step %d is missing an action", ws.Number), nil)
		}
		if ws.Tool == "" {
			return nil, agentrun.NewPlanParseError(fmt.Sprintf("step %d is missing a tool", ws.Number), nil)
		}
		for _, dep := range ws.DependsOn {
			if dep < 1 || dep >= ws.Number {
				return nil, agentrun.NewPlanParseError(
					fmt.Sprintf("step %d depends on invalid step %d", ws.Number, dep), nil)
			}
		}

		retryable := true
		if ws.Retryable != nil {
			retryable = *ws.Retryable
		}
		steps = append(steps, agentrun.ExecutionStep{
			Number:              ws.Number,
			Action:              ws.Action,
			Description:         ws.Description,
			Tool:                ws.Tool,
			Params:              ws.Params,
			DependsOn:           ws.DependsOn,
			Retryable:           retryable,
			RequiresApproval:    ws.RequiresApproval,
			EstimatedCredits:    ws.EstimatedCredits,
			EstimatedDurationMS: ws.EstimatedDurationMS,
		})
	}

	plan := &agentrun.ExecutionPlan{Steps: steps}
	plan.EstimatedCredits, plan.EstimatedDuration = Estimate(steps)
	return plan, nil
}

// Estimate aggregates the per-step estimates, substituting defaults where a
// step carries none, plus the flat planning overhead.
func Estimate(steps []agentrun.ExecutionStep) (credits int, duration time.Duration) {
	credits = agentrun.PlanningOverheadCredits
	for _, step := range steps {
		stepCredits := step.EstimatedCredits
		if stepCredits <= 0 {
			stepCredits = agentrun.DefaultStepCredits
		}
		credits += stepCredits

		stepDuration := step.EstimatedDurationMS
		if stepDuration <= 0 {
			stepDuration = agentrun.DefaultStepDurationMS
		}
		duration += time.Duration(stepDuration) * time.Millisecond
	}
	return credits, duration
}

// stripFences removes a markdown code fence if the model wrapped its answer
// in one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
