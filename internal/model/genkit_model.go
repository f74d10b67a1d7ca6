// Package model adapts Genkit generative models to the ChatModel contract.
package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/halcyonlabs/agentrun"
)

// GenkitModel implements agentrun.ChatModel on top of a Genkit instance.
type GenkitModel struct {
	g        *genkit.Genkit
	provider string
}

// NewGenkitModel wraps an initialized Genkit instance. provider prefixes
// model names the way Genkit expects (e.g. "googleai").
func NewGenkitModel(g *genkit.Genkit, provider string) *GenkitModel {
	if provider == "" {
		provider = "googleai"
	}
	return &GenkitModel{g: g, provider: provider}
}

// Chat implements the agentrun.ChatModel interface.
func (m *GenkitModel) Chat(ctx context.Context, req agentrun.ChatRequest) (*agentrun.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat request has no messages")
	}

	opts := []ai.GenerateOption{
		ai.WithPrompt(m.flatten(req.Messages)),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}
	if req.Model != "" {
		opts = append(opts, ai.WithModelName(m.qualify(req.Model)))
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		opts = append(opts, ai.WithConfig(&ai.GenerationCommonConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}))
	}

	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("genkit generate: %w", err)
	}

	out := &agentrun.ChatResponse{Content: resp.Text()}
	if resp.Usage != nil {
		out.InputTokens = resp.Usage.InputTokens
		out.OutputTokens = resp.Usage.OutputTokens
	}
	return out, nil
}

// qualify ensures the model name carries the provider prefix.
func (m *GenkitModel) qualify(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	return m.provider + "/" + name
}

// flatten collapses a message history into a single prompt. Genkit's
// Generate takes one prompt string; multi-turn history is rendered inline.
func (m *GenkitModel) flatten(messages []agentrun.ChatMessage) string {
	if len(messages) == 1 {
		return messages[0].Content
	}
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
