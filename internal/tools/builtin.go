package tools

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/halcyonlabs/agentrun"
)

const (
	maxFetchBodyBytes = 512 * 1024
	fetchTimeout      = 30 * time.Second
)

// evalFunctions is the whitelist of functions available inside calculate
// expressions. Anything not listed here is a parse error.
var evalFunctions = map[string]govaluate.ExpressionFunction{
	"abs": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("abs expects 1 argument, got %d", len(args))
		}
		v, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("abs expects a number, got %T", args[0])
		}
		return math.Abs(v), nil
	},
	"sqrt": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("sqrt expects 1 argument, got %d", len(args))
		}
		v, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("sqrt expects a number, got %T", args[0])
		}
		if v < 0 {
			return nil, fmt.Errorf("sqrt of negative number %v", v)
		}
		return math.Sqrt(v), nil
	},
	"pow": func(args ...any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("pow expects 2 arguments, got %d", len(args))
		}
		base, ok1 := args[0].(float64)
		exp, ok2 := args[1].(float64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("pow expects numbers")
		}
		return math.Pow(base, exp), nil
	},
	"min": func(args ...any) (any, error) {
		return foldFloats("min", args, math.Min)
	},
	"max": func(args ...any) (any, error) {
		return foldFloats("max", args, math.Max)
	},
	"round": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("round expects 1 argument, got %d", len(args))
		}
		v, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("round expects a number, got %T", args[0])
		}
		return math.Round(v), nil
	},
	"floor": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("floor expects 1 argument, got %d", len(args))
		}
		v, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("floor expects a number, got %T", args[0])
		}
		return math.Floor(v), nil
	},
	"ceil": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("ceil expects 1 argument, got %d", len(args))
		}
		v, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("ceil expects a number, got %T", args[0])
		}
		return math.Ceil(v), nil
	},
}

func foldFloats(name string, args []any, f func(float64, float64) float64) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%s expects at least 2 arguments, got %d", name, len(args))
	}
	acc, ok := args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("%s expects numbers, got %T", name, args[0])
	}
	for _, arg := range args[1:] {
		v, ok := arg.(float64)
		if !ok {
			return nil, fmt.Errorf("%s expects numbers, got %T", name, arg)
		}
		acc = f(acc, v)
	}
	return acc, nil
}

// NewCalculateTool evaluates arithmetic expressions with a whitelisted
// function set.
func NewCalculateTool() *FuncTool {
	return NewFuncTool("calculate",
		func(ctx context.Context, params map[string]any, execCtx map[string]any) (*agentrun.ToolResult, error) {
			exprStr, err := requireString(params, "expression")
			if err != nil {
				return nil, err
			}

			expr, err := govaluate.NewEvaluableExpressionWithFunctions(exprStr, evalFunctions)
			if err != nil {
				return nil, fmt.Errorf("invalid expression: %w", err)
			}

			vars := make(map[string]any)
			for k, v := range execCtx {
				vars[k] = v
			}
			result, err := expr.Evaluate(vars)
			if err != nil {
				return nil, fmt.Errorf("evaluation failed: %w", err)
			}

			return &agentrun.ToolResult{
				Success: true,
				Data:    map[string]any{"result": result, "expression": exprStr},
				Credits: 1,
			}, nil
		},
		WithCategory("computation"),
		WithDescription("Evaluate an arithmetic expression. Params: expression (string). Supports abs, sqrt, pow, min, max, round, floor, ceil."),
		WithValidator(func(params map[string]any) error {
			_, err := requireString(params, "expression")
			return err
		}),
		WithFlatCost(1),
	)
}

// NewFetchWebpageTool retrieves a URL and returns its body, truncated to a
// bounded size.
func NewFetchWebpageTool(client *http.Client) *FuncTool {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return NewFuncTool("fetch_webpage",
		func(ctx context.Context, params map[string]any, execCtx map[string]any) (*agentrun.ToolResult, error) {
			url, err := requireString(params, "url")
			if err != nil {
				return nil, err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("User-Agent", "agentrun/1.0")

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", url, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}

			if resp.StatusCode >= 400 {
				return &agentrun.ToolResult{
					Success: false,
					Error:   fmt.Sprintf("fetch %s: status %d", url, resp.StatusCode),
					Credits: 5,
				}, nil
			}

			return &agentrun.ToolResult{
				Success: true,
				Data: map[string]any{
					"url":         url,
					"status":      resp.StatusCode,
					"contentType": resp.Header.Get("Content-Type"),
					"body":        string(body),
				},
				Credits: 5,
			}, nil
		},
		WithCategory("web"),
		WithDescription("Fetch the contents of a webpage. Params: url (string)."),
		WithValidator(func(params map[string]any) error {
			url, err := requireString(params, "url")
			if err != nil {
				return err
			}
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return fmt.Errorf("parameter 'url' must start with http:// or https://")
			}
			return nil
		}),
		WithFlatCost(5),
	)
}

// NewSendEmailTool composes an email send. Delivery is simulated; the tool
// records the message it would have sent.
func NewSendEmailTool() *FuncTool {
	return NewFuncTool("send_email",
		func(ctx context.Context, params map[string]any, execCtx map[string]any) (*agentrun.ToolResult, error) {
			to, err := requireString(params, "to")
			if err != nil {
				return nil, err
			}
			subject, err := requireString(params, "subject")
			if err != nil {
				return nil, err
			}
			body, _ := params["body"].(string)

			// Simulated delivery.
			return &agentrun.ToolResult{
				Success: true,
				Data: map[string]any{
					"to":      to,
					"subject": subject,
					"body":    body,
					"sentAt":  time.Now().UTC().Format(time.RFC3339),
				},
				Credits: 2,
			}, nil
		},
		WithCategory("communication"),
		WithDescription("Send an email. Params: to (string), subject (string), body (string, optional)."),
		WithValidator(func(params map[string]any) error {
			to, err := requireString(params, "to")
			if err != nil {
				return err
			}
			if _, err := mail.ParseAddress(to); err != nil {
				return fmt.Errorf("parameter 'to' is not a valid email address: %v", err)
			}
			_, err = requireString(params, "subject")
			return err
		}),
		WithFlatCost(2),
	)
}

const summarizeSystemPrompt = "You are a precise summarizer. Produce a concise summary of the provided text. Preserve key facts, figures, and names. Do not add information that is not in the text."

// NewSummarizeTool condenses text with the given chat model. Text comes from
// the 'text' param, or from a prior step's output named by 'source'.
func NewSummarizeTool(model agentrun.ChatModel, modelName string) *FuncTool {
	return NewFuncTool("summarize",
		func(ctx context.Context, params map[string]any, execCtx map[string]any) (*agentrun.ToolResult, error) {
			text, _ := params["text"].(string)
			if source, ok := params["source"].(string); ok && text == "" {
				if prior, ok := execCtx[source]; ok {
					text = fmt.Sprintf("%v", prior)
				}
			}
			if text == "" {
				return nil, fmt.Errorf("no text to summarize: provide 'text' or a 'source' step reference")
			}

			resp, err := model.Chat(ctx, agentrun.ChatRequest{
				Model:  modelName,
				System: summarizeSystemPrompt,
				Messages: []agentrun.ChatMessage{
					{Role: "user", Content: text},
				},
				MaxTokens: 1024,
			})
			if err != nil {
				return nil, fmt.Errorf("summarize: %w", err)
			}

			return &agentrun.ToolResult{
				Success: true,
				Data:    map[string]any{"summary": resp.Content},
				Credits: 10,
				Tokens:  resp.InputTokens + resp.OutputTokens,
			}, nil
		},
		WithCategory("text"),
		WithDescription("Summarize text. Params: text (string) or source (string, name of a prior step output like 'step1')."),
		WithValidator(func(params map[string]any) error {
			_, hasText := params["text"].(string)
			_, hasSource := params["source"].(string)
			if !hasText && !hasSource {
				return fmt.Errorf("missing required parameter: one of 'text' or 'source'")
			}
			return nil
		}),
		WithFlatCost(10),
	)
}
