// internal/context/engine.go
package context

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/template"
	"time"

	"github.com/user/deskstream/internal/types"
	"github.com/user/deskstream/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer Tokenizer
	maxTokens int
	reserve   int
	prompt    *template.Template
}

// PromptData is the data the system prompt template is rendered with.
type PromptData struct {
	Time           string
	ConversationID string
	Tools          []string
	ToolList       bool
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
// promptPath optionally names a template file replacing DefaultPrompt.
//
// tiktoken fetches its encoding files on first use. When that fails the
// engine budgets with Estimate instead of refusing to start.
func New(model string, maxTokens, reserve int, promptPath ...string) (*Engine, error) {
	tok, err := NewTokenizer(model)
	if err != nil {
		slog.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", err)
		tok = Estimate{}
	}
	return NewWithTokenizer(tok, maxTokens, reserve, promptPath...)
}

// NewWithTokenizer is New with an explicit tokenizer.
func NewWithTokenizer(tok Tokenizer, maxTokens, reserve int, promptPath ...string) (*Engine, error) {
	text := DefaultPrompt
	if len(promptPath) > 0 && promptPath[0] != "" {
		data, err := os.ReadFile(promptPath[0])
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		text = string(data)
	}
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}

	return &Engine{
		tokenizer: tok,
		maxTokens: maxTokens,
		reserve:   reserve,
		prompt:    tmpl,
	}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return e.tokenizer.Count(text)
}

func (e *Engine) messageTokens(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += e.countTokens(m.Content)
		for _, tc := range m.Tools {
			n += e.countTokens(tc.Function.Name)
			n += e.countTokens(string(tc.Function.Arguments))
		}
	}
	return n
}

// BuildPrompt assembles a token-budgeted prompt from a conversation's
// durable history (oldest first). History is kept newest-first until the
// budget runs out, so the latest user turn always survives trimming.
func (e *Engine) BuildPrompt(
	_ context.Context,
	conv types.ConversationID,
	history []*types.Message,
	toolNames []string,
) ([]llm.Message, error) {
	inputBudget := e.maxTokens - e.reserve

	sysPrompt, err := e.renderSystemPrompt(conv, toolNames)
	if err != nil {
		return nil, err
	}
	remaining := inputBudget - e.countTokens(sysPrompt)

	// 90% for history, 10% safety margin
	historyBudget := int(float64(remaining) * 0.9)

	var groups [][]llm.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		group := messageToLLM(history[i])
		tokens := e.messageTokens(group)
		if used+tokens > historyBudget && len(groups) > 0 {
			break
		}
		groups = append(groups, group)
		used += tokens
	}

	messages := []llm.Message{{Role: "system", Content: sysPrompt}}
	for i := len(groups) - 1; i >= 0; i-- {
		messages = append(messages, groups[i]...)
	}
	return messages, nil
}

func (e *Engine) renderSystemPrompt(conv types.ConversationID, toolNames []string) (string, error) {
	var buf bytes.Buffer
	err := e.prompt.Execute(&buf, PromptData{
		Time:           time.Now().Format(time.RFC3339),
		ConversationID: string(conv),
		Tools:          toolNames,
		ToolList:       len(toolNames) > 0,
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// messageToLLM expands a stored message into chat messages. An assistant
// message with tool calls becomes the call request, one tool result per
// call, then the final text.
func messageToLLM(msg *types.Message) []llm.Message {
	if msg.Role == types.RoleUser {
		return []llm.Message{{Role: "user", Content: msg.Text}}
	}
	if len(msg.ToolCalls) == 0 {
		return []llm.Message{{Role: "assistant", Content: msg.Text}}
	}

	call := llm.Message{Role: "assistant"}
	results := make([]llm.Message, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		call.Tools = append(call.Tools, llm.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      tc.Name,
				Arguments: llm.NormalizeArguments([]byte(tc.Arguments)),
			},
		})
		results = append(results, llm.Message{
			Role:    "tool",
			Content: tc.Output,
			Tools:   []llm.ToolCall{{ID: tc.ID}},
		})
	}

	out := append([]llm.Message{call}, results...)
	if msg.Text != "" {
		out = append(out, llm.Message{Role: "assistant", Content: msg.Text})
	}
	return out
}
