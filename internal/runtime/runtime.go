package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	ctxengine "github.com/user/deskstream/internal/context"
	"github.com/user/deskstream/internal/gateway"
	"github.com/user/deskstream/internal/types"
	"github.com/user/deskstream/pkg/llm"
)

const (
	historyLimit   = 100
	roundSeparator = "\n\n"

	// shown to the customer; details go to the job record and the log
	failureMessage = "the assistant could not complete this response"
)

// Runtime executes jobs: it streams the model's answer into the job's event
// log, runs the tools the model asks for, persists the final assistant
// message and moves the job to its terminal status.
type Runtime struct {
	provider  llm.Provider
	engine    *ctxengine.Engine
	jobs      types.JobStore
	messages  types.MessageStore
	events    types.EventSink
	artifacts types.ArtifactStore
	registry  *Registry
	retry     *gateway.RetryPolicy
	maxRounds int
	logger    *slog.Logger
}

type Deps struct {
	Provider  llm.Provider
	Engine    *ctxengine.Engine
	Jobs      types.JobStore
	Messages  types.MessageStore
	Events    types.EventSink
	Artifacts types.ArtifactStore
	Registry  *Registry
	Retry     *gateway.RetryPolicy
	MaxRounds int
	Logger    *slog.Logger
}

// New creates a Runtime with the given dependencies.
func New(d Deps) *Runtime {
	rt := &Runtime{
		provider:  d.Provider,
		engine:    d.Engine,
		jobs:      d.Jobs,
		messages:  d.Messages,
		events:    d.Events,
		artifacts: d.Artifacts,
		registry:  d.Registry,
		retry:     d.Retry,
		maxRounds: d.MaxRounds,
		logger:    d.Logger,
	}
	if rt.registry == nil {
		rt.registry = NewRegistry()
	}
	if rt.retry == nil {
		rt.retry = gateway.DefaultRetryPolicy()
	}
	if rt.maxRounds <= 0 {
		rt.maxRounds = 10
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	return rt
}

// toolResult is the payload of tool_call_complete and the stored output of
// the tool call, so streamed and reconciled items read the same.
type toolResult struct {
	Output     string           `json:"output"`
	Error      bool             `json:"error,omitempty"`
	ArtifactID types.ArtifactID `json:"artifact_id,omitempty"`
}

// job is the per-run state of the agent loop.
type job struct {
	run       *gateway.Run
	ctx       context.Context
	rounds    []string
	toolCalls []types.ToolCallRecord
}

func (j *job) text() string {
	return strings.Join(nonEmpty(j.rounds), roundSeparator)
}

// ProcessRun executes the agent loop for a single run.
// This is the function passed to Queue.SetProcessor.
func (rt *Runtime) ProcessRun(run *gateway.Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	log := rt.logger.With("job_id", run.JobID, "conversation_id", run.ConversationID)

	if _, err := rt.jobs.SetStatus(ctx, run.JobID, types.JobRunning, ""); err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	log.Info("job started")

	j := &job{run: run, ctx: ctx}
	if err := rt.execute(j); err != nil {
		log.Error("job failed", "error", err)
		rt.fail(j, err)
		return err
	}
	log.Info("job completed", "tool_calls", len(j.toolCalls), "chars", len(j.text()))
	return nil
}

func (rt *Runtime) execute(j *job) error {
	history, err := rt.messages.Recent(j.ctx, j.run.ConversationID, historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	prompt, err := rt.engine.BuildPrompt(j.ctx, j.run.ConversationID, history, rt.registry.Names())
	if err != nil {
		return fmt.Errorf("build prompt: %w", err)
	}

	for round := 0; round < rt.maxRounds; round++ {
		calls, err := rt.streamRound(j, prompt)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			return rt.complete(j)
		}

		prompt = append(prompt, llm.Message{Role: "assistant", Content: j.rounds[len(j.rounds)-1], Tools: calls})
		for _, tc := range calls {
			out, err := rt.runTool(j, tc)
			if err != nil {
				return err
			}
			prompt = append(prompt, llm.Message{Role: "tool", Content: out, Tools: []llm.ToolCall{{ID: tc.ID}}})
		}
	}
	return fmt.Errorf("max tool rounds (%d) exceeded", rt.maxRounds)
}

// streamRound streams one model response, emitting message_delta events with
// both the increment and the cumulative text of the whole job.
func (rt *Runtime) streamRound(j *job, prompt []llm.Message) ([]llm.ToolCall, error) {
	var stream <-chan llm.Delta
	err := rt.retry.Execute(j.ctx, func() error {
		var err error
		stream, err = rt.provider.Stream(j.ctx, prompt, rt.registry.AsLLMTools())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("LLM call: %w", err)
	}

	j.rounds = append(j.rounds, "")
	cur := len(j.rounds) - 1
	prefix := j.text()

	var calls []llm.ToolCall
	for delta := range stream {
		if delta.Err != nil {
			return nil, fmt.Errorf("LLM stream: %w", delta.Err)
		}
		calls = append(calls, delta.ToolCalls...)
		if delta.Content == "" {
			continue
		}

		piece := delta.Content
		if j.rounds[cur] == "" && prefix != "" {
			piece = roundSeparator + piece
		}
		j.rounds[cur] += delta.Content
		full := j.text()
		if err := rt.emit(j, types.EventMessageDelta, types.DeltaPayload{Text: &full, Delta: piece}); err != nil {
			return nil, err
		}
	}
	if err := j.ctx.Err(); err != nil {
		return nil, err
	}
	return calls, nil
}

// runTool executes one tool call between its start and complete events.
// Tool errors are reported to the model, not treated as job failures.
func (rt *Runtime) runTool(j *job, tc llm.ToolCall) (string, error) {
	name := tc.Function.Name
	args := llm.NormalizeArguments(tc.Function.Arguments)
	callID := tc.ID
	if callID == "" {
		callID = "call_" + string(types.NewEventID())
	}
	toolType := types.ResolveToolType("", name)

	start := types.ToolCallPayload{ToolCallID: callID, ToolType: toolType, Name: name, Arguments: args}
	if err := rt.emit(j, types.EventToolCallStart, start); err != nil {
		return "", err
	}

	res := toolResult{}
	tool, ok := rt.registry.Get(name)
	if !ok {
		res.Output, res.Error = fmt.Sprintf("error: unknown tool %q", name), true
	} else {
		out, err := tool.Execute(j.ctx, args)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return "", err
			}
			rt.logger.Warn("tool failed", "job_id", j.run.JobID, "tool", name, "error", err)
			res.Output, res.Error = fmt.Sprintf("error: %v", err), true
		} else {
			res.Output = out
		}
	}

	inline, artID, err := rt.artifacts.Spill(j.ctx, j.run.JobID, name, res.Output)
	if err != nil {
		rt.logger.Warn("store artifact", "job_id", j.run.JobID, "tool", name, "error", err)
	}
	res.Output, res.ArtifactID = inline, artID

	result, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	complete := types.ToolCallPayload{ToolCallID: callID, ToolType: toolType, Name: name, Result: result}
	if err := rt.emit(j, types.EventToolCallComplete, complete); err != nil {
		return "", err
	}

	j.toolCalls = append(j.toolCalls, types.ToolCallRecord{
		ID:        callID,
		Type:      toolType,
		Name:      name,
		Arguments: string(args),
		Output:    string(result),
	})
	return res.Output, nil
}

// complete persists the assistant message, announces it, then marks the job
// completed. The status flips only after the message is durable.
func (rt *Runtime) complete(j *job) error {
	msg := &types.Message{
		ConversationID: j.run.ConversationID,
		JobID:          j.run.JobID,
		Role:           types.RoleAssistant,
		Text:           j.text(),
		ToolCalls:      j.toolCalls,
	}
	if err := rt.messages.Append(j.ctx, msg); err != nil {
		return fmt.Errorf("save assistant message: %w", err)
	}
	if err := rt.emit(j, types.EventAssistantMessageSaved, types.SavedPayload{MessageID: msg.ID}); err != nil {
		return err
	}
	if _, err := rt.jobs.SetStatus(j.ctx, j.run.JobID, types.JobCompleted, ""); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// fail records the failure with a fresh context so a cancelled job still
// reaches a terminal state.
func (rt *Runtime) fail(j *job, cause error) {
	ctx := context.WithoutCancel(j.ctx)
	if ev, err := types.NewStreamEvent(j.run.JobID, types.EventError, types.ErrorPayload{Message: failureMessage}); err == nil {
		if err := rt.events.Append(ctx, ev); err != nil {
			rt.logger.Error("append error event", "job_id", j.run.JobID, "error", err)
		}
	}
	if _, err := rt.jobs.SetStatus(ctx, j.run.JobID, types.JobFailed, cause.Error()); err != nil {
		rt.logger.Error("set job failed", "job_id", j.run.JobID, "error", err)
	}
}

func (rt *Runtime) emit(j *job, typ types.EventType, payload any) error {
	ev, err := types.NewStreamEvent(j.run.JobID, typ, payload)
	if err != nil {
		return err
	}
	if err := rt.events.Append(j.ctx, ev); err != nil {
		return fmt.Errorf("append %s event: %w", typ, err)
	}
	return nil
}

func nonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
