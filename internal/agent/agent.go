// Package agent runs an autonomous LLM session against an environment: the
// model works on the declared workspace through tools and must populate the
// environment's outputs before its run counts as complete.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/fundi/internal/agentenv"
	"github.com/jkaninda/fundi/internal/llm"
	"github.com/jkaninda/fundi/internal/workspace"
)

// Environment slot names shared between the agent and its callers.
const (
	InputWorkspace  = "before"
	OutputWorkspace = "after"
	OutputSummary   = "summary"
)

// DefaultMaxIterations is the safety guard against infinite tool-use loops.
const DefaultMaxIterations = 25

// Agent drives one environment to completion from a task prompt.
type Agent interface {
	Run(ctx context.Context, env *agentenv.Env, prompt string) error
}

// Fixer is the default Agent implementation: an LLM tool loop that reads,
// edits, and (when the environment is privileged) tests a workspace.
type Fixer struct {
	provider      llm.Provider
	logger        *slog.Logger
	maxIterations int
	maxTokens     int
}

// NewFixer creates an agent backed by the given LLM provider.
func NewFixer(provider llm.Provider, logger *slog.Logger) *Fixer {
	return &Fixer{
		provider:      provider,
		logger:        logger,
		maxIterations: DefaultMaxIterations,
	}
}

// WithMaxIterations sets the maximum number of tool-use loop iterations.
func (f *Fixer) WithMaxIterations(n int) *Fixer {
	f.maxIterations = n
	return f
}

// WithMaxTokens sets the per-turn output token limit.
func (f *Fixer) WithMaxTokens(n int) *Fixer {
	f.maxTokens = n
	return f
}

// Run executes the tool loop until the model finishes and every declared
// output is populated. Returns *agentenv.IncompleteError when the model
// stops (or the iteration budget runs out) with outputs still missing.
func (f *Fixer) Run(ctx context.Context, env *agentenv.Env, prompt string) error {
	ws, err := env.WorkspaceInput(InputWorkspace)
	if err != nil {
		return err
	}
	session := &session{
		env:       env,
		workspace: ws,
		logger:    f.logger,
	}

	system := systemPrompt + "\n\n" + env.Describe()
	messages := []llm.Message{llm.UserMessage(prompt)}
	var usage llm.Usage

	for i := 0; i < f.maxIterations; i++ {
		resp, err := f.provider.Complete(ctx, &llm.Request{
			System:    system,
			Messages:  messages,
			MaxTokens: f.maxTokens,
			Tools:     toolDefinitions(env.Privileged()),
		})
		if err != nil {
			return fmt.Errorf("completing turn %d: %w", i+1, err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Blocks: resp.Blocks})

		if !resp.RequestedTools() {
			if env.Completed() {
				f.logCompletion(ctx, i+1, usage)
				return nil
			}
			// The model stopped talking without finishing its job. Nudge it
			// once per occurrence; the iteration budget bounds retries.
			messages = append(messages, llm.UserMessage(
				"You are not done: call the finish tool once every required output can be populated."))
			continue
		}

		var results []llm.Block
		for _, use := range resp.ToolUses() {
			result, err := session.execute(ctx, use)
			if err != nil {
				return fmt.Errorf("tool %s: %w", use.Name, err)
			}
			results = append(results, result)
		}
		messages = append(messages, llm.ToolResults(results...))

		if session.finished {
			if err := env.Incomplete(); err != nil {
				return err
			}
			f.logCompletion(ctx, i+1, usage)
			return nil
		}
	}

	if err := env.Incomplete(); err != nil {
		return err
	}
	return errors.New("iteration budget exhausted before the model finished")
}

func (f *Fixer) logCompletion(ctx context.Context, turns int, usage llm.Usage) {
	f.logger.InfoContext(ctx, "agent run completed",
		slog.String("provider", f.provider.Name()),
		slog.Int("turns", turns),
		slog.Int("input_tokens", usage.InputTokens),
		slog.Int("output_tokens", usage.OutputTokens),
	)
}

// session is the mutable state of one Run: the workspace snapshot the tools
// operate on, advanced by each write.
type session struct {
	env       *agentenv.Env
	workspace workspace.Workspace
	finished  bool
	logger    *slog.Logger
}
