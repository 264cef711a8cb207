package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/fundi/internal/llm"
	"github.com/jkaninda/fundi/internal/testrun"
	"github.com/jkaninda/fundi/internal/workspace"
)

// toolDefinitions returns the tools exposed to the model. run_tests is only
// offered in privileged environments.
func toolDefinitions(privileged bool) []llm.Tool {
	tools := []llm.Tool{
		{
			Name:        "read_file",
			Description: "Read a file in the workspace and return its contents.",
			InputSchema: objectSchema(map[string]any{
				"path": map[string]any{"type": "string", "description": "File path relative to the workspace root"},
			}, "path"),
		},
		{
			Name:        "write_file",
			Description: "Write a file in the workspace, replacing its contents if it exists.",
			InputSchema: objectSchema(map[string]any{
				"path":     map[string]any{"type": "string", "description": "File path relative to the workspace root"},
				"contents": map[string]any{"type": "string", "description": "Full new contents of the file"},
			}, "path", "contents"),
		},
		{
			Name:        "list_files",
			Description: "List the entries of a directory in the workspace.",
			InputSchema: objectSchema(map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path relative to the workspace root"},
			}, "path"),
		},
		{
			Name:        "finish",
			Description: "Declare the task done. Call this exactly once, after your changes are in place, with a short summary of what you changed and why.",
			InputSchema: objectSchema(map[string]any{
				"summary": map[string]any{"type": "string", "description": "What was changed and why"},
			}, "summary"),
		},
	}
	if privileged {
		tools = append(tools, llm.Tool{
			Name:        "run_tests",
			Description: "Run the workspace's test suite against a fresh database and return the output.",
			InputSchema: objectSchema(map[string]any{}),
		})
	}
	return tools
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// execute dispatches one tool call. Expected tool failures (missing files,
// failing tests, bad arguments) become error-flagged results the model can
// react to; infrastructure failures abort the run.
func (s *session) execute(ctx context.Context, use llm.Block) (llm.Block, error) {
	s.logger.DebugContext(ctx, "executing tool",
		slog.String("tool", use.Name),
		slog.String("id", use.ID),
	)

	switch use.Name {
	case "read_file":
		path, err := stringArg(use.Input, "path")
		if err != nil {
			return llm.ToolResult(use.ID, err.Error(), true), nil
		}
		contents, err := s.workspace.ReadFile(ctx, path)
		var notFound *workspace.NotFoundError
		if errors.As(err, &notFound) {
			return llm.ToolResult(use.ID, notFound.Error(), true), nil
		}
		if err != nil {
			return llm.Block{}, err
		}
		return llm.ToolResult(use.ID, contents, false), nil

	case "write_file":
		path, err := stringArg(use.Input, "path")
		if err != nil {
			return llm.ToolResult(use.ID, err.Error(), true), nil
		}
		contents, err := stringArg(use.Input, "contents")
		if err != nil {
			return llm.ToolResult(use.ID, err.Error(), true), nil
		}
		next, err := s.workspace.WriteFile(ctx, path, contents)
		if err != nil {
			return llm.Block{}, err
		}
		s.workspace = next
		return llm.ToolResult(use.ID, "wrote "+path, false), nil

	case "list_files":
		path, err := stringArg(use.Input, "path")
		if err != nil {
			return llm.ToolResult(use.ID, err.Error(), true), nil
		}
		entries, err := s.workspace.ListFiles(ctx, path)
		var notFound *workspace.NotFoundError
		if errors.As(err, &notFound) {
			return llm.ToolResult(use.ID, notFound.Error(), true), nil
		}
		if err != nil {
			return llm.Block{}, err
		}
		return llm.ToolResult(use.ID, strings.Join(entries, "\n"), false), nil

	case "run_tests":
		if !s.env.Privileged() {
			return llm.ToolResult(use.ID, "run_tests is not available in this environment", true), nil
		}
		output, err := s.workspace.Test(ctx)
		var failure *testrun.Failure
		if errors.As(err, &failure) {
			return llm.ToolResult(use.ID, failure.Error(), true), nil
		}
		if err != nil {
			return llm.Block{}, err
		}
		return llm.ToolResult(use.ID, output, false), nil

	case "finish":
		summary, err := stringArg(use.Input, "summary")
		if err != nil {
			return llm.ToolResult(use.ID, err.Error(), true), nil
		}
		if err := s.env.SetWorkspaceOutput(OutputWorkspace, s.workspace); err != nil {
			return llm.Block{}, err
		}
		if err := s.env.SetStringOutput(OutputSummary, summary); err != nil {
			return llm.Block{}, err
		}
		s.finished = true
		return llm.ToolResult(use.ID, "done", false), nil

	default:
		return llm.ToolResult(use.ID, fmt.Sprintf("unknown tool %q", use.Name), true), nil
	}
}

func stringArg(input map[string]any, key string) (string, error) {
	v, ok := input[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}
