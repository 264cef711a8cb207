// Package agentenv defines the declarative contract between the fix
// orchestrator and an autonomous agent: named, typed inputs the agent reads
// and named, typed outputs it must populate before the run counts as
// complete. Reading an output from an incomplete environment fails — there
// is no partial result.
package agentenv

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/fundi/internal/workspace"
)

// Kind is the declared type of an environment slot.
type Kind int

const (
	KindWorkspace Kind = iota
	KindString
)

func (k Kind) String() string {
	if k == KindWorkspace {
		return "workspace"
	}
	return "string"
}

// IncompleteError reports an agent run that ended without populating every
// declared output.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("agent environment incomplete: outputs not populated: %s",
		strings.Join(e.Missing, ", "))
}

type input struct {
	name        string
	description string
	workspace   workspace.Workspace
}

type output struct {
	name        string
	description string
	kind        Kind
	populated   bool
	workspace   workspace.Workspace
	str         string
}

// Env is one agent run's environment. It is consumed by exactly one run:
// built up with With* calls, populated by the agent, read out by the
// orchestrator, then discarded.
type Env struct {
	privileged bool
	inputs     map[string]*input
	outputs    map[string]*output
	order      []string // output declaration order, for stable prompts
}

// New creates an empty environment. A privileged environment permits the
// agent to execute commands inside its workspaces, including running tests
// to verify its own change.
func New(privileged bool) *Env {
	return &Env{
		privileged: privileged,
		inputs:     make(map[string]*input),
		outputs:    make(map[string]*output),
	}
}

// Privileged reports whether the agent may execute commands.
func (e *Env) Privileged() bool { return e.privileged }

// WithWorkspaceInput declares a named workspace input.
func (e *Env) WithWorkspaceInput(name string, ws workspace.Workspace, description string) *Env {
	e.inputs[name] = &input{name: name, description: description, workspace: ws}
	return e
}

// WithWorkspaceOutput declares a workspace output the agent must populate.
func (e *Env) WithWorkspaceOutput(name, description string) *Env {
	e.declareOutput(name, description, KindWorkspace)
	return e
}

// WithStringOutput declares a string output the agent must populate.
func (e *Env) WithStringOutput(name, description string) *Env {
	e.declareOutput(name, description, KindString)
	return e
}

func (e *Env) declareOutput(name, description string, kind Kind) {
	if _, exists := e.outputs[name]; !exists {
		e.order = append(e.order, name)
	}
	e.outputs[name] = &output{name: name, description: description, kind: kind}
}

// WorkspaceInput returns a declared workspace input by name.
func (e *Env) WorkspaceInput(name string) (workspace.Workspace, error) {
	in, ok := e.inputs[name]
	if !ok {
		return workspace.Workspace{}, fmt.Errorf("no input named %q", name)
	}
	return in.workspace, nil
}

// SetWorkspaceOutput populates a declared workspace output.
func (e *Env) SetWorkspaceOutput(name string, ws workspace.Workspace) error {
	out, err := e.lookupOutput(name, KindWorkspace)
	if err != nil {
		return err
	}
	out.workspace = ws
	out.populated = true
	return nil
}

// SetStringOutput populates a declared string output.
func (e *Env) SetStringOutput(name, value string) error {
	out, err := e.lookupOutput(name, KindString)
	if err != nil {
		return err
	}
	out.str = value
	out.populated = true
	return nil
}

func (e *Env) lookupOutput(name string, kind Kind) (*output, error) {
	out, ok := e.outputs[name]
	if !ok {
		return nil, fmt.Errorf("no output named %q", name)
	}
	if out.kind != kind {
		return nil, fmt.Errorf("output %q is declared as %s, not %s", name, out.kind, kind)
	}
	return out, nil
}

// Completed reports whether every declared output has been populated.
func (e *Env) Completed() bool {
	return len(e.missing()) == 0
}

func (e *Env) missing() []string {
	var missing []string
	for _, name := range e.order {
		if !e.outputs[name].populated {
			missing = append(missing, name)
		}
	}
	return missing
}

// Incomplete returns an *IncompleteError naming the unpopulated outputs, or
// nil when the environment is complete.
func (e *Env) Incomplete() error {
	if missing := e.missing(); len(missing) > 0 {
		return &IncompleteError{Missing: missing}
	}
	return nil
}

// WorkspaceOutput reads a populated workspace output. Fails with
// *IncompleteError while any declared output is still unpopulated.
func (e *Env) WorkspaceOutput(name string) (workspace.Workspace, error) {
	if err := e.Incomplete(); err != nil {
		return workspace.Workspace{}, err
	}
	out, err := e.lookupOutput(name, KindWorkspace)
	if err != nil {
		return workspace.Workspace{}, err
	}
	return out.workspace, nil
}

// StringOutput reads a populated string output. Fails with *IncompleteError
// while any declared output is still unpopulated.
func (e *Env) StringOutput(name string) (string, error) {
	if err := e.Incomplete(); err != nil {
		return "", err
	}
	out, err := e.lookupOutput(name, KindString)
	if err != nil {
		return "", err
	}
	return out.str, nil
}

// Describe renders the environment contract for inclusion in the agent's
// prompt: inputs sorted by name, outputs in declaration order.
func (e *Env) Describe() string {
	var b strings.Builder

	names := make([]string, 0, len(e.inputs))
	for name := range e.inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString("Inputs:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  - %s (workspace): %s\n", name, e.inputs[name].description)
	}
	b.WriteString("Required outputs:\n")
	for _, name := range e.order {
		out := e.outputs[name]
		fmt.Fprintf(&b, "  - %s (%s): %s\n", name, out.kind, out.description)
	}
	return b.String()
}
