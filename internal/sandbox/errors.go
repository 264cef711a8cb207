package sandbox

import (
	"fmt"
	"strings"
)

// ProvisionError reports a failed base-environment build or dependency
// install. Always fatal — the invocation cannot proceed without an
// environment.
type ProvisionError struct {
	Stage  string // "create", "copy", "install", "commit"
	Output string // combined stderr+stdout of the failing step
	Err    error
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("provisioning failed at %s", e.Stage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "\n" + strings.TrimSpace(e.Output)
	}
	return msg
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// PublishError reports a failed registry push.
type PublishError struct {
	Ref    string
	Output string
	Err    error
}

func (e *PublishError) Error() string {
	msg := fmt.Sprintf("publishing %s failed", e.Ref)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "\n" + strings.TrimSpace(e.Output)
	}
	return msg
}

func (e *PublishError) Unwrap() error { return e.Err }

// ExecError reports a non-zero exit under Strict mode. Under CaptureAny the
// exit code is data on the Execution instead.
type ExecError struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("command %s exited with code %d\nstderr: %s\nstdout: %s",
		strings.Join(e.Command, " "), e.ExitCode,
		strings.TrimSpace(e.Stderr), strings.TrimSpace(e.Stdout))
}
