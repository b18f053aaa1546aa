// Package inference holds the shared plumbing for generation engines:
// the subprocess runner seam, input validation, and failure
// classification against the worker's error taxonomy.
package inference

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

type CommandSpec struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CommandRunner executes one external process to completion. Engines
// depend on this seam instead of os/exec so tests can script outcomes.
type CommandRunner interface {
	Run(ctx context.Context, spec CommandSpec) (CommandOutput, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, spec CommandSpec) (CommandOutput, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	startedAt := time.Now()
	err := cmd.Run()
	output := CommandOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(startedAt),
	}
	if cmd.ProcessState != nil {
		output.ExitCode = cmd.ProcessState.ExitCode()
	}
	// The kill signal from an expired context surfaces as a plain exec
	// error; the deadline is the real cause.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return output, ctxErr
	}
	return output, err
}

var _ CommandRunner = ExecRunner{}
