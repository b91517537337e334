package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"tandem/pkg/protocol"
)

// Validation is the outcome of a validation script run.
type Validation struct {
	Passed   bool
	ExitCode int
	Output   string
}

// Validator runs a session's validation script.
type Validator interface {
	Validate(ctx context.Context, dir, command string) (Validation, error)
}

// ShellValidator runs the script with `sh -c`.
type ShellValidator struct{}

// Validate runs command in dir. A non-zero exit is a failed validation, not
// an error; an error means the script could not be run at all.
func (ShellValidator) Validate(ctx context.Context, dir, command string) (Validation, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out := newTailBuffer(protocol.MaxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	v := Validation{Output: out.String()}
	if err == nil {
		v.Passed = true
		return v, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		v.ExitCode = exitErr.ExitCode()
		return v, nil
	}
	return v, fmt.Errorf("run validation script: %w", err)
}
