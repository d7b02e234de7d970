package services

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Runner is the narrow seam between composition logic and external
// media tools, so the orchestration is testable without invoking real
// subprocesses.
type Runner interface {
	// Run executes a command; a non-zero exit is returned as an error
	// carrying the tail of stderr.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner shells out via os/exec.
type ExecRunner struct {
	logger zerolog.Logger
}

func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger.With().Str("component", "runner").Logger()}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	r.logger.Debug().Str("cmd", name).Str("args", strings.Join(args, " ")).Msg("exec")

	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w (stderr: %s)", name, err, tail(stderr.String(), 500))
	}
	return nil
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", name, err, tail(stderr.String(), 500))
	}
	return out, nil
}

// tail keeps the last maxLen characters, where ffmpeg puts the actual error.
func tail(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
