package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const maxErrorOutput = 512

// Error classifies external command failures as transient/permanent.
type Error struct {
	Command   string
	ExitCode  int
	Output    string
	Transient bool
	Cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "command error")

	if cmd := strings.TrimSpace(e.Command); cmd != "" {
		parts = append(parts, cmd)
	}
	if e.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}
	if out := truncate(strings.TrimSpace(e.Output), maxErrorOutput); out != "" {
		parts = append(parts, out)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Transient
	}

	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
