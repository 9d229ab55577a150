package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestExecRunnerSuccess(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	runner := NewExecRunner(5*time.Second, nil)
	result, err := runner.Run(context.Background(), "sh", "-c", "echo ok; echo warn 1>&2")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(result.Output, "ok") || !strings.Contains(result.Output, "warn") {
		t.Fatalf("Output = %q, want stdout and stderr combined", result.Output)
	}
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	runner := NewExecRunner(5*time.Second, nil)
	result, err := runner.Run(context.Background(), "sh", "-c", "echo broken config; exit 3")
	if err == nil {
		t.Fatal("expected error")
	}

	var cmdErr *Error
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if cmdErr.ExitCode != 3 || result.ExitCode != 3 {
		t.Fatalf("ExitCode = %d/%d, want 3", cmdErr.ExitCode, result.ExitCode)
	}
	if IsTransient(err) {
		t.Fatal("non-zero exit should not be transient")
	}
	if !strings.Contains(err.Error(), "broken config") {
		t.Fatalf("Error() = %q, want command output", err.Error())
	}
}

func TestExecRunnerTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	runner := NewExecRunner(50*time.Millisecond, nil)
	start := time.Now()
	_, err := runner.Run(context.Background(), "sleep", "5")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient(%v) = false, want true", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded in chain", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Run() took %s, want prompt timeout", elapsed)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	t.Parallel()

	runner := NewExecRunner(time.Second, nil)
	_, err := runner.Run(context.Background(), "definitely-not-a-real-binary-xyz")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Fatal("missing binary should not be transient")
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "transient command", err: &Error{Transient: true}, want: true},
		{name: "wrapped command", err: fmt.Errorf("reload: %w", &Error{Transient: true}), want: true},
		{name: "permanent command", err: &Error{ExitCode: 1}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	name, args := Split("  nginx -s   reload ")
	if name != "nginx" || len(args) != 2 || args[0] != "-s" || args[1] != "reload" {
		t.Fatalf("Split() = %q %v", name, args)
	}

	name, args = Split("")
	if name != "" || args != nil {
		t.Fatalf("Split(\"\") = %q %v", name, args)
	}
}
