package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultWaitDelay = 5 * time.Second
)

// Result is the combined output and exit status of a finished command.
type Result struct {
	Output   string
	ExitCode int
}

// Runner executes external programs.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

var _ Runner = (*ExecRunner)(nil)

// ExecRunner runs programs with os/exec, bounded by a per-call timeout.
type ExecRunner struct {
	timeout time.Duration
	logger  *zap.Logger
}

func NewExecRunner(timeout time.Duration, logger *zap.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ExecRunner{
		timeout: timeout,
		logger:  logger,
	}
}

// Run returns an *Error for non-zero exits and timeouts. A timeout is transient.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.WaitDelay = defaultWaitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	result := Result{Output: out.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	commandLine := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.logger.Debug("command finished",
		zap.String("command", commandLine),
		zap.Int("exitCode", result.ExitCode),
		zap.Duration("duration", time.Since(start)),
	)

	if err == nil {
		return result, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, &Error{
			Command:   commandLine,
			ExitCode:  result.ExitCode,
			Output:    result.Output,
			Transient: true,
			Cause:     fmt.Errorf("timed out after %s: %w", r.timeout, context.DeadlineExceeded),
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, &Error{
			Command:  commandLine,
			ExitCode: result.ExitCode,
			Output:   result.Output,
		}
	}

	return result, &Error{
		Command: commandLine,
		Output:  result.Output,
		Cause:   err,
	}
}

// Split breaks a configured command line such as "nginx -s reload" into program and args.
func Split(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
