package cmdrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxOutputBytes caps captured stdout and stderr per stream.
const maxOutputBytes = 8 << 20

// waitDelay bounds how long Run waits for orphaned children to release the output pipes
// after the process is killed.
const waitDelay = 2 * time.Second

// Command is one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

// Parse splits a configured command line on whitespace. Quoting is not supported.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, errors.New("empty command")
	}
	return Command{Name: fields[0], Args: fields[1:]}, nil
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is what a finished process reported. A non-zero ExitCode is a result, not an error.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec runs commands on the host with os/exec.
type Exec struct {
	// Timeout bounds each command when positive. Zero leaves commands unbounded.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Run starts cmd and waits for it. The error is non-nil only when the process could not be
// started, was killed, or ctx ended.
func (e Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Name == "" {
		return Result{ExitCode: -1}, errors.New("binary is required")
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	execCmd.Dir = cmd.Dir
	execCmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &limitedWriter{buf: &stdout, max: maxOutputBytes}
	execCmd.Stderr = &limitedWriter{buf: &stderr, max: maxOutputBytes}

	start := time.Now()
	err := execCmd.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: 0}

	e.Logger.Debug().
		Str("command", cmd.String()).
		Dur("duration", time.Since(start)).
		Msg("command finished")

	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", cmd.Name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		if result.ExitCode >= 0 {
			return result, nil
		}
	}
	result.ExitCode = -1
	return result, fmt.Errorf("%s: %w", cmd.Name, err)
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if remaining := w.max - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
