package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
)

// Cmd describes a single invocation of an external tool.
type Cmd struct {
	Name  string
	Args  []string
	Stdin []byte
	Dir   string
	// Stderr, if set, also receives the tool's stderr as it is written.
	Stderr io.Writer
}

func (c Cmd) String() string {
	return shellescape.QuoteCommand(append([]string{c.Name}, c.Args...))
}

type Output struct {
	Stdout []byte
	Stderr []byte
}

// ToolExecutionError is returned when a tool could not be started or exited
// with a non-zero status. Stdout and Stderr hold everything the tool wrote
// before it exited.
type ToolExecutionError struct {
	Command  string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error
}

func (e *ToolExecutionError) Error() string {
	msg := fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
	if stderr := strings.TrimSpace(string(e.Stderr)); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// CmdRunner runs one command to completion.
type CmdRunner func(ctx context.Context, cmd Cmd) (*Output, error)

// RunCmd runs cmd and captures its stdout and stderr separately. Cancelling
// ctx kills the process.
func RunCmd(ctx context.Context, cmd Cmd) (*Output, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if cmd.Stderr != nil {
		c.Stderr = io.MultiWriter(&stderr, cmd.Stderr)
	}

	err := c.Run()
	out := &Output{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err == nil {
		return out, nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}

	return out, &ToolExecutionError{
		Command:  cmd.String(),
		ExitCode: exitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Err:      err,
	}
}

// WithTimeout bounds every command run through runner by timeout.
func WithTimeout(runner CmdRunner, timeout time.Duration) CmdRunner {
	return func(ctx context.Context, cmd Cmd) (*Output, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return runner(ctx, cmd)
	}
}
