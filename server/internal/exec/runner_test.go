package exec_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaws-project/kaws/server/internal/exec"
)

func TestRunCmd(t *testing.T) {
	ctx := context.Background()

	t.Run("captures stdout and pipes stdin", func(t *testing.T) {
		out, err := exec.RunCmd(ctx, exec.Cmd{
			Name:  "cat",
			Stdin: []byte("hello"),
		})
		require.NoError(t, err)
		assert.Equal(t, "hello", string(out.Stdout))
		assert.Empty(t, out.Stderr)
	})

	t.Run("failing tool returns its stderr", func(t *testing.T) {
		tool := filepath.Join(t.TempDir(), "fake-tool")
		script := "#!/bin/sh\necho 'partial output'\necho 'fake-tool: unknown flag --bogus' >&2\nexit 3\n"
		require.NoError(t, os.WriteFile(tool, []byte(script), 0o755))

		_, err := exec.RunCmd(ctx, exec.Cmd{
			Name: tool,
			Args: []string{"--bogus", "some arg"},
		})

		var toolErr *exec.ToolExecutionError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, 3, toolErr.ExitCode)
		assert.Contains(t, string(toolErr.Stderr), "fake-tool: unknown flag --bogus")
		assert.Equal(t, "partial output\n", string(toolErr.Stdout))
		assert.Contains(t, toolErr.Command, "'some arg'")
		assert.Contains(t, toolErr.Error(), "unknown flag --bogus")
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := exec.RunCmd(ctx, exec.Cmd{Name: filepath.Join(t.TempDir(), "does-not-exist")})

		var toolErr *exec.ToolExecutionError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, -1, toolErr.ExitCode)
	})

	t.Run("timeout kills the process", func(t *testing.T) {
		runner := exec.WithTimeout(exec.RunCmd, 50*time.Millisecond)

		start := time.Now()
		_, err := runner(ctx, exec.Cmd{Name: "sleep", Args: []string{"10"}})

		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}
