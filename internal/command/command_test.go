package command

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecRunCapturesStdout(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "echo \"$1-$2\"\n")

	result, err := (&Exec{}).Run(script, "a", "b")
	require.NoError(t, err)
	require.Equal(t, "a-b\n", string(result.Stdout))
	require.Zero(t, result.ExitCode)
}

func TestExecRunDoesNotInheritEnvironment(t *testing.T) {
	t.Setenv("LXBUILD_LEAK", "leaked")

	script := writeScript(t, "echo \"${LXBUILD_LEAK:-clean}\"\n")

	result, err := (&Exec{}).Run(script)
	require.NoError(t, err)
	require.Equal(t, "clean\n", string(result.Stdout))
}

func TestExecRunNonZeroExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "echo 'dataset already exists' >&2\nexit 2\n")

	result, err := (&Exec{}).Run(script, "create", "zones/x")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 2, exitErr.ExitCode)
	require.Equal(t, "dataset already exists", exitErr.Stderr)
	require.Equal(t, 2, result.ExitCode)
	require.Equal(t, "dataset already exists", Stderr(err))
	require.Contains(t, err.Error(), "create zones/x")
}

func TestExecRunMissingProgram(t *testing.T) {
	t.Parallel()

	_, err := (&Exec{}).Run(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	var exitErr *ExitError
	require.False(t, errors.As(err, &exitErr))
	require.Empty(t, Stderr(err))
}
