package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/worker"
)

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.Equal(t, "serve", serve.Name())
	require.False(t, serve.Hidden)

	w, _, err := cmd.Find([]string{"worker"})
	require.NoError(t, err)
	require.True(t, w.Hidden, "worker is only started by the master")
}

func TestBootFailureExitCode(t *testing.T) {
	cause := errors.New("connection refused")
	err := bootFailure(&worker.BootError{Err: cause})

	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, worker.ExitBootFailure, exitErr.code)
	require.ErrorIs(t, err, cause)
}

func TestWorkerWithoutConfigIsBootFailure(t *testing.T) {
	t.Setenv("LISTEN", "")

	cmd := newRootCommand()
	cmd.SetArgs([]string{"worker"})
	err := cmd.Execute()

	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, worker.ExitBootFailure, exitErr.code)
}
