// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build linux || (unix && !darwin)

package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillReachesForkedChildren(t *testing.T) {
	// A recorder that forks a helper looks like this: one shell with a
	// background sleep plus a foreground one.
	cmd := exec.Command("sh", "-c", "sleep 10 & sleep 10")
	Set(cmd)
	require.NoError(t, cmd.Start())
	require.NotNil(t, cmd.Process)

	// Let the shell fork before we look at the group.
	time.Sleep(100 * time.Millisecond)

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pgid, "Set must make the child a group leader")

	require.NoError(t, Kill(cmd, syscall.SIGKILL))

	err = cmd.Wait()
	require.Error(t, err, "a killed child cannot exit cleanly")
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			assert.True(t, status.Signaled())
			assert.Equal(t, syscall.SIGKILL, status.Signal())
		}
	}

	// Signal 0 probes the group without delivering anything. Once the
	// kernel reaped the tree the group id is gone.
	time.Sleep(50 * time.Millisecond)
	err = syscall.Kill(-pgid, syscall.Signal(0))
	if err == nil {
		t.Errorf("process group %d survived the kill", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	assert.ErrorIs(t, err, syscall.ESRCH)
}

func TestKillToleratesMissingProcess(t *testing.T) {
	require.NoError(t, Kill(nil, syscall.SIGTERM))
	require.NoError(t, Kill(exec.Command("true"), syscall.SIGTERM))

	// Already-exited children are treated as success as well.
	cmd := exec.Command("true")
	Set(cmd)
	require.NoError(t, cmd.Run())
	require.NoError(t, Kill(cmd, syscall.SIGTERM))
}
