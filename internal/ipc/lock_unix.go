// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build unix

package ipc

import (
	"fmt"
	"os"
	"syscall"
)

// Lock is the advisory file lock backing leader election. The kernel drops
// it automatically if the holder dies, so a crashed leader never wedges the
// election.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock tries to take the leader lock without blocking. The second
// return is false when another process already holds it.
func AcquireLock(path string) (*Lock, bool, error) {
	// #nosec G304 -- path comes from daemon config
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock: %w", err)
	}
	return &Lock{path: path, file: f}, true, nil
}

// Release drops the lock. The file stays on disk for the next election.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
