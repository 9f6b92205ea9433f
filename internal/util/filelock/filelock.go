// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package filelock provides an exclusive advisory lock on a file, shared by
// every process on the host that locks the same path.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultPath serializes VM creation across test processes.
const DefaultPath = "/tmp/libvirt-autotest-vm-create.lock"

const pollInterval = 100 * time.Millisecond

var (
	ErrOpenLockFile = errors.New("failed to open lock file")
	ErrAcquireLock  = errors.New("failed to acquire file lock")
	ErrNotLocked    = errors.New("file lock is not held")
)

// Lock is an exclusive flock(2) on a path. A Lock is not reentrant.
type Lock struct {
	path string

	// mu serializes goroutines of this process; flock alone does not when
	// they share the Lock.
	mu   sync.Mutex
	file *os.File
}

func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Lock blocks until the lock is acquired or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		l.mu.Unlock()
		return errors.Join(err, fmt.Errorf("path=%s", l.path), ErrOpenLockFile)
	}

	err = wait.PollUntilContextCancel(ctx, pollInterval, true, func(context.Context) (bool, error) {
		switch err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
			return false, nil
		default:
			return false, err
		}
	})
	if err != nil {
		_ = f.Close()
		l.mu.Unlock()
		return errors.Join(err, fmt.Errorf("path=%s", l.path), ErrAcquireLock)
	}

	l.file = f
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return ErrNotLocked
	}
	defer l.mu.Unlock()

	f := l.file
	l.file = nil

	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return errors.Join(err, f.Close())
}
