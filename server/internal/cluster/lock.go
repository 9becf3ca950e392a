package cluster

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// ErrLocked is returned when another command holds the cluster lock.
var ErrLocked = errors.New("cluster is locked by another command")

// Lock is an advisory lock on a cluster's directory, held by creating a
// file exclusively.
type Lock struct {
	fs   afero.Fs
	path string
}

// AcquireLock takes the lock for l. The lock file records who took it, so an
// abandoned lock can be identified and removed by hand.
func AcquireLock(fs afero.Fs, l Layout) (*Lock, error) {
	path := l.LockPath()
	if err := fs.MkdirAll(l.Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %q: %w", l.Dir(), err)
	}
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		holder, _ := afero.ReadFile(fs, path)
		return nil, fmt.Errorf("%w: %s (remove %q if no command is running)",
			ErrLocked, strings.TrimSpace(string(holder)), path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file %q: %w", path, err)
	}

	hostname, _ := os.Hostname()
	_, err = fmt.Fprintf(f, "pid %d on %s since %s\n", os.Getpid(), hostname, time.Now().UTC().Format(time.RFC3339))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = fs.Remove(path)
		return nil, fmt.Errorf("failed to write lock file %q: %w", path, err)
	}

	return &Lock{fs: fs, path: path}, nil
}

func (l *Lock) Release() error {
	if err := l.fs.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file %q: %w", l.path, err)
	}
	return nil
}
