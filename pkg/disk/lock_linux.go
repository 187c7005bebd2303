//go:build linux
// +build linux

package disk

import (
	"errors"
	"fmt"
	"os"

	"github.com/downfa11-org/deebee/pkg/types"
	"golang.org/x/sys/unix"
)

type dirLock struct {
	f *os.File
}

// lockDir takes an exclusive flock on path. flock locks belong to the open
// file description, so a second engine in the same process is rejected too.
func lockDir(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file %s: %w", types.ErrIO, path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", types.ErrLocked, path)
		}
		return nil, fmt.Errorf("%w: flock %s: %w", types.ErrIO, path, err)
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
