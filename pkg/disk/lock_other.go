//go:build !linux
// +build !linux

package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/downfa11-org/deebee/pkg/types"
)

// Without flock only engines inside this process are excluded.
var (
	heldMu sync.Mutex
	held   = make(map[string]struct{})
)

type dirLock struct {
	key string
	f   *os.File
}

func lockDir(path string) (*dirLock, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		key = path
	}

	heldMu.Lock()
	defer heldMu.Unlock()
	if _, ok := held[key]; ok {
		return nil, fmt.Errorf("%w: %s", types.ErrLocked, path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file %s: %w", types.ErrIO, path, err)
	}
	held[key] = struct{}{}
	return &dirLock{key: key, f: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	heldMu.Lock()
	delete(held, l.key)
	heldMu.Unlock()
	err := l.f.Close()
	l.f = nil
	return err
}
