//go:build !linux
// +build !linux

package disk

import (
	"os"
	"runtime"
)

func adviseSequential(f *os.File) {}

func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		// directories cannot be opened for fsync on windows
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
