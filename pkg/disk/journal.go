package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/downfa11-org/deebee/util"
	"gopkg.in/yaml.v3"
)

// compactionJournal commits a compaction swap. Once it is on disk the swap
// is rolled forward on open; before that the .compact outputs are garbage.
type compactionJournal struct {
	RunID     string    `yaml:"run_id"`
	Inputs    []uint64  `yaml:"inputs"`
	Outputs   []uint64  `yaml:"outputs"`
	CreatedAt time.Time `yaml:"created_at"`
}

func writeJournal(path string, j compactionJournal) error {
	data, err := yaml.Marshal(&j)
	if err != nil {
		return fmt.Errorf("marshal compaction journal: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create journal %s: %w", types.ErrIO, tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write journal %s: %w", types.ErrIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync journal %s: %w", types.ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close journal %s: %w", types.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: commit journal %s: %w", types.ErrIO, path, err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: sync dir of %s: %w", types.ErrIO, path, err)
	}
	return nil
}

// readJournal returns ok=false when no journal exists.
func readJournal(path string) (j compactionJournal, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return j, false, nil
	}
	if err != nil {
		return j, false, fmt.Errorf("%w: read journal %s: %w", types.ErrIO, path, err)
	}
	if err := yaml.Unmarshal(data, &j); err != nil {
		return j, false, fmt.Errorf("parse compaction journal %s: %w", path, err)
	}
	return j, true, nil
}

// replayJournal finishes a committed swap. Every step is idempotent, so an
// interrupted replay is simply repeated on the next open.
func (m *Manager) replayJournal() error {
	path := m.journalPath()
	j, ok, err := readJournal(path)
	if err != nil || !ok {
		return err
	}

	util.Warn("compaction %s was interrupted after commit; rolling forward (inputs=%v outputs=%v)", j.RunID, j.Inputs, j.Outputs)

	kept := make(map[uint64]bool, len(j.Outputs))
	for _, id := range j.Outputs {
		kept[id] = true
		final := m.SegmentPath(id)
		tmp := final + compactSuffix
		if _, err := os.Stat(tmp); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.Rename(tmp, final); err != nil {
			return fmt.Errorf("%w: roll forward %s: %w", types.ErrIO, tmp, err)
		}
	}
	for _, id := range j.Inputs {
		if kept[id] {
			continue
		}
		if err := os.Remove(m.SegmentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: remove compacted segment %d: %w", types.ErrIO, id, err)
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove journal %s: %w", types.ErrIO, path, err)
	}
	return syncDir(m.dir)
}
