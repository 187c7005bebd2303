package engine

import (
	"fmt"
	"strings"

	"github.com/downfa11-org/deebee/pkg/types"
)

// Policy picks the segments to merge from the sealed segments, given in
// ascending id order. The selection must be a contiguous run of them; an
// empty selection skips the run.
type Policy interface {
	Select(sealed []types.SegmentInfo) []uint64
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(sealed []types.SegmentInfo) []uint64

func (f PolicyFunc) Select(sealed []types.SegmentInfo) []uint64 { return f(sealed) }

// AllSealed merges every sealed segment.
func AllSealed() Policy {
	return PolicyFunc(func(sealed []types.SegmentInfo) []uint64 {
		return infoIDs(sealed)
	})
}

// MinSegments merges every sealed segment once at least n of them exist.
func MinSegments(n int) Policy {
	return PolicyFunc(func(sealed []types.SegmentInfo) []uint64 {
		if len(sealed) < n || len(sealed) == 0 {
			return nil
		}
		return infoIDs(sealed)
	})
}

// OldestN merges the n oldest sealed segments, or all of them if fewer exist.
func OldestN(n int) Policy {
	return PolicyFunc(func(sealed []types.SegmentInfo) []uint64 {
		if n <= 0 {
			return nil
		}
		if len(sealed) > n {
			sealed = sealed[:n]
		}
		return infoIDs(sealed)
	})
}

// ParsePolicy maps a configured policy name to a Policy. n is the segment
// count used by "threshold" and "oldest".
func ParsePolicy(name string, n int) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "all":
		return AllSealed(), nil
	case "threshold":
		return MinSegments(n), nil
	case "oldest":
		return OldestN(n), nil
	default:
		return nil, fmt.Errorf("unknown compaction policy %q", name)
	}
}

func infoIDs(infos []types.SegmentInfo) []uint64 {
	ids := make([]uint64, len(infos))
	for i, s := range infos {
		ids[i] = s.ID
	}
	return ids
}
