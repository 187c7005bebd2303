package controller

import (
	"context"
	"fmt"

	"github.com/downfa11-org/deebee/pkg/engine"
)

func (ch *CommandHandler) handleHelp() string {
	return `Available commands:
GET key=<k> - read the value stored under a key
SET key=<k> value=<v> - store a value (the rest of the line after value=)
DEL key=<k> - delete a key
COMPACT - merge sealed segments
STATS - show engine statistics
HELP - show this help
EXIT - exit`
}

func (ch *CommandHandler) handleGet(argsStr string) string {
	key, ok := parseKeyValueArgs(argsStr)["key"]
	if !ok || key == "" {
		return "ERROR: missing key parameter. Expected: GET key=<k>"
	}

	value, found, err := ch.Store.Get([]byte(key))
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	if !found {
		return fmt.Sprintf("(nil) key '%s' not found", key)
	}
	return string(value)
}

func (ch *CommandHandler) handleSet(argsStr string) string {
	args := parseKeyValueArgs(argsStr)
	key, ok := args["key"]
	if !ok || key == "" {
		return "ERROR: missing key parameter. Expected: SET key=<k> value=<v>"
	}
	value, ok := args["value"]
	if !ok {
		return "ERROR: missing value parameter. Expected: SET key=<k> value=<v>"
	}

	if err := ch.Store.Set([]byte(key), []byte(value)); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return "OK"
}

func (ch *CommandHandler) handleDelete(argsStr string) string {
	key, ok := parseKeyValueArgs(argsStr)["key"]
	if !ok || key == "" {
		return "ERROR: missing key parameter. Expected: DEL key=<k>"
	}

	if err := ch.Store.Delete([]byte(key)); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return "OK"
}

func (ch *CommandHandler) handleCompact(ctx context.Context) string {
	if err := ch.Store.Compact(ctx); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return "OK"
}

func (ch *CommandHandler) handleStats() string {
	sr, ok := ch.Store.(StatsReporter)
	if !ok {
		return "ERROR: store does not report statistics"
	}
	s := sr.Stats()
	return fmt.Sprintf("live_keys=%d segments=%d active_segment=%d total_bytes=%d live_bytes=%d recovered_records=%d truncated_bytes=%d last_compaction=%s",
		s.LiveKeys, s.Segments, s.ActiveSegment, s.TotalBytes, s.LiveBytes,
		s.Recovery.Records, s.Recovery.TruncatedBytes, lastCompaction(s))
}

func lastCompaction(s engine.Stats) string {
	if s.LastCompaction.RunID == "" {
		return "none"
	}
	c := s.LastCompaction
	return fmt.Sprintf("%s(inputs=%v outputs=%v dropped=%d)", c.RunID, c.Inputs, c.Outputs, c.RecordsDropped+c.TombstonesDropped)
}
