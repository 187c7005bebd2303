package controller

import (
	"context"
	"strings"
	"time"

	"github.com/downfa11-org/deebee/pkg/engine"
	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/downfa11-org/deebee/util"
)

// StatsReporter is implemented by stores that can describe themselves.
type StatsReporter interface {
	Stats() engine.Stats
}

// CommandHandler turns text commands into store operations.
type CommandHandler struct {
	Store          types.KVStore
	CompactTimeout time.Duration
}

func NewCommandHandler(store types.KVStore) *CommandHandler {
	return &CommandHandler{Store: store, CompactTimeout: 5 * time.Minute}
}

func (ch *CommandHandler) logCommandResult(cmd, response string) {
	status := "SUCCESS"
	if strings.HasPrefix(response, "ERROR:") {
		status = "FAILURE"
	}
	cleanResponse := strings.ReplaceAll(response, "\n", " ")
	util.Debug("status: '%s', command: '%s' to Response '%s'", status, cmd, cleanResponse)
}

// HandleCommand executes one command line and returns the response text.
func (ch *CommandHandler) HandleCommand(rawCmd string) string {
	cmd := strings.TrimSpace(rawCmd)
	if cmd == "" {
		return "ERROR: empty command"
	}

	var resp string
	upper := strings.ToUpper(cmd)
	switch {
	case upper == "HELP":
		resp = ch.handleHelp()
	case strings.HasPrefix(upper, "GET "):
		resp = ch.handleGet(cmd[4:])
	case strings.HasPrefix(upper, "SET "):
		resp = ch.handleSet(cmd[4:])
	case strings.HasPrefix(upper, "DEL "):
		resp = ch.handleDelete(cmd[4:])
	case upper == "COMPACT":
		ctx, cancel := context.WithTimeout(context.Background(), ch.CompactTimeout)
		resp = ch.handleCompact(ctx)
		cancel()
	case upper == "STATS":
		resp = ch.handleStats()
	default:
		resp = "ERROR: unknown command: " + cmd
	}

	ch.logCommandResult(cmd, resp)
	return resp
}

// parseKeyValueArgs splits key=value pairs. Everything after "value=" is
// taken verbatim so values may contain spaces and '='.
func parseKeyValueArgs(argsStr string) map[string]string {
	result := make(map[string]string)

	valueIdx := strings.Index(" "+argsStr, " value=")
	before := argsStr
	if valueIdx != -1 {
		before = argsStr[:valueIdx]
		result["value"] = strings.TrimSpace(argsStr[valueIdx+6:])
	}
	for _, part := range strings.Fields(before) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			result[kv[0]] = kv[1]
		}
	}
	return result
}
