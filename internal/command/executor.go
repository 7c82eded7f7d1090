// Package command provides the text command system shared by the HTTP API,
// the operator console and numpadctl
package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/lister3d/numpad-engine/internal/metascan"
	"github.com/lister3d/numpad-engine/internal/numpad"
	"github.com/lister3d/numpad-engine/internal/sound"
	"github.com/lister3d/numpad-engine/internal/update"
)

// Executor executes commands. Sound, update and scan are optional and
// report themselves disabled when nil.
type Executor struct {
	dispatcher *numpad.Dispatcher
	sound      *sound.Service
	updater    *update.Updater
	scanner    *metascan.Scanner
}

// NewExecutor creates a new command executor
func NewExecutor(dispatcher *numpad.Dispatcher, snd *sound.Service, updater *update.Updater, scanner *metascan.Scanner) *Executor {
	return &Executor{
		dispatcher: dispatcher,
		sound:      snd,
		updater:    updater,
		scanner:    scanner,
	}
}

// Result represents the result of executing a command
type Result struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func failure(format string, args ...interface{}) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Execute executes a command string and returns a result
func (e *Executor) Execute(ctx context.Context, cmdStr string) *Result {
	parts := parseCommand(cmdStr)
	if len(parts) == 0 {
		return failure("empty command")
	}

	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "press", "key":
		return e.handlePress(ctx, args)
	case "status":
		return e.handleStatus(args)
	case "refresh":
		return e.handleRefresh(ctx)
	case "reset":
		return e.handleReset()
	case "sound":
		return e.handleSound(ctx, args)
	case "update":
		return e.handleUpdate(ctx, args)
	case "scan":
		return e.handleScan(ctx)
	case "help":
		return e.handleHelp(args)
	default:
		return failure("unknown command: %s. Type 'help' for available commands", command)
	}
}

// parseCommand parses a command string into parts, handling quoted strings
func parseCommand(cmdStr string) []string {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return []string{}
	}

	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := byte(0)

	for i := 0; i < len(cmdStr); i++ {
		char := cmdStr[i]

		switch {
		case char == '"' || char == '\'':
			if !inQuotes {
				inQuotes = true
				quoteChar = char
			} else if char == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else {
				current.WriteByte(char)
			}
		case (char == ' ' || char == '\t') && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(char)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}
