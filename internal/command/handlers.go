package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/lister3d/numpad-engine/internal/update"
)

// handlePress sends a key event to the dispatcher
// Usage: press <key>
func (e *Executor) handlePress(ctx context.Context, args []string) *Result {
	if len(args) != 1 {
		return failure("usage: press <key>")
	}

	out, err := e.dispatcher.HandleKeyEvent(ctx, args[0])
	if err != nil {
		return failure("%v", err)
	}

	msg := out.Message
	if msg == "" {
		switch {
		case out.Command == "":
			msg = out.Status
		default:
			msg = fmt.Sprintf("%s: %s", out.Status, out.Command)
		}
	}

	return &Result{
		Success: true,
		Message: msg,
		Data: map[string]interface{}{
			"status":  out.Status,
			"command": out.Command,
		},
	}
}

// handleStatus reports the dispatcher status
// Usage: status [keys]
func (e *Executor) handleStatus(args []string) *Result {
	st := e.dispatcher.Status()

	if len(args) > 0 && args[0] == "keys" {
		return &Result{
			Success: true,
			Data: map[string]interface{}{
				"command_mapping": st.CommandMapping,
				"query_mapping":   st.QueryMapping,
			},
		}
	}

	pending := "none"
	if st.PendingKey != nil {
		pending = fmt.Sprintf("%s -> %s", *st.PendingKey, *st.PendingCommand)
	}

	return &Result{
		Success: true,
		Message: fmt.Sprintf("mode: %s, pending: %s", st.Mode, pending),
		Data: map[string]interface{}{
			"status": st,
		},
	}
}

func (e *Executor) handleRefresh(ctx context.Context) *Result {
	if err := e.dispatcher.Refresh(ctx); err != nil {
		return failure("%v", err)
	}
	return &Result{Success: true, Message: fmt.Sprintf("mode: %s", e.dispatcher.State().Mode())}
}

func (e *Executor) handleReset() *Result {
	e.dispatcher.Reset()
	return &Result{Success: true, Message: "dispatch state reset"}
}

// handleSound manages the sound library
// Usage: sound list|scan|play <name>|info
func (e *Executor) handleSound(ctx context.Context, args []string) *Result {
	if e.sound == nil {
		return failure("sound system is disabled")
	}
	if len(args) == 0 {
		return failure("usage: sound list|scan|play <name>|info")
	}

	switch args[0] {
	case "list":
		listing := e.sound.List()
		return &Result{
			Success: true,
			Message: fmt.Sprintf("%d sound(s) in %s", len(listing.Sounds), listing.SoundDir),
			Data: map[string]interface{}{
				"sounds":    listing.Sounds,
				"sound_dir": listing.SoundDir,
			},
		}
	case "scan":
		listing := e.sound.Rescan()
		return &Result{
			Success: true,
			Message: fmt.Sprintf("found %d sound(s)", len(listing.Sounds)),
			Data: map[string]interface{}{
				"sounds":    listing.Sounds,
				"sound_dir": listing.SoundDir,
			},
		}
	case "play":
		if len(args) < 2 {
			return failure("usage: sound play <name>")
		}
		res, err := e.sound.Play(ctx, args[1])
		if err != nil {
			return failure("%v", err)
		}
		return &Result{
			Success: true,
			Message: fmt.Sprintf("played %s", res.Sound),
			Data:    map[string]interface{}{"sound": res.Sound},
		}
	case "info":
		info := e.sound.Info(ctx)
		return &Result{
			Success: true,
			Message: fmt.Sprintf("%s, %d sound(s), player %s", info.Status, info.SoundCount, info.Player),
			Data:    map[string]interface{}{"info": info},
		}
	default:
		return failure("unknown sound command: %s", args[0])
	}
}

// handleUpdate starts a lister update
// Usage: update [install|refresh|sync|restart|permissions]
func (e *Executor) handleUpdate(ctx context.Context, args []string) *Result {
	if e.updater == nil {
		return failure("lister update is disabled")
	}
	mode := ""
	if len(args) > 0 {
		mode = args[0]
	}

	report, err := e.updater.Start(ctx, mode)
	if err != nil {
		return failure("%v", err)
	}
	return &Result{
		Success: true,
		Message: report.Message,
		Data: map[string]interface{}{
			"id":               report.ID,
			"mode":             report.Mode,
			"firmware_restart": report.FirmwareRestart,
		},
	}
}

// handleScan runs the printables metadata scan
func (e *Executor) handleScan(ctx context.Context) *Result {
	if e.scanner == nil {
		return failure("metadata scan is disabled")
	}
	res, err := e.scanner.Scan(ctx)
	if err != nil {
		return failure("metadata scan failed: %v", err)
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("scanned %d, skipped %d, failed %d", res.Scanned, res.Skipped, len(res.Failed)),
		Data:    map[string]interface{}{"result": res},
	}
}

func (e *Executor) handleHelp(args []string) *Result {
	help := []string{
		"Available commands:",
		"",
		"  press <key>",
		"    Send a key event (key_0..key_9, key_dot, key_enter, key_up, key_down, *_alt)",
		"",
		"  status [keys]",
		"    Show dispatch status, or the key mappings",
		"",
		"  refresh",
		"    Re-read printer state",
		"",
		"  reset",
		"    Clear the pending command and tuning state",
		"",
		"  sound list|scan|play <name>|info",
		"    Manage the sound library",
		"",
		"  update [" + strings.Join(update.ValidModes, "|") + "]",
		"    Run a lister update (default refresh)",
		"",
		"  scan",
		"    Scan lister printables for missing metadata",
		"",
		"  help",
		"    Show this help message",
	}

	return &Result{
		Success: true,
		Message: strings.Join(help, "\n"),
	}
}
