package numpad

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Outcome statuses
const (
	StatusConfirmed = "confirmed"
	StatusExecuted  = "executed"
	StatusQueued    = "queued"
)

// Outcome describes how a key event was handled
type Outcome struct {
	Status string `json:"status"`
	// Command is the functional command issued or queued, if any
	Command string `json:"command,omitempty"`
	// Message carries informational feedback such as "nothing to confirm"
	Message string `json:"message,omitempty"`
}

const msgNothingPending = "No command pending for confirmation"

// Dispatcher turns numpad key events into printer commands
type Dispatcher struct {
	settings Settings
	keys     *KeyMap
	runner   CommandRunner
	querier  StateQuerier
	vars     VariableStore
	notifier Notifier
	log      hclog.Logger

	mu    sync.Mutex
	state DispatchState
	// last finetune offset written by a debounced save
	finetuneOffset float64

	saveTimer *time.Timer
	saveGen   uint64
	closed    bool
}

// NewDispatcher creates a dispatcher with empty state
func NewDispatcher(settings Settings, host Host, notifier Notifier, logger hclog.Logger) (*Dispatcher, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid numpad settings: %w", err)
	}
	if host == nil {
		return nil, fmt.Errorf("host is required")
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if settings.SaveTimeout <= 0 {
		settings.SaveTimeout = 10 * time.Second
	}

	d := &Dispatcher{
		settings: settings,
		keys:     settings.Keys,
		runner:   host,
		querier:  host,
		vars:     host,
		notifier: notifier,
		log:      logger,
	}

	if d.log.IsDebug() {
		for _, k := range AllKeys {
			d.log.Debug("loaded mapping", "key", k, "command", d.keys.Command(k), "query", d.keys.Query(k))
		}
		d.log.Debug("key classes",
			"no_confirm", settings.NoConfirmKeys.Strings(),
			"confirm", settings.ConfirmationKeys.Strings())
	}
	return d, nil
}

// State returns a copy of the current dispatch state
func (d *Dispatcher) State() DispatchState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Status returns the status report served to clients
func (d *Dispatcher) Status() StatusReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked()
}

func (d *Dispatcher) statusLocked() StatusReport {
	r := StatusReport{
		CommandMapping:     d.keys.Commands(),
		QueryMapping:       d.keys.Queries(),
		IsPrinting:         d.state.IsPrinting,
		IsProbing:          d.state.IsProbing,
		IsFineTuning:       d.state.FineTuning,
		QuickJumpsCount:    d.state.QuickJumpCount,
		AccumulatedZAdjust: d.state.AccumulatedOffset,
		ZOffsetSavePending: d.state.OffsetSavePending,
		FinetuneZOffset:    d.finetuneOffset,
		Mode:               d.state.Mode(),
		NoConfirmKeys:      d.settings.NoConfirmKeys.Strings(),
		ConfirmationKeys:   d.settings.ConfirmationKeys.Strings(),
	}
	if d.state.HasPending() {
		key := string(d.state.PendingKey)
		cmd := d.state.PendingCommand
		r.PendingKey = &key
		r.PendingCommand = &cmd
	}
	return r
}

func (d *Dispatcher) notifyStatusLocked() {
	d.notifier.Notify(EventStatusUpdate, d.statusLocked())
}

// HandleKeyEvent processes one key press. Confirmation keys run the pending
// command, no-confirm keys run immediately (knob keys adjust), and every other
// key becomes the pending command.
func (d *Dispatcher) HandleKeyEvent(ctx context.Context, key string) (out Outcome, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic while processing numpad event",
				"key", key, "panic", r,
				"pending_key", d.state.PendingKey, "pending_command", d.state.PendingCommand,
				"is_printing", d.state.IsPrinting, "is_probing", d.state.IsProbing)
			out = Outcome{}
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	k, err := ParseKey(key)
	if err != nil {
		d.log.Info("ignoring event for unknown key", "key", key)
		return Outcome{}, err
	}

	d.log.Debug("received event", "key", k,
		"pending_key", d.state.PendingKey, "pending_command", d.state.PendingCommand)

	switch {
	case d.settings.ConfirmationKeys.Has(k):
		return d.handleConfirmation(ctx)
	case d.settings.NoConfirmKeys.Has(k):
		if k.IsKnob() {
			return d.handleKnob(ctx, k)
		}
		return d.handleImmediate(ctx, k)
	default:
		return d.handleCommandKey(ctx, k)
	}
}

func (d *Dispatcher) handleConfirmation(ctx context.Context) (Outcome, error) {
	if !d.state.HasPending() {
		d.log.Debug("no pending command to confirm")
		d.respond(ctx, msgNothingPending)
		return Outcome{Status: StatusConfirmed, Message: msgNothingPending}, nil
	}

	cmd := d.state.PendingCommand
	// pending state is cleared whether or not the command succeeds
	defer func() {
		d.state.clearPending()
		d.log.Debug("cleared pending command state")
		d.notifyStatusLocked()
	}()

	d.log.Debug("executing confirmed command", "command", cmd)
	d.respond(ctx, fmt.Sprintf("Executing confirmed command %s", cmd))
	if err := d.runner.RunCommand(ctx, cmd); err != nil {
		d.log.Error("error executing command", "command", cmd, "error", err)
		d.respondError(ctx, fmt.Sprintf("Error executing command: %v", err))
		return Outcome{Status: StatusConfirmed, Command: cmd}, fmt.Errorf("execute %q: %w", cmd, err)
	}
	d.notifier.Notify(EventCommandExecuted, map[string]any{"command": cmd})
	return Outcome{Status: StatusConfirmed, Command: cmd}, nil
}

func (d *Dispatcher) handleImmediate(ctx context.Context, k KeyID) (Outcome, error) {
	cmd := d.keys.Command(k)
	d.log.Debug("executing no-confirmation command", "key", k, "command", cmd)

	d.respond(ctx, fmt.Sprintf("Executing %s", cmd))
	if err := d.runner.RunCommand(ctx, cmd); err != nil {
		d.log.Error("error executing command", "command", cmd, "error", err)
		return Outcome{Status: StatusExecuted, Command: cmd}, fmt.Errorf("execute %q: %w", cmd, err)
	}
	d.notifier.Notify(EventCommandExecuted, map[string]any{"command": cmd})
	d.notifyStatusLocked()
	return Outcome{Status: StatusExecuted, Command: cmd}, nil
}

func (d *Dispatcher) handleCommandKey(ctx context.Context, k KeyID) (Outcome, error) {
	cmd := d.keys.Command(k)

	if d.state.HasPending() && d.state.PendingKey != k {
		d.respond(ctx, fmt.Sprintf("Replacing pending command %s with %s", d.state.PendingCommand, cmd))
	}

	// the pending command only changes once its query succeeded
	query := d.keys.Query(k)
	d.respond(ctx, fmt.Sprintf("Running query %s", query))
	if err := d.runner.RunCommand(ctx, query); err != nil {
		d.log.Error("error running query command", "command", query, "error", err)
		d.respondError(ctx, fmt.Sprintf("Query %s failed: %v", query, err))
		d.notifyStatusLocked()
		return Outcome{Command: cmd}, fmt.Errorf("query %q: %w", query, err)
	}
	d.state.PendingKey = k
	d.state.PendingCommand = cmd
	d.respond(ctx, fmt.Sprintf("Command %s is ready. Press ENTER to execute", cmd))

	d.notifyStatusLocked()
	d.notifier.Notify(EventCommandQueued, map[string]any{"command": cmd})
	return Outcome{Status: StatusQueued, Command: cmd}, nil
}

// Refresh reloads printing/probing state from the host
func (d *Dispatcher) Refresh(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refreshLocked(ctx)
}

func (d *Dispatcher) refreshLocked(ctx context.Context) error {
	result, err := d.querier.QueryState(ctx, objectPrintStats, objectProbeStatus)
	if err != nil {
		msg := fmt.Sprintf("Error fetching Klippy state: %v", err)
		d.respondError(ctx, msg)
		d.log.Error("error fetching printer state", "error", err)
		d.resetLocked()
		return fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}

	probeStatus := result[objectProbeStatus]
	wasProbing := d.state.IsProbing
	d.state.IsProbing = asBool(probeStatus["monitor_active"])
	d.state.IsPrinting = asString(result[objectPrintStats]["state"]) == "printing"

	if !wasProbing && d.state.IsProbing {
		d.state.FineTuning = false
		d.state.QuickJumpCount = 0
		d.log.Debug("new probe operation started, reset fine tuning and quick jumps")
	}
	d.log.Debug("printer state updated",
		"probing", d.state.IsProbing, "was_probing", wasProbing, "printing", d.state.IsPrinting)

	d.notifyStatusLocked()
	return nil
}

// Reset clears the dispatch state and cancels a scheduled offset save
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Dispatcher) resetLocked() {
	d.state = DispatchState{}
	d.cancelSaveLocked()
	d.notifyStatusLocked()
}

// HandleReady refreshes state once the printer reports ready
func (d *Dispatcher) HandleReady(ctx context.Context) error {
	d.log.Info("handling printer ready event")
	return d.Refresh(ctx)
}

// HandleShutdown resets state when the printer shuts down
func (d *Dispatcher) HandleShutdown() {
	d.log.Info("handling printer shutdown event")
	d.Reset()
}

// Close stops the debounce timer. Pending offset adjustments are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cancelSaveLocked()
}

func (d *Dispatcher) respond(ctx context.Context, msg string) {
	script := fmt.Sprintf(`RESPOND MSG="Numpad macros: %s"`, msg)
	if err := d.runner.RunCommand(ctx, script); err != nil {
		d.log.Warn("respond failed", "message", msg, "error", err)
	}
}

func (d *Dispatcher) respondError(ctx context.Context, msg string) {
	script := fmt.Sprintf(`RESPOND TYPE=error MSG="Numpad macros: %s"`, msg)
	if err := d.runner.RunCommand(ctx, script); err != nil {
		d.log.Warn("respond failed", "message", msg, "error", err)
	}
}
