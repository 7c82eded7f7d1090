package numpad

import (
	"context"
	"errors"
)

// Errors returned by the dispatcher
var (
	// ErrUnknownKey is returned for key names outside the 26 known keys
	ErrUnknownKey = errors.New("unknown numpad key")
	// ErrHostUnavailable is returned when the printer state cannot be refreshed
	ErrHostUnavailable = errors.New("printer host unavailable")
	// ErrInternal wraps unexpected failures caught while handling an event
	ErrInternal = errors.New("internal numpad error")
)

// Notification names
const (
	EventStatusUpdate    = "numpad_macros:status_update"
	EventCommandQueued   = "numpad_macros:command_queued"
	EventCommandExecuted = "numpad_macros:command_executed"
)

// Printer objects and variables read from the host
const (
	objectPrintStats   = "print_stats"
	objectProbeStatus  = "gcode_macro CHECK_PROBE_STATUS"
	objectToolhead     = "toolhead"
	objectGcodeMove    = "gcode_move"
	objectSaveVars     = "save_variables"
	FinetuneOffsetName = "finetune_z_nozzle_offset"
)

// CommandRunner executes a G-code script on the printer
type CommandRunner interface {
	RunCommand(ctx context.Context, script string) error
}

// StateQuerier reads a snapshot of printer objects. The result is keyed by
// object name; missing objects are absent from the map.
type StateQuerier interface {
	QueryState(ctx context.Context, objects ...string) (map[string]map[string]any, error)
}

// VariableStore persists a named variable across printer restarts
type VariableStore interface {
	SetPersistedVariable(ctx context.Context, name string, value any) error
}

// Notifier delivers fire-and-forget notifications to connected clients
type Notifier interface {
	Notify(event string, payload any)
}

// Host bundles the printer-side collaborators
type Host interface {
	CommandRunner
	StateQuerier
	VariableStore
}

// NopNotifier drops every notification
type NopNotifier struct{}

// Notify implements Notifier
func (NopNotifier) Notify(string, any) {}
