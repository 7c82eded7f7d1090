// Package update drives the lister configuration update. Start is the
// printer-facing side that launches the systemd service; RunScript is what
// the service itself runs.
package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/lister3d/numpad-engine/internal/sysexec"
)

// Modes accepted by lister.sh
const (
	ModeInstall     = "install"
	ModeRefresh     = "refresh"
	ModeSync        = "sync"
	ModeRestart     = "restart"
	ModePermissions = "permissions"
)

// DefaultMode is used when no mode is given
const DefaultMode = ModeRefresh

// ValidModes lists the modes in the order they are reported
var ValidModes = []string{ModeInstall, ModeRefresh, ModeSync, ModeRestart, ModePermissions}

var (
	// ErrInvalidMode is returned for modes outside ValidModes
	ErrInvalidMode = errors.New("invalid mode")
	// ErrFailed is returned when the update service did not come up
	ErrFailed = errors.New("lister update failed")
	// ErrTimeout is returned when starting the service takes too long
	ErrTimeout = errors.New("lister update timed out")
)

// CommandRunner runs a G-code script on the printer
type CommandRunner interface {
	RunCommand(ctx context.Context, script string) error
}

// Options configures an Updater
type Options struct {
	// ServiceUnit is the template unit name, without @mode
	ServiceUnit string
	// ListerDir holds lister.sh
	ListerDir string
	Timeout   time.Duration
}

// Updater starts and runs lister updates
type Updater struct {
	opts  Options
	exec  sysexec.Runner
	gcode CommandRunner
	log   hclog.Logger
}

// New creates an Updater
func New(opts Options, execRunner sysexec.Runner, gcode CommandRunner, logger hclog.Logger) *Updater {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.ServiceUnit == "" {
		opts.ServiceUnit = "lister_update_service"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Updater{opts: opts, exec: execRunner, gcode: gcode, log: logger}
}

// ParseMode normalizes and validates a mode. Empty means DefaultMode.
func ParseMode(mode string) (string, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return DefaultMode, nil
	}
	for _, m := range ValidModes {
		if m == mode {
			return mode, nil
		}
	}
	return "", fmt.Errorf("%w: %s. Must be one of: %s", ErrInvalidMode, mode, strings.Join(ValidModes, ", "))
}

// restartsFirmware reports whether the mode changes files Klipper has loaded
func restartsFirmware(mode string) bool {
	return mode == ModeInstall || mode == ModeRefresh || mode == ModeSync
}

// Report is the outcome of a successful Start
type Report struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	FirmwareRestart bool   `json:"firmware_restart"`
	Message         string `json:"message"`
}

// Start launches the update service for mode and waits for systemd to report
// it active. On failure the last 50 journal lines are part of the error.
func (u *Updater) Start(ctx context.Context, mode string) (Report, error) {
	mode, err := ParseMode(mode)
	if err != nil {
		return Report{}, err
	}
	id := uuid.NewString()
	unit := fmt.Sprintf("%s@%s", u.opts.ServiceUnit, mode)
	log := u.log.With("update_id", id, "unit", unit)
	log.Info("starting lister update", "mode", mode)

	startCtx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	if _, err := u.exec.Run(startCtx, "sudo", "systemctl", "start", "--no-block", unit); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Error("update timed out")
			return Report{}, fmt.Errorf("%w after %s", ErrTimeout, u.opts.Timeout)
		}
		log.Error("error during lister update", "error", err)
		return Report{}, fmt.Errorf("%w: %v", ErrFailed, err)
	}

	if _, err := u.exec.Run(ctx, "systemctl", "is-active", unit); err != nil {
		logs, logErr := u.exec.Run(ctx, "journalctl", "-u", unit, "-n", "50", "--no-pager")
		if logErr != nil {
			log.Warn("cannot read service logs", "error", logErr)
		}
		log.Error("update service is not active", "error", err)
		return Report{}, fmt.Errorf("%w. Service logs:\n%s", ErrFailed, logs.Stdout)
	}

	report := Report{
		ID:      id,
		Mode:    mode,
		Message: fmt.Sprintf("Lister update (%s) completed successfully", mode),
	}
	u.respond(ctx, report.Message)

	if restartsFirmware(mode) {
		u.respond(ctx, "Restarting Klipper...")
		if err := u.gcode.RunCommand(ctx, "FIRMWARE_RESTART"); err != nil {
			log.Error("firmware restart failed", "error", err)
			return Report{}, fmt.Errorf("%w: restart klipper: %v", ErrFailed, err)
		}
		report.FirmwareRestart = true
	}
	log.Info(report.Message)
	return report, nil
}

func (u *Updater) respond(ctx context.Context, msg string) {
	if err := u.gcode.RunCommand(ctx, fmt.Sprintf(`RESPOND MSG="%s"`, msg)); err != nil {
		u.log.Debug("respond failed", "error", err)
	}
}

// ScriptPath returns the lister.sh location
func (u *Updater) ScriptPath() string {
	return filepath.Join(u.opts.ListerDir, "lister.sh")
}

// RunScript runs lister.sh with mode, making it executable first. It returns
// the script's stdout.
func (u *Updater) RunScript(ctx context.Context, mode string) (string, error) {
	mode, err := ParseMode(mode)
	if err != nil {
		return "", err
	}
	script := u.ScriptPath()
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("lister script not found: %s", script)
	}

	if err := os.Chmod(script, 0o755); err != nil {
		u.log.Error("failed to make script executable", "script", script, "error", err)
		return "", fmt.Errorf("chmod %s: %w", script, err)
	}
	u.log.Info("made script executable", "script", script)

	u.log.Info("running lister update", "mode", mode)
	res, err := u.exec.Run(ctx, script, mode)
	if res.Stdout != "" {
		u.log.Info("command output", "stdout", res.Stdout)
	}
	if res.Stderr != "" {
		u.log.Error("command error output", "stderr", res.Stderr)
	}
	if err != nil {
		msg := fmt.Sprintf("command failed with code %d", res.ExitCode)
		if res.Stderr != "" {
			msg += ": " + res.Stderr
		}
		u.log.Error(msg)
		return res.Stdout, fmt.Errorf("%w: %s", ErrFailed, msg)
	}

	u.log.Info("update completed successfully")
	return res.Stdout, nil
}
