package numpad

import (
	"context"
	"fmt"
	"math"
)

// firstLayerMaxZ is the highest toolhead Z treated as first layer tuning
const firstLayerMaxZ = 1.0

const speedEpsilon = 1e-9

func (d *Dispatcher) handleKnob(ctx context.Context, k KeyID) (Outcome, error) {
	d.log.Debug("starting adjustment handling", "key", k)

	if err := d.refreshLocked(ctx); err != nil {
		return Outcome{}, err
	}

	var (
		cmd   string
		delta float64
		err   error
	)
	mode := d.state.Mode()
	switch mode {
	case ModeProbing:
		cmd, err = d.probeAdjust(ctx, k)
	case ModePrinting:
		cmd, delta, err = d.printAdjust(ctx, k)
	default:
		cmd, err = d.volumeAdjust(ctx, k)
	}
	if err != nil {
		msg := fmt.Sprintf("Error handling adjustment: %v", err)
		d.log.Error("error handling adjustment", "key", k, "error", err)
		d.respondError(ctx, msg)
		return Outcome{}, err
	}
	if mode == ModeIdle {
		return Outcome{Status: StatusExecuted, Command: cmd}, nil
	}

	if cmd == "" {
		d.log.Debug("no adjustment command was generated")
		return Outcome{Status: StatusExecuted}, nil
	}

	d.log.Debug("executing adjustment command", "command", cmd)
	d.respond(ctx, cmd)
	if err := d.runner.RunCommand(ctx, cmd); err != nil {
		d.log.Error("error executing adjustment", "command", cmd, "error", err)
		return Outcome{Status: StatusExecuted, Command: cmd}, fmt.Errorf("execute %q: %w", cmd, err)
	}
	if delta != 0 {
		d.armOffsetSaveLocked(delta)
	}
	return Outcome{Status: StatusExecuted, Command: cmd}, nil
}

// probeAdjust moves the nozzle during a manual probe. Decrements count as
// quick jumps until the limit is passed, after which fine steps are used for
// the rest of the probe session.
func (d *Dispatcher) probeAdjust(ctx context.Context, k KeyID) (string, error) {
	z, err := d.toolheadZ(ctx)
	if err != nil {
		return "", err
	}
	d.log.Debug("probe adjustment", "z", z)

	if k == KeyDown && !d.state.FineTuning {
		d.state.QuickJumpCount++
		if d.state.QuickJumpCount > d.settings.QuickJumpsLimit {
			d.state.FineTuning = true
			d.runFeedback(ctx, `RESPOND MSG="Switched to fine tuning mode"`)
		}
	}

	if d.state.FineTuning {
		step := d.settings.ProbeFineMinStep
		if k == KeyUp {
			d.runFeedback(ctx, "_FURTHER_KNOB_PROBE_MICRO_CALIBRATE")
			return fmt.Sprintf("TESTZ Z=+%.3f", step), nil
		}
		d.runFeedback(ctx, "_NEARER_KNOB_PROBE_MICRO_CALIBRATE")
		return fmt.Sprintf("TESTZ Z=-%.3f", step), nil
	}

	step := math.Max(z*d.settings.ProbeCoarseMultiplier, d.settings.ProbeMinStep)
	if k == KeyUp {
		d.runFeedback(ctx, "_FURTHER_KNOB_PROBE_CALIBRATE")
		return fmt.Sprintf("TESTZ Z=+%.3f", step), nil
	}
	d.runFeedback(ctx, "_NEARER_KNOB_PROBE_CALIBRATE")
	return fmt.Sprintf("TESTZ Z=-%.3f", step), nil
}

// printAdjust tunes the Z offset on the first layer and the speed factor
// above it. A non-zero delta is the offset change to persist once the command
// has run.
func (d *Dispatcher) printAdjust(ctx context.Context, k KeyID) (string, float64, error) {
	z, err := d.toolheadZ(ctx)
	if err != nil {
		return "", 0, err
	}
	d.log.Debug("print adjustment", "z", z)

	if z <= firstLayerMaxZ {
		inc := d.settings.ZAdjustIncrement
		var cmd string
		var delta float64
		if k == KeyUp {
			cmd = fmt.Sprintf("SET_GCODE_OFFSET Z_ADJUST=%s MOVE=1", formatFloat(inc))
			delta = inc
			d.runFeedback(ctx, "_FURTHER_KNOB_FIRST_LAYER")
		} else {
			cmd = fmt.Sprintf("SET_GCODE_OFFSET Z_ADJUST=%s MOVE=1", formatFloat(-inc))
			delta = -inc
			d.runFeedback(ctx, "_NEARER_KNOB_FIRST_LAYER")
		}
		return cmd, delta, nil
	}

	result, err := d.querier.QueryState(ctx, objectGcodeMove)
	if err != nil {
		return "", 0, fmt.Errorf("query speed factor: %w", err)
	}
	factor, ok := asFloat(result[objectGcodeMove]["speed_factor"])
	if !ok {
		factor = 1.0
	}
	current := factor * 100

	speed := d.settings.Speed
	var next float64
	if k == KeyUp {
		next = math.Min(current+speed.Increment, speed.Max)
		d.runFeedback(ctx, "_INCREASE_KNOB_SPEED")
	} else {
		next = math.Max(current-speed.Increment, speed.Min)
		d.runFeedback(ctx, "_DEACREASE_KNOB_SPEED")
	}
	// truncated; the epsilon keeps 1.1*100 from landing on 109
	return fmt.Sprintf("M220 S%d", int(next+speedEpsilon)), 0, nil
}

// volumeAdjust drives the sound system volume while idle. It never touches
// dispatch state.
func (d *Dispatcher) volumeAdjust(ctx context.Context, k KeyID) (string, error) {
	feedback, cmd := "_DEACREASE_KNOB_VOLUME", "VOLUME_DOWN"
	if k == KeyUp {
		feedback, cmd = "_INCREASE_KNOB_VOLUME", "VOLUME_UP"
	}
	d.runFeedback(ctx, feedback)
	if err := d.runner.RunCommand(ctx, cmd); err != nil {
		return cmd, fmt.Errorf("execute %q: %w", cmd, err)
	}
	return cmd, nil
}

// runFeedback issues a cosmetic command; failures are logged only
func (d *Dispatcher) runFeedback(ctx context.Context, cmd string) {
	if err := d.runner.RunCommand(ctx, cmd); err != nil {
		d.log.Warn("feedback command failed", "command", cmd, "error", err)
	}
}

func (d *Dispatcher) toolheadZ(ctx context.Context) (float64, error) {
	result, err := d.querier.QueryState(ctx, objectToolhead)
	if err != nil {
		return 0, fmt.Errorf("query toolhead: %w", err)
	}
	pos := asFloatSlice(result[objectToolhead]["position"])
	if len(pos) < 3 {
		return 0, nil
	}
	return pos[2], nil
}
