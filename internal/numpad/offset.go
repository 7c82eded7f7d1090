package numpad

import (
	"context"
	"fmt"
	"math"
	"time"
)

// armOffsetSaveLocked accumulates a first layer offset change and restarts
// the save countdown. Only the newest countdown may write.
func (d *Dispatcher) armOffsetSaveLocked(delta float64) {
	d.state.AccumulatedOffset += delta
	d.state.OffsetSavePending = true
	if d.closed {
		return
	}

	if d.saveTimer != nil {
		d.saveTimer.Stop()
	}
	d.saveGen++
	gen := d.saveGen
	d.saveTimer = time.AfterFunc(d.settings.ZOffsetSaveDelay, func() {
		d.flushOffset(gen)
	})
	d.log.Debug("armed z offset save", "accumulated", d.state.AccumulatedOffset, "delay", d.settings.ZOffsetSaveDelay)
}

func (d *Dispatcher) cancelSaveLocked() {
	if d.saveTimer != nil {
		d.saveTimer.Stop()
		d.saveTimer = nil
	}
	// invalidates a timer that already fired and is waiting on the lock
	d.saveGen++
}

// flushOffset runs when a countdown elapses. The read-add-write of the
// baseline happens under the dispatcher lock.
func (d *Dispatcher) flushOffset(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// runs on the timer goroutine, where a panic would take the process down
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic while saving z adjustment", "panic", r,
				"accumulated", d.state.AccumulatedOffset, "pending", d.state.OffsetSavePending)
		}
	}()

	if gen != d.saveGen || !d.state.OffsetSavePending {
		return
	}
	d.saveTimer = nil

	ctx, cancel := context.WithTimeout(context.Background(), d.settings.SaveTimeout)
	defer cancel()

	if err := d.saveOffsetLocked(ctx); err != nil {
		d.log.Error("error saving z adjustment", "error", err, "accumulated", d.state.AccumulatedOffset)
		script := fmt.Sprintf(`RESPOND TYPE=error MSG="Error saving Z adjustment: %v"`, err)
		if rerr := d.runner.RunCommand(ctx, script); rerr != nil {
			d.log.Warn("respond failed", "error", rerr)
		}
	}
}

func (d *Dispatcher) saveOffsetLocked(ctx context.Context) error {
	result, err := d.querier.QueryState(ctx, objectSaveVars)
	if err != nil {
		return fmt.Errorf("read saved variables: %w", err)
	}
	current := 0.0
	if vars, ok := result[objectSaveVars]["variables"].(map[string]any); ok {
		if v, ok := asFloat(vars[FinetuneOffsetName]); ok {
			current = v
		}
	}

	next := roundOffset(current + d.state.AccumulatedOffset)
	if err := d.vars.SetPersistedVariable(ctx, FinetuneOffsetName, next); err != nil {
		return fmt.Errorf("save %s: %w", FinetuneOffsetName, err)
	}

	d.log.Debug("updated finetune offset",
		"current", current, "adjustment", d.state.AccumulatedOffset, "new", next)

	d.finetuneOffset = next
	d.state.AccumulatedOffset = 0
	d.state.OffsetSavePending = false
	d.notifyStatusLocked()
	return nil
}

// roundOffset trims float noise from repeated 0.01 steps
func roundOffset(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
