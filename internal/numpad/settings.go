package numpad

import (
	"fmt"
	"time"
)

// SpeedSettings bounds speed factor adjustments, in percent
type SpeedSettings struct {
	Increment float64
	Max       float64
	Min       float64
}

// Settings configures a Dispatcher
type Settings struct {
	Keys             *KeyMap
	NoConfirmKeys    KeySet
	ConfirmationKeys KeySet

	ZAdjustIncrement float64
	Speed            SpeedSettings

	ProbeMinStep          float64
	ProbeCoarseMultiplier float64
	ProbeFineMultiplier   float64
	ProbeFineMinStep      float64
	QuickJumpsLimit       int

	ZOffsetSaveDelay time.Duration
	// SaveTimeout bounds the host round trip of one debounced save
	SaveTimeout time.Duration

	DebugLog bool
}

// DefaultSettings returns the stock numpad configuration with every key
// unassigned
func DefaultSettings() Settings {
	keys, _ := NewKeyMap(nil)
	return Settings{
		Keys:                  keys,
		NoConfirmKeys:         NewKeySet(KeyUp, KeyDown),
		ConfirmationKeys:      NewKeySet(KeyEnter, KeyEnterAlt),
		ZAdjustIncrement:      0.01,
		Speed:                 SpeedSettings{Increment: 10, Max: 300, Min: 20},
		ProbeMinStep:          0.025,
		ProbeCoarseMultiplier: 0.5,
		ProbeFineMultiplier:   0.2,
		ProbeFineMinStep:      0.01,
		QuickJumpsLimit:       2,
		ZOffsetSaveDelay:      10 * time.Second,
		SaveTimeout:           10 * time.Second,
	}
}

// Validate checks the ranges accepted by the numpad configuration
func (s Settings) Validate() error {
	if s.Keys == nil {
		return fmt.Errorf("key mapping is required")
	}
	if s.ZAdjustIncrement <= -1 || s.ZAdjustIncrement >= 1 {
		return fmt.Errorf("z_adjust_increment must be in (-1, 1), got %v", s.ZAdjustIncrement)
	}
	if err := openUnit("probe_min_step", s.ProbeMinStep); err != nil {
		return err
	}
	if err := openUnit("probe_coarse_multiplier", s.ProbeCoarseMultiplier); err != nil {
		return err
	}
	if err := openUnit("probe_fine_multiplier", s.ProbeFineMultiplier); err != nil {
		return err
	}
	if err := openUnit("probe_fine_min_step", s.ProbeFineMinStep); err != nil {
		return err
	}
	if s.QuickJumpsLimit <= 0 || s.QuickJumpsLimit >= 10 {
		return fmt.Errorf("quick_jumps_limit must be in (0, 10), got %d", s.QuickJumpsLimit)
	}
	if s.ZOffsetSaveDelay <= 0 {
		return fmt.Errorf("z_offset_save_delay must be positive, got %v", s.ZOffsetSaveDelay)
	}
	if s.Speed.Increment <= 0 {
		return fmt.Errorf("speed increment must be positive, got %v", s.Speed.Increment)
	}
	if s.Speed.Min > s.Speed.Max {
		return fmt.Errorf("speed min %v exceeds max %v", s.Speed.Min, s.Speed.Max)
	}
	return nil
}

func openUnit(name string, v float64) error {
	if v <= 0 || v >= 1 {
		return fmt.Errorf("%s must be in (0, 1), got %v", name, v)
	}
	return nil
}
