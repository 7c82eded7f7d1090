package numpad

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	mu        sync.Mutex
	commands  []string
	vars      map[string]any
	printing  bool
	probing   bool
	z         float64
	speed     float64
	queryErr  error
	failOn    string
	saveErr   error
	saveCalls int
}

func newFakeHost() *fakeHost {
	return &fakeHost{vars: map[string]any{}, speed: 1.0}
}

func (h *fakeHost) RunCommand(_ context.Context, script string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, script)
	if h.failOn != "" && script == h.failOn {
		return errors.New("klippy: command failed")
	}
	return nil
}

func (h *fakeHost) QueryState(_ context.Context, objects ...string) (map[string]map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queryErr != nil {
		return nil, h.queryErr
	}
	out := make(map[string]map[string]any)
	for _, obj := range objects {
		switch obj {
		case objectPrintStats:
			state := "standby"
			if h.printing {
				state = "printing"
			}
			out[obj] = map[string]any{"state": state}
		case objectProbeStatus:
			out[obj] = map[string]any{"monitor_active": h.probing}
		case objectToolhead:
			out[obj] = map[string]any{"position": []any{10.0, 20.0, h.z, 0.0}}
		case objectGcodeMove:
			out[obj] = map[string]any{"speed_factor": h.speed}
		case objectSaveVars:
			vars := make(map[string]any, len(h.vars))
			for k, v := range h.vars {
				vars[k] = v
			}
			out[obj] = map[string]any{"variables": vars}
		}
	}
	return out, nil
}

func (h *fakeHost) SetPersistedVariable(_ context.Context, name string, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saveCalls++
	if h.saveErr != nil {
		return h.saveErr
	}
	h.vars[name] = value
	return nil
}

func (h *fakeHost) set(fn func(h *fakeHost)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func (h *fakeHost) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// functional drops RESPOND lines
func (h *fakeHost) functional() []string {
	var out []string
	for _, c := range h.sent() {
		if !strings.HasPrefix(c, "RESPOND") {
			out = append(out, c)
		}
	}
	return out
}

func (h *fakeHost) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = nil
}

func (h *fakeHost) count(cmd string) int {
	n := 0
	for _, c := range h.sent() {
		if c == cmd {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) has(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

// panickingNotifier panics on every event once armed
type panickingNotifier struct {
	armed atomic.Bool
}

func (n *panickingNotifier) Notify(string, any) {
	if n.armed.Load() {
		panic("notifier exploded")
	}
}

// requireUnlocked fails if the dispatcher mutex is still held
func requireUnlocked(t *testing.T, d *Dispatcher) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		d.State()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher lock still held")
	}
}

func testSettings(t *testing.T) Settings {
	t.Helper()
	keys, err := NewKeyMap(map[string]string{
		"key_1":   "PRINT_FIRST_FILE",
		"key_2":   "_HOME_ALL",
		"key_3":   "BED_MESH_CALIBRATE",
		"key_0":   "CANCEL_PRINT",
		"key_dot": "LIGHTS_TOGGLE",
	})
	require.NoError(t, err)
	s := DefaultSettings()
	s.Keys = keys
	s.NoConfirmKeys = NewKeySet(KeyUp, KeyDown, KeyDot)
	s.ZOffsetSaveDelay = 30 * time.Millisecond
	return s
}

func newTestDispatcher(t *testing.T, s Settings) (*Dispatcher, *fakeHost, *recordingNotifier) {
	t.Helper()
	host := newFakeHost()
	notifier := &recordingNotifier{}
	d, err := NewDispatcher(s, host, notifier, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, host, notifier
}

func TestConfirmWithNothingPending(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	ctx := context.Background()

	for _, key := range []string{"key_enter", "key_enter_alt"} {
		before := d.State()
		out, err := d.HandleKeyEvent(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, out.Status)
		assert.Equal(t, msgNothingPending, out.Message)
		assert.Equal(t, before, d.State())
	}
	assert.Empty(t, host.functional())
}

func TestConfirmExecutesPendingOnce(t *testing.T) {
	for _, confirm := range []string{"key_enter", "key_enter_alt"} {
		t.Run(confirm, func(t *testing.T) {
			d, host, notifier := newTestDispatcher(t, testSettings(t))
			ctx := context.Background()

			out, err := d.HandleKeyEvent(ctx, "key_1")
			require.NoError(t, err)
			assert.Equal(t, StatusQueued, out.Status)
			assert.Equal(t, "PRINT_FIRST_FILE", d.State().PendingCommand)
			assert.Equal(t, 1, host.count("_QUERY_PRINT_FIRST_FILE"))
			assert.Equal(t, 0, host.count("PRINT_FIRST_FILE"))

			out, err = d.HandleKeyEvent(ctx, confirm)
			require.NoError(t, err)
			assert.Equal(t, StatusConfirmed, out.Status)
			assert.Equal(t, "PRINT_FIRST_FILE", out.Command)
			assert.Equal(t, 1, host.count("PRINT_FIRST_FILE"))

			st := d.State()
			assert.Empty(t, st.PendingKey)
			assert.Empty(t, st.PendingCommand)
			assert.True(t, notifier.has(EventCommandQueued))
			assert.True(t, notifier.has(EventCommandExecuted))

			// second confirm has nothing left to run
			_, err = d.HandleKeyEvent(ctx, confirm)
			require.NoError(t, err)
			assert.Equal(t, 1, host.count("PRINT_FIRST_FILE"))
		})
	}
}

func TestConfirmFailureStillClearsPending(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	ctx := context.Background()
	host.set(func(h *fakeHost) { h.failOn = "CANCEL_PRINT" })

	_, err := d.HandleKeyEvent(ctx, "key_0")
	require.NoError(t, err)
	_, err = d.HandleKeyEvent(ctx, "key_enter")
	require.Error(t, err)
	assert.False(t, d.State().HasPending())
}

func TestQueueReplacesPendingWithoutExecuting(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	ctx := context.Background()

	_, err := d.HandleKeyEvent(ctx, "key_1")
	require.NoError(t, err)
	_, err = d.HandleKeyEvent(ctx, "key_2")
	require.NoError(t, err)

	st := d.State()
	assert.Equal(t, Key2, st.PendingKey)
	assert.Equal(t, "_HOME_ALL", st.PendingCommand)
	assert.Equal(t, 0, host.count("PRINT_FIRST_FILE"))
	assert.Equal(t, 1, host.count("_QUERY_HOME_ALL"))
	assert.Equal(t, 1, host.count(`RESPOND MSG="Numpad macros: Replacing pending command PRINT_FIRST_FILE with _HOME_ALL"`))

	// pressing the same key again is not a replacement
	_, err = d.HandleKeyEvent(ctx, "key_2")
	require.NoError(t, err)
	assert.Equal(t, 1, host.count(`RESPOND MSG="Numpad macros: Replacing pending command PRINT_FIRST_FILE with _HOME_ALL"`))
	for _, c := range host.sent() {
		assert.NotContains(t, c, "Replacing pending command _HOME_ALL")
	}
}

func TestFailedQueryDoesNotQueue(t *testing.T) {
	d, host, notifier := newTestDispatcher(t, testSettings(t))
	ctx := context.Background()
	host.set(func(h *fakeHost) { h.failOn = "_QUERY_PRINT_FIRST_FILE" })

	_, err := d.HandleKeyEvent(ctx, "key_1")
	require.Error(t, err)
	assert.False(t, d.State().HasPending())
	assert.False(t, notifier.has(EventCommandQueued))

	// confirming afterwards must not run the command whose query failed
	out, err := d.HandleKeyEvent(ctx, "key_enter")
	require.NoError(t, err)
	assert.Equal(t, msgNothingPending, out.Message)
	assert.Equal(t, 0, host.count("PRINT_FIRST_FILE"))
}

func TestFailedQueryKeepsPreviousPending(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	ctx := context.Background()

	_, err := d.HandleKeyEvent(ctx, "key_2")
	require.NoError(t, err)
	host.set(func(h *fakeHost) { h.failOn = "_QUERY_PRINT_FIRST_FILE" })

	_, err = d.HandleKeyEvent(ctx, "key_1")
	require.Error(t, err)
	st := d.State()
	assert.Equal(t, Key2, st.PendingKey)
	assert.Equal(t, "_HOME_ALL", st.PendingCommand)

	_, err = d.HandleKeyEvent(ctx, "key_enter")
	require.NoError(t, err)
	assert.Equal(t, 1, host.count("_HOME_ALL"))
	assert.Equal(t, 0, host.count("PRINT_FIRST_FILE"))
}

func TestPanicDuringEventBecomesInternalError(t *testing.T) {
	host := newFakeHost()
	notifier := &panickingNotifier{}
	notifier.armed.Store(true)
	d, err := NewDispatcher(testSettings(t), host, notifier, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	out, err := d.HandleKeyEvent(context.Background(), "key_1")
	require.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, Outcome{}, out)
	requireUnlocked(t, d)

	notifier.armed.Store(false)
	_, err = d.HandleKeyEvent(context.Background(), "key_2")
	require.NoError(t, err)
	assert.Equal(t, "_HOME_ALL", d.State().PendingCommand)
}

func TestUnassignedKeyQueuesPlaceholder(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))

	out, err := d.HandleKeyEvent(context.Background(), "key_7_alt")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, out.Status)
	assert.Equal(t, "_NO_ASSIGNED_MACRO KEY=key_7_alt", d.State().PendingCommand)
	assert.Equal(t, 1, host.count("_NO_ASSIGNED_MACRO KEY=key_7_alt"))
}

func TestNoConfirmKeyExecutesImmediately(t *testing.T) {
	d, host, notifier := newTestDispatcher(t, testSettings(t))

	out, err := d.HandleKeyEvent(context.Background(), "key_dot")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)
	assert.Equal(t, []string{"LIGHTS_TOGGLE"}, host.functional())
	assert.False(t, d.State().HasPending())
	assert.True(t, notifier.has(EventCommandExecuted))
}

func TestUnknownKeyIsRejected(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))

	_, err := d.HandleKeyEvent(context.Background(), "key_f13")
	require.ErrorIs(t, err, ErrUnknownKey)
	assert.Empty(t, host.sent())
	assert.Equal(t, DispatchState{}, d.State())
}

func TestProbingSwitchesToFineAfterLimit(t *testing.T) {
	s := testSettings(t)
	d, host, _ := newTestDispatcher(t, s)
	ctx := context.Background()
	host.set(func(h *fakeHost) { h.probing = true; h.z = 2.0 })

	for i := 0; i < s.QuickJumpsLimit; i++ {
		out, err := d.HandleKeyEvent(ctx, "key_down")
		require.NoError(t, err)
		assert.Equal(t, "TESTZ Z=-1.000", out.Command)
		assert.False(t, d.State().FineTuning)
	}

	out, err := d.HandleKeyEvent(ctx, "key_down")
	require.NoError(t, err)
	assert.True(t, d.State().FineTuning)
	assert.Equal(t, "TESTZ Z=-0.010", out.Command)
	assert.Equal(t, 1, host.count(`RESPOND MSG="Switched to fine tuning mode"`))

	// fine mode sticks for the rest of the session, up included
	out, err = d.HandleKeyEvent(ctx, "key_up")
	require.NoError(t, err)
	assert.Equal(t, "TESTZ Z=+0.010", out.Command)
	assert.True(t, d.State().FineTuning)
	assert.Equal(t, s.QuickJumpsLimit+1, d.State().QuickJumpCount)

	// a new probe session resets fine tuning
	host.set(func(h *fakeHost) { h.probing = false })
	require.NoError(t, d.Refresh(ctx))
	assert.True(t, d.State().FineTuning)
	host.set(func(h *fakeHost) { h.probing = true })
	require.NoError(t, d.Refresh(ctx))
	assert.False(t, d.State().FineTuning)
	assert.Zero(t, d.State().QuickJumpCount)
}

func TestProbingCoarseStepHasFloor(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	host.set(func(h *fakeHost) { h.probing = true; h.z = 0.02 })

	out, err := d.HandleKeyEvent(context.Background(), "key_up")
	require.NoError(t, err)
	assert.Equal(t, "TESTZ Z=+0.025", out.Command)

	fn := host.functional()
	require.Len(t, fn, 2)
	assert.Equal(t, "_FURTHER_KNOB_PROBE_CALIBRATE", fn[0])
	assert.Equal(t, "TESTZ Z=+0.025", fn[1])
}

func TestProbingWinsOverPrinting(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	host.set(func(h *fakeHost) { h.probing = true; h.printing = true; h.z = 0.5 })

	out, err := d.HandleKeyEvent(context.Background(), "key_up")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Command, "TESTZ"))
	assert.False(t, d.State().OffsetSavePending)
}

func TestFirstLayerOffsetIsDebouncedAndSaved(t *testing.T) {
	s := testSettings(t)
	d, host, _ := newTestDispatcher(t, s)
	ctx := context.Background()
	host.set(func(h *fakeHost) { h.printing = true; h.z = 0.5; h.vars[FinetuneOffsetName] = 0.05 })

	out, err := d.HandleKeyEvent(ctx, "key_up")
	require.NoError(t, err)
	assert.Equal(t, "SET_GCODE_OFFSET Z_ADJUST=0.01 MOVE=1", out.Command)

	fn := host.functional()
	require.Len(t, fn, 2)
	assert.Equal(t, "_FURTHER_KNOB_FIRST_LAYER", fn[0])

	st := d.State()
	assert.True(t, st.OffsetSavePending)
	assert.InDelta(t, 0.01, st.AccumulatedOffset, 1e-9)

	require.Eventually(t, func() bool {
		return !d.State().OffsetSavePending
	}, time.Second, 5*time.Millisecond)

	host.mu.Lock()
	saved := host.vars[FinetuneOffsetName]
	calls := host.saveCalls
	host.mu.Unlock()
	assert.InDelta(t, 0.06, saved.(float64), 1e-9)
	assert.Equal(t, 1, calls)
	assert.Zero(t, d.State().AccumulatedOffset)
	assert.InDelta(t, 0.06, d.Status().FinetuneZOffset, 1e-9)
}

func TestFailedOffsetSaveKeepsAdjustment(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	host.set(func(h *fakeHost) {
		h.printing = true
		h.z = 0.5
		h.vars[FinetuneOffsetName] = 0.05
		h.saveErr = errors.New("save_variables: disk full")
	})

	_, err := d.HandleKeyEvent(context.Background(), "key_up")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, c := range host.sent() {
			if strings.HasPrefix(c, `RESPOND TYPE=error MSG="Error saving Z adjustment:`) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	st := d.State()
	assert.True(t, st.OffsetSavePending)
	assert.InDelta(t, 0.01, st.AccumulatedOffset, 1e-9)
	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, 1, host.saveCalls)
	assert.InDelta(t, 0.05, host.vars[FinetuneOffsetName].(float64), 1e-9)
}

func TestPanicDuringOffsetSaveIsContained(t *testing.T) {
	host := newFakeHost()
	notifier := &panickingNotifier{}
	d, err := NewDispatcher(testSettings(t), host, notifier, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	host.set(func(h *fakeHost) { h.printing = true; h.z = 0.5 })

	_, err = d.HandleKeyEvent(context.Background(), "key_up")
	require.NoError(t, err)
	notifier.armed.Store(true)

	// the timer goroutine panics in Notify after the save went through
	require.Eventually(t, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		return host.saveCalls == 1
	}, time.Second, 5*time.Millisecond)
	requireUnlocked(t, d)
	assert.False(t, d.State().OffsetSavePending)

	notifier.armed.Store(false)
	_, err = d.HandleKeyEvent(context.Background(), "key_up")
	require.NoError(t, err)
	assert.True(t, d.State().OffsetSavePending)
}

func TestRapidOffsetAdjustmentsCoalesce(t *testing.T) {
	s := testSettings(t)
	s.ZOffsetSaveDelay = 60 * time.Millisecond
	d, host, _ := newTestDispatcher(t, s)
	ctx := context.Background()
	host.set(func(h *fakeHost) { h.printing = true; h.z = 0.2 })

	for _, key := range []string{"key_up", "key_up", "key_down", "key_up"} {
		_, err := d.HandleKeyEvent(ctx, key)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, d.State().OffsetSavePending)

	require.Eventually(t, func() bool {
		return !d.State().OffsetSavePending
	}, time.Second, 5*time.Millisecond)

	time.Sleep(2 * s.ZOffsetSaveDelay)
	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, 1, host.saveCalls)
	assert.InDelta(t, 0.02, host.vars[FinetuneOffsetName].(float64), 1e-9)
}

func TestResetCancelsPendingSave(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	host.set(func(h *fakeHost) { h.printing = true; h.z = 0.5 })

	_, err := d.HandleKeyEvent(context.Background(), "key_down")
	require.NoError(t, err)
	d.HandleShutdown()

	time.Sleep(100 * time.Millisecond)
	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Zero(t, host.saveCalls)
	assert.Equal(t, DispatchState{}, d.State())
}

func TestPrintingAboveFirstLayerAdjustsSpeed(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	ctx := context.Background()
	host.set(func(h *fakeHost) { h.printing = true; h.z = 5.0; h.speed = 1.0 })

	out, err := d.HandleKeyEvent(ctx, "key_up")
	require.NoError(t, err)
	assert.Equal(t, "M220 S110", out.Command)
	assert.False(t, d.State().OffsetSavePending)
	assert.Equal(t, []string{"_INCREASE_KNOB_SPEED", "M220 S110"}, host.functional())

	host.set(func(h *fakeHost) { h.speed = 2.95 })
	out, err = d.HandleKeyEvent(ctx, "key_up")
	require.NoError(t, err)
	assert.Equal(t, "M220 S300", out.Command)

	host.set(func(h *fakeHost) { h.speed = 0.25 })
	out, err = d.HandleKeyEvent(ctx, "key_down")
	require.NoError(t, err)
	assert.Equal(t, "M220 S20", out.Command)
	for _, c := range host.sent() {
		assert.NotContains(t, c, "SET_GCODE_OFFSET")
	}
}

func TestSpeedFactorIsTruncated(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	ctx := context.Background()

	cases := []struct {
		speed float64
		key   string
		want  string
	}{
		{0.999, "key_up", "M220 S109"},
		{1.1, "key_up", "M220 S120"},
		{1.1, "key_down", "M220 S100"},
		{0.555, "key_down", "M220 S45"},
	}
	for _, tc := range cases {
		host.set(func(h *fakeHost) { h.printing = true; h.z = 5.0; h.speed = tc.speed })
		out, err := d.HandleKeyEvent(ctx, tc.key)
		require.NoError(t, err)
		assert.Equal(t, tc.want, out.Command, "speed %v %s", tc.speed, tc.key)
	}
}

func TestIdleKnobControlsVolume(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	ctx := context.Background()

	_, err := d.HandleKeyEvent(ctx, "key_1")
	require.NoError(t, err)
	before := d.State()
	host.reset()

	out, err := d.HandleKeyEvent(ctx, "key_up")
	require.NoError(t, err)
	assert.Equal(t, "VOLUME_UP", out.Command)
	_, err = d.HandleKeyEvent(ctx, "key_down")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"_INCREASE_KNOB_VOLUME", "VOLUME_UP",
		"_DEACREASE_KNOB_VOLUME", "VOLUME_DOWN",
	}, host.functional())
	assert.Equal(t, before, d.State())
}

func TestRefreshFailureResetsState(t *testing.T) {
	d, host, _ := newTestDispatcher(t, testSettings(t))
	ctx := context.Background()

	_, err := d.HandleKeyEvent(ctx, "key_3")
	require.NoError(t, err)
	require.True(t, d.State().HasPending())

	host.set(func(h *fakeHost) { h.queryErr = errors.New("connection refused") })
	_, err = d.HandleKeyEvent(ctx, "key_up")
	require.ErrorIs(t, err, ErrHostUnavailable)
	assert.Equal(t, DispatchState{}, d.State())

	var sawError bool
	for _, c := range host.sent() {
		if strings.HasPrefix(c, "RESPOND TYPE=error") {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestStatusReport(t *testing.T) {
	d, _, _ := newTestDispatcher(t, testSettings(t))

	st := d.Status()
	assert.Nil(t, st.PendingKey)
	assert.Equal(t, ModeIdle, st.Mode)
	assert.Equal(t, []string{"key_enter", "key_enter_alt"}, st.ConfirmationKeys)
	assert.Equal(t, "_QUERY_HOME_ALL", st.QueryMapping["key_2"])

	_, err := d.HandleKeyEvent(context.Background(), "key_2")
	require.NoError(t, err)
	st = d.Status()
	require.NotNil(t, st.PendingKey)
	assert.Equal(t, "key_2", *st.PendingKey)
	assert.Equal(t, "_HOME_ALL", *st.PendingCommand)
}

func TestNewDispatcherValidatesSettings(t *testing.T) {
	s := testSettings(t)
	s.QuickJumpsLimit = 0
	_, err := NewDispatcher(s, newFakeHost(), nil, nil)
	require.Error(t, err)
}
