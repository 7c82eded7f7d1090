package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lister3d/numpad-engine/internal/hoststub"
	"github.com/lister3d/numpad-engine/internal/metascan"
	"github.com/lister3d/numpad-engine/internal/numpad"
	"github.com/lister3d/numpad-engine/internal/sound"
	"github.com/lister3d/numpad-engine/internal/sysexec"
	"github.com/lister3d/numpad-engine/internal/update"
)

type okExec struct{ calls []string }

func (o *okExec) Run(_ context.Context, name string, args ...string) (sysexec.Result, error) {
	o.calls = append(o.calls, name)
	return sysexec.Result{}, nil
}

type fixture struct {
	exec *Executor
	host *hoststub.Host
	run  *okExec
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()

	vars, err := hoststub.NewVariables(filepath.Join(dir, "variables.json"))
	require.NoError(t, err)
	gcodes := filepath.Join(dir, "gcodes")
	require.NoError(t, os.MkdirAll(filepath.Join(gcodes, "lister_printables"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gcodes, "lister_printables", "cube.gcode"), nil, 0o644))
	host := hoststub.New(vars, gcodes, nil)

	settings := numpad.DefaultSettings()
	settings.Keys, err = numpad.NewKeyMap(map[string]string{"key_1": "PRINT_CUBE"})
	require.NoError(t, err)
	d, err := numpad.NewDispatcher(settings, host, nil, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	sounds := filepath.Join(dir, "sounds")
	require.NoError(t, os.MkdirAll(sounds, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sounds, "beep.mp3"), nil, 0o644))

	run := &okExec{}
	snd := sound.New(sounds, host, run, nil, nil)
	upd := update.New(update.Options{}, run, host, nil)
	scanner := metascan.New(metascan.Options{}, host, nil, nil)

	return fixture{exec: NewExecutor(d, snd, upd, scanner), host: host, run: run}
}

func TestParseCommand(t *testing.T) {
	assert.Equal(t, []string{"sound", "play", "big beep"}, parseCommand(`sound play "big beep"`))
	assert.Equal(t, []string{"press", "key_1"}, parseCommand("  press\tkey_1  "))
	assert.Equal(t, []string{"it's"}, parseCommand(`"it's"`))
	assert.Empty(t, parseCommand("   "))
}

func TestPressQueuesAndConfirms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, "press key_1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, numpad.StatusQueued, res.Data["status"])
	assert.Equal(t, "PRINT_CUBE", res.Data["command"])

	res = f.exec.Execute(ctx, "status")
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "key_1 -> PRINT_CUBE")

	res = f.exec.Execute(ctx, "press key_enter")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, numpad.StatusConfirmed, res.Data["status"])
	assert.Contains(t, f.host.History(), "PRINT_CUBE")
}

func TestPressErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, "press key_42")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown numpad key")

	res = f.exec.Execute(ctx, "press")
	assert.False(t, res.Success)
	assert.Equal(t, "usage: press <key>", res.Error)
}

func TestStatusKeys(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Execute(context.Background(), "status keys")
	require.True(t, res.Success)
	mapping := res.Data["command_mapping"].(map[string]string)
	assert.Equal(t, "PRINT_CUBE", mapping["key_1"])
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, "press key_1")

	res := f.exec.Execute(ctx, "reset")
	require.True(t, res.Success)
	assert.Contains(t, f.exec.Execute(ctx, "status").Message, "pending: none")
}

func TestRefreshReportsMode(t *testing.T) {
	f := newFixture(t)
	f.host.SetPrinting(true)

	res := f.exec.Execute(context.Background(), "refresh")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "mode: printing", res.Message)
}

func TestSoundCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, "sound list")
	require.True(t, res.Success)
	assert.Contains(t, res.Data["sounds"], "beep")

	res = f.exec.Execute(ctx, "sound play beep")
	require.True(t, res.Success, res.Error)
	assert.Contains(t, f.host.History(), "PLAY_SOUND SOUND=beep")

	res = f.exec.Execute(ctx, "sound play")
	assert.False(t, res.Success)

	res = f.exec.Execute(ctx, "sound info")
	require.True(t, res.Success)
	assert.Contains(t, f.run.calls, "amixer")
}

func TestUpdateCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, "update restart")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Lister update (restart) completed successfully", res.Message)
	assert.Equal(t, false, res.Data["firmware_restart"])

	res = f.exec.Execute(ctx, "update bogus")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid mode")
}

func TestScanCommand(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Execute(context.Background(), "scan")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "scanned 1, skipped 0, failed 0", res.Message)
}

func TestDisabledComponents(t *testing.T) {
	f := newFixture(t)
	e := NewExecutor(f.exec.dispatcher, nil, nil, nil)
	ctx := context.Background()

	assert.Equal(t, "sound system is disabled", e.Execute(ctx, "sound list").Error)
	assert.Equal(t, "lister update is disabled", e.Execute(ctx, "update").Error)
	assert.Equal(t, "metadata scan is disabled", e.Execute(ctx, "scan").Error)
}

func TestUnknownAndHelp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, "launch")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown command: launch")

	res = f.exec.Execute(ctx, "")
	assert.Equal(t, "empty command", res.Error)

	res = f.exec.Execute(ctx, "help")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "install|refresh|sync|restart|permissions")
}
