// Package tui is the operator console: dispatch status, the key map, server
// logs and a virtual numpad that feeds key events into the dispatcher
package tui

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lister3d/numpad-engine/internal/command"
	"github.com/lister3d/numpad-engine/internal/hoststub"
	"github.com/lister3d/numpad-engine/internal/numpad"
)

const refreshInterval = time.Second

// Console is the tview operator console
type Console struct {
	App        *tview.Application
	dispatcher *numpad.Dispatcher
	executor   *command.Executor
	host       *hoststub.Host
	addr       string

	flex         *tview.Flex
	statusBox    *tview.TextView
	keysTable    *tview.Table
	padBox       *tview.TextView
	logsArea     *tview.TextView
	commandInput *tview.InputField

	// UI goroutine only
	keypadMode bool
	altLayer   bool

	mu        sync.Mutex
	logs      []string
	maxLogs   int
	dirty     bool
	startTime time.Time
	done      chan struct{}
}

// NewConsole creates the console. host is the offline host when running dry,
// nil otherwise.
func NewConsole(dispatcher *numpad.Dispatcher, executor *command.Executor, host *hoststub.Host, addr string) *Console {
	c := &Console{
		App:        tview.NewApplication(),
		dispatcher: dispatcher,
		executor:   executor,
		host:       host,
		addr:       addr,
		maxLogs:    200,
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}
	c.setupUI()
	return c
}

func (c *Console) setupUI() {
	c.statusBox = tview.NewTextView()
	c.statusBox.SetBorder(true)
	c.statusBox.SetTitle("Dispatch")
	c.statusBox.SetDynamicColors(true)

	c.keysTable = tview.NewTable()
	c.keysTable.SetBorder(true)
	c.keysTable.SetTitle("Key Map")

	c.padBox = tview.NewTextView()
	c.padBox.SetBorder(true)
	c.padBox.SetTitle("Numpad")
	c.padBox.SetDynamicColors(true)

	c.logsArea = tview.NewTextView()
	c.logsArea.SetBorder(true)
	c.logsArea.SetTitle("Logs")
	c.logsArea.SetDynamicColors(true)
	c.logsArea.SetScrollable(true)

	c.commandInput = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0).
		SetPlaceholder("Type a command (e.g., 'help')").
		SetDoneFunc(func(key tcell.Key) {
			if key == tcell.KeyEnter {
				c.executeCommand(c.commandInput.GetText())
				c.commandInput.SetText("")
			}
		})

	topRow := tview.NewFlex().
		AddItem(c.statusBox, 0, 1, false).
		AddItem(c.keysTable, 0, 2, false).
		AddItem(c.padBox, 24, 0, false)

	bottom := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.logsArea, 0, 3, false).
		AddItem(c.commandInput, 1, 0, true)

	c.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(topRow, 0, 1, false).
		AddItem(bottom, 0, 1, true)

	c.App.SetInputCapture(c.captureInput)
	c.App.SetRoot(c.flex, true)
}

func (c *Console) captureInput(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyCtrlC {
		c.App.Stop()
		return nil
	}

	if c.keypadMode {
		switch {
		case event.Key() == tcell.KeyEsc:
			c.setKeypadMode(false)
		case event.Key() == tcell.KeyRune && event.Rune() == 'a':
			c.altLayer = !c.altLayer
			c.refreshPad()
		default:
			if key, ok := keyForEvent(event, c.altLayer); ok {
				c.press(key)
			}
		}
		return nil
	}

	if c.commandInput.HasFocus() {
		if event.Key() == tcell.KeyEsc {
			c.App.SetFocus(c.keysTable)
			return nil
		}
		return event
	}

	switch event.Key() {
	case tcell.KeyEsc:
		c.App.Stop()
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case ':':
			c.App.SetFocus(c.commandInput)
			return nil
		case 'n':
			c.setKeypadMode(true)
			return nil
		case 'q':
			c.App.Stop()
			return nil
		}
	}
	return event
}

func (c *Console) setKeypadMode(on bool) {
	c.keypadMode = on
	if on {
		c.App.SetFocus(c.padBox)
		c.AddLog("keypad mode on, Esc to leave", "info")
	} else {
		c.altLayer = false
		c.App.SetFocus(c.commandInput)
	}
	c.refreshPad()
}

// keyForEvent maps a terminal key to a numpad key. Alt held down, or the alt
// layer toggled on, selects the _alt variant where one exists.
func keyForEvent(ev *tcell.EventKey, alt bool) (numpad.KeyID, bool) {
	alt = alt || ev.Modifiers()&tcell.ModAlt != 0

	var name string
	switch ev.Key() {
	case tcell.KeyEnter:
		name = "key_enter"
	case tcell.KeyUp:
		return numpad.KeyUp, true
	case tcell.KeyDown:
		return numpad.KeyDown, true
	case tcell.KeyRune:
		r := ev.Rune()
		switch {
		case r >= '0' && r <= '9':
			name = "key_" + string(r)
		case r == '.' || r == ',':
			name = "key_dot"
		case r == '+':
			return numpad.KeyUp, true
		case r == '-':
			return numpad.KeyDown, true
		default:
			return "", false
		}
	default:
		return "", false
	}

	if alt {
		name += "_alt"
	}
	k, err := numpad.ParseKey(name)
	if err != nil {
		return "", false
	}
	return k, true
}

// press sends a key event without blocking the UI goroutine
func (c *Console) press(key numpad.KeyID) {
	c.AddLog(fmt.Sprintf("key %s", key), "command")
	go func() {
		out, err := c.dispatcher.HandleKeyEvent(context.Background(), string(key))
		if err != nil {
			c.AddLog(fmt.Sprintf("%s: %v", key, err), "error")
			return
		}
		c.AddLog(describeOutcome(out), "info")
	}()
}

func describeOutcome(out numpad.Outcome) string {
	var b strings.Builder
	b.WriteString(out.Status)
	if out.Command != "" {
		b.WriteString(" ")
		b.WriteString(out.Command)
	}
	if out.Message != "" {
		b.WriteString(": ")
		b.WriteString(out.Message)
	}
	return b.String()
}

// Run starts the console and blocks until it quits
func (c *Console) Run() error {
	c.refreshAll()
	go c.refreshTicker()
	defer close(c.done)

	c.AddLog("Numpad engine starting...", "info")
	return c.App.Run()
}

// Stop quits the console
func (c *Console) Stop() {
	c.App.Stop()
}

func (c *Console) refreshTicker() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.App.QueueUpdateDraw(c.refreshAll)
		}
	}
}

func (c *Console) refreshAll() {
	c.refreshStatus()
	c.refreshKeys()
	c.refreshPad()
	c.flushLogs()
}

func (c *Console) refreshStatus() {
	var snap *hoststub.Snapshot
	if c.host != nil {
		s := c.host.Snapshot()
		snap = &s
	}
	c.statusBox.SetText(formatStatus(c.dispatcher.Status(), snap, time.Since(c.startTime), c.addr))
}

func formatStatus(st numpad.StatusReport, snap *hoststub.Snapshot, uptime time.Duration, addr string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[green]Running[white] %dh %dm  API %s\n\n",
		int(uptime.Hours()), int(uptime.Minutes())%60, addr)
	fmt.Fprintf(&b, "Mode:      %s\n", st.Mode)
	if st.PendingKey != nil && st.PendingCommand != nil {
		fmt.Fprintf(&b, "Pending:   [yellow]%s -> %s[white]\n", *st.PendingKey, *st.PendingCommand)
	} else {
		b.WriteString("Pending:   none\n")
	}
	fmt.Fprintf(&b, "Fine tune: %s  jumps %d\n", onOff(st.IsFineTuning), st.QuickJumpsCount)
	if st.ZOffsetSavePending {
		fmt.Fprintf(&b, "Z adjust:  %+.3f (save pending)\n", st.AccumulatedZAdjust)
	} else {
		fmt.Fprintf(&b, "Z adjust:  %+.3f\n", st.AccumulatedZAdjust)
	}
	fmt.Fprintf(&b, "Finetune:  %.3f\n", st.FinetuneZOffset)

	if snap != nil {
		b.WriteString("\n[::b]Dry run host[::-]\n")
		fmt.Fprintf(&b, "printing %s  probing %s\n", onOff(snap.Printing), onOff(snap.Probing))
		fmt.Fprintf(&b, "z %.3f  offset %+.3f  speed %.0f%%\n", snap.Z, snap.OffsetZ, snap.SpeedFactor*100)
	}
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func (c *Console) refreshKeys() {
	st := c.dispatcher.Status()
	c.keysTable.Clear()

	c.keysTable.SetCell(0, 0, tview.NewTableCell("Key").SetSelectable(false).SetTextColor(tcell.ColorAqua))
	c.keysTable.SetCell(0, 1, tview.NewTableCell("Command").SetSelectable(false).SetTextColor(tcell.ColorAqua))
	c.keysTable.SetCell(0, 2, tview.NewTableCell("Query").SetSelectable(false).SetTextColor(tcell.ColorAqua))

	noConfirm := make(map[string]bool, len(st.NoConfirmKeys))
	for _, k := range st.NoConfirmKeys {
		noConfirm[k] = true
	}
	confirm := make(map[string]bool, len(st.ConfirmationKeys))
	for _, k := range st.ConfirmationKeys {
		confirm[k] = true
	}

	for i, k := range numpad.AllKeys {
		name := string(k)
		label := name
		switch {
		case confirm[name]:
			label += " (confirm)"
		case noConfirm[name]:
			label += " (direct)"
		}
		cell := tview.NewTableCell(label)
		if st.PendingKey != nil && *st.PendingKey == name {
			cell.SetTextColor(tcell.ColorYellow)
		}
		c.keysTable.SetCell(i+1, 0, cell)
		c.keysTable.SetCell(i+1, 1, tview.NewTableCell(st.CommandMapping[name]))
		c.keysTable.SetCell(i+1, 2, tview.NewTableCell(st.QueryMapping[name]))
	}
}

func (c *Console) refreshPad() {
	c.padBox.SetText(formatPad(c.keypadMode, c.altLayer))
}

func formatPad(active, alt bool) string {
	var b strings.Builder
	switch {
	case !active:
		b.WriteString("[gray]press n to use[white]\n\n")
	case alt:
		b.WriteString("[yellow]ALT layer[white]\n\n")
	default:
		b.WriteString("[green]active[white]\n\n")
	}
	b.WriteString(" 7  8  9   +\n")
	b.WriteString(" 4  5  6   -\n")
	b.WriteString(" 1  2  3\n")
	b.WriteString(" 0     .  ent\n\n")
	b.WriteString("[gray]a alt  Esc leave[white]")
	return b.String()
}

func (c *Console) executeCommand(cmd string) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	c.AddLog(fmt.Sprintf("> %s", cmd), "command")

	switch strings.ToLower(parts[0]) {
	case "clear":
		c.mu.Lock()
		c.logs = nil
		c.dirty = true
		c.mu.Unlock()
		c.flushLogs()
	case "keypad":
		c.setKeypadMode(true)
	case "alt":
		c.altLayer = !c.altLayer
		c.refreshPad()
	case "quit", "q":
		c.App.Stop()
	case "stub":
		c.AddLog(c.stubCommand(parts[1:]), "info")
	case "help", "h", "?":
		c.showHelp()
		c.runExecutor(cmd)
	default:
		c.runExecutor(cmd)
	}
}

func (c *Console) runExecutor(cmd string) {
	go func() {
		res := c.executor.Execute(context.Background(), cmd)
		if !res.Success {
			c.AddLog(res.Error, "error")
			return
		}
		if res.Message != "" {
			c.AddLog(res.Message, "info")
		}
		if len(res.Data) > 0 && res.Message == "" {
			c.AddLog(formatData(res.Data), "info")
		}
	}()
}

func formatData(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}

// stubCommand drives the dry run host: "stub printing on", "stub z 0.2"
func (c *Console) stubCommand(args []string) string {
	if c.host == nil {
		return "stub commands need dry_run"
	}
	if len(args) != 2 {
		return "usage: stub printing|probing on|off, stub z <value>"
	}

	switch args[0] {
	case "printing", "probing":
		var on bool
		switch args[1] {
		case "on":
			on = true
		case "off":
		default:
			return fmt.Sprintf("expected on or off, got %s", args[1])
		}
		if args[0] == "printing" {
			c.host.SetPrinting(on)
		} else {
			c.host.SetProbing(on)
		}
		return fmt.Sprintf("%s %s, run 'refresh' to reload", args[0], args[1])
	case "z":
		z, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Sprintf("invalid z: %s", args[1])
		}
		c.host.SetZ(z)
		return fmt.Sprintf("z %.3f", z)
	default:
		return fmt.Sprintf("unknown stub setting: %s", args[0])
	}
}

func (c *Console) showHelp() {
	help := []string{
		"Console commands:",
		"  keypad               - Virtual numpad (also 'n')",
		"  alt                  - Toggle the alt layer",
		"  stub printing on|off - Dry run host state",
		"  stub probing on|off",
		"  stub z <value>",
		"  clear                - Clear logs",
		"  quit, q              - Exit",
		"",
		"Keyboard shortcuts:",
		"  : - Command input",
		"  n - Keypad mode (digits, '.', Enter, Up/Down, +/-)",
		"  Esc - Leave keypad mode",
	}
	c.AddLog(strings.Join(help, "\n"), "info")
}

// AddLog adds a log entry. Safe from any goroutine; the panel is redrawn on
// the next refresh tick.
func (c *Console) AddLog(message string, level string) {
	var color string
	switch level {
	case "error":
		color = "[red]"
	case "warning":
		color = "[yellow]"
	case "command":
		color = "[aqua]"
	default:
		color = "[white]"
	}

	entry := fmt.Sprintf("%s[%s] %s[white]\n", color, time.Now().Format("15:04:05"), tview.Escape(message))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, entry)
	if len(c.logs) > c.maxLogs {
		c.logs = c.logs[len(c.logs)-c.maxLogs:]
	}
	c.dirty = true
}

func (c *Console) flushLogs() {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	text := strings.Join(c.logs, "")
	c.dirty = false
	c.mu.Unlock()

	c.logsArea.SetText(text)
	c.logsArea.ScrollToEnd()
}

// LogWriter returns an io.Writer that feeds the logs panel
func (c *Console) LogWriter() io.Writer {
	return &logWriter{console: c}
}

type logWriter struct {
	console *Console
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		if line == "" {
			continue
		}
		level := "info"
		switch {
		case strings.Contains(line, "[ERROR]"):
			level = "error"
		case strings.Contains(line, "[WARN]"):
			level = "warning"
		}
		w.console.AddLog(line, level)
	}
	return len(p), nil
}
