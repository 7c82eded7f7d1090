package hoststub

import (
	"context"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const historyLimit = 200

// Host fakes the printer side of Moonraker. Print and probe state are set by
// the operator; a few motion commands update the simulated toolhead.
type Host struct {
	log  hclog.Logger
	vars *Variables

	mu          sync.Mutex
	printing    bool
	probing     bool
	z           float64
	speedFactor float64
	offsetZ     float64
	history     []string
	scanned     map[string]bool
	gcodesRoot  string
}

// New creates a stub host that persists variables through vars
func New(vars *Variables, gcodesRoot string, logger hclog.Logger) *Host {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Host{
		log:         logger,
		vars:        vars,
		speedFactor: 1.0,
		scanned:     make(map[string]bool),
		gcodesRoot:  gcodesRoot,
	}
}

// SetPrinting sets the simulated print state
func (h *Host) SetPrinting(printing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.printing = printing
}

// SetProbing sets the simulated probe monitor state
func (h *Host) SetProbing(probing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probing = probing
}

// SetZ moves the simulated toolhead
func (h *Host) SetZ(z float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.z = z
}

// Snapshot describes the simulated printer
type Snapshot struct {
	Printing    bool    `json:"printing"`
	Probing     bool    `json:"probing"`
	Z           float64 `json:"z"`
	SpeedFactor float64 `json:"speed_factor"`
	OffsetZ     float64 `json:"gcode_offset_z"`
}

// Snapshot returns the simulated printer state
func (h *Host) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		Printing:    h.printing,
		Probing:     h.probing,
		Z:           h.z,
		SpeedFactor: h.speedFactor,
		OffsetZ:     h.offsetZ,
	}
}

// History returns the most recent commands, oldest first
func (h *Host) History() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.history...)
}

// RunCommand records the script and applies the motion commands it knows
func (h *Host) RunCommand(ctx context.Context, script string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.log.Info("gcode", "script", script)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, script)
	if len(h.history) > historyLimit {
		h.history = h.history[len(h.history)-historyLimit:]
	}

	fields := strings.Fields(script)
	if len(fields) == 0 {
		return nil
	}
	params := parseParams(fields[1:])

	switch strings.ToUpper(fields[0]) {
	case "TESTZ":
		if dz, ok := parseSigned(params["Z"]); ok {
			h.z = math.Max(0, h.z+dz)
		}
	case "SET_GCODE_OFFSET":
		if dz, ok := parseSigned(params["Z_ADJUST"]); ok {
			h.offsetZ += dz
		}
		if z, ok := parseSigned(params["Z"]); ok {
			h.offsetZ = z
		}
	case "M220":
		if len(fields) > 1 && strings.HasPrefix(strings.ToUpper(fields[1]), "S") {
			if pct, err := strconv.ParseFloat(fields[1][1:], 64); err == nil {
				h.speedFactor = pct / 100
			}
		}
	case "SAVE_VARIABLE":
		name := params["VARIABLE"]
		if name == "" {
			return fmt.Errorf("SAVE_VARIABLE requires VARIABLE")
		}
		return h.vars.Set(strings.ToLower(name), parseValue(params["VALUE"]))
	}
	return nil
}

// QueryState returns the simulated objects that were asked for
func (h *Host) QueryState(ctx context.Context, objects ...string) (map[string]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	result := make(map[string]map[string]any, len(objects))
	for _, obj := range objects {
		switch obj {
		case "print_stats":
			state := "standby"
			if h.printing {
				state = "printing"
			}
			result[obj] = map[string]any{"state": state}
		case "gcode_macro CHECK_PROBE_STATUS":
			result[obj] = map[string]any{"monitor_active": h.probing}
		case "toolhead":
			result[obj] = map[string]any{"position": []any{0.0, 0.0, h.z, 0.0}}
		case "gcode_move":
			result[obj] = map[string]any{
				"speed_factor":  h.speedFactor,
				"homing_origin": []any{0.0, 0.0, h.offsetZ, 0.0},
			}
		case "save_variables":
			result[obj] = map[string]any{"variables": h.vars.All()}
		}
	}
	return result, nil
}

// SetPersistedVariable implements the numpad variable store
func (h *Host) SetPersistedVariable(ctx context.Context, name string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.log.Info("save variable", "name", name, "value", value)
	return h.vars.Set(name, value)
}

// RootPath returns the configured gcodes directory for the "gcodes" root
func (h *Host) RootPath(ctx context.Context, root string) (string, error) {
	if root != "gcodes" || h.gcodesRoot == "" {
		return "", fmt.Errorf("root %q not registered", root)
	}
	return h.gcodesRoot, nil
}

// Metadata returns a thumbnail entry for files that were scanned before
func (h *Host) Metadata(ctx context.Context, filename string) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.scanned[filename] {
		return nil, nil
	}
	return stubMetadata(filename), nil
}

// Metascan marks the file as scanned
func (h *Host) Metascan(ctx context.Context, filename string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scanned[filename] = true
	h.log.Debug("metascan", "file", filename)
	return stubMetadata(filename), nil
}

func stubMetadata(filename string) map[string]any {
	return map[string]any{
		"filename": filename,
		"thumbnails": []any{map[string]any{
			"width":         32,
			"height":        32,
			"relative_path": ".thumbs/" + strings.TrimSuffix(path.Base(filename), path.Ext(filename)) + "-32x32.png",
		}},
	}
}

func parseParams(fields []string) map[string]string {
	params := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		params[strings.ToUpper(k)] = v
	}
	return params
}

// parseSigned accepts "+0.05", "-0.05" and "0.05"
func parseSigned(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseValue(s string) any {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	switch s {
	case "True":
		return true
	case "False":
		return false
	}
	return strings.Trim(s, "'\"")
}
