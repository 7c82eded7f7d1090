// Package config loads the engine configuration from a TOML file with
// environment overrides
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/lister3d/numpad-engine/internal/numpad"
)

const (
	appDirName     = "numpad-engine"
	configFileName = "numpad-engine.toml"

	defaultPort       = "7126"
	defaultHost       = "0.0.0.0"
	defaultLogLevel   = "info"
	defaultReadyUnit  = "numpad_event_service"
	defaultMoonraker  = "http://127.0.0.1:7125"
	defaultSoundDir   = "~/lister_config/lister_sound_system/sounds"
	defaultListerDir  = "~/lister_config"
	defaultUpdateUnit = "lister_update_service"
	defaultPrintables = "lister_printables"
	defaultBaudRate   = 9600
)

// Config is the whole engine configuration
type Config struct {
	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`

	Server       ServerConfig       `toml:"server"`
	Moonraker    MoonrakerConfig    `toml:"moonraker"`
	Numpad       NumpadConfig       `toml:"numpad_macros"`
	Sound        SoundConfig        `toml:"sound_system"`
	Update       UpdateConfig       `toml:"lister_update"`
	MetadataScan MetadataScanConfig `toml:"metadata_scan"`
	Keypad       KeypadConfig       `toml:"keypad"`

	// Path is the file the configuration was read from
	Path string `toml:"-"`
}

type ServerConfig struct {
	Host    string `toml:"host"`
	Port    string `toml:"port"`
	Console bool   `toml:"console"`
	// DryRun replaces Moonraker with an in-process stub host
	DryRun       bool   `toml:"dry_run"`
	StubStateDir string `toml:"stub_state_dir"`
	// ReadyService is restarted once the engine is up. Empty disables.
	ReadyService string `toml:"ready_service"`
}

type MoonrakerConfig struct {
	URL              string  `toml:"url"`
	APIKey           string  `toml:"api_key"`
	Timeout          float64 `toml:"timeout"`
	FailureThreshold uint32  `toml:"failure_threshold"`
	OpenTimeout      float64 `toml:"open_timeout"`
}

// NumpadConfig mirrors the [numpad_macros] section. Durations are seconds.
type NumpadConfig struct {
	Keys             map[string]string `toml:"keys"`
	NoConfirmKeys    string            `toml:"no_confirm_keys"`
	ConfirmationKeys string            `toml:"confirmation_keys"`

	ZAdjustIncrement float64 `toml:"z_adjust_increment"`
	SpeedIncrement   float64 `toml:"speed_increment"`
	SpeedMax         float64 `toml:"speed_max"`
	SpeedMin         float64 `toml:"speed_min"`

	ProbeMinStep          float64 `toml:"probe_min_step"`
	ProbeCoarseMultiplier float64 `toml:"probe_coarse_multiplier"`
	ProbeFineMultiplier   float64 `toml:"probe_fine_multiplier"`
	ProbeFineMinStep      float64 `toml:"probe_fine_min_step"`
	QuickJumpsLimit       int     `toml:"quick_jumps_limit"`

	ZOffsetSaveDelay float64 `toml:"z_offset_save_delay"`
	SaveTimeout      float64 `toml:"save_timeout"`
	DebugLog         bool    `toml:"debug_log"`
}

type SoundConfig struct {
	Directory string `toml:"sound_directory"`
}

type UpdateConfig struct {
	ListerDir   string  `toml:"lister_config_dir"`
	ServiceUnit string  `toml:"service_unit"`
	Timeout     float64 `toml:"timeout"`
}

type MetadataScanConfig struct {
	Enabled    bool    `toml:"enabled"`
	Directory  string  `toml:"directory"`
	GcodesRoot string  `toml:"gcodes_root"`
	Delay      float64 `toml:"delay"`
}

// KeypadConfig configures the optional serial numpad. An empty device
// disables it.
type KeypadConfig struct {
	Device   string  `toml:"device"`
	BaudRate int     `toml:"baud_rate"`
	Retry    float64 `toml:"retry_interval"`
}

// Default returns the stock configuration
func Default() Config {
	np := numpad.DefaultSettings()
	return Config{
		LogLevel: defaultLogLevel,
		Server: ServerConfig{
			Host:         defaultHost,
			Port:         defaultPort,
			ReadyService: defaultReadyUnit,
		},
		Moonraker: MoonrakerConfig{
			URL:              defaultMoonraker,
			Timeout:          10,
			FailureThreshold: 3,
			OpenTimeout:      15,
		},
		Numpad: NumpadConfig{
			Keys:                  map[string]string{},
			NoConfirmKeys:         "key_up,key_down",
			ConfirmationKeys:      "key_enter,key_enter_alt",
			ZAdjustIncrement:      np.ZAdjustIncrement,
			SpeedIncrement:        np.Speed.Increment,
			SpeedMax:              np.Speed.Max,
			SpeedMin:              np.Speed.Min,
			ProbeMinStep:          np.ProbeMinStep,
			ProbeCoarseMultiplier: np.ProbeCoarseMultiplier,
			ProbeFineMultiplier:   np.ProbeFineMultiplier,
			ProbeFineMinStep:      np.ProbeFineMinStep,
			QuickJumpsLimit:       np.QuickJumpsLimit,
			ZOffsetSaveDelay:      np.ZOffsetSaveDelay.Seconds(),
			SaveTimeout:           np.SaveTimeout.Seconds(),
		},
		Sound: SoundConfig{Directory: defaultSoundDir},
		Update: UpdateConfig{
			ListerDir:   defaultListerDir,
			ServiceUnit: defaultUpdateUnit,
			Timeout:     300,
		},
		MetadataScan: MetadataScanConfig{
			Enabled:   true,
			Directory: defaultPrintables,
			Delay:     10,
		},
		Keypad: KeypadConfig{BaudRate: defaultBaudRate, Retry: 5},
	}
}

// Load reads the configuration at path, or the resolved default path when
// path is empty. A missing file yields the defaults. Environment variables
// (and a .env file in the working directory) override the file.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	if strings.TrimSpace(path) == "" {
		path = ResolvePath()
	}
	cfg := Default()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	cfg.Path = path
	cfg.applyEnv()

	if _, err := cfg.NumpadSettings(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("MOONRAKER_URL"); v != "" {
		c.Moonraker.URL = v
	}
	if v := os.Getenv("MOONRAKER_API_KEY"); v != "" {
		c.Moonraker.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// ResolvePath picks the configuration file: $LISTER_CONFIG, then a file next
// to the executable, then the working directory, then the user config dir.
func ResolvePath() string {
	if p := strings.TrimSpace(os.Getenv("LISTER_CONFIG")); p != "" {
		return p
	}

	if exePath, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exePath), configFileName)
		if fileExists(p) {
			return p
		}
	}

	if wd, err := os.Getwd(); err == nil {
		p := filepath.Join(wd, configFileName)
		if fileExists(p) {
			return p
		}
	}

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appDirName, configFileName)
	}
	return configFileName
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// NumpadSettings converts the [numpad_macros] section into dispatcher settings
func (c Config) NumpadSettings() (numpad.Settings, error) {
	n := c.Numpad
	keys, err := numpad.NewKeyMap(n.Keys)
	if err != nil {
		return numpad.Settings{}, fmt.Errorf("numpad_macros.keys: %w", err)
	}
	noConfirm, err := numpad.ParseKeySet(n.NoConfirmKeys)
	if err != nil {
		return numpad.Settings{}, fmt.Errorf("numpad_macros.no_confirm_keys: %w", err)
	}
	confirm, err := numpad.ParseKeySet(n.ConfirmationKeys)
	if err != nil {
		return numpad.Settings{}, fmt.Errorf("numpad_macros.confirmation_keys: %w", err)
	}

	s := numpad.Settings{
		Keys:                  keys,
		NoConfirmKeys:         noConfirm,
		ConfirmationKeys:      confirm,
		ZAdjustIncrement:      n.ZAdjustIncrement,
		Speed:                 numpad.SpeedSettings{Increment: n.SpeedIncrement, Max: n.SpeedMax, Min: n.SpeedMin},
		ProbeMinStep:          n.ProbeMinStep,
		ProbeCoarseMultiplier: n.ProbeCoarseMultiplier,
		ProbeFineMultiplier:   n.ProbeFineMultiplier,
		ProbeFineMinStep:      n.ProbeFineMinStep,
		QuickJumpsLimit:       n.QuickJumpsLimit,
		ZOffsetSaveDelay:      seconds(n.ZOffsetSaveDelay),
		SaveTimeout:           seconds(n.SaveTimeout),
		DebugLog:              n.DebugLog,
	}
	if err := s.Validate(); err != nil {
		return numpad.Settings{}, fmt.Errorf("numpad_macros: %w", err)
	}
	return s, nil
}

// ListenAddr returns host:port for the API server
func (c Config) ListenAddr() string {
	host := strings.TrimSpace(c.Server.Host)
	if host == "" {
		host = defaultHost
	}
	port := strings.TrimSpace(c.Server.Port)
	if port == "" {
		port = defaultPort
	}
	return host + ":" + port
}

// StubStateDir returns where the dry-run host keeps its variables file
func (c Config) StubStateDir() string {
	if dir := strings.TrimSpace(c.Server.StubStateDir); dir != "" {
		return ExpandHome(dir)
	}
	if c.Path != "" {
		return filepath.Dir(c.Path)
	}
	return "."
}

func (c Config) MoonrakerTimeout() time.Duration     { return seconds(c.Moonraker.Timeout) }
func (c Config) MoonrakerOpenTimeout() time.Duration { return seconds(c.Moonraker.OpenTimeout) }
func (c Config) UpdateTimeout() time.Duration        { return seconds(c.Update.Timeout) }
func (c Config) MetadataScanDelay() time.Duration    { return seconds(c.MetadataScan.Delay) }
func (c Config) KeypadRetry() time.Duration          { return seconds(c.Keypad.Retry) }

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
