// Package sound manages the printer's sound library: a cache of the mp3
// files in the sound directory and playback through the PLAY_SOUND macro.
package sound

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/lister3d/numpad-engine/internal/sysexec"
)

// Notification names
const (
	EventSoundsUpdated = "sound_system:sounds_updated"
	EventSoundPlayed   = "sound_system:sound_played"
)

// Player is the name reported for the audio backend
const Player = "mpg123"

// ErrNoSound is returned when a play request names no sound
var ErrNoSound = errors.New("no sound specified")

// CommandRunner runs a G-code script on the printer
type CommandRunner interface {
	RunCommand(ctx context.Context, script string) error
}

// Notifier delivers notifications to connected clients
type Notifier interface {
	Notify(event string, payload any)
}

// Service is the sound system
type Service struct {
	dir      string
	gcode    CommandRunner
	exec     sysexec.Runner
	notifier Notifier
	log      hclog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// New creates the sound service for dir. A leading ~ should already be
// expanded; the path is made absolute here.
func New(dir string, gcode CommandRunner, execRunner sysexec.Runner, notifier Notifier, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	s := &Service{
		dir:      dir,
		gcode:    gcode,
		exec:     execRunner,
		notifier: notifier,
		log:      logger,
		cache:    make(map[string]string),
	}
	s.log.Info("sound system initialized", "dir", dir)
	return s
}

// Dir returns the resolved sound directory
func (s *Service) Dir() string {
	return s.dir
}

// Scan fills the cache from the sound directory when it is empty, or always
// when force is set, and returns a copy of it. Clients are notified whenever
// the directory was actually read.
func (s *Service) Scan(force bool) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if force {
		s.cache = make(map[string]string)
	}
	if len(s.cache) > 0 {
		return copyMap(s.cache)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Warn("sound directory not found", "dir", s.dir)
		} else {
			s.log.Error("error scanning sounds", "dir", s.dir, "error", err)
		}
		return map[string]string{}
	}

	sounds := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if !strings.EqualFold(filepath.Ext(name), ".mp3") {
			continue
		}
		// regular files only, symlinks to files allowed
		path := filepath.Join(s.dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		sounds[strings.TrimSuffix(name, filepath.Ext(name))] = path
	}
	s.cache = sounds
	s.log.Debug("sounds scanned", "count", len(sounds))

	out := copyMap(sounds)
	s.notify(EventSoundsUpdated, map[string]any{"sounds": copyMap(sounds)})
	return out
}

// Listing is the sound library as reported to clients
type Listing struct {
	Status   string            `json:"status,omitempty"`
	Sounds   map[string]string `json:"sounds"`
	SoundDir string            `json:"sound_dir"`
}

// List returns the cached sounds, scanning when the cache is empty
func (s *Service) List() Listing {
	return Listing{Sounds: s.Scan(false), SoundDir: s.dir}
}

// Rescan clears the cache and reads the directory again
func (s *Service) Rescan() Listing {
	return Listing{Status: "success", Sounds: s.Scan(true), SoundDir: s.dir}
}

// Names returns the cached sound names in order
func (s *Service) Names() []string {
	sounds := s.Scan(false)
	names := make([]string, 0, len(sounds))
	for n := range sounds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PlayResult is returned by a successful Play
type PlayResult struct {
	Status string `json:"status"`
	Sound  string `json:"sound"`
}

// Play asks the printer to play a sound. The name is passed through as given;
// the macro decides what it means.
func (s *Service) Play(ctx context.Context, sound string) (PlayResult, error) {
	sound = strings.TrimSpace(sound)
	if sound == "" {
		return PlayResult{}, ErrNoSound
	}
	s.log.Info("received play request", "sound", sound)

	if err := s.gcode.RunCommand(ctx, "PLAY_SOUND SOUND="+sound); err != nil {
		s.log.Error("failed to play sound", "sound", sound, "error", err)
		return PlayResult{}, fmt.Errorf("failed to play sound: %w", err)
	}

	s.notify(EventSoundPlayed, map[string]any{"sound": sound})
	return PlayResult{Status: "success", Sound: sound}, nil
}

// AudioSystem describes the audio devices found on the host
type AudioSystem struct {
	Devices       []string `json:"devices"`
	Mpg123Version string   `json:"mpg123_version,omitempty"`
}

// Info is the sound system status
type Info struct {
	Status      string      `json:"status"`
	SoundDir    string      `json:"sound_dir"`
	SoundCount  int         `json:"sound_count"`
	AudioSystem AudioSystem `json:"audio_system"`
	Player      string      `json:"player"`
}

// Info reports the sound system status. Failures of the audio tools are
// logged and leave the corresponding fields empty.
func (s *Service) Info(ctx context.Context) Info {
	audio := AudioSystem{Devices: []string{}}

	if res, err := s.exec.Run(ctx, "amixer", "-l"); err != nil {
		s.log.Error("error getting audio info", "tool", "amixer", "error", err)
	} else {
		sc := bufio.NewScanner(strings.NewReader(res.Stdout))
		for sc.Scan() {
			line := sc.Text()
			if strings.Contains(line, "card") || strings.Contains(line, "mixer") {
				audio.Devices = append(audio.Devices, strings.TrimSpace(line))
			}
		}
	}

	if res, err := s.exec.Run(ctx, "mpg123", "--version"); err != nil {
		s.log.Error("error getting audio info", "tool", "mpg123", "error", err)
	} else if res.Stdout != "" {
		first, _, _ := strings.Cut(res.Stdout, "\n")
		audio.Mpg123Version = first
	}

	s.mu.Lock()
	count := len(s.cache)
	s.mu.Unlock()

	return Info{
		Status:      "online",
		SoundDir:    s.dir,
		SoundCount:  count,
		AudioSystem: audio,
		Player:      Player,
	}
}

// HandleReady loads the library once the printer is ready
func (s *Service) HandleReady() {
	s.log.Info("sound system ready")
	s.Scan(false)
}

// Close drops the cache
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]string)
}

// notify is called with s.mu held; notifiers must not block
func (s *Service) notify(event string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(event, payload)
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
