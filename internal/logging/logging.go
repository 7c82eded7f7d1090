// Package logging builds the per-component hclog loggers
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Options configures a Factory
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Factory hands out named loggers that share one output and lock.
//
// Loggers derived with Named share their parent's level, so a component that
// needs its own level (numpad_macros with debug_log) gets a fresh logger here.
type Factory struct {
	opts  Options
	level hclog.Level
	mu    *sync.Mutex
}

// New creates a Factory. An unknown level falls back to info.
func New(opts Options) *Factory {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	level := hclog.LevelFromString(strings.TrimSpace(opts.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return &Factory{opts: opts, level: level, mu: &sync.Mutex{}}
}

// Level returns the default level
func (f *Factory) Level() hclog.Level {
	return f.level
}

// Logger returns a logger named after a component
func (f *Factory) Logger(name string) hclog.Logger {
	return f.build(name, f.level)
}

// Component returns a component logger, forced to debug when debug is set
func (f *Factory) Component(name string, debug bool) hclog.Logger {
	level := f.level
	if debug && level > hclog.Debug {
		level = hclog.Debug
	}
	return f.build(name, level)
}

func (f *Factory) build(name string, level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     f.opts.Output,
		Mutex:      f.mu,
		JSONFormat: f.opts.JSON,
	})
}
