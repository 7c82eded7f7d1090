// Package keypad reads key events from a serial numpad. The device sends one
// event per line: the key name optionally followed by an event type, as in
// "key_1" or "key_up down".
package keypad

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tarm/serial"
)

// Handler receives every key press
type Handler func(ctx context.Context, key string) error

// Config configures the serial reader
type Config struct {
	Device string
	Baud   int
	// Retry is the pause before reopening a failed device
	Retry time.Duration
}

// Reader forwards key presses from a serial device to a Handler
type Reader struct {
	cfg     Config
	handler Handler
	log     hclog.Logger
	open    func() (io.ReadCloser, error)
}

// New creates a Reader for the configured device
func New(cfg Config, handler Handler, logger hclog.Logger) *Reader {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 5 * time.Second
	}
	r := &Reader{cfg: cfg, handler: handler, log: logger}
	r.open = r.openSerial
	return r
}

func (r *Reader) openSerial() (io.ReadCloser, error) {
	device := r.cfg.Device
	if device == AutoDevice {
		ports := DetectPorts(runtime.GOOS, filepath.Glob)
		if len(ports) == 0 {
			return nil, errors.New("no serial ports found")
		}
		device = ports[0]
	}

	port, err := serial.OpenPort(&serial.Config{
		Name: device,
		Baud: r.cfg.Baud,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	return port, nil
}

// AutoDevice selects the first serial port DetectPorts finds
const AutoDevice = "auto"

var skipPatterns = []string{"Bluetooth", "Modem", "SPP", "DialIn", "Callout", "KeySerial", "debug-console"}

// DetectPorts lists candidate USB serial devices for goos
func DetectPorts(goos string, glob func(pattern string) ([]string, error)) []string {
	var patterns []string
	switch goos {
	case "linux":
		patterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}
	case "darwin":
		patterns = []string{"/dev/cu.*"}
	default:
		return nil
	}

	var ports []string
	for _, pattern := range patterns {
		matches, _ := glob(pattern)
		for _, port := range matches {
			skip := false
			for _, s := range skipPatterns {
				if strings.Contains(port, s) {
					skip = true
					break
				}
			}
			if !skip {
				ports = append(ports, port)
			}
		}
	}
	return ports
}

// Run reads the device until ctx is cancelled, reopening it after errors
func (r *Reader) Run(ctx context.Context) {
	for {
		port, err := r.open()
		if err != nil {
			r.log.Warn("keypad unavailable", "device", r.cfg.Device, "error", err)
		} else {
			r.log.Info("keypad connected", "device", r.cfg.Device)
			err = r.consumePort(ctx, port)
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("keypad disconnected", "device", r.cfg.Device, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.Retry):
		}
	}
}

// consumePort closes the port when ctx ends so the blocked read returns
func (r *Reader) consumePort(ctx context.Context, port io.ReadCloser) error {
	var once sync.Once
	closePort := func() { once.Do(func() { port.Close() }) }
	defer closePort()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closePort()
		case <-done:
		}
	}()

	err := Consume(ctx, port, r.handler, r.log)
	if err == nil {
		err = io.EOF
	}
	return err
}

// Consume reads events from rd until EOF or a read error, calling handler for
// each key press. Handler errors are logged and do not stop the loop.
func Consume(ctx context.Context, rd io.Reader, handler Handler, logger hclog.Logger) error {
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		key, ok := ParseLine(sc.Text())
		if !ok {
			continue
		}
		if err := handler(ctx, key); err != nil {
			logger.Error("key event failed", "key", key, "error", err)
		}
	}
	return sc.Err()
}

// ParseLine extracts the key from an event line. Lines that are blank or
// carry a release event are skipped.
func ParseLine(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return "", false
	}
	if len(fields) > 1 {
		switch strings.ToLower(fields[1]) {
		case "down", "press", "pressed":
		default:
			return "", false
		}
	}
	return strings.ToLower(fields[0]), true
}
