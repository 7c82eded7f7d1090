package moonraker

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// KlippyReady is the klippy_state reported once the firmware is up
const KlippyReady = "ready"

// InfoSource reports the Moonraker server state
type InfoSource interface {
	Info(ctx context.Context) (ServerInfo, error)
}

// Monitor polls the Klippy state and fires callbacks on ready and shutdown
// transitions. An unreachable Moonraker counts as not ready.
type Monitor struct {
	source   InfoSource
	interval time.Duration
	log      hclog.Logger

	onReady    func(ctx context.Context)
	onShutdown func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Klippy state monitor
func NewMonitor(source InfoSource, interval time.Duration, logger hclog.Logger) *Monitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		source:   source,
		interval: interval,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnReady sets the callback run each time Klippy becomes ready. Set before Start.
func (m *Monitor) OnReady(fn func(ctx context.Context)) {
	m.onReady = fn
}

// OnShutdown sets the callback run when Klippy leaves the ready state
func (m *Monitor) OnShutdown(fn func()) {
	m.onShutdown = fn
}

// Start begins polling. The first poll runs immediately.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		previous := m.check("")
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				previous = m.check(previous)
			}
		}
	}()
}

// Stop stops the monitor and waits for a running callback to return
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// check polls once and returns the observed state
func (m *Monitor) check(previous string) string {
	ctx, cancel := context.WithTimeout(m.ctx, m.interval)
	info, err := m.source.Info(ctx)
	cancel()

	state := info.KlippyState
	if err != nil {
		if m.ctx.Err() != nil {
			return previous
		}
		state = ""
		if previous != "" {
			m.log.Warn("moonraker unreachable", "error", err)
		}
	} else if !info.KlippyConnected {
		state = "disconnected"
	}

	if state == previous {
		return state
	}
	m.log.Info("klippy state changed", "from", previous, "to", state)

	switch {
	case state == KlippyReady:
		if m.onReady != nil {
			m.onReady(m.ctx)
		}
	case previous == KlippyReady:
		if m.onShutdown != nil {
			m.onShutdown()
		}
	}
	return state
}
