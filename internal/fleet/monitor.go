package fleet

import (
	"context"
	"time"
)

// Default liveness timings. Each can be overridden via MonitorOptions.
const (
	DefaultHeartbeatTimeout = 120 * time.Second
	DefaultSweepInterval    = 30 * time.Second
)

// MonitorOptions control the liveness monitor. Zero values fall back
// to the package defaults at construction.
type MonitorOptions struct {
	// HeartbeatTimeout is the maximum silence before a device is
	// declared offline.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often the monitor scans the fleet.
	SweepInterval time.Duration

	// DeviceRetention removes devices that have been offline longer
	// than this. Zero keeps every device forever.
	DeviceRetention time.Duration
}

// Monitor periodically sweeps the registry, transitioning silent
// online devices to offline.
//
// The state machine is one-way: online -> offline on timeout. There is
// no automatic offline -> online transition; only a fresh
// registration, reconnect, or sessioned heartbeat brings a device
// back. Offline transitions are batched per sweep into one persistence
// write and one notification.
type Monitor struct {
	registry *Registry
	opts     MonitorOptions
	logger   Logger
}

// NewMonitor creates a liveness monitor over the given registry.
func NewMonitor(registry *Registry, opts MonitorOptions) *Monitor {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Monitor{
		registry: registry,
		opts:     opts,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.logger = logger
}

// Run sweeps the fleet on a fixed interval until ctx is cancelled.
// Blocks; run in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started",
		"interval", m.opts.SweepInterval,
		"timeout", m.opts.HeartbeatTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep performs a single liveness pass. Exposed separately from Run
// for deterministic use in tests and operational tooling.
func (m *Monitor) Sweep(ctx context.Context) []string {
	offline := m.registry.SweepOffline(ctx, m.opts.HeartbeatTimeout)

	if m.opts.DeviceRetention > 0 {
		m.registry.RemoveStale(ctx, m.opts.DeviceRetention)
	}

	return offline
}
