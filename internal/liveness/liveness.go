// Package liveness decides whether a guest is still alive. The guest
// pulses a heartbeat; the host's Monitor invalidates the guest once beats
// stop arriving or one of its watched signals fires.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultMissedBeats = 3

type Options struct {
	Interval time.Duration
	// MissedBeats is how many intervals may pass without a beat.
	MissedBeats int
	Now         func() time.Time
	Logger      *slog.Logger
	// OnInvalid runs once, after Unhealthy is closed.
	OnInvalid func(reason string)
}

type Monitor struct {
	opts     Options
	lastBeat atomic.Int64 // unix nanos
	beats    atomic.Uint64

	once      sync.Once
	unhealthy chan struct{}
	reason    string
}

func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.MissedBeats <= 0 {
		opts.MissedBeats = DefaultMissedBeats
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Monitor{opts: opts, unhealthy: make(chan struct{})}
	m.lastBeat.Store(opts.Now().UnixNano())
	return m
}

// Beat records a heartbeat.
func (m *Monitor) Beat() {
	m.lastBeat.Store(m.opts.Now().UnixNano())
	m.beats.Add(1)
}

func (m *Monitor) Beats() uint64 { return m.beats.Load() }

// Deadline is how long the monitor waits for a beat.
func (m *Monitor) Deadline() time.Duration {
	return m.opts.Interval * time.Duration(m.opts.MissedBeats)
}

// Unhealthy is closed once the guest is considered dead.
func (m *Monitor) Unhealthy() <-chan struct{} { return m.unhealthy }

func (m *Monitor) Healthy() bool {
	select {
	case <-m.unhealthy:
		return false
	default:
		return true
	}
}

// Reason returns why the monitor invalidated, or "" while healthy.
func (m *Monitor) Reason() string {
	if m.Healthy() {
		return ""
	}
	return m.reason
}

// Invalidate marks the guest dead. Only the first call has an effect.
func (m *Monitor) Invalidate(reason string) {
	m.once.Do(func() {
		m.reason = reason
		close(m.unhealthy)
		m.opts.Logger.Warn("guest invalidated", "reason", reason, "beats", m.beats.Load())
		if m.opts.OnInvalid != nil {
			m.opts.OnInvalid(reason)
		}
	})
}

// Check invalidates the monitor if the last beat is older than Deadline.
func (m *Monitor) Check(now time.Time) bool {
	last := time.Unix(0, m.lastBeat.Load())
	if now.Sub(last) > m.Deadline() {
		m.Invalidate("missed heartbeats")
	}
	return m.Healthy()
}

// Watch invalidates the monitor with reason when ch closes.
func (m *Monitor) Watch(ctx context.Context, ch <-chan struct{}, reason string) {
	go func() {
		select {
		case <-ch:
			m.Invalidate(reason)
		case <-m.unhealthy:
		case <-ctx.Done():
		}
	}()
}

// Run checks for missed beats every interval until ctx ends or the
// monitor invalidates.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.unhealthy:
			return
		case <-ticker.C:
			if !m.Check(m.opts.Now()) {
				return
			}
		}
	}
}

// Pulse calls send every interval until ctx ends. It returns the first
// send error.
func Pulse(ctx context.Context, interval time.Duration, send func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := send(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
