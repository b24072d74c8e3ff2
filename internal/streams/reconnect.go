package streams

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// ReconnectPolicy bounds automatic recovery from runtime failures. The
// delay is deliberately flat rather than exponential: the behavioral
// contract is exactly MaxAttempts retries at a fixed interval.
type ReconnectPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Delay <= 0 {
		p.Delay = 5 * time.Second
	}
	return p
}

// handleFailure drives the recovery loop for one stream after its process
// failed. It runs on the monitor goroutine of the dead process, so one
// failure chain per stream is inherent; the reconnectPending flag
// additionally rejects any failure reported while an attempt is in flight.
func (m *Manager) handleFailure(id string, cause error) {
	for {
		m.mu.Lock()
		s, ok := m.streams[id]
		if !ok || s.Status.Terminal() || s.Status == StatusStopping || s.handle != nil {
			m.mu.Unlock()
			return
		}
		if s.reconnectPending {
			// Another attempt is already in flight; never schedule two.
			m.mu.Unlock()
			return
		}

		if s.attempts >= m.cfg.Reconnect.MaxAttempts {
			// Remove the directory before the entry turns terminal; a
			// terminal entry is replaceable, and a fresh start with the
			// same id must not have its directory deleted afterwards.
			if err := os.RemoveAll(s.OutputDir); err != nil {
				m.log.Warn("remove output dir", slog.String("stream_id", id), slog.String("error", err.Error()))
			}
			s.Status = StatusFailed
			attempts := s.attempts
			m.bus.Publish(id, EventFailed, map[string]any{
				"attempts": attempts,
				"reason":   cause.Error(),
			})
			m.mu.Unlock()

			m.log.Error("stream failed permanently",
				slog.String("stream_id", id),
				slog.Int("attempts", attempts),
				slog.String("cause", cause.Error()),
			)
			if m.metrics != nil {
				m.metrics.IncStreamsFailed()
			}
			return
		}

		s.attempts++
		s.reconnectPending = true
		s.Status = StatusReconnecting
		attempt := s.attempts
		m.bus.Publish(id, EventReconnecting, map[string]any{
			"attempt":     attempt,
			"maxAttempts": m.cfg.Reconnect.MaxAttempts,
			"reason":      cause.Error(),
		})
		m.mu.Unlock()

		m.log.Warn("stream reconnecting",
			slog.String("stream_id", id),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.cfg.Reconnect.MaxAttempts),
			slog.String("cause", cause.Error()),
		)
		if m.metrics != nil {
			m.metrics.IncReconnects()
		}

		time.Sleep(m.cfg.Reconnect.Delay)

		relaunchErr, done := m.relaunch(id)
		if done {
			return
		}
		cause = relaunchErr
	}
}

// relaunch performs the stop-then-relaunch step of one reconnection
// attempt. done is true when the loop should end: the stream recovered,
// was stopped meanwhile, or vanished. A relaunch error feeds back into the
// failure loop as the next cause.
func (m *Manager) relaunch(id string) (error, bool) {
	m.mu.Lock()
	s, ok := m.streams[id]
	if !ok || s.Status != StatusReconnecting {
		// Stopped while the delay ran; nothing left to recover.
		if ok {
			s.reconnectPending = false
		}
		m.mu.Unlock()
		return nil, true
	}
	spec := m.launchSpecFor(s)
	m.mu.Unlock()

	handle, err := m.launcher.Launch(context.Background(), spec)

	m.mu.Lock()
	s, ok = m.streams[id]
	if !ok || s.Status != StatusReconnecting {
		m.mu.Unlock()
		if handle != nil {
			_ = handle.Stop(m.cfg.StopGrace)
		}
		// Same cleanup as a stop racing the initial launch: the stop could
		// not have seen the directory this relaunch recreated.
		m.mu.Lock()
		if _, ok := m.streams[id]; !ok {
			if rmErr := os.RemoveAll(spec.OutputDir); rmErr != nil {
				m.log.Warn("remove output dir", slog.String("stream_id", id), slog.String("error", rmErr.Error()))
			}
		}
		m.mu.Unlock()
		return nil, true
	}
	s.reconnectPending = false

	if err != nil {
		m.mu.Unlock()
		return err, false
	}

	s.handle = handle
	s.Status = StatusRunning
	// A stream that stabilizes should not inherit stale failure history.
	s.attempts = 0
	s.baseStats.Restarts++
	snap := m.snapshotLocked(s)
	m.bus.Publish(id, EventStarted, map[string]any{
		"playlistPath": snap.PlaylistPath,
		"quality":      string(snap.Quality),
		"restart":      true,
	})
	m.mu.Unlock()

	go m.monitor(id, handle)

	m.log.Info("stream recovered", slog.String("stream_id", id))
	return nil, true
}
