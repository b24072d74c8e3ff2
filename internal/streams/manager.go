package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"camstream/internal/platform/metrics"
)

var (
	// ErrAtCapacity is returned when a start would exceed the configured
	// maximum number of concurrent streams. A hard bound, never best-effort.
	ErrAtCapacity = errors.New("stream capacity reached")

	// ErrNotFound is returned by Stop for an unknown or already removed id.
	ErrNotFound = errors.New("stream not found")

	// ErrLaunchFailed wraps a transcoder launch that did not produce a
	// playable playlist within the startup window.
	ErrLaunchFailed = errors.New("stream launch failed")

	// ErrNoSource is returned when a start request carries neither a source
	// address nor a resolvable camera id.
	ErrNoSource = errors.New("no source address")
)

// SourceResolver supplies a transport-stream URL for a camera identifier.
// Implemented by the vendor camera API collaborator.
type SourceResolver interface {
	ResolveSource(ctx context.Context, cameraID string) (string, error)
}

// ManagerConfig tunes the stream registry.
type ManagerConfig struct {
	// MaxStreams is the concurrency ceiling for non-terminal streams.
	MaxStreams int

	// OutputRoot is the directory under which each stream gets its own
	// segment output directory, keyed by stream id.
	OutputRoot string

	// StopGrace is how long a stopped process may take to exit before it
	// is killed.
	StopGrace time.Duration

	Reconnect ReconnectPolicy
}

// StartRequest describes one stream start. SourceAddress wins over
// CameraID; an empty ID is replaced with a generated one.
type StartRequest struct {
	ID            string
	CameraID      string
	SourceAddress string
	Quality       QualityPreset
}

// Manager is the stream registry: the single owner of the active stream
// map. It enforces admission control and composes the preset resolver,
// process supervisor, reconnection policy, and notification bus into
// start/stop/restart operations.
type Manager struct {
	cfg      ManagerConfig
	launcher Launcher
	bus      *Bus
	resolver SourceResolver
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
	order   []string // insertion order for List
}

// NewManager constructs a Manager. resolver and met may be nil.
func NewManager(cfg ManagerConfig, launcher Launcher, bus *Bus, resolver SourceResolver, met *metrics.Metrics, log *slog.Logger) *Manager {
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = 8
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()

	return &Manager{
		cfg:      cfg,
		launcher: launcher,
		bus:      bus,
		resolver: resolver,
		metrics:  met,
		log:      log,
		streams:  make(map[string]*Stream),
	}
}

// Start admits and launches a new stream. It is idempotent with respect to
// a currently active id: a duplicate start returns the existing stream's
// snapshot with created=false and spawns nothing. A terminally failed entry
// with the same id is replaced.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Snapshot, bool, error) {
	params, err := ResolvePreset(req.Quality)
	if err != nil {
		return Snapshot{}, false, err
	}

	source := req.SourceAddress
	if source == "" && req.CameraID != "" && m.resolver != nil {
		source, err = m.resolver.ResolveSource(ctx, req.CameraID)
		if err != nil {
			return Snapshot{}, false, fmt.Errorf("resolve camera %q: %w", req.CameraID, err)
		}
	}
	if source == "" {
		return Snapshot{}, false, ErrNoSource
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if existing, ok := m.streams[id]; ok {
		if !existing.Status.Terminal() {
			snap := m.snapshotLocked(existing)
			m.mu.Unlock()
			return snap, false, nil
		}
		// A failed entry does not block a fresh start with the same id.
		m.removeLocked(id)
	}

	if m.activeCountLocked() >= m.cfg.MaxStreams {
		m.mu.Unlock()
		return Snapshot{}, false, ErrAtCapacity
	}

	s := &Stream{
		ID:            id,
		SourceAddress: source,
		Quality:       req.Quality,
		Status:        StatusStarting,
		OutputDir:     filepath.Join(m.cfg.OutputRoot, id),
		StartTime:     time.Now(),
		params:        params,
	}
	s.playlistFile = filepath.Join(s.OutputDir, playlistFileName)
	m.streams[id] = s
	m.order = append(m.order, id)
	m.mu.Unlock()

	handle, err := m.launcher.Launch(ctx, m.launchSpecFor(s))
	outputDir := s.OutputDir

	m.mu.Lock()
	s, ok := m.streams[id]
	if !ok || s.Status != StatusStarting {
		// A concurrent stop won the race; do not resurrect the stream.
		m.mu.Unlock()
		if handle != nil {
			_ = handle.Stop(m.cfg.StopGrace)
		}
		// That stop could not have seen this launch's directory. Clean it
		// up here, unless the id has already been re-registered and the
		// directory belongs to a fresh stream.
		m.mu.Lock()
		if _, ok := m.streams[id]; !ok {
			if rmErr := os.RemoveAll(outputDir); rmErr != nil {
				m.log.Warn("remove output dir", slog.String("stream_id", id), slog.String("error", rmErr.Error()))
			}
		}
		m.mu.Unlock()
		return Snapshot{}, false, fmt.Errorf("%w: stopped during startup", ErrNotFound)
	}

	if err != nil {
		// Remove the directory before releasing the id; once the slot is
		// free a concurrent start may recreate the same path.
		if rmErr := os.RemoveAll(s.OutputDir); rmErr != nil {
			m.log.Warn("remove output dir", slog.String("stream_id", id), slog.String("error", rmErr.Error()))
		}
		m.removeLocked(id)
		m.mu.Unlock()
		return Snapshot{}, false, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	s.handle = handle
	s.Status = StatusRunning
	s.lastActivity = time.Now()
	snap := m.snapshotLocked(s)
	// Published before the lock is released so a listener registered via
	// Subscribe either sees this state in its snapshot or receives the event.
	m.bus.Publish(id, EventStarted, map[string]any{
		"playlistPath": snap.PlaylistPath,
		"quality":      string(req.Quality),
	})
	m.mu.Unlock()

	go m.monitor(id, handle)

	m.log.Info("stream started",
		slog.String("stream_id", id),
		slog.String("quality", string(req.Quality)),
	)
	if m.metrics != nil {
		m.metrics.IncStreamsStarted()
	}

	return snap, true, nil
}

// Stop transitions the stream to stopping, terminates its process with a
// grace-then-kill escalation, removes the output directory, and drops the
// registry entry. A second Stop for the same id returns ErrNotFound and
// never touches the directory again.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	s.Status = StatusStopping
	handle := s.releaseHandleLocked()
	m.mu.Unlock()

	if handle != nil {
		_ = handle.Stop(m.cfg.StopGrace)
	}

	m.mu.Lock()
	if s, ok := m.streams[id]; ok {
		s.Status = StatusStopped
		// Remove the directory while the id still owns its slot; once
		// removeLocked runs, a concurrent start may recreate the same
		// path and must not have it deleted out from under it. The
		// janitor is only a backstop for unclean shutdowns.
		if err := os.RemoveAll(s.OutputDir); err != nil {
			m.log.Warn("remove output dir", slog.String("stream_id", id), slog.String("error", err.Error()))
		}
		m.removeLocked(id)
	}
	m.bus.Publish(id, EventStopped, nil)
	m.mu.Unlock()

	m.log.Info("stream stopped", slog.String("stream_id", id))
	if m.metrics != nil {
		m.metrics.IncStreamsStopped()
	}
	return nil
}

// Get returns a point-in-time snapshot of the stream. Side-effect free.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return Snapshot{}, false
	}
	return m.snapshotLocked(s), true
}

// List returns snapshots of all registered streams in insertion order.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		if s, ok := m.streams[id]; ok {
			out = append(out, m.snapshotLocked(s))
		}
	}
	return out
}

// ActiveCount returns the number of streams currently holding capacity.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

// Owns reports whether id has a registry entry. The janitor's ownership
// check: a directory whose id is still registered is never swept.
func (m *Manager) Owns(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[id]
	return ok
}

// Subscribe registers a real-time listener for id's lifecycle events. If
// the stream exists, the listener first receives a current-status snapshot.
// Snapshot and registration happen under the registry lock, and every
// lifecycle publish holds that lock too, so there is no window in which a
// transition is neither in the snapshot nor delivered as an event.
func (m *Manager) Subscribe(id string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var initial *Event
	if s, ok := m.streams[id]; ok {
		snap := m.snapshotLocked(s)
		initial = &Event{
			Type: EventStatus,
			Data: map[string]any{
				"streamId":     id,
				"status":       string(snap.Status),
				"playlistPath": snap.PlaylistPath,
			},
			Timestamp: time.Now().UTC(),
		}
	}

	return m.bus.Subscribe(id, initial)
}

// Unsubscribe removes the listener everywhere; safe for never-subscribed.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.bus.Unsubscribe(sub)
}

// Shutdown stops every registered stream. Used on daemon shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.log.Warn("shutdown stop", slog.String("stream_id", id), slog.String("error", err.Error()))
		}
	}
}

// monitor waits for the process behind handle to end. Commanded stops are
// finalized by Stop itself; everything else is a runtime failure handed to
// the reconnection path.
func (m *Manager) monitor(id string, handle ProcessHandle) {
	err := <-handle.Done()

	m.mu.Lock()
	s, ok := m.streams[id]
	if !ok || s.handle != handle {
		// Stale: the stream was stopped or already relaunched.
		m.mu.Unlock()
		return
	}
	s.releaseHandleLocked()
	m.mu.Unlock()

	if err == nil {
		// Clean exit without a commanded stop should not happen; treat it
		// as a failure so the stream does not silently go dark.
		err = errors.New("transcoder exited without a stop request")
	}
	m.handleFailure(id, err)
}

func (m *Manager) launchSpecFor(s *Stream) LaunchSpec {
	return LaunchSpec{
		ID:            s.ID,
		SourceAddress: s.SourceAddress,
		OutputDir:     s.OutputDir,
		PlaylistFile:  s.playlistFile,
		Params:        s.params,
	}
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, s := range m.streams {
		if !s.Status.Terminal() {
			n++
		}
	}
	return n
}

func (m *Manager) removeLocked(id string) {
	delete(m.streams, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) snapshotLocked(s *Stream) Snapshot {
	stats := s.baseStats
	last := s.lastActivity
	if s.handle != nil {
		live := s.handle.Stats()
		stats.Frames += live.Frames
		stats.ErrorLines += live.ErrorLines
		if la := s.handle.LastActivity(); la.After(last) {
			last = la
		}
	}

	return Snapshot{
		ID:            s.ID,
		SourceAddress: s.SourceAddress,
		Quality:       s.Quality,
		Status:        s.Status,
		PlaylistPath:  "/hls/" + s.ID + "/" + playlistFileName,
		StartTime:     s.StartTime,
		LastActivity:  last,
		UptimeSeconds: time.Since(s.StartTime).Seconds(),
		Stats:         stats,
	}
}

// releaseHandleLocked detaches the stream's process handle, folding its
// final counters into the stream's cumulative stats. Caller holds m.mu.
func (s *Stream) releaseHandleLocked() ProcessHandle {
	h := s.handle
	if h == nil {
		return nil
	}
	live := h.Stats()
	s.baseStats.Frames += live.Frames
	s.baseStats.ErrorLines += live.ErrorLines
	if la := h.LastActivity(); la.After(s.lastActivity) {
		s.lastActivity = la
	}
	s.handle = nil
	return h
}
