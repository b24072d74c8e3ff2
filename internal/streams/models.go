package streams

import "time"

// StreamStatus is the lifecycle state of a stream.
// Transitions: starting -> running -> {stopping -> stopped | reconnecting -> running | failed}.
type StreamStatus string

const (
	StatusStarting     StreamStatus = "starting"
	StatusRunning      StreamStatus = "running"
	StatusStopping     StreamStatus = "stopping"
	StatusStopped      StreamStatus = "stopped"
	StatusReconnecting StreamStatus = "reconnecting"
	StatusFailed       StreamStatus = "failed"
)

// Terminal reports whether the status is an end state that requires a new
// Start call to leave.
func (s StreamStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Stats holds monotonically increasing per-stream counters. Frames and
// ErrorLines accumulate across process restarts.
type Stats struct {
	Frames     int64 `json:"frames"`
	ErrorLines int64 `json:"errorLines"`
	Restarts   int64 `json:"restarts"`
}

// Stream is the registry's internal representation of one active transcoding
// session. All fields are guarded by the Manager's mutex; external callers
// only ever see Snapshot copies.
type Stream struct {
	ID            string
	SourceAddress string
	Quality       QualityPreset
	Status        StreamStatus

	// OutputDir and playlistFile are the on-disk locations, derived from ID.
	OutputDir    string
	playlistFile string

	StartTime    time.Time
	lastActivity time.Time

	// handle is non-nil iff Status is starting, running, or reconnecting
	// with a relaunch in progress. At most one live process per stream.
	handle ProcessHandle

	// params are the encode parameters resolved at start; relaunches reuse
	// the same source and parameters.
	params EncodeParams

	// baseStats accumulates counters from processes that already exited.
	baseStats Stats

	// attempts is the reconnection attempt counter since the last stable run.
	attempts int

	// reconnectPending is set while a reconnection attempt is in flight so a
	// second failure report cannot schedule a concurrent one.
	reconnectPending bool
}

// Snapshot is an immutable, JSON-ready copy of a stream's state.
type Snapshot struct {
	ID            string       `json:"id"`
	SourceAddress string       `json:"sourceAddress"`
	Quality       QualityPreset `json:"quality"`
	Status        StreamStatus `json:"status"`

	// PlaylistPath is the playable URL suffix advertised to the transport
	// layer, e.g. "/hls/cam1/playlist.m3u8".
	PlaylistPath string `json:"playlistPath"`

	StartTime     time.Time `json:"startTime"`
	LastActivity  time.Time `json:"lastActivity"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
	Stats         Stats     `json:"stats"`
}

// EventType names a lifecycle notification.
type EventType string

const (
	EventStarted      EventType = "stream_started"
	EventStopped      EventType = "stream_stopped"
	EventReconnecting EventType = "stream_reconnecting"
	EventFailed       EventType = "stream_failed"

	// EventStatus carries the current-status snapshot delivered to a new
	// subscriber of an existing stream.
	EventStatus EventType = "stream_status"
)

// Event is the fixed notification shape delivered to subscribers.
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}
