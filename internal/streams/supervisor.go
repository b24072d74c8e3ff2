package streams

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ProcessHandle is the registry's view of one live transcode process.
// Done yields exactly one value: nil after a commanded stop, otherwise the
// failure cause (non-zero exit, unexpected exit, or liveness timeout).
type ProcessHandle interface {
	Done() <-chan error
	// Stop requests a graceful shutdown and escalates to a forced kill once
	// the grace period elapses. It blocks until the process has exited.
	Stop(grace time.Duration) error
	Stats() Stats
	LastActivity() time.Time
}

// Launcher starts transcode processes. The Manager depends on this contract
// so tests can substitute a fake for the real Supervisor.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (ProcessHandle, error)
}

// SupervisorConfig tunes the transcode process supervisor.
type SupervisorConfig struct {
	FFmpegPath     string
	SegmentSeconds int
	PlaylistWindow int

	// StartupTimeout bounds how long a launch may take to produce the
	// playlist file before it is reported as failed.
	StartupTimeout time.Duration

	// LivenessTimeout is how long the process may go without emitting a
	// progress marker before it is considered hung and killed.
	LivenessTimeout time.Duration
}

// Supervisor owns one external transcode subprocess per active stream:
// it launches ffmpeg with composed arguments, parses its diagnostic output
// for liveness and error signals, and terminates it on command or failure.
type Supervisor struct {
	cfg SupervisorConfig
	log *slog.Logger
}

// NewSupervisor returns a Supervisor using the given configuration.
func NewSupervisor(cfg SupervisorConfig, log *slog.Logger) *Supervisor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 2
	}
	if cfg.PlaylistWindow <= 0 {
		cfg.PlaylistWindow = 6
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 30 * time.Second
	}
	return &Supervisor{cfg: cfg, log: log}
}

// Launch starts the transcode process for spec and confirms startup by
// waiting for the playlist file to appear within the startup window. On
// confirmation failure the process is terminated and an error returned;
// retrying is the reconnection controller's responsibility, not ours.
func (s *Supervisor) Launch(ctx context.Context, spec LaunchSpec) (ProcessHandle, error) {
	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	args := buildTranscodeArgs(spec, s.cfg.SegmentSeconds, s.cfg.PlaylistWindow)
	cmd := exec.Command(s.cfg.FFmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcoder: %w", err)
	}

	s.log.Info("transcoder launched",
		slog.String("stream_id", spec.ID),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("source", spec.SourceAddress),
	)

	p := &ffmpegProcess{
		streamID:        spec.ID,
		cmd:             cmd,
		log:             s.log,
		livenessTimeout: s.cfg.LivenessTimeout,
		done:            make(chan error, 1),
		exited:          make(chan struct{}),
		lastActivity:    time.Now(),
	}

	go p.scanDiagnostics(bufio.NewReader(stderr))
	go p.waitExit()
	go p.watchLiveness()

	if err := s.awaitPlaylist(ctx, spec, p); err != nil {
		_ = p.Stop(2 * time.Second)
		return nil, err
	}

	return p, nil
}

// awaitPlaylist blocks until the playlist file exists, the startup window
// elapses, the process dies, or ctx is cancelled. It watches the output
// directory so confirmation is immediate rather than polled.
func (s *Supervisor) awaitPlaylist(ctx context.Context, spec LaunchSpec, p *ffmpegProcess) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch output dir: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(spec.OutputDir); err != nil {
		return fmt.Errorf("watch output dir: %w", err)
	}

	// The file may already exist by the time the watch is in place.
	if _, err := os.Stat(spec.PlaylistFile); err == nil {
		return nil
	}

	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == spec.PlaylistFile && ev.Op.Has(fsnotify.Create|fsnotify.Write) {
				return nil
			}
		case werr := <-watcher.Errors:
			s.log.Warn("playlist watch error",
				slog.String("stream_id", spec.ID),
				slog.String("error", werr.Error()),
			)
		case <-p.exited:
			return fmt.Errorf("transcoder exited during startup: %s", p.errorContext())
		case <-deadline.C:
			return fmt.Errorf("no playlist after %s", s.cfg.StartupTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ffmpegProcess implements ProcessHandle for a real subprocess.
type ffmpegProcess struct {
	streamID        string
	cmd             *exec.Cmd
	log             *slog.Logger
	livenessTimeout time.Duration

	done   chan error
	exited chan struct{}

	mu           sync.Mutex
	frames       int64
	errorLines   int64
	lastLine     string
	lastActivity time.Time
	stopping     bool
	killReason   string
}

func (p *ffmpegProcess) Done() <-chan error { return p.done }

func (p *ffmpegProcess) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Frames: p.frames, ErrorLines: p.errorLines}
}

func (p *ffmpegProcess) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// Stop terminates the process: SIGTERM first, SIGKILL once the grace period
// elapses. The subsequent exit is reported as clean on Done.
func (p *ffmpegProcess) Stop(grace time.Duration) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Likely already gone; the kill below is then a no-op too.
		p.log.Debug("signal transcoder", slog.String("stream_id", p.streamID), slog.String("error", err.Error()))
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.exited:
		return nil
	case <-t.C:
	}

	_ = p.cmd.Process.Kill()
	<-p.exited
	return nil
}

// scanDiagnostics consumes the process's diagnostic text stream line by
// line. Progress markers refresh the activity clock and the frame counter;
// error-looking lines are counted and kept for failure context.
func (p *ffmpegProcess) scanDiagnostics(r *bufio.Reader) {
	sc := newDiagnosticScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}

		p.mu.Lock()
		if isProgressMarker(line) {
			p.lastActivity = time.Now()
			if n, ok := parseFrameMarker(line); ok && n > p.frames {
				p.frames = n
			}
		} else {
			p.lastLine = line
			if isErrorLine(line) {
				p.errorLines++
			}
		}
		p.mu.Unlock()
	}
}

// watchLiveness kills the process if no progress marker has been observed
// for the liveness timeout. A hung process never exits on its own, so this
// is the only way such a failure reaches the reconnection path.
func (p *ffmpegProcess) watchLiveness() {
	interval := p.livenessTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-p.exited:
			return
		case <-t.C:
		}

		p.mu.Lock()
		stale := !p.stopping && time.Since(p.lastActivity) > p.livenessTimeout
		if stale {
			p.killReason = fmt.Sprintf("no progress for %s", p.livenessTimeout)
		}
		p.mu.Unlock()

		if stale {
			p.log.Warn("transcoder liveness timeout, killing",
				slog.String("stream_id", p.streamID),
			)
			_ = p.cmd.Process.Kill()
			return
		}
	}
}

// waitExit reaps the process and delivers exactly one result on Done.
func (p *ffmpegProcess) waitExit() {
	err := p.cmd.Wait()
	close(p.exited)

	p.mu.Lock()
	stopping := p.stopping
	killReason := p.killReason
	p.mu.Unlock()

	switch {
	case stopping:
		p.done <- nil
	case killReason != "":
		p.done <- fmt.Errorf("liveness timeout: %s", killReason)
	case err != nil:
		p.done <- fmt.Errorf("transcoder exited: %v: %s", err, p.errorContext())
	default:
		// A live source should never end cleanly; treat it as a failure so
		// the reconnection path takes over.
		p.done <- fmt.Errorf("transcoder exited unexpectedly: %s", p.errorContext())
	}
}

func (p *ffmpegProcess) errorContext() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastLine == "" {
		return "no diagnostic output"
	}
	return p.lastLine
}
