package streams

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newTestServer(t *testing.T, maxStreams int, launcher Launcher) (*httptest.Server, *Manager) {
	t.Helper()
	mgr := newTestManager(t, maxStreams, launcher)
	h := NewHandler(mgr, testLogger(), nil)

	r := chi.NewRouter()
	r.Route("/streams", func(r chi.Router) {
		r.Post("/", h.CreateStream)
		r.Get("/", h.ListStreams)
		r.Get("/{stream_id}", h.GetStream)
		r.Delete("/{stream_id}", h.StopStream)
		r.Get("/{stream_id}/events", h.StreamEvents)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func postStream(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/streams", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /streams: %v", err)
	}
	return resp
}

func decodeSnapshot(t *testing.T, resp *http.Response) Snapshot {
	t.Helper()
	defer resp.Body.Close()
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestHandler_create_stream(t *testing.T) {
	srv, _ := newTestServer(t, 4, newFakeLauncher())

	resp := postStream(t, srv, `{"id":"cam1","source_address":"rtsp://example/cam1","quality":"medium"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	snap := decodeSnapshot(t, resp)
	if snap.ID != "cam1" || snap.Status != StatusRunning {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.PlaylistPath != "/hls/cam1/playlist.m3u8" {
		t.Errorf("playlistPath = %s", snap.PlaylistPath)
	}
}

func TestHandler_create_duplicate_returns_existing(t *testing.T) {
	srv, _ := newTestServer(t, 4, newFakeLauncher())

	body := `{"id":"cam1","source_address":"rtsp://example/cam1","quality":"low"}`
	resp := postStream(t, srv, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", resp.StatusCode)
	}

	resp = postStream(t, srv, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", resp.StatusCode)
	}
	snap := decodeSnapshot(t, resp)
	if snap.ID != "cam1" {
		t.Errorf("duplicate returned id %s", snap.ID)
	}
}

func TestHandler_create_validation(t *testing.T) {
	srv, _ := newTestServer(t, 4, newFakeLauncher())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"id":`, http.StatusBadRequest},
		{"unknown quality", `{"id":"cam1","source_address":"rtsp://x","quality":"8k"}`, http.StatusBadRequest},
		{"no source", `{"id":"cam1","quality":"low"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postStream(t, srv, tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestHandler_create_at_capacity(t *testing.T) {
	srv, _ := newTestServer(t, 1, newFakeLauncher())

	resp := postStream(t, srv, `{"id":"cam1","source_address":"rtsp://example/cam1","quality":"low"}`)
	resp.Body.Close()

	resp = postStream(t, srv, `{"id":"cam2","source_address":"rtsp://example/cam2","quality":"low"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" {
		t.Error("expected an error message in the body")
	}
}

func TestHandler_create_launch_failure(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.failAfter = 0
	srv, _ := newTestServer(t, 4, launcher)

	resp := postStream(t, srv, `{"id":"cam1","source_address":"rtsp://example/cam1","quality":"low"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestHandler_get_stream(t *testing.T) {
	srv, m := newTestServer(t, 4, newFakeLauncher())
	startStream(t, m, "cam1")

	resp, err := http.Get(srv.URL + "/streams/cam1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	snap := decodeSnapshot(t, resp)
	if snap.ID != "cam1" {
		t.Errorf("id = %s", snap.ID)
	}

	resp, err = http.Get(srv.URL + "/streams/ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown stream status = %d, want 404", resp.StatusCode)
	}
}

func TestHandler_list_streams(t *testing.T) {
	srv, m := newTestServer(t, 4, newFakeLauncher())
	startStream(t, m, "cam1")
	startStream(t, m, "cam2")

	resp, err := http.Get(srv.URL + "/streams")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Streams []Snapshot `json:"streams"`
		Active  int        `json:"active"`
		Total   int        `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 2 || body.Active != 2 || len(body.Streams) != 2 {
		t.Errorf("unexpected listing %+v", body)
	}
	if body.Streams[0].ID != "cam1" || body.Streams[1].ID != "cam2" {
		t.Errorf("listing order = %s, %s", body.Streams[0].ID, body.Streams[1].ID)
	}
}

func TestHandler_stop_stream(t *testing.T) {
	srv, m := newTestServer(t, 4, newFakeLauncher())
	startStream(t, m, "cam1")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/streams/cam1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestHandler_stream_events_sse(t *testing.T) {
	srv, m := newTestServer(t, 4, newFakeLauncher())
	startStream(t, m, "cam1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/streams/cam1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}

	br := bufio.NewReader(resp.Body)

	// A subscriber of a live stream receives its status snapshot first.
	eventLine, dataLine := readSSEEvent(t, br)
	if eventLine != "event: "+string(EventStatus) {
		t.Fatalf("first event line = %q", eventLine)
	}

	var ev Event
	if err := json.Unmarshal(bytes.TrimPrefix([]byte(dataLine), []byte("data: ")), &ev); err != nil {
		t.Fatalf("decode event payload: %v", err)
	}
	if ev.Type != EventStatus || ev.Data["streamId"] != "cam1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Data["status"] != string(StatusRunning) {
		t.Errorf("status = %v, want running", ev.Data["status"])
	}

	// Lifecycle transitions flow through the same feed.
	if err := m.Stop(context.Background(), "cam1"); err != nil {
		t.Fatal(err)
	}
	eventLine, _ = readSSEEvent(t, br)
	if eventLine != "event: "+string(EventStopped) {
		t.Errorf("second event line = %q", eventLine)
	}
}

// readSSEEvent reads one "event:"/"data:" pair off the wire, skipping the
// blank separator lines.
func readSSEEvent(t *testing.T, r *bufio.Reader) (eventLine, dataLine string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			return eventLine, line
		}
	}
}
