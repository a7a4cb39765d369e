package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControl struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeControl) record(a string) {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()
}

func (f *fakeControl) Pause()  { f.record("pause") }
func (f *fakeControl) Resume() { f.record("resume") }
func (f *fakeControl) Stop()   { f.record("stop") }

func (f *fakeControl) Actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 32, 24))
}

func TestHubNeverBlocks(t *testing.T) {
	hub := NewHub(zerolog.Nop(), Options{Buffer: 2, LogLines: 10})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.OnProgress(float64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub blocked with a full queue")
	}
	snap := hub.Snapshot()
	assert.Equal(t, 49.0, snap.Progress)
	assert.Equal(t, int64(48), snap.Dropped)
}

func TestHubKeepsLastLines(t *testing.T) {
	hub := NewHub(zerolog.Nop(), Options{LogLines: 3})
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		hub.OnEvent(l)
	}
	assert.Equal(t, []string{"c", "d", "e"}, hub.Snapshot().Lines)
}

func TestHubRateLimitsFrames(t *testing.T) {
	hub := NewHub(zerolog.Nop(), Options{FrameRate: 0.001})

	hub.OnFrame(testFrame())
	hub.OnFrame(testFrame())
	hub.OnFrame(testFrame())
	assert.Equal(t, 1, hub.Snapshot().FrameSeq)

	img, err := jpeg.Decode(bytes.NewReader(hub.Frame()))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
}

func TestHubRecordsVerdict(t *testing.T) {
	hub := NewHub(zerolog.Nop(), DefaultOptions())
	hub.OnComplete(&proctor.Report{SessionID: "s1", Verdict: proctor.VerdictSuspicious})
	assert.Equal(t, proctor.VerdictSuspicious, hub.Snapshot().Verdict)

	msg := <-hub.Messages()
	m, ok := msg.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "complete", m["type"])
}

func newTestServer(t *testing.T) (*Hub, *fakeControl, *httptest.Server) {
	t.Helper()
	hub := NewHub(zerolog.Nop(), DefaultOptions())
	ctl := &fakeControl{}
	srv := NewServer(zerolog.Nop(), hub, ctl, func() any {
		return map[string]any{"session_id": "abc", "active": true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go srv.broadcast(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return hub, ctl, ts
}

func TestHealthAndStatus(t *testing.T) {
	hub, _, ts := newTestServer(t)
	hub.OnEvent("Time: 1.2s - Looking RIGHT")

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload struct {
		Session map[string]any `json:"session"`
		Monitor Snapshot       `json:"monitor"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "abc", payload.Session["session_id"])
	assert.Equal(t, []string{"Time: 1.2s - Looking RIGHT"}, payload.Monitor.Lines)
}

func TestFrameEndpoint(t *testing.T) {
	hub, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/frame.jpg")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	hub.OnFrame(testFrame())

	resp, err = http.Get(ts.URL + "/frame.jpg")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
}

func TestControlEndpoints(t *testing.T) {
	_, ctl, ts := newTestServer(t)

	for _, action := range []string{"pause", "resume", "stop"} {
		resp, err := http.Post(ts.URL+"/control/"+action, "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, action)
	}
	assert.Equal(t, []string{"pause", "resume", "stop"}, ctl.Actions())

	resp, err := http.Post(ts.URL+"/control/rewind", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/control/stop")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebsocketStream(t *testing.T) {
	hub, ctl, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["type"])

	hub.OnEvent("Time: 3s - Forbidden object detected")

	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "event", ev["type"])
	assert.Equal(t, "Time: 3s - Forbidden object detected", ev["line"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "control", "action": "pause"}))
	require.Eventually(t, func() bool {
		return len(ctl.Actions()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pause"}, ctl.Actions())
}
