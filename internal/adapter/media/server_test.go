package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type recordingHooks struct {
	mu      sync.Mutex
	bridged map[string]bool
	starts  []string
	stops   []string
	frames  [][]byte
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{bridged: make(map[string]bool)}
}

func (h *recordingHooks) IsBridged(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bridged[id]
}

func (h *recordingHooks) setBridged(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridged[id] = true
}

func (h *recordingHooks) OnStart(id, streamID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, id+"/"+streamID)
}

func (h *recordingHooks) OnAudio(id string, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	h.frames = append(h.frames, cp)
}

func (h *recordingHooks) OnStop(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops = append(h.stops, id)
}

func (h *recordingHooks) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *recordingHooks) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stops)
}

func dialStream(t *testing.T, srv *httptest.Server, callID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/calls/media?call_control_id=" + callID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg streamMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestServer(t *testing.T, hooks Hooks, maxConn int) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(hooks, maxConn, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	mux.HandleFunc("/calls/media", s.HandleHTTP)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(s.CloseAll)
	return s, srv
}

func TestInboundForwarding(t *testing.T) {
	hooks := newRecordingHooks()
	_, srv := newTestServer(t, hooks, 10)

	conn := dialStream(t, srv, "cc-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendMsg(t, conn, streamMessage{Event: "start", StreamID: "sid-1"})
	frame := make([]byte, 160)
	sendMsg(t, conn, streamMessage{Event: "media", Media: &mediaPayload{
		Payload: base64.StdEncoding.EncodeToString(frame),
	}})

	waitFor(t, func() bool { return hooks.frameCount() == 1 }, "frame not forwarded")
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.starts) != 1 || hooks.starts[0] != "cc-1/sid-1" {
		t.Fatalf("starts = %v", hooks.starts)
	}
	if len(hooks.frames[0]) != 160 {
		t.Fatalf("frame len = %d", len(hooks.frames[0]))
	}
}

func TestMediaBeforeStartBindsStream(t *testing.T) {
	hooks := newRecordingHooks()
	_, srv := newTestServer(t, hooks, 10)

	conn := dialStream(t, srv, "cc-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	// No start message; the first frame must bind the call.
	sendMsg(t, conn, streamMessage{Event: "media", Media: &mediaPayload{
		Payload: base64.StdEncoding.EncodeToString(make([]byte, 160)),
	}})

	waitFor(t, func() bool { return hooks.frameCount() == 1 }, "frame not forwarded")
	hooks.mu.Lock()
	starts := append([]string(nil), hooks.starts...)
	hooks.mu.Unlock()
	if len(starts) != 1 || starts[0] != "cc-1/" {
		t.Fatalf("starts = %v", starts)
	}

	// A late start must not re-fire the binding.
	sendMsg(t, conn, streamMessage{Event: "start", StreamID: "sid-1"})
	sendMsg(t, conn, streamMessage{Event: "media", Media: &mediaPayload{
		Payload: base64.StdEncoding.EncodeToString(make([]byte, 160)),
	}})
	waitFor(t, func() bool { return hooks.frameCount() == 2 }, "second frame not forwarded")

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.starts) != 1 {
		t.Fatalf("starts = %v, binding must fire once", hooks.starts)
	}
}

func TestKeepaliveDropped(t *testing.T) {
	hooks := newRecordingHooks()
	_, srv := newTestServer(t, hooks, 10)

	conn := dialStream(t, srv, "cc-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendMsg(t, conn, streamMessage{Event: "start", StreamID: "sid-1"})
	// 40 bytes is below the 10 ms keepalive threshold.
	sendMsg(t, conn, streamMessage{Event: "media", Media: &mediaPayload{
		Payload: base64.StdEncoding.EncodeToString(make([]byte, 40)),
	}})
	sendMsg(t, conn, streamMessage{Event: "media", Media: &mediaPayload{
		Payload: base64.StdEncoding.EncodeToString(make([]byte, 160)),
	}})

	waitFor(t, func() bool { return hooks.frameCount() == 1 }, "real frame not forwarded")
	if got := hooks.frameCount(); got != 1 {
		t.Fatalf("frames = %d, want 1 (keepalive dropped)", got)
	}
}

func TestBridgedDiscard(t *testing.T) {
	hooks := newRecordingHooks()
	hooks.setBridged("cc-1")
	_, srv := newTestServer(t, hooks, 10)

	conn := dialStream(t, srv, "cc-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendMsg(t, conn, streamMessage{Event: "start", StreamID: "sid-1"})
	for i := 0; i < 5; i++ {
		sendMsg(t, conn, streamMessage{Event: "media", Media: &mediaPayload{
			Payload: base64.StdEncoding.EncodeToString(make([]byte, 160)),
		}})
	}
	sendMsg(t, conn, streamMessage{Event: "stop"})

	waitFor(t, func() bool { return hooks.stopCount() == 1 }, "stop not observed")
	if got := hooks.frameCount(); got != 0 {
		t.Fatalf("frames = %d, want 0 for a bridged call", got)
	}
}

func TestOutboundFraming(t *testing.T) {
	hooks := newRecordingHooks()
	s, srv := newTestServer(t, hooks, 10)

	conn := dialStream(t, srv, "cc-1")
	defer conn.Close(websocket.StatusNormalClosure, "")
	sendMsg(t, conn, streamMessage{Event: "start", StreamID: "sid-1"})

	waitFor(t, func() bool {
		hooks.mu.Lock()
		defer hooks.mu.Unlock()
		return len(hooks.starts) == 1
	}, "start not observed")

	// 400 bytes should frame into 160 + 160 + 80.
	if err := s.Send("cc-1", make([]byte, 400)); err != nil {
		t.Fatal(err)
	}

	var sizes []int
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for len(sizes) < 3 {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v (got %v)", err, sizes)
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Event != "media" || msg.StreamID != "sid-1" {
			t.Fatalf("unexpected message %+v", msg)
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, len(raw))
	}
	want := []int{160, 160, 80}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("packet sizes = %v, want %v", sizes, want)
		}
	}
}

func TestSendUnknownCall(t *testing.T) {
	s, _ := newTestServer(t, newRecordingHooks(), 10)
	if err := s.Send("nope", make([]byte, 160)); err == nil {
		t.Fatal("expected error for unknown call")
	}
}

func TestConnectionCap(t *testing.T) {
	hooks := newRecordingHooks()
	_, srv := newTestServer(t, hooks, 1)

	conn := dialStream(t, srv, "cc-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/calls/media?call_control_id=cc-2"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("second connection should be refused at cap 1")
	}
}
