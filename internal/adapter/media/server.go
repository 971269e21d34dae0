package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"callpilot/internal/domain"
)

const (
	// 20 ms of mu-law at 8 kHz.
	packetBytes = 160
	// Frames shorter than 10 ms are provider keepalives.
	minFrameBytes = 80

	sendQueueSize = 256
)

// Hooks is what the orchestration layer exposes to the media server.
// The server holds no reference to controllers; bridged lookups must be
// wait-free since they run on every inbound frame.
type Hooks interface {
	// IsBridged reports whether the call's audio is joined to a human agent.
	IsBridged(callControlID string) bool
	// OnStart fires when the provider binds the stream to the call.
	OnStart(callControlID, streamID string)
	// OnAudio receives one decoded mu-law frame.
	OnAudio(callControlID string, frame []byte)
	// OnStop fires when the provider finalizes the stream.
	OnStop(callControlID string)
}

// streamMessage is the provider's media WebSocket wire format, both directions.
type streamMessage struct {
	Event    string        `json:"event"`
	StreamID string        `json:"stream_id,omitempty"`
	Media    *mediaPayload `json:"media,omitempty"`
	Stop     *stopPayload  `json:"stop,omitempty"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type stopPayload struct {
	CallControlID string `json:"call_control_id"`
}

// stream is one live media connection.
type stream struct {
	callControlID string
	conn          *websocket.Conn
	streamID      atomic.Value // string, set on start
	sendQueue     chan []byte
	done          chan struct{}
	closeOnce     sync.Once
	startOnce     sync.Once

	inbound        atomic.Int64
	droppedShort   atomic.Int64
	droppedBridged atomic.Int64
	sent           atomic.Int64
}

func (s *stream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusNormalClosure, "stream end")
		}
	})
}

// Server owns the media WebSocket endpoint. One connection per call,
// identified by the call_control_id query parameter.
type Server struct {
	hooks   Hooks
	logger  *slog.Logger
	maxConn int

	mu      sync.RWMutex
	streams map[string]*stream
	active  atomic.Int64
}

// NewServer creates a media server with the given connection cap.
func NewServer(hooks Hooks, maxConn int, logger *slog.Logger) *Server {
	return &Server{
		hooks:   hooks,
		logger:  logger,
		maxConn: maxConn,
		streams: make(map[string]*stream),
	}
}

// ActiveConnections returns the current connection count.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// HandleHTTP upgrades the request and services the stream until it ends.
func (s *Server) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_control_id")
	if callID == "" {
		http.Error(w, "missing call_control_id", http.StatusBadRequest)
		return
	}

	n := s.active.Add(1)
	defer s.active.Add(-1)
	if int(n) > s.maxConn {
		s.logger.Error("media connection refused, cap reached", "active", n, "cap", s.maxConn)
		http.Error(w, "connection cap reached", http.StatusServiceUnavailable)
		return
	}
	if int(n)*10 >= s.maxConn*8 {
		s.logger.Warn("media connections above 80% of cap", "active", n, "cap", s.maxConn)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // the provider connects from varying origins
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "call_control_id", callID, "error", err)
		return
	}

	st := &stream{
		callControlID: callID,
		conn:          conn,
		sendQueue:     make(chan []byte, sendQueueSize),
		done:          make(chan struct{}),
	}
	s.register(st)
	defer s.unregister(st)

	go s.sendLoop(st)
	s.readLoop(r.Context(), st)
}

func (s *Server) register(st *stream) {
	s.mu.Lock()
	if old, ok := s.streams[st.callControlID]; ok {
		old.close()
	}
	s.streams[st.callControlID] = st
	s.mu.Unlock()
}

func (s *Server) unregister(st *stream) {
	st.close()
	s.mu.Lock()
	if s.streams[st.callControlID] == st {
		delete(s.streams, st.callControlID)
	}
	s.mu.Unlock()
	s.logger.Info("media stream ended",
		"call_control_id", st.callControlID,
		"inbound_packets", st.inbound.Load(),
		"dropped_short", st.droppedShort.Load(),
		"dropped_bridged", st.droppedBridged.Load(),
		"sent_packets", st.sent.Load(),
	)
}

// signalStart reports the stream binding to the orchestration layer exactly
// once, whether it came from a start message or a bare first frame.
func (s *Server) signalStart(st *stream, streamID string) {
	st.startOnce.Do(func() {
		s.hooks.OnStart(st.callControlID, streamID)
	})
}

func (s *Server) lookup(callID string) *stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[callID]
}

// readLoop processes inbound provider messages until the socket closes.
func (s *Server) readLoop(ctx context.Context, st *stream) {
	for {
		select {
		case <-st.done:
			return
		default:
		}

		_, data, err := st.conn.Read(ctx)
		if err != nil {
			select {
			case <-st.done:
			default:
				s.logger.Debug("media read error", "call_control_id", st.callControlID, "error", err)
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "connected":
			s.logger.Debug("media connected", "call_control_id", st.callControlID)

		case "start":
			st.streamID.Store(msg.StreamID)
			s.signalStart(st, msg.StreamID)
			s.logger.Info("media stream started",
				"call_control_id", st.callControlID,
				"stream_id", msg.StreamID,
			)

		case "media":
			if msg.Media == nil {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			// Some providers skip start entirely; the first frame binds
			// the stream.
			s.signalStart(st, "")
			st.inbound.Add(1)
			if len(frame) < minFrameBytes {
				st.droppedShort.Add(1)
				continue
			}
			if s.hooks.IsBridged(st.callControlID) {
				st.droppedBridged.Add(1)
				continue
			}
			s.hooks.OnAudio(st.callControlID, frame)

		case "stop":
			s.hooks.OnStop(st.callControlID)
			return
		}
	}
}

// sendLoop drains the outbound queue onto the socket, yielding every ten
// packets so a long synthesis burst cannot starve other goroutines.
func (s *Server) sendLoop(st *stream) {
	packets := 0
	for {
		select {
		case <-st.done:
			return
		case packet, ok := <-st.sendQueue:
			if !ok {
				return
			}
			streamID, _ := st.streamID.Load().(string)
			if streamID == "" {
				continue
			}
			msg := streamMessage{
				Event:    "media",
				StreamID: streamID,
				Media:    &mediaPayload{Payload: base64.StdEncoding.EncodeToString(packet)},
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := st.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
				s.logger.Debug("media send failed", "call_control_id", st.callControlID, "error", err)
				return
			}
			st.sent.Add(1)
			packets++
			if packets%10 == 0 {
				runtime.Gosched()
			}
		}
	}
}

// Send frames an audio chunk into 160-byte packets and enqueues them in
// order for the call's stream. It blocks when the queue is full so chunks
// are never reordered or dropped mid-utterance.
func (s *Server) Send(callControlID string, audio []byte) error {
	st := s.lookup(callControlID)
	if st == nil {
		return domain.NewSubSystemError("media", "Send", domain.ErrCallNotFound, callControlID)
	}
	for off := 0; off < len(audio); off += packetBytes {
		end := off + packetBytes
		if end > len(audio) {
			end = len(audio)
		}
		packet := make([]byte, end-off)
		copy(packet, audio[off:end])
		select {
		case st.sendQueue <- packet:
		case <-st.done:
			return domain.NewSubSystemError("media", "Send", domain.ErrCallEnded, callControlID)
		}
	}
	return nil
}

// CloseStream tears down the call's media connection if one is active.
// Safe to call repeatedly; part of the terminal cleanup fan-out.
func (s *Server) CloseStream(callControlID string) {
	if st := s.lookup(callControlID); st != nil {
		st.close()
	}
}

// CloseAll tears down every stream. Used at process shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.close()
	}
}
