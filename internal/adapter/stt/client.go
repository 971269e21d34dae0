package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"callpilot/internal/domain"
	"callpilot/internal/infra/config"
)

const (
	// Grace after session_started before frames are accepted; the
	// provider drops audio that races its internal session setup.
	readyGrace = 100 * time.Millisecond

	// Silence-rule evaluation period.
	tickInterval = 200 * time.Millisecond
)

// Client creates realtime transcription sessions. One session per call.
type Client struct {
	cfg    config.STTConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a session factory.
func NewClient(cfg config.STTConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// token fetches a single-use realtime token. The API key never appears on
// the WebSocket URL.
func (c *Client) token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/speech-to-text/realtime/token", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", domain.NewSubSystemError("stt", "token", domain.ErrInvalidInput, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt token: %w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("stt token: %w", domain.ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("stt token: %w", domain.ErrQuotaExceeded)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("stt token: %w: HTTP %d", domain.ErrTransient, resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		return "", domain.NewSubSystemError("stt", "token", domain.ErrProviderRejected, "malformed token response")
	}
	return out.Token, nil
}

func (c *Client) wsURL(token string) string {
	base := c.cfg.BaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)

	q := url.Values{}
	q.Set("model_id", c.cfg.Model)
	q.Set("audio_format", "ulaw_8000")
	q.Set("language_code", c.cfg.Language)
	q.Set("commit_strategy", "vad")
	q.Set("vad_silence_threshold_secs", "0.3")
	q.Set("vad_threshold", "0.3")
	q.Set("min_speech_duration_ms", "100")
	q.Set("min_silence_duration_ms", "150")
	q.Set("token", token)
	return base + "/v1/speech-to-text/realtime?" + q.Encode()
}

// Connect fetches a token, dials the realtime endpoint and returns a live
// session. Transcript and error events flow into mailbox; the session holds
// no reference to its consumer.
func (c *Client) Connect(ctx context.Context, callID string, mailbox chan<- domain.CallEvent) (*Session, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, domain.WrapOp("stt.Connect", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.SessionStartTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.wsURL(tok), nil)
	if err != nil {
		return nil, fmt.Errorf("stt.Connect: %w: %v", domain.ErrTransient, err)
	}

	s := &Session{
		callID:   callID,
		conn:     conn,
		mailbox:  mailbox,
		logger:   c.logger,
		governor: newSendGovernor(),
		done:     make(chan struct{}),
	}

	// Fail the call if session_started never arrives.
	s.startTimeout = time.AfterFunc(c.cfg.SessionStartTimeout, func() {
		s.emitError(fmt.Errorf("stt session start: %w", domain.ErrTimeout))
		s.Close()
	})

	go s.readLoop()
	go s.tickLoop()
	return s, nil
}

// inboundMessage covers every provider message type.
type inboundMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	Error       string `json:"error"`
}

// outboundChunk is the audio ingest message.
type outboundChunk struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

// Session is one live realtime transcription socket.
type Session struct {
	callID  string
	conn    *websocket.Conn
	mailbox chan<- domain.CallEvent
	logger  *slog.Logger

	mu       sync.Mutex
	governor *sendGovernor
	tracker  partialTracker

	ready        atomic.Bool
	startTimeout *time.Timer

	droppedNotReady atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// DroppedNotReady returns the count of frames discarded before readiness.
func (s *Session) DroppedNotReady() int64 {
	return s.droppedNotReady.Load()
}

func (s *Session) emit(evt domain.CallEvent) {
	select {
	case s.mailbox <- evt:
	case <-s.done:
	}
}

func (s *Session) emitError(err error) {
	s.emit(domain.CallEvent{
		Type:          domain.EventSTTError,
		CallControlID: s.callID,
		Timestamp:     time.Now(),
		Err:           err,
	})
}

func (s *Session) writeChunk(audio []byte, commit bool) error {
	msg := outboundChunk{
		MessageType: "input_audio_chunk",
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
		Commit:      commit,
		SampleRate:  8000,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// SendAudio accepts one inbound media frame. Frames before readiness are
// dropped and counted; the rest flow through the governor.
func (s *Session) SendAudio(frame []byte) {
	if !s.ready.Load() {
		s.droppedNotReady.Add(1)
		return
	}
	s.mu.Lock()
	chunks := s.governor.push(frame, time.Now())
	s.mu.Unlock()

	for _, chunk := range chunks {
		if err := s.writeChunk(chunk, false); err != nil {
			s.logger.Debug("stt send failed", "call_control_id", s.callID, "error", err)
			return
		}
	}
}

// Flush sends any buffered audio followed by a commit marker. Called on
// media stop so the utterance tail is transcribed.
func (s *Session) Flush() {
	s.mu.Lock()
	rest := s.governor.drain()
	s.mu.Unlock()

	if len(rest) > 0 {
		if err := s.writeChunk(rest, false); err != nil {
			return
		}
	}
	_ = s.writeChunk(nil, true)
}

// Close tears the session down. Idempotent; part of the cleanup fan-out.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.startTimeout.Stop()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session end")
	})
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
			default:
				// Unexpected close; the controller owns reconnect policy.
				s.emit(domain.CallEvent{
					Type:          domain.EventSTTClosed,
					CallControlID: s.callID,
					Timestamp:     time.Now(),
					Err:           err,
				})
				s.Close()
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg inboundMessage) {
	switch msg.MessageType {
	case "session_started":
		s.startTimeout.Stop()
		// Readiness waits out a short grace after the ack.
		time.AfterFunc(readyGrace, func() {
			select {
			case <-s.done:
			default:
				s.ready.Store(true)
				s.emit(domain.CallEvent{
					Type:          domain.EventSTTReady,
					CallControlID: s.callID,
					Timestamp:     time.Now(),
				})
			}
		})

	case "partial_transcript":
		s.handlePartial(msg.Text)

	case "committed_transcript", "committed_transcript_with_timestamps":
		s.mu.Lock()
		s.tracker.onCommit()
		s.mu.Unlock()
		if strings.TrimSpace(msg.Text) == "" {
			return
		}
		s.emit(domain.TranscriptEvent(s.callID, strings.TrimSpace(msg.Text), true, 1.0))

	case "auth_error":
		s.fail(fmt.Errorf("stt: %w: %s", domain.ErrUnauthorized, msg.Error))
	case "quota_exceeded":
		s.fail(fmt.Errorf("stt: %w: %s", domain.ErrQuotaExceeded, msg.Error))
	case "queue_overflow":
		s.fail(fmt.Errorf("stt queue overflow: %w", domain.ErrTransient))
	case "transcriber_error", "input_error":
		s.fail(fmt.Errorf("stt: %w: %s", domain.ErrProviderRejected, msg.Error))
	}
}

func (s *Session) handlePartial(text string) {
	now := time.Now()
	s.mu.Lock()
	action := s.tracker.onPartial(text, now)
	s.mu.Unlock()

	switch action {
	case partialVoicemail:
		evt := domain.TranscriptEvent(s.callID, strings.TrimSpace(text), true, 1.0)
		evt.VoicemailDetected = true
		s.emit(evt)
	case partialStore:
		s.emit(domain.TranscriptEvent(s.callID, strings.TrimSpace(text), false, 0))
	}
}

// fail surfaces a provider error and closes the socket. The governor state
// dies with the session; a reconnect starts clean.
func (s *Session) fail(err error) {
	s.emitError(err)
	s.Close()
}

func (s *Session) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			text, fire := s.tracker.tick(now)
			s.mu.Unlock()
			if !fire {
				continue
			}
			evt := domain.TranscriptEvent(s.callID, text, true, autoCommitConfidence)
			evt.AutoCommitted = true
			s.emit(evt)
			// Flush the provider's buffer so it does not re-commit the
			// same utterance later.
			_ = s.writeChunk(nil, true)
		}
	}
}

// HasPendingPartial reports whether an uncommitted partial is stored.
// The controller consults this before arming the no-response timer.
func (s *Session) HasPendingPartial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.hasPending()
}
