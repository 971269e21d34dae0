package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"callpilot/internal/domain"
	"callpilot/internal/infra/config"
	"callpilot/internal/infra/tracer"
)

// ControlPlane is the call-control surface the orchestration layer depends
// on. Client implements it against a Telnyx-style Call Control v2 API;
// Mock implements it for tests.
type ControlPlane interface {
	Originate(ctx context.Context, to, streamURL string) (string, error)
	Answer(ctx context.Context, callControlID string) error
	Hangup(ctx context.Context, callControlID string) error
	Speak(ctx context.Context, callControlID, text string) error
	StartStream(ctx context.Context, callControlID, streamURL string) error
	StopStream(ctx context.Context, callControlID string) error
	Transfer(ctx context.Context, callControlID, number string) error
}

// Retry schedule for transient control-plane failures.
var retryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Client talks to the provider's Call Control v2 REST API.
type Client struct {
	cfg     config.TelephonyConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

// NewClient creates a control-plane client. All requests share one circuit
// breaker: repeated provider failures fail fast instead of piling up retries.
func NewClient(cfg config.TelephonyConfig, logger *slog.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "telephony",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Definitive provider answers must not trip the breaker.
			return err == nil || errors.Is(err, domain.ErrProviderRejected) || errors.Is(err, domain.ErrInvalidInput)
		},
	})

	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: cb,
		logger:  logger,
	}
}

// Originate places an outbound call and returns the provider's call control
// identifier. streamURL may be empty; the orchestration layer starts the
// media stream after answer, once the call id is known.
func (c *Client) Originate(ctx context.Context, to, streamURL string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "telephony.Originate")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call.to", to))

	body := map[string]any{
		"to":   to,
		"from": c.cfg.FromNumber,
	}
	if streamURL != "" {
		body["stream_url"] = streamURL
		body["stream_track"] = "inbound_track"
		body["stream_bidirectional"] = true
	}
	if c.cfg.MachineDetection {
		body["answering_machine_detection"] = "detect"
	}

	raw, err := c.do(ctx, http.MethodPost, "/v2/calls", body)
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("telephony.Originate", err)
	}

	var resp struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		tracer.RecordError(span, err)
		return "", domain.NewSubSystemError("telephony", "Originate", domain.ErrProviderRejected, "malformed originate response")
	}
	if resp.Data.CallControlID == "" {
		return "", domain.NewSubSystemError("telephony", "Originate", domain.ErrProviderRejected, "missing call_control_id")
	}
	tracer.SetOK(span)
	return resp.Data.CallControlID, nil
}

// Answer accepts an incoming call leg.
func (c *Client) Answer(ctx context.Context, callControlID string) error {
	return c.action(ctx, callControlID, "answer", map[string]any{})
}

// Hangup terminates the call leg.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	return c.action(ctx, callControlID, "hangup", map[string]any{})
}

// Speak plays provider-side TTS into the call. Used only for fallback
// prompts; the realtime path streams synthesized audio over the media socket.
func (c *Client) Speak(ctx context.Context, callControlID, text string) error {
	return c.action(ctx, callControlID, "speak", map[string]any{
		"payload":  text,
		"voice":    "female",
		"language": "en-US",
	})
}

// StartStream asks the provider to open the bidirectional media WebSocket.
func (c *Client) StartStream(ctx context.Context, callControlID, streamURL string) error {
	return c.action(ctx, callControlID, "streaming_start", map[string]any{
		"stream_url":           streamURL,
		"stream_track":         "inbound_track",
		"stream_bidirectional": true,
	})
}

// StopStream closes the media stream without ending the call.
func (c *Client) StopStream(ctx context.Context, callControlID string) error {
	return c.action(ctx, callControlID, "streaming_stop", map[string]any{})
}

// Transfer bridges the call to the given number. The bridged webhook
// confirms success; the caller owns the watchdog.
func (c *Client) Transfer(ctx context.Context, callControlID, number string) error {
	return c.action(ctx, callControlID, "transfer", map[string]any{
		"to":   number,
		"from": c.cfg.FromNumber,
	})
}

func (c *Client) action(ctx context.Context, callControlID, name string, body map[string]any) error {
	op := "telephony." + name
	ctx, span := tracer.StartSpan(ctx, op)
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call.control_id", callControlID))

	path := fmt.Sprintf("/v2/calls/%s/actions/%s", callControlID, name)
	if _, err := c.do(ctx, http.MethodPost, path, body); err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp(op, err)
	}
	tracer.SetOK(span)
	return nil
}

// do issues one control-plane request through the breaker, retrying
// transient failures up to three times with exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewDomainError("telephony.request", domain.ErrInvalidInput, err.Error())
	}

	return c.breaker.Execute(func() ([]byte, error) {
		var lastErr error
		for attempt := 0; ; attempt++ {
			raw, err := c.attempt(ctx, method, path, payload)
			if err == nil {
				return raw, nil
			}
			lastErr = err
			if !domain.IsRetryableError(err) || attempt >= len(retryBackoff) {
				return nil, err
			}
			c.logger.Warn("control call retry",
				"path", path,
				"attempt", attempt+1,
				"backoff", retryBackoff[attempt],
				"error", err,
			)
			select {
			case <-time.After(retryBackoff[attempt]):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", domain.ErrTimeout, lastErr)
			}
		}
	})
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewDomainError("telephony.request", domain.ErrInvalidInput, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrTransient, err)
	}

	if err := mapStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mapStatus converts provider HTTP status codes to domain sentinels.
func mapStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", domain.ErrUnauthorized, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", domain.ErrQuotaExceeded, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: HTTP %d", domain.ErrCallNotFound, status)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrTransient, status, truncate(body, 200))
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrProviderRejected, status, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

var _ ControlPlane = (*Client)(nil)
