package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"callpilot/internal/domain"
	"callpilot/internal/infra/config"
)

const (
	streamReadSize = 4096

	// Rough speech rate used to estimate playback length when the byte
	// count is unknown (transfer scheduling fallback).
	charsPerSecond = 15

	// Telephony mu-law is 8000 bytes per second of audio.
	ulawBytesPerSecond = 8000
)

// Client streams synthesized speech from the provider. Audio is requested
// directly in ulaw_8000 so it feeds the telephony leg without transcoding.
type Client struct {
	cfg    config.TTSConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a synthesis client.
func NewClient(cfg config.TTSConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		// Streams run for the length of the utterance; no overall timeout.
		http:   &http.Client{},
		logger: logger,
	}
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
	// Latency tier 0-4; higher trades quality for first-byte latency.
	OptimizeStreamingLatency int `json:"optimize_streaming_latency"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// NormalizeVoiceID strips provider-prefixed voice names down to the bare id.
func NormalizeVoiceID(voice string) string {
	voice = strings.TrimPrefix(voice, "ElevenLabs.Default.")
	voice = strings.TrimPrefix(voice, "ElevenLabs.")
	return voice
}

// Synthesize streams text as mu-law audio chunks. The returned channel is
// closed when the stream ends; cancelling ctx aborts the request. Chunk
// order matches audio order.
func (c *Client) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	voice := NormalizeVoiceID(c.cfg.VoiceID)
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=ulaw_8000", c.cfg.BaseURL, voice)

	payload, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: c.cfg.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       c.cfg.Stability,
			SimilarityBoost: c.cfg.SimilarityBoost,
			Style:           c.cfg.Style,
			UseSpeakerBoost: c.cfg.UseSpeakerBoost,
		},
		OptimizeStreamingLatency: c.cfg.StreamLatency,
	})
	if err != nil {
		return nil, domain.NewSubSystemError("tts", "Synthesize", domain.ErrInvalidInput, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewSubSystemError("tts", "Synthesize", domain.ErrInvalidInput, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tts.Synthesize: %w", context.Cause(ctx))
		}
		return nil, fmt.Errorf("tts.Synthesize: %w: %v", domain.ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("tts.Synthesize: %w: HTTP %d: %s", mapStatus(resp.StatusCode), resp.StatusCode, string(body))
	}

	chunks := make(chan []byte, 8)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()
		for {
			buf := make([]byte, streamReadSize)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					c.logger.Warn("tts stream read error", "error", err)
				}
				return
			}
		}
	}()
	return chunks, nil
}

func mapStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrUnauthorized
	case status == http.StatusTooManyRequests:
		return domain.ErrQuotaExceeded
	case status >= 500:
		return domain.ErrTransient
	default:
		return domain.ErrProviderRejected
	}
}

// PlaybackDuration converts a mu-law byte count to audio wall time.
func PlaybackDuration(audioBytes int) time.Duration {
	return time.Duration(audioBytes) * time.Second / ulawBytesPerSecond
}

// EstimateSpeechDuration approximates how long spoken text lasts. Used when
// scheduling actions behind an utterance whose audio length is unknown.
func EstimateSpeechDuration(text string) time.Duration {
	n := len(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	d := time.Duration(n) * time.Second / charsPerSecond
	if d < time.Second {
		d = time.Second
	}
	return d
}
