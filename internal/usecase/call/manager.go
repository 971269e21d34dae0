package call

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"callpilot/internal/adapter/telephony"
	"callpilot/internal/domain"
	"callpilot/internal/infra/config"
	"callpilot/internal/infra/tracer"
)

// Manager originates calls, routes webhook and media events to per-call
// supervisors and runs the janitor. It implements media.Hooks.
type Manager struct {
	cfg      *config.Config
	registry *Registry
	logger   *slog.Logger

	control  telephony.ControlPlane
	media    MediaSender
	stt      STTConnector
	tts      Synthesizer
	dialog   DialogEngine
	archiver Archiver

	cron *cron.Cron
}

// NewManager wires the call orchestration layer. The media sender is set
// afterwards because the media server itself needs the manager as hooks.
func NewManager(cfg *config.Config, control telephony.ControlPlane, stt STTConnector, tts Synthesizer, dialog DialogEngine, archiver Archiver, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: NewRegistry(),
		logger:   logger,
		control:  control,
		stt:      stt,
		tts:      tts,
		dialog:   dialog,
		archiver: archiver,
	}
}

// SetMedia binds the media server once it has been constructed.
func (m *Manager) SetMedia(media MediaSender) { m.media = media }

// Registry exposes the active-call index.
func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) deps() Deps {
	return Deps{
		Control:  m.control,
		Media:    m.media,
		STT:      m.stt,
		TTS:      m.tts,
		Dialog:   m.dialog,
		Archiver: m.archiver,
		Registry: m.registry,
	}
}

// StartOutbound originates a call to the lead and starts its supervisor.
func (m *Manager) StartOutbound(ctx context.Context, to, leadName, leadAddress string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "call.StartOutbound")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call.to", to))

	// The stream is started after answer, once the call id is known.
	callControlID, err := m.control.Originate(ctx, to, "")
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("call.StartOutbound", err)
	}

	c := &domain.Call{
		CallControlID: callControlID,
		From:          m.cfg.Telephony.FromNumber,
		To:            to,
		State:         domain.CallStateInitiated,
		Format:        domain.MediaFormat{Encoding: "PCMU", SampleRate: 8000},
		LeadName:      leadName,
		LeadAddress:   leadAddress,
		CreatedAt:     time.Now(),
	}
	ctrl := NewController(c, m.deps(), m.cfg, m.logger)
	if err := m.registry.Add(ctrl); err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	ctrl.Start()

	m.logger.Info("call originated", "call_control_id", callControlID, "to", to)
	tracer.SetOK(span)
	return callControlID, nil
}

// HandleWebhook routes a normalized telephony event to its supervisor.
// Events for unknown calls are logged and dropped; the provider retries
// webhooks, so a late event after cleanup is normal.
func (m *Manager) HandleWebhook(evt domain.CallEvent) {
	ctrl := m.registry.Get(evt.CallControlID)
	if ctrl == nil {
		m.logger.Debug("webhook for unknown call",
			"call_control_id", evt.CallControlID, "type", evt.Type)
		return
	}
	ctrl.Deliver(evt)
}

// media.Hooks implementation.

// IsBridged runs on every inbound frame and must stay wait-free.
func (m *Manager) IsBridged(callControlID string) bool {
	return m.registry.IsBridged(callControlID)
}

// OnStart fires when the provider binds the media stream to a call.
func (m *Manager) OnStart(callControlID, streamID string) {
	if ctrl := m.registry.Get(callControlID); ctrl != nil {
		ctrl.Deliver(domain.CallEvent{
			Type:          domain.EventMediaStarted,
			CallControlID: callControlID,
			StreamID:      streamID,
			Timestamp:     time.Now(),
		})
	}
}

// OnAudio forwards one inbound frame to the call's transcription session.
func (m *Manager) OnAudio(callControlID string, frame []byte) {
	if ctrl := m.registry.Get(callControlID); ctrl != nil {
		ctrl.ForwardAudio(frame)
	}
}

// OnStop fires when the provider finalizes the media stream.
func (m *Manager) OnStop(callControlID string) {
	if ctrl := m.registry.Get(callControlID); ctrl != nil {
		ctrl.Deliver(domain.CallEvent{
			Type:          domain.EventMediaStopped,
			CallControlID: callControlID,
			Timestamp:     time.Now(),
		})
	}
}

// StartJanitor schedules the periodic sweep for calls past the maximum
// duration.
func (m *Manager) StartJanitor() error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(m.cfg.Timers.SweepInterval, m.sweep)
	if err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	m.cron.Start()
	return nil
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.Timers.MaxCallDuration)
	active := m.registry.Controllers()
	for _, ctrl := range active {
		if ctrl.CreatedAt().Before(cutoff) {
			m.logger.Warn("sweeping call past max duration",
				"call_control_id", ctrl.CallControlID(),
				"age", time.Since(ctrl.CreatedAt()).Round(time.Second))
			ctrl.ForceTimeout()
		}
	}
	if limit := m.cfg.Server.MaxWSConnections; limit > 0 && float64(len(active)) >= 0.8*float64(limit) {
		m.logger.Warn("call capacity high", "active", len(active), "max", limit)
	}
}

// Shutdown ends every active call and waits for their cleanup, bounded by
// ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cron != nil {
		m.cron.Stop()
	}
	ctrls := m.registry.Controllers()
	for _, ctrl := range ctrls {
		ctrl.Shutdown()
	}
	for _, ctrl := range ctrls {
		select {
		case <-ctrl.Done():
		case <-ctx.Done():
			m.logger.Warn("shutdown deadline reached with calls still active",
				"remaining", m.registry.Len())
			return
		}
	}
}
