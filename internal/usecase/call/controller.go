package call

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"callpilot/internal/adapter/telephony"
	"callpilot/internal/adapter/tts"
	"callpilot/internal/domain"
	"callpilot/internal/infra/config"
	"callpilot/internal/usecase/dialog"
)

const (
	mailboxSize     = 256
	actionTimeout   = 10 * time.Second
	archiveTimeout  = 5 * time.Second
	sttStopGrace    = time.Second
	internalBufSize = 32
)

// MediaSender pushes synthesized audio onto a call's media socket.
type MediaSender interface {
	Send(callControlID string, audio []byte) error
	CloseStream(callControlID string)
}

// STTSession is an open realtime transcription session.
type STTSession interface {
	SendAudio(frame []byte)
	Flush()
	Close()
	HasPendingPartial() bool
}

// STTConnector opens transcription sessions. Events flow back through the
// mailbox channel.
type STTConnector interface {
	Connect(ctx context.Context, callID string, mailbox chan<- domain.CallEvent) (STTSession, error)
}

// STTConnectorFunc adapts a function to STTConnector.
type STTConnectorFunc func(ctx context.Context, callID string, mailbox chan<- domain.CallEvent) (STTSession, error)

func (f STTConnectorFunc) Connect(ctx context.Context, callID string, mailbox chan<- domain.CallEvent) (STTSession, error) {
	return f(ctx, callID, mailbox)
}

// Synthesizer streams speech audio for a text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

// DialogEngine produces the next agent turn.
type DialogEngine interface {
	Respond(ctx context.Context, c *domain.Call) (*dialog.Result, error)
	ClosingLine(outcome dialog.Outcome) string
}

// Archiver persists terminal call records.
type Archiver interface {
	ArchiveCall(ctx context.Context, rec domain.CallRecord) error
	RecordTransfer(ctx context.Context, t domain.TransferredCall) error
}

// Deps are the collaborators a controller drives.
type Deps struct {
	Control  telephony.ControlPlane
	Media    MediaSender
	STT      STTConnector
	TTS      Synthesizer
	Dialog   DialogEngine
	Archiver Archiver
	Registry *Registry
}

// Internal events are posted by timers and worker goroutines so that all
// call state is mutated on the supervisor goroutine.
type internalKind int

const (
	ikWarnTimer internalKind = iota
	ikHangupTimer
	ikSpeakDone
	ikSTTConnected
	ikSTTConnectFailed
	ikSTTGrace
	ikWatchdog
	ikForceTimeout
	ikShutdown
)

type internalEvent struct {
	kind    internalKind
	gen     int
	session STTSession
	err     error
}

// Controller supervises one call. It owns the domain.Call and is the only
// goroutine that mutates it; everything else communicates through the
// mailbox.
type Controller struct {
	call   *domain.Call
	deps   Deps
	cfg    *config.Config
	logger *slog.Logger

	external chan domain.CallEvent
	internal chan internalEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cleanupOnce sync.Once

	// The media read loop forwards frames concurrently with the
	// supervisor, so the session pointer has its own lock.
	sttMu      sync.Mutex
	sttSession STTSession

	speakGen       int
	ttsCancel      context.CancelFunc
	sttReconnected bool
	warningIssued  bool

	// Terminal decision taken before the farewell finishes playing.
	pendingState domain.CallState
	pendingCause domain.HangupCause

	warnTimer     *time.Timer
	hangupTimer   *time.Timer
	watchdogTimer *time.Timer
	sttGraceTimer *time.Timer
}

// NewController builds the supervisor for a freshly originated call.
func NewController(c *domain.Call, deps Deps, cfg *config.Config, logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		call:     c,
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With("call_control_id", c.CallControlID),
		external: make(chan domain.CallEvent, mailboxSize),
		internal: make(chan internalEvent, internalBufSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// CallControlID returns the provider call id this controller supervises.
func (c *Controller) CallControlID() string { return c.call.CallControlID }

// CreatedAt returns when the call was originated. Immutable after
// construction, safe to read from the janitor.
func (c *Controller) CreatedAt() time.Time { return c.call.CreatedAt }

// Done closes when the call has reached a terminal state and cleanup ran.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start launches the supervisor goroutine.
func (c *Controller) Start() { go c.run() }

// Deliver posts an external event to the supervisor mailbox.
func (c *Controller) Deliver(evt domain.CallEvent) {
	select {
	case c.external <- evt:
	case <-c.done:
	}
}

// ForwardAudio hands an inbound media frame to the transcription session.
// Called from the media read loop; frames arriving before the session is
// open are dropped.
func (c *Controller) ForwardAudio(frame []byte) {
	c.sttMu.Lock()
	sess := c.sttSession
	c.sttMu.Unlock()
	if sess != nil {
		sess.SendAudio(frame)
	}
}

// ForceTimeout asks the supervisor to end the call for exceeding the
// maximum duration. Used by the janitor.
func (c *Controller) ForceTimeout() { c.postInternal(internalEvent{kind: ikForceTimeout}) }

// Shutdown asks the supervisor to hang up and archive. Used on service stop.
func (c *Controller) Shutdown() { c.postInternal(internalEvent{kind: ikShutdown}) }

func (c *Controller) postInternal(evt internalEvent) {
	select {
	case c.internal <- evt:
	case <-c.done:
	}
}

func (c *Controller) run() {
	for {
		select {
		case evt := <-c.external:
			c.handleExternal(evt)
		case evt := <-c.internal:
			c.handleInternal(evt)
		case <-c.ctx.Done():
			return
		}
		if c.call.State.IsTerminal() {
			return
		}
	}
}

func (c *Controller) handleExternal(evt domain.CallEvent) {
	switch evt.Type {
	case domain.EventCallInitiated:
		c.transition(domain.CallStateRinging)

	case domain.EventCallAnswered:
		if c.transition(domain.CallStateAnswered) {
			c.call.ConnectedAt = time.Now()
			c.call.AppendTurn(domain.SpeakerSystem, "call answered", time.Now())
			c.startMediaStream()
		}

	case domain.EventStreamingStarted:
		c.logger.Debug("provider confirmed media streaming", "stream_id", evt.StreamID)

	case domain.EventMediaStarted:
		if c.transition(domain.CallStateStreaming) {
			c.connectSTT()
		}

	case domain.EventMediaStopped:
		c.handleMediaStopped()

	case domain.EventSTTReady:
		c.logger.Debug("transcription session ready")

	case domain.EventSTTTranscript:
		c.handleTranscript(evt)

	case domain.EventSTTError, domain.EventSTTClosed:
		c.handleSTTFailure(evt.Err)

	case domain.EventMachineDetection:
		if evt.MachineResult == "machine" {
			c.enterVoicemail("answering machine detected")
		}

	case domain.EventCallBridged:
		c.handleBridged(evt)

	case domain.EventCallHangup:
		c.handleHangupWebhook(evt)

	case domain.EventProviderError:
		c.logger.Error("provider error event", "error", evt.Err)
		c.terminate(domain.HangupCauseProviderError, domain.CallStateFailed, true)

	default:
		c.logger.Debug("unhandled event", "type", evt.Type)
	}
}

func (c *Controller) handleInternal(evt internalEvent) {
	switch evt.kind {
	case ikWarnTimer:
		c.handleWarnTimer()
	case ikHangupTimer:
		c.handleHangupTimer()
	case ikSpeakDone:
		c.handleSpeakDone(evt.gen)
	case ikSTTConnected:
		c.handleSTTConnected(evt.session)
	case ikSTTConnectFailed:
		c.handleSTTConnectFailed(evt.err)
	case ikSTTGrace:
		c.closeSTT()
	case ikWatchdog:
		if !c.call.Bridged {
			c.logger.Warn("bridge never confirmed, ending call")
			c.terminate(domain.HangupCauseTransferFailed, domain.CallStateFailed, true)
		}
	case ikForceTimeout:
		c.logger.Warn("maximum call duration exceeded")
		c.terminate(domain.HangupCauseMaxDuration, domain.CallStateTimeout, true)
	case ikShutdown:
		c.terminate(domain.HangupCauseNormal, domain.CallStateCompleted, true)
	}
}

// startMediaStream asks the provider to dial our media WebSocket. The URL
// carries the call id so the socket can be bound before any in-band event.
func (c *Controller) startMediaStream() {
	streamURL := c.cfg.Server.WebhookBaseURL + "/calls/media?call_control_id=" + url.QueryEscape(c.call.CallControlID)
	ctx, cancel := context.WithTimeout(c.ctx, actionTimeout)
	defer cancel()
	if err := c.deps.Control.StartStream(ctx, c.call.CallControlID, streamURL); err != nil {
		c.logger.Error("media stream start failed", "error", err)
		c.terminate(domain.HangupCauseProviderError, domain.CallStateFailed, true)
	}
}

// connectSTT opens the transcription session off the supervisor goroutine
// and posts the result back.
func (c *Controller) connectSTT() {
	go func() {
		sess, err := c.deps.STT.Connect(c.ctx, c.call.CallControlID, c.external)
		if err != nil {
			c.postInternal(internalEvent{kind: ikSTTConnectFailed, err: err})
			return
		}
		c.postInternal(internalEvent{kind: ikSTTConnected, session: sess})
	}()
}

func (c *Controller) handleSTTConnected(sess STTSession) {
	if c.call.State.IsTerminal() || c.call.Bridged {
		sess.Close()
		return
	}
	c.sttMu.Lock()
	c.sttSession = sess
	c.sttMu.Unlock()

	c.transition(domain.CallStateQualifying)
	if len(c.call.Messages) <= 1 && c.cfg.Dialog.Greeting != "" {
		c.speak(c.cfg.Dialog.Greeting)
		return
	}
	c.armNoResponse()
}

func (c *Controller) handleSTTConnectFailed(err error) {
	if c.call.State.IsTerminal() || c.call.Bridged {
		return
	}
	if !c.sttReconnected {
		c.sttReconnected = true
		c.logger.Warn("transcription connect failed, retrying once", "error", err)
		c.connectSTT()
		return
	}
	c.logger.Error("transcription unavailable", "error", err)
	c.terminate(domain.HangupCauseSTTUnavailable, domain.CallStateFailed, true)
}

func (c *Controller) handleSTTFailure(err error) {
	if c.call.State.IsTerminal() || c.call.Bridged || c.call.HangupScheduled {
		return
	}
	c.closeSTT()
	if !c.sttReconnected {
		c.sttReconnected = true
		c.logger.Warn("transcription session lost, reconnecting", "error", err)
		c.connectSTT()
		return
	}
	c.logger.Error("transcription failed after reconnect", "error", err)
	c.terminate(domain.HangupCauseSTTUnavailable, domain.CallStateFailed, true)
}

func (c *Controller) handleTranscript(evt domain.CallEvent) {
	if c.call.State.IsTerminal() || c.call.Bridged {
		return
	}
	c.call.UserAttempted = true

	if !evt.IsFinal {
		// Partials record activity; the warning timer checks for a
		// pending partial before firing.
		return
	}

	if evt.VoicemailDetected {
		c.enterVoicemail("voicemail greeting transcribed")
		return
	}

	if c.call.AISpeaking {
		if c.call.HangupScheduled || c.call.TransferScheduled {
			// The farewell or transfer confirmation is playing; the
			// decision stands.
			return
		}
		if evt.AutoCommitted {
			// Overlapping speech promoted by the silence rule while our
			// own audio plays is usually echo. Keep the attempt recorded
			// and let the no-response cycle re-engage the caller once
			// playback ends; a VAD-committed final still barges in.
			c.logger.Debug("overlapping speech suppressed", "text", evt.Text)
			return
		}
		c.bargeIn()
	}

	c.stopResponseTimers()
	c.warningIssued = false
	c.call.AppendTurn(domain.SpeakerUser, evt.Text, evt.Timestamp)
	c.respond()
}

// bargeIn cancels in-flight playback because the callee started talking.
func (c *Controller) bargeIn() {
	if c.ttsCancel != nil {
		c.ttsCancel()
		c.ttsCancel = nil
	}
	c.speakGen++ // invalidates any pending playback-done event
	c.call.AISpeaking = false
	if c.call.State == domain.CallStateSpeaking {
		c.transition(domain.CallStateQualifying)
	}
}

func (c *Controller) respond() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.LLM.Timeout)
	res, err := c.deps.Dialog.Respond(ctx, c.call)
	cancel()
	if err != nil {
		c.logger.Error("dialog turn failed", "error", err)
		c.armNoResponse()
		return
	}
	if len(res.Updates) > 0 {
		c.logger.Info("qualification updated", "fields", res.Updates, "step", c.call.Cursor)
	}

	switch res.Outcome {
	case dialog.OutcomeTransfer:
		c.call.TransferScheduled = true
		c.speak(res.Text)

	case dialog.OutcomeDisqualified, dialog.OutcomeDeclined, dialog.OutcomeRequestedHangup:
		c.scheduleHangup(domain.HangupCauseNormal, domain.CallStateCompleted)
		c.speak(res.Text)

	default:
		if res.Text != "" {
			c.speak(res.Text)
			return
		}
		c.armNoResponse()
	}
}

func (c *Controller) enterVoicemail(reason string) {
	if c.call.VoicemailDetected || c.call.State.IsTerminal() {
		return
	}
	c.logger.Info("voicemail detected", "reason", reason)
	c.call.VoicemailDetected = true
	c.stopResponseTimers()
	if c.call.AISpeaking {
		c.bargeIn()
	}
	c.scheduleHangup(domain.HangupCauseVoicemail, domain.CallStateVoicemail)
	c.speak(c.cfg.Dialog.VoicemailFarewell)
}

func (c *Controller) scheduleHangup(cause domain.HangupCause, state domain.CallState) {
	c.call.HangupScheduled = true
	c.pendingCause = cause
	c.pendingState = state
}

// speak streams the text through TTS onto the media socket, then posts a
// playback-done event once the audio should have drained at the callee.
func (c *Controller) speak(text string) {
	if text == "" {
		return
	}
	c.call.AppendTurn(domain.SpeakerAgent, text, time.Now())
	c.stopResponseTimers()
	if c.ttsCancel != nil {
		c.ttsCancel()
	}
	c.speakGen++
	gen := c.speakGen

	ctx, cancel := context.WithCancel(c.ctx)
	c.ttsCancel = cancel
	c.call.AISpeaking = true
	if c.call.State == domain.CallStateQualifying {
		c.transition(domain.CallStateSpeaking)
	}
	go c.runSynthesis(ctx, gen, text)
}

func (c *Controller) runSynthesis(ctx context.Context, gen int, text string) {
	start := time.Now()
	total := 0

	chunks, err := c.deps.TTS.Synthesize(ctx, text)
	if err != nil {
		c.logger.Error("synthesis failed", "error", err)
	} else {
		for chunk := range chunks {
			if sendErr := c.deps.Media.Send(c.call.CallControlID, chunk); sendErr != nil {
				c.logger.Warn("media send failed", "error", sendErr)
				break
			}
			total += len(chunk)
		}
	}

	// The socket accepts audio far faster than the callee hears it, so
	// wait out the remaining playback before reporting done. When no
	// audio made it out, fall back to a text-length estimate.
	dur := tts.PlaybackDuration(total)
	if total == 0 {
		dur = tts.EstimateSpeechDuration(text)
	}
	if remaining := time.Until(start.Add(dur)); remaining > 0 {
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return
		}
	}
	c.postInternal(internalEvent{kind: ikSpeakDone, gen: gen})
}

func (c *Controller) handleSpeakDone(gen int) {
	if gen != c.speakGen || c.call.State.IsTerminal() {
		return
	}
	c.call.AISpeaking = false

	if c.call.HangupScheduled {
		c.terminate(c.pendingCause, c.pendingState, true)
		return
	}
	if c.call.TransferScheduled {
		c.call.TransferScheduled = false
		c.startTransfer()
		return
	}
	if c.call.State == domain.CallStateSpeaking {
		c.transition(domain.CallStateQualifying)
	}
	if !c.warningIssued {
		// After a warning the hangup timer is already counting down.
		c.armNoResponse()
	}
}

func (c *Controller) startTransfer() {
	if !c.transition(domain.CallStateTransferRequested) {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, actionTimeout)
	err := c.deps.Control.Transfer(ctx, c.call.CallControlID, c.cfg.Telephony.AgentNumber)
	cancel()
	if err != nil {
		c.logger.Error("transfer request failed", "error", err)
		c.terminate(domain.HangupCauseTransferFailed, domain.CallStateFailed, true)
		return
	}
	c.watchdogTimer = time.AfterFunc(c.cfg.Timers.BridgedWatchdog, func() {
		c.postInternal(internalEvent{kind: ikWatchdog})
	})
}

func (c *Controller) handleBridged(evt domain.CallEvent) {
	if c.call.State.IsTerminal() || c.call.Bridged {
		return
	}
	stopTimer(&c.watchdogTimer)
	c.call.Bridged = true
	c.deps.Registry.MarkBridged(c.call.CallControlID)
	c.transition(domain.CallStateBridged)
	c.closeSTT()
	c.call.AppendTurn(domain.SpeakerSystem, "bridged to agent "+evt.BridgedWith, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	err := c.deps.Archiver.RecordTransfer(ctx, domain.TransferredCall{
		CallControlID: c.call.CallControlID,
		From:          c.call.From,
		To:            c.call.To,
		TransferredAt: time.Now(),
	})
	if err != nil {
		c.logger.Error("transfer record failed", "error", err)
	}
	c.logger.Info("call bridged", "agent", evt.BridgedWith)
}

func (c *Controller) handleMediaStopped() {
	if c.call.State.IsTerminal() {
		return
	}
	c.sttMu.Lock()
	sess := c.sttSession
	c.sttMu.Unlock()
	if sess != nil {
		sess.Flush()
	}
	// Leave a short grace so the last transcript can still arrive.
	c.sttGraceTimer = time.AfterFunc(sttStopGrace, func() {
		c.postInternal(internalEvent{kind: ikSTTGrace})
	})
}

func (c *Controller) handleHangupWebhook(evt domain.CallEvent) {
	if c.call.State.IsTerminal() {
		return
	}
	state := domain.CallStateCompleted
	cause := domain.HangupCauseCalleeHangup
	switch {
	case c.call.Bridged:
		state = domain.CallStateTransferred
		cause = domain.HangupCauseNormal
	case c.call.VoicemailDetected:
		state = domain.CallStateVoicemail
		cause = domain.HangupCauseVoicemail
	case c.call.State == domain.CallStateInitiated || c.call.State == domain.CallStateRinging:
		state = domain.CallStateNoAnswer
		cause = domain.HangupCause(evt.HangupCause)
		if cause == "" {
			cause = domain.HangupCauseNormal
		}
	}
	// The provider leg is already down; no hangup request needed.
	c.terminate(cause, state, false)
}

// Timers.

func (c *Controller) armNoResponse() {
	c.stopResponseTimers()
	c.warnTimer = time.AfterFunc(c.cfg.Timers.NoResponseWarning, func() {
		c.postInternal(internalEvent{kind: ikWarnTimer})
	})
}

func (c *Controller) stopResponseTimers() {
	stopTimer(&c.warnTimer)
	stopTimer(&c.hangupTimer)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) handleWarnTimer() {
	if c.call.State.IsTerminal() || c.call.Bridged || c.call.AISpeaking {
		return
	}
	if c.hasPendingPartial() {
		// The callee is mid-utterance; give them another window.
		c.armNoResponse()
		return
	}
	c.logger.Info("no response, issuing warning")
	c.warningIssued = true
	// Arm the hangup timer after speak, which clears response timers.
	c.speak(c.cfg.Dialog.WarningPrompt)
	c.hangupTimer = time.AfterFunc(c.cfg.Timers.HangupAfterWarning, func() {
		c.postInternal(internalEvent{kind: ikHangupTimer})
	})
}

func (c *Controller) handleHangupTimer() {
	if c.call.State.IsTerminal() || c.call.Bridged || !c.warningIssued {
		return
	}
	if c.hasPendingPartial() {
		c.warningIssued = false
		c.armNoResponse()
		return
	}
	c.logger.Info("no response after warning, hanging up")
	c.terminate(domain.HangupCauseNoResponse, domain.CallStateNoResponse, true)
}

func (c *Controller) hasPendingPartial() bool {
	c.sttMu.Lock()
	sess := c.sttSession
	c.sttMu.Unlock()
	return sess != nil && sess.HasPendingPartial()
}

// terminate moves the call to a terminal state and runs the cleanup
// fan-out. When hangupLeg is set the provider leg is torn down too.
func (c *Controller) terminate(cause domain.HangupCause, state domain.CallState, hangupLeg bool) {
	if c.call.State.IsTerminal() {
		return
	}
	c.call.HangupCause = cause
	c.transition(state)

	if hangupLeg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		if err := c.deps.Control.Hangup(ctx, c.call.CallControlID); err != nil {
			c.logger.Warn("hangup request failed", "error", err)
		}
		cancel()
	}
	c.cleanup()
}

// cleanup is idempotent: stop timers, cancel playback, close the
// transcription session and media socket, archive, and deregister.
func (c *Controller) cleanup() {
	c.cleanupOnce.Do(func() {
		c.stopResponseTimers()
		stopTimer(&c.watchdogTimer)
		stopTimer(&c.sttGraceTimer)
		if c.ttsCancel != nil {
			c.ttsCancel()
			c.ttsCancel = nil
		}
		c.closeSTT()
		c.deps.Media.CloseStream(c.call.CallControlID)

		c.call.EndedAt = time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := c.deps.Archiver.ArchiveCall(ctx, domain.RecordFor(c.call)); err != nil {
			c.logger.Error("archive failed", "error", err)
		}
		cancel()

		c.deps.Registry.Remove(c.call.CallControlID)
		c.logger.Info("call ended",
			"state", c.call.State,
			"hangup_cause", c.call.HangupCause,
			"duration", c.call.EndedAt.Sub(c.call.CreatedAt).Round(time.Millisecond),
		)
		c.cancel()
		close(c.done)
	})
}

func (c *Controller) closeSTT() {
	c.sttMu.Lock()
	sess := c.sttSession
	c.sttSession = nil
	c.sttMu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// transition applies a state change, logging and refusing invalid ones.
func (c *Controller) transition(next domain.CallState) bool {
	if c.call.State == next {
		return false
	}
	if !c.call.State.CanTransitionTo(next) {
		c.logger.Warn("invalid state transition", "from", c.call.State, "to", next)
		return false
	}
	c.logger.Debug("state transition", "from", c.call.State, "to", next)
	c.call.State = next
	return true
}
