package domain

import "time"

// EventType tags a CallEvent delivered to a call's supervisor mailbox.
type EventType string

const (
	// Telephony control-plane webhooks, normalized.
	EventCallInitiated    EventType = "call.initiated"
	EventCallAnswered     EventType = "call.answered"
	EventCallBridged      EventType = "call.bridged"
	EventCallHangup       EventType = "call.hangup"
	EventStreamingStarted EventType = "streaming.started"
	EventMachineDetection EventType = "machine.detection"
	EventProviderError    EventType = "provider.error"

	// Media socket lifecycle.
	EventMediaStarted EventType = "media.started"
	EventMediaStopped EventType = "media.stopped"

	// STT session.
	EventSTTReady      EventType = "stt.ready"
	EventSTTTranscript EventType = "stt.transcript"
	EventSTTError      EventType = "stt.error"
	EventSTTClosed     EventType = "stt.closed"
)

// CallEvent is the single message type flowing into a call supervisor.
// Clients emit events onto the mailbox and hold no back-pointer to the
// controller. Only the fields relevant to Type are populated.
type CallEvent struct {
	Type          EventType
	CallControlID string
	Timestamp     time.Time

	// Webhook payload fields.
	From        string
	To          string
	HangupCause string
	BridgedWith string
	StreamID    string
	// MachineResult holds the provider's answering-machine verdict
	// ("machine", "human", "not_sure") on EventMachineDetection.
	MachineResult string

	// Transcript fields (EventSTTTranscript).
	Text              string
	IsFinal           bool
	Confidence        float64
	AutoCommitted     bool
	VoicemailDetected bool

	// Error detail (EventSTTError, EventSTTClosed, EventProviderError).
	Err error
}

// TranscriptEvent builds a transcript mailbox event.
func TranscriptEvent(callID, text string, final bool, confidence float64) CallEvent {
	return CallEvent{
		Type:          EventSTTTranscript,
		CallControlID: callID,
		Timestamp:     time.Now(),
		Text:          text,
		IsFinal:       final,
		Confidence:    confidence,
	}
}
