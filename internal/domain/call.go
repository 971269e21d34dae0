package domain

import "time"

// CallState represents the state of a voice call.
type CallState string

const (
	CallStateInitiated         CallState = "initiated"
	CallStateRinging           CallState = "ringing"
	CallStateAnswered          CallState = "answered"
	CallStateStreaming         CallState = "streaming"
	CallStateQualifying        CallState = "qualifying"
	CallStateSpeaking          CallState = "speaking"
	CallStateTransferRequested CallState = "transfer_requested"
	CallStateBridged           CallState = "bridged"

	CallStateCompleted   CallState = "completed"
	CallStateTransferred CallState = "transferred"
	CallStateVoicemail   CallState = "voicemail"
	CallStateNoAnswer    CallState = "no_answer"
	CallStateNoResponse  CallState = "no_response"
	CallStateTimeout     CallState = "timeout"
	CallStateFailed      CallState = "failed"
)

// callStateOrder defines the monotonic ordering for non-terminal states.
var callStateOrder = map[CallState]int{
	CallStateInitiated:         0,
	CallStateRinging:           1,
	CallStateAnswered:          2,
	CallStateStreaming:         3,
	CallStateQualifying:        4,
	CallStateSpeaking:          5,
	CallStateTransferRequested: 6,
	CallStateBridged:           7,
}

// terminalStates are absorbing. Once reached, no further transitions are allowed.
var terminalStates = map[CallState]bool{
	CallStateCompleted:   true,
	CallStateTransferred: true,
	CallStateVoicemail:   true,
	CallStateNoAnswer:    true,
	CallStateNoResponse:  true,
	CallStateTimeout:     true,
	CallStateFailed:      true,
}

// IsTerminal returns true if the state is a terminal (absorbing) state.
func (s CallState) IsTerminal() bool {
	return terminalStates[s]
}

// CanTransitionTo checks whether a transition from s to next is valid.
func (s CallState) CanTransitionTo(next CallState) bool {
	if s.IsTerminal() {
		return false
	}
	// Any non-terminal state can transition to a terminal state.
	if next.IsTerminal() {
		return true
	}
	// Qualifying and speaking alternate while the dialog runs.
	if (s == CallStateQualifying && next == CallStateSpeaking) ||
		(s == CallStateSpeaking && next == CallStateQualifying) {
		return true
	}
	// Otherwise, must be monotonically forward.
	cur, curOk := callStateOrder[s]
	nxt, nxtOk := callStateOrder[next]
	if !curOk || !nxtOk {
		return false
	}
	return nxt > cur
}

// HangupCause identifies why a call ended.
type HangupCause string

const (
	HangupCauseNormal         HangupCause = "normal_clearing"
	HangupCauseNoResponse     HangupCause = "no_response"
	HangupCauseVoicemail      HangupCause = "voicemail"
	HangupCauseTransferFailed HangupCause = "transfer_failed"
	HangupCauseSTTUnavailable HangupCause = "stt_unavailable"
	HangupCauseProviderError  HangupCause = "provider_error"
	HangupCauseMaxDuration    HangupCause = "max_duration"
	HangupCauseCalleeHangup   HangupCause = "callee_hangup"
)

// Speaker identifies who produced a transcript turn.
type Speaker string

const (
	SpeakerSystem Speaker = "system"
	SpeakerAgent  Speaker = "agent"
	SpeakerUser   Speaker = "user"
)

// TurnEntry is one entry in a call's message log. The log is append-only
// with non-decreasing timestamps.
type TurnEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// MediaFormat describes the negotiated audio codec on the telephony leg.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// Call holds all per-call state. It is owned by a single supervisor
// goroutine; collaborators receive copies or communicate through events.
type Call struct {
	CallControlID string      `json:"call_control_id"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	State         CallState   `json:"state"`
	Format        MediaFormat `json:"format"`

	// Lead identity, supplied at originate time for the verification step.
	LeadName    string `json:"lead_name,omitempty"`
	LeadAddress string `json:"lead_address,omitempty"`

	Qualification Qualification `json:"qualification"`
	Messages      []TurnEntry   `json:"messages"`

	// Cursor is the next scripted dialog step, maintained by the dialog
	// engine. Observability only; the engine derives flow from the
	// qualification record.
	Cursor string `json:"cursor,omitempty"`

	// Flags mutated only by the owning supervisor.
	AISpeaking        bool `json:"-"`
	UserAttempted     bool `json:"-"`
	Bridged           bool `json:"-"`
	VoicemailDetected bool `json:"-"`
	HangupScheduled   bool `json:"-"`
	TransferScheduled bool `json:"-"`
	DiscoveryAsked    bool `json:"-"`
	DiscoveryDone     bool `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`

	HangupCause HangupCause `json:"hangup_cause,omitempty"`
}

// AppendTurn appends a turn to the message log, clamping the timestamp so
// the log stays non-decreasing.
func (c *Call) AppendTurn(speaker Speaker, text string, at time.Time) {
	if n := len(c.Messages); n > 0 && at.Before(c.Messages[n-1].Timestamp) {
		at = c.Messages[n-1].Timestamp
	}
	c.Messages = append(c.Messages, TurnEntry{Speaker: speaker, Text: text, Timestamp: at})
}

// DialogTurns returns the turns eligible as LLM context. System entries are
// audit-only and never replayed to the model.
func (c *Call) DialogTurns() []TurnEntry {
	out := make([]TurnEntry, 0, len(c.Messages))
	for _, t := range c.Messages {
		if t.Speaker == SpeakerSystem {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ArchiveStatus is the persisted terminal classification of a call.
type ArchiveStatus string

const (
	ArchiveCompleted   ArchiveStatus = "completed"
	ArchiveTransferred ArchiveStatus = "transferred"
	ArchiveVoicemail   ArchiveStatus = "voicemail"
	ArchiveNoAnswer    ArchiveStatus = "no_answer"
	ArchiveNoResponse  ArchiveStatus = "no_response"
	ArchiveTimeout     ArchiveStatus = "timeout"
)

// ArchiveStatusFor maps a terminal call state to its persisted status.
func ArchiveStatusFor(s CallState) ArchiveStatus {
	switch s {
	case CallStateTransferred:
		return ArchiveTransferred
	case CallStateVoicemail:
		return ArchiveVoicemail
	case CallStateNoAnswer:
		return ArchiveNoAnswer
	case CallStateNoResponse:
		return ArchiveNoResponse
	case CallStateTimeout:
		return ArchiveTimeout
	default:
		return ArchiveCompleted
	}
}

// CallRecord is the snapshot persisted when a call reaches a terminal state.
type CallRecord struct {
	CallControlID string        `json:"call_control_id"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Duration      time.Duration `json:"duration"`
	Status        ArchiveStatus `json:"status"`
	HangupCause   HangupCause   `json:"hangup_cause,omitempty"`
	Messages      []TurnEntry   `json:"messages"`
	Qualification Qualification `json:"qualification"`
}

// TransferredCall records a successful bridge to a human agent.
type TransferredCall struct {
	CallControlID string    `json:"call_control_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	TransferredAt time.Time `json:"transferred_at"`
}

// RecordFor builds the archive snapshot for a call in a terminal state.
func RecordFor(c *Call) CallRecord {
	end := c.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	start := c.ConnectedAt
	if start.IsZero() {
		start = c.CreatedAt
	}
	return CallRecord{
		CallControlID: c.CallControlID,
		From:          c.From,
		To:            c.To,
		StartTime:     start,
		EndTime:       end,
		Duration:      end.Sub(start),
		Status:        ArchiveStatusFor(c.State),
		HangupCause:   c.HangupCause,
		Messages:      c.Messages,
		Qualification: c.Qualification,
	}
}
