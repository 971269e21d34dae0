package telephony

import (
	"encoding/json"
	"fmt"
	"time"

	"callpilot/internal/domain"
)

// webhookEnvelope is the provider's webhook body shape.
type webhookEnvelope struct {
	Data struct {
		EventType  string    `json:"event_type"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			CallControlID string `json:"call_control_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			HangupCause   string `json:"hangup_cause"`
			BridgedWith   string `json:"bridged_with"`
			StreamID      string `json:"stream_id"`
			Result        string `json:"result"`
			ErrorTitle    string `json:"title"`
			ErrorDetail   string `json:"detail"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseWebhook normalizes a provider webhook body into a domain.CallEvent.
// Unknown event types return (nil, nil): they are acknowledged and ignored.
func ParseWebhook(body []byte) (*domain.CallEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.NewSubSystemError("telephony", "ParseWebhook", domain.ErrInvalidInput, err.Error())
	}

	p := env.Data.Payload
	evt := domain.CallEvent{
		CallControlID: p.CallControlID,
		Timestamp:     env.Data.OccurredAt,
		From:          p.From,
		To:            p.To,
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	switch env.Data.EventType {
	case "call.initiated":
		evt.Type = domain.EventCallInitiated
	case "call.answered":
		evt.Type = domain.EventCallAnswered
	case "call.bridged":
		evt.Type = domain.EventCallBridged
		evt.BridgedWith = p.BridgedWith
	case "call.hangup":
		evt.Type = domain.EventCallHangup
		evt.HangupCause = p.HangupCause
	case "streaming.started":
		evt.Type = domain.EventStreamingStarted
		evt.StreamID = p.StreamID
	case "call.machine.detection.ended":
		evt.Type = domain.EventMachineDetection
		evt.MachineResult = p.Result
	case "call.speak.ended", "call.speak.started", "streaming.stopped":
		// Lifecycle noise, acknowledged but not routed.
		return nil, nil
	default:
		if isErrorEvent(env.Data.EventType) {
			evt.Type = domain.EventProviderError
			evt.Err = domain.NewSubSystemError("telephony", env.Data.EventType, domain.ErrProviderRejected,
				fmt.Sprintf("%s: %s", p.ErrorTitle, p.ErrorDetail))
			break
		}
		return nil, nil
	}

	if evt.CallControlID == "" {
		return nil, domain.NewSubSystemError("telephony", "ParseWebhook", domain.ErrInvalidInput, "missing call_control_id")
	}
	return &evt, nil
}

func isErrorEvent(eventType string) bool {
	switch eventType {
	case "call.error", "streaming.failed", "call.machine.detection.failed":
		return true
	}
	return false
}
