package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"callpilot/internal/domain"
	"callpilot/internal/infra/config"
	"callpilot/internal/infra/tracer"
)

// Outcome is a terminal dialog decision emitted via set_call_outcome.
type Outcome string

const (
	OutcomeNone            Outcome = ""
	OutcomeTransfer        Outcome = "transfer_to_agent"
	OutcomeDisqualified    Outcome = "disqualified"
	OutcomeDeclined        Outcome = "user_declined"
	OutcomeRequestedHangup Outcome = "user_requested_hangup"
)

// Scripted dialog steps, in order.
const (
	StepVerify     = "verify"
	StepDiscovery  = "discovery"
	StepAlzheimers = "alzheimers"
	StepHospice    = "hospice"
	StepAge        = "age"
	StepBank       = "bank"
	StepClose      = "close"
)

// scriptQuestions are the canonical questions per step, used as fallback
// and anti-repetition substitutes.
var scriptQuestions = map[string]string{
	StepVerify:     "Before we continue, can you confirm your name and address for me?",
	StepDiscovery:  "Have you received information about a final expense program before?",
	StepAlzheimers: "Have you ever been diagnosed with Alzheimer's or dementia?",
	StepHospice:    "Are you currently in hospice or a nursing home?",
	StepAge:        "And may I ask how old you are?",
	StepBank:       "Do you have a checking or savings account for the premiums?",
}

// stepForField maps a qualification field to the step that establishes it.
var stepForField = map[string]string{
	domain.FieldVerifiedInfo:   StepVerify,
	domain.FieldNoAlzheimers:   StepAlzheimers,
	domain.FieldNoHospice:      StepHospice,
	domain.FieldAgeQualified:   StepAge,
	domain.FieldHasBankAccount: StepBank,
}

const neutralPrompt = "I'm sorry, could you say that again for me?"

// How many recent assistant turns the anti-repetition rule inspects.
const repetitionWindow = 3

// Result is the outcome of one dialog turn.
type Result struct {
	// Text is what the agent speaks next. Empty when the turn produced
	// only an outcome with no reply.
	Text string
	// Updates lists the qualification fields applied this turn.
	Updates []string
	// Outcome is non-empty when the dialog decided how the call ends.
	Outcome Outcome
}

// Engine drives the scripted qualification dialog through an LLM with tool
// calls. It is the only component that mutates a call's qualification.
type Engine struct {
	provider domain.LLMProvider
	cfg      config.LLMConfig
	script   config.DialogConfig
	logger   *slog.Logger
}

// NewEngine creates a dialog engine.
func NewEngine(provider domain.LLMProvider, cfg config.LLMConfig, script config.DialogConfig, logger *slog.Logger) *Engine {
	return &Engine{provider: provider, cfg: cfg, script: script, logger: logger}
}

// ClosingLine returns the configured farewell for a non-transfer outcome.
func (e *Engine) ClosingLine(outcome Outcome) string {
	switch outcome {
	case OutcomeDisqualified:
		return e.script.DisqualifiedClose
	case OutcomeDeclined:
		return e.script.DeclinedClose
	case OutcomeRequestedHangup:
		return e.script.RequestedHangupClose
	default:
		return e.script.DisqualifiedClose
	}
}

// CurrentStep derives the next scripted step from the call state.
func CurrentStep(c *domain.Call) string {
	if c.Qualification.VerifiedInfo == domain.TriUnset {
		return StepVerify
	}
	if !c.DiscoveryDone {
		return StepDiscovery
	}
	for _, f := range []string{domain.FieldNoAlzheimers, domain.FieldNoHospice, domain.FieldAgeQualified, domain.FieldHasBankAccount} {
		if v, _ := c.Qualification.Get(f); v == domain.TriUnset {
			return stepForField[f]
		}
	}
	return StepClose
}

// Respond consumes the latest user utterance (already appended to the
// message log) and produces the next agent turn. It applies tool calls to
// the call's qualification and enforces the transfer gate.
func (e *Engine) Respond(ctx context.Context, c *domain.Call) (*Result, error) {
	ctx, span := tracer.StartSpan(ctx, "dialog.Respond")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call.control_id", c.CallControlID))

	// The utterance now being processed answers the discovery question.
	answeringDiscovery := c.DiscoveryAsked && !c.DiscoveryDone
	if answeringDiscovery {
		c.DiscoveryDone = true
	}

	verifiedBefore := c.Qualification.VerifiedInfo

	req := domain.ChatRequest{
		Model:       e.cfg.Model,
		Messages:    e.buildMessages(c),
		Tools:       toolSchemas(),
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}

	resp, err := e.provider.Chat(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("dialog.Respond", err)
	}

	result := &Result{}
	for _, tc := range resp.Message.ToolCalls {
		e.applyToolCall(c, tc, answeringDiscovery, result)
	}

	result.Text = e.chooseText(c, strings.TrimSpace(resp.Message.Content), verifiedBefore, result)
	c.Cursor = CurrentStep(c)
	if c.Cursor == StepDiscovery && result.Text != "" {
		c.DiscoveryAsked = true
	}
	tracer.SetOK(span)
	return result, nil
}

type updateArgs struct {
	Field string `json:"field"`
	Value bool   `json:"value"`
}

type outcomeArgs struct {
	Outcome string `json:"outcome"`
}

func (e *Engine) applyToolCall(c *domain.Call, tc domain.ToolCall, answeringDiscovery bool, result *Result) {
	switch tc.Name {
	case "update_qualification":
		var args updateArgs
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			e.logger.Warn("malformed update_qualification", "call_control_id", c.CallControlID, "error", err)
			return
		}
		if answeringDiscovery {
			// The discovery step establishes rapport, not facts.
			e.logger.Debug("qualification update suppressed during discovery",
				"call_control_id", c.CallControlID, "field", args.Field)
			return
		}
		if err := c.Qualification.Set(args.Field, args.Value); err != nil {
			if errors.Is(err, domain.ErrInvariant) {
				e.logger.Warn("qualification flip rejected",
					"call_control_id", c.CallControlID,
					"field", args.Field,
					"value", args.Value,
				)
				return
			}
			e.logger.Warn("qualification update rejected",
				"call_control_id", c.CallControlID, "field", args.Field, "error", err)
			return
		}
		result.Updates = append(result.Updates, args.Field)

	case "set_call_outcome":
		var args outcomeArgs
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			e.logger.Warn("malformed set_call_outcome", "call_control_id", c.CallControlID, "error", err)
			return
		}
		outcome := Outcome(args.Outcome)
		switch outcome {
		case OutcomeTransfer:
			if !c.Qualification.AllTrue() {
				e.logger.Warn("transfer outcome rejected, qualification incomplete",
					"call_control_id", c.CallControlID)
				return
			}
			result.Outcome = OutcomeTransfer
		case OutcomeDisqualified, OutcomeDeclined, OutcomeRequestedHangup:
			result.Outcome = outcome
		default:
			e.logger.Warn("unknown call outcome", "call_control_id", c.CallControlID, "outcome", args.Outcome)
		}
	}
}

// chooseText applies the anti-repetition rule and the post-verification
// override to the LLM's candidate reply.
func (e *Engine) chooseText(c *domain.Call, candidate string, verifiedBefore domain.TriState, result *Result) string {
	step := CurrentStep(c)

	if candidate == "" {
		if result.Outcome != OutcomeNone && result.Outcome != OutcomeTransfer {
			return e.ClosingLine(result.Outcome)
		}
		if result.Outcome == OutcomeTransfer {
			return e.script.TransferConfirmation
		}
		return fallbackQuestion(step)
	}

	// Post-verification override: a bare acknowledgment right after the
	// identity check stalls the script, so ask the discovery question.
	if verifiedBefore == domain.TriUnset &&
		c.Qualification.VerifiedInfo == domain.TriTrue &&
		c.Qualification.NoAlzheimers == domain.TriUnset &&
		isAcknowledgmentOnly(candidate) {
		return scriptQuestions[StepDiscovery]
	}

	// Anti-repetition: a candidate repeating any of the last assistant
	// turns verbatim is replaced with the next scripted question. The
	// substitute must not itself repeat the previous turn.
	if repeatsRecentTurn(c, candidate) {
		if q := fallbackQuestion(step); q != candidate && q != lastAgentTurn(c) {
			return q
		}
		if neutralPrompt != lastAgentTurn(c) {
			return neutralPrompt
		}
		return fallbackQuestion(step)
	}

	return candidate
}

func lastAgentTurn(c *domain.Call) string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Speaker == domain.SpeakerAgent {
			return c.Messages[i].Text
		}
	}
	return ""
}

func fallbackQuestion(step string) string {
	if q, ok := scriptQuestions[step]; ok {
		return q
	}
	return neutralPrompt
}

// isAcknowledgmentOnly reports whether text is a short filler with no
// question in it.
func isAcknowledgmentOnly(text string) bool {
	if strings.Contains(text, "?") {
		return false
	}
	return len(strings.Fields(text)) <= 6
}

func repeatsRecentTurn(c *domain.Call, candidate string) bool {
	seen := 0
	for i := len(c.Messages) - 1; i >= 0 && seen < repetitionWindow; i-- {
		turn := c.Messages[i]
		if turn.Speaker != domain.SpeakerAgent {
			continue
		}
		seen++
		if turn.Text == candidate {
			return true
		}
	}
	return false
}

// buildMessages assembles the LLM context: system prompt, prior non-system
// turns, with speaker roles mapped onto the chat protocol.
func (e *Engine) buildMessages(c *domain.Call) []domain.Message {
	msgs := make([]domain.Message, 0, len(c.Messages)+1)
	msgs = append(msgs, domain.Message{
		Role:      domain.RoleSystem,
		Content:   e.systemPrompt(c),
		Timestamp: c.CreatedAt,
	})
	for _, turn := range c.DialogTurns() {
		role := domain.RoleUser
		if turn.Speaker == domain.SpeakerAgent {
			role = domain.RoleAssistant
		}
		msgs = append(msgs, domain.Message{
			Role:      role,
			Content:   turn.Text,
			Timestamp: turn.Timestamp,
		})
	}
	return msgs
}

func (e *Engine) systemPrompt(c *domain.Call) string {
	var b strings.Builder
	b.WriteString("You are a phone agent qualifying a lead for a final expense program. ")
	b.WriteString("Speak in short, natural sentences suited to a phone call. Ask one question at a time.\n\n")
	if c.LeadName != "" {
		fmt.Fprintf(&b, "Lead name: %s.\n", c.LeadName)
	}
	if c.LeadAddress != "" {
		fmt.Fprintf(&b, "Lead address: %s.\n", c.LeadAddress)
	}
	b.WriteString("\nFollow this script strictly, in order:\n")
	b.WriteString("1. Verify the lead's name and address. On confirmation call update_qualification(verified_info, true) and immediately ask the discovery question.\n")
	b.WriteString("2. Discovery: ask whether they received information about the program before. Never call update_qualification for this step.\n")
	b.WriteString("3. Ask about Alzheimer's or dementia; call update_qualification(no_alzheimers, true) if they have neither, false if they do.\n")
	b.WriteString("4. Ask about hospice or nursing home care; call update_qualification(no_hospice, true) if in neither, false otherwise.\n")
	b.WriteString("5. Ask their age; call update_qualification(age_qualified, true) if between 50 and 78, false otherwise.\n")
	b.WriteString("6. Ask about a checking or savings account; call update_qualification(has_bank_account, true or false).\n")
	b.WriteString("7. When all five fields are true, call set_call_outcome(transfer_to_agent). ")
	b.WriteString("If any answer disqualifies them, call set_call_outcome(disqualified). ")
	b.WriteString("If they decline, set_call_outcome(user_declined); if they ask to hang up, set_call_outcome(user_requested_hangup).\n")

	fmt.Fprintf(&b, "\nCurrent qualification: verified_info=%s, no_alzheimers=%s, no_hospice=%s, age_qualified=%s, has_bank_account=%s.\n",
		c.Qualification.VerifiedInfo, c.Qualification.NoAlzheimers, c.Qualification.NoHospice,
		c.Qualification.AgeQualified, c.Qualification.HasBankAccount)
	fmt.Fprintf(&b, "Next step: %s.\n", CurrentStep(c))
	return b.String()
}

func toolSchemas() []domain.ToolSchema {
	return []domain.ToolSchema{
		{
			Name:        "update_qualification",
			Description: "Set exactly one qualification field. Fields are write-once per call.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"field": {
						"type": "string",
						"enum": ["verified_info", "no_alzheimers", "no_hospice", "age_qualified", "has_bank_account"]
					},
					"value": {"type": "boolean"}
				},
				"required": ["field", "value"]
			}`),
		},
		{
			Name:        "set_call_outcome",
			Description: "Decide how the call ends. transfer_to_agent requires all five qualification fields true.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"outcome": {
						"type": "string",
						"enum": ["transfer_to_agent", "disqualified", "user_declined", "user_requested_hangup"]
					}
				},
				"required": ["outcome"]
			}`),
		},
	}
}
