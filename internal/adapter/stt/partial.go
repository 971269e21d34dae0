package stt

import (
	"strings"
	"time"
)

const (
	// A partial older than this with no successor is treated as a
	// finished utterance the provider's VAD failed to commit.
	autoCommitSilence = 500 * time.Millisecond
	// Minimum spacing between auto-commits.
	autoCommitSpacing = 1500 * time.Millisecond
	// Partials arriving this soon after an auto-commit are echoes of the
	// committed utterance and are suppressed.
	autoCommitCooldown = time.Second
	// Confidence attached to auto-committed transcripts.
	autoCommitConfidence = 0.8

	minPartialWords = 1
)

// voicemailKeywords trigger the voicemail short-circuit when present in any
// partial transcript.
var voicemailKeywords = []string{
	"voicemail",
	"voice mail",
	"leave a message",
	"leave your message",
	"after the beep",
	"after the tone",
	"at the tone",
	"mailbox",
	"you've reached",
	"you have reached",
	"is not available",
	"automated voice messaging system",
	"record your message",
}

// containsVoicemailKeyword reports whether text matches the voicemail set.
func containsVoicemailKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range voicemailKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// partialAction is the tracker's verdict on an incoming partial.
type partialAction int

const (
	partialIgnore partialAction = iota
	partialStore
	partialVoicemail
)

// partialTracker holds the latest partial snapshot and the auto-commit
// bookkeeping for one session.
type partialTracker struct {
	text   string
	seenAt time.Time

	lastAutoText string
	lastAutoAt   time.Time
	cooldownTil  time.Time
}

// onPartial classifies an incoming partial transcript.
func (p *partialTracker) onPartial(text string, now time.Time) partialAction {
	trimmed := strings.TrimSpace(text)
	if len(strings.Fields(trimmed)) < minPartialWords {
		return partialIgnore
	}
	if containsVoicemailKeyword(trimmed) {
		return partialVoicemail
	}
	if now.Before(p.cooldownTil) {
		return partialIgnore
	}
	if trimmed == p.lastAutoText {
		// Echo of the utterance just auto-committed.
		return partialIgnore
	}
	p.text = trimmed
	p.seenAt = now
	return partialStore
}

// onCommit clears the snapshot and auto-commit tracker when the provider
// commits an utterance itself.
func (p *partialTracker) onCommit() {
	p.text = ""
	p.lastAutoText = ""
	p.lastAutoAt = time.Time{}
}

// tick evaluates the silence rule. When it fires, the stored partial is
// promoted to a final and the tracker records it for dedupe.
func (p *partialTracker) tick(now time.Time) (string, bool) {
	if p.text == "" {
		return "", false
	}
	if now.Sub(p.seenAt) <= autoCommitSilence {
		return "", false
	}
	if p.text == p.lastAutoText {
		p.text = ""
		return "", false
	}
	if !p.lastAutoAt.IsZero() && now.Sub(p.lastAutoAt) < autoCommitSpacing {
		return "", false
	}
	text := p.text
	p.text = ""
	p.lastAutoText = text
	p.lastAutoAt = now
	p.cooldownTil = now.Add(autoCommitCooldown)
	return text, true
}

// hasPending reports whether an uncommitted partial is stored.
func (p *partialTracker) hasPending() bool {
	return p.text != ""
}
