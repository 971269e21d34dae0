package stt

import (
	"testing"
	"time"
)

func TestPartialMinWords(t *testing.T) {
	var p partialTracker
	now := time.Now()
	if got := p.onPartial("   ", now); got != partialIgnore {
		t.Fatalf("blank partial: got %d", got)
	}
	if got := p.onPartial("yes", now); got != partialStore {
		t.Fatalf("single word must be accepted: got %d", got)
	}
}

func TestPartialVoicemailKeywords(t *testing.T) {
	cases := []string{
		"you've reached the voicemail of",
		"Please leave a message after the beep",
		"the MAILBOX is full",
		"this is an automated voice messaging system",
	}
	for _, text := range cases {
		var p partialTracker
		if got := p.onPartial(text, time.Now()); got != partialVoicemail {
			t.Errorf("%q: got %d, want voicemail", text, got)
		}
	}
	var p partialTracker
	if got := p.onPartial("yes I have a checking account", time.Now()); got != partialStore {
		t.Fatalf("normal speech misclassified: %d", got)
	}
}

func TestAutoCommitFires(t *testing.T) {
	var p partialTracker
	t0 := time.Now()
	p.onPartial("I am sixty four", t0)

	if _, ok := p.tick(t0.Add(300 * time.Millisecond)); ok {
		t.Fatal("fired before the silence window")
	}
	text, ok := p.tick(t0.Add(600 * time.Millisecond))
	if !ok || text != "I am sixty four" {
		t.Fatalf("got %q, %v", text, ok)
	}
	if p.hasPending() {
		t.Fatal("partial must clear after auto-commit")
	}
}

func TestAutoCommitDedupe(t *testing.T) {
	var p partialTracker
	t0 := time.Now()
	p.onPartial("hello", t0)
	if _, ok := p.tick(t0.Add(600 * time.Millisecond)); !ok {
		t.Fatal("first commit must fire")
	}

	// The same text arriving again within a 3 s window must not produce a
	// second final: first the cooldown swallows it, then the dedupe.
	for _, dt := range []time.Duration{1100, 1600, 2400} {
		at := t0.Add(dt * time.Millisecond)
		if act := p.onPartial("hello", at); act == partialStore {
			if _, ok := p.tick(at.Add(600 * time.Millisecond)); ok {
				t.Fatalf("duplicate auto-commit at +%dms", dt)
			}
		}
	}
}

func TestAutoCommitCooldownSuppressesPartials(t *testing.T) {
	var p partialTracker
	t0 := time.Now()
	p.onPartial("one moment", t0)
	p.tick(t0.Add(600 * time.Millisecond))

	// Inside the cooldown even a different text is suppressed.
	if act := p.onPartial("something else", t0.Add(900*time.Millisecond)); act != partialIgnore {
		t.Fatalf("cooldown not applied: %d", act)
	}
	// After the cooldown, new speech flows again.
	if act := p.onPartial("something else", t0.Add(1700*time.Millisecond)); act != partialStore {
		t.Fatalf("post-cooldown partial rejected: %d", act)
	}
}

func TestAutoCommitSpacing(t *testing.T) {
	t0 := time.Now()
	p := partialTracker{
		text:         "second",
		seenAt:       t0,
		lastAutoText: "first",
		lastAutoAt:   t0.Add(-700 * time.Millisecond),
	}

	// Silence window has passed but the last auto-commit was only 1.3 s ago.
	if _, ok := p.tick(t0.Add(600 * time.Millisecond)); ok {
		t.Fatal("commit fired inside the spacing window")
	}
	if text, ok := p.tick(t0.Add(900 * time.Millisecond)); !ok || text != "second" {
		t.Fatalf("got %q, %v", text, ok)
	}
}

func TestProviderCommitClearsTracker(t *testing.T) {
	var p partialTracker
	t0 := time.Now()
	p.onPartial("hello there", t0)
	p.onCommit()
	if p.hasPending() {
		t.Fatal("provider commit must clear the partial")
	}
	if _, ok := p.tick(t0.Add(time.Second)); ok {
		t.Fatal("nothing left to auto-commit")
	}
}
