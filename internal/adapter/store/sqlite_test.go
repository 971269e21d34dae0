package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"callpilot/internal/domain"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestArchiveRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	end := time.Now().UTC().Truncate(time.Millisecond)
	rec := domain.CallRecord{
		CallControlID: "cc-1",
		From:          "+15550100",
		To:            "+15550199",
		StartTime:     start,
		EndTime:       end,
		Duration:      end.Sub(start),
		Status:        domain.ArchiveTransferred,
		HangupCause:   domain.HangupCauseNormal,
		Messages: []domain.TurnEntry{
			{Speaker: domain.SpeakerAgent, Text: "hello", Timestamp: start},
			{Speaker: domain.SpeakerUser, Text: "hi", Timestamp: start.Add(time.Second)},
		},
		Qualification: domain.Qualification{
			VerifiedInfo: domain.TriTrue,
			NoHospice:    domain.TriFalse,
		},
	}
	if err := s.ArchiveCall(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCall(ctx, "cc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ArchiveTransferred || got.HangupCause != domain.HangupCauseNormal {
		t.Fatalf("got %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[1].Text != "hi" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.Qualification != rec.Qualification {
		t.Fatalf("qualification = %+v", got.Qualification)
	}
	if got.Duration != rec.Duration {
		t.Fatalf("duration = %s, want %s", got.Duration, rec.Duration)
	}
}

func TestArchiveIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := domain.CallRecord{
		CallControlID: "cc-1",
		Status:        domain.ArchiveCompleted,
		StartTime:     time.Now().UTC(),
		EndTime:       time.Now().UTC(),
	}
	if err := s.ArchiveCall(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Status = domain.ArchiveNoResponse
	if err := s.ArchiveCall(ctx, rec); err != nil {
		t.Fatalf("re-archive must not fail: %v", err)
	}
	got, err := s.GetCall(ctx, "cc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ArchiveNoResponse {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestGetCallNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetCall(context.Background(), "absent"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestTransfers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		err := s.RecordTransfer(ctx, domain.TransferredCall{
			CallControlID: "cc-" + string(rune('a'+i)),
			From:          "+15550100",
			To:            "+15550199",
			TransferredAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListTransfers(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if !got[0].TransferredAt.After(got[1].TransferredAt) {
		t.Fatal("transfers must be newest first")
	}
}
