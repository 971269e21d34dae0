package stt

import (
	"testing"
	"time"
)

func TestGovernorInitialBurst(t *testing.T) {
	g := newSendGovernor()
	now := time.Now()

	// Four 160-byte frames: 640 bytes, below the initial burst size.
	for i := 0; i < 4; i++ {
		if out := g.push(make([]byte, 160), now); out != nil {
			t.Fatalf("premature send at frame %d", i)
		}
	}
	// Fifth frame completes 800 bytes.
	out := g.push(make([]byte, 160), now)
	if len(out) != 1 || len(out[0]) != initialBurstBytes {
		t.Fatalf("initial burst = %v", lens(out))
	}
}

func TestGovernorSpacing(t *testing.T) {
	g := newSendGovernor()
	now := time.Now()
	for i := 0; i < 5; i++ {
		g.push(make([]byte, 160), now)
	}

	// 800 more bytes immediately after the burst: spacing not elapsed.
	var out [][]byte
	for i := 0; i < 5; i++ {
		out = append(out, g.push(make([]byte, 160), now)...)
	}
	if len(out) != 0 {
		t.Fatalf("sent %d chunks under the min interval", len(out))
	}

	// After the interval the chunk goes out.
	out = g.push(nil, now.Add(minSendInterval+time.Millisecond))
	if len(out) != 1 || len(out[0]) != chunkBytes {
		t.Fatalf("post-interval send = %v", lens(out))
	}
}

func TestGovernorForceFlush(t *testing.T) {
	g := newSendGovernor()
	now := time.Now()
	for i := 0; i < 5; i++ {
		g.push(make([]byte, 160), now)
	}

	// Dump 9600 bytes at one instant: the memory bound must override spacing.
	out := g.push(make([]byte, 9600), now)
	if len(out) == 0 {
		t.Fatal("force flush did not fire")
	}
	total := 0
	for _, c := range out {
		total += len(c)
	}
	remaining := 9600 - total
	if remaining >= forceFlushBytes {
		t.Fatalf("buffer still holds %d bytes after force flush", remaining)
	}
}

func TestGovernorRateCap(t *testing.T) {
	g := newSendGovernor()
	start := time.Now()

	// One second of 20 ms telephony frames.
	sends := 0
	for i := 0; i < 50; i++ {
		now := start.Add(time.Duration(i) * 20 * time.Millisecond)
		sends += len(g.push(make([]byte, 160), now))
	}
	if sends > 13 {
		t.Fatalf("%d sends in one second, cap is 13", sends)
	}
	if sends < 5 {
		t.Fatalf("%d sends in one second, governor is starving the stream", sends)
	}
}

func TestGovernorOrdering(t *testing.T) {
	g := newSendGovernor()
	now := time.Now()

	// Frames with recognizable content.
	seq := make([]byte, 1600)
	for i := range seq {
		seq[i] = byte(i % 251)
	}
	var got []byte
	for off := 0; off < len(seq); off += 160 {
		now = now.Add(minSendInterval + time.Millisecond)
		for _, c := range g.push(seq[off:off+160], now) {
			got = append(got, c...)
		}
	}
	got = append(got, g.drain()...)

	if len(got) != len(seq) {
		t.Fatalf("lost bytes: got %d, want %d", len(got), len(seq))
	}
	for i := range got {
		if got[i] != seq[i] {
			t.Fatalf("reordered at byte %d", i)
		}
	}
}

func lens(chunks [][]byte) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = len(c)
	}
	return out
}
