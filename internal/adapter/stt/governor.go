package stt

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	// 100 ms of mu-law at 8 kHz, sent as soon as it has accumulated.
	initialBurstBytes = 800
	// Steady-state chunk size.
	chunkBytes = 800
	// Minimum spacing between steady-state sends.
	minSendInterval = 80 * time.Millisecond
	// Above this the buffer is flushed regardless of spacing.
	forceFlushBytes = 8000
)

// sendGovernor batches inbound audio into provider-sized chunks and caps
// the send rate. The provider kills sessions that exceed its ingest rate
// with queue_overflow; the governor keeps steady state at 12.5 msgs/s
// while bounding buffered audio.
type sendGovernor struct {
	buf         []byte
	initialSent bool
	limiter     *rate.Limiter
}

func newSendGovernor() *sendGovernor {
	return &sendGovernor{
		limiter: rate.NewLimiter(rate.Every(minSendInterval), 1),
	}
}

func (g *sendGovernor) take(n int) []byte {
	chunk := make([]byte, n)
	copy(chunk, g.buf[:n])
	g.buf = g.buf[n:]
	return chunk
}

// push appends a frame and returns the chunks due for sending now.
// Ordering is preserved: chunks are consecutive slices of the input stream.
func (g *sendGovernor) push(frame []byte, now time.Time) [][]byte {
	g.buf = append(g.buf, frame...)

	var out [][]byte
	if !g.initialSent {
		if len(g.buf) < initialBurstBytes {
			return nil
		}
		out = append(out, g.take(initialBurstBytes))
		g.initialSent = true
		g.limiter.AllowN(now, 1)
		return out
	}

	for len(g.buf) >= chunkBytes {
		if len(g.buf) >= forceFlushBytes {
			// Memory bound beats spacing.
			out = append(out, g.take(chunkBytes))
			continue
		}
		if !g.limiter.AllowN(now, 1) {
			break
		}
		out = append(out, g.take(chunkBytes))
	}
	return out
}

// drain returns any remaining buffered audio. Used on stream stop so the
// tail of the utterance reaches the provider before the commit flush.
func (g *sendGovernor) drain() []byte {
	if len(g.buf) == 0 {
		return nil
	}
	rest := g.buf
	g.buf = nil
	return rest
}
