package telephony

import (
	"context"
	"fmt"
	"sync"
)

// MockCall records one control-plane invocation.
type MockCall struct {
	Op            string
	CallControlID string
	Arg           string // to-number, stream URL or text, depending on Op
}

// Mock is an in-memory ControlPlane that records every invocation.
// Errors can be injected per operation name.
type Mock struct {
	mu     sync.Mutex
	calls  []MockCall
	fail   map[string]error
	nextID int
	IDBase string
}

// NewMock creates a recording control plane.
func NewMock() *Mock {
	return &Mock{fail: make(map[string]error), IDBase: "mock-call"}
}

// FailWith makes the named operation return err.
func (m *Mock) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

// Calls returns a copy of the recorded invocations.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns the recorded invocations of one operation.
func (m *Mock) CallsTo(op string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockCall
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *Mock) record(op, id, arg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Op: op, CallControlID: id, Arg: arg})
	return m.fail[op]
}

func (m *Mock) Originate(ctx context.Context, to, streamURL string) (string, error) {
	if err := m.record("originate", "", to); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("%s-%d", m.IDBase, m.nextID)
	m.mu.Unlock()
	return id, nil
}

func (m *Mock) Answer(ctx context.Context, id string) error {
	return m.record("answer", id, "")
}

func (m *Mock) Hangup(ctx context.Context, id string) error {
	return m.record("hangup", id, "")
}

func (m *Mock) Speak(ctx context.Context, id, text string) error {
	return m.record("speak", id, text)
}

func (m *Mock) StartStream(ctx context.Context, id, streamURL string) error {
	return m.record("streaming_start", id, streamURL)
}

func (m *Mock) StopStream(ctx context.Context, id string) error {
	return m.record("streaming_stop", id, "")
}

func (m *Mock) Transfer(ctx context.Context, id, number string) error {
	return m.record("transfer", id, number)
}

var _ ControlPlane = (*Mock)(nil)
