package call

import (
	"sync"

	"callpilot/internal/domain"
)

// Registry is the process-wide index of active calls. The bridged set is
// kept separately in a sync.Map so the media hot path can check it without
// touching the controller lock.
type Registry struct {
	mu      sync.RWMutex
	calls   map[string]*Controller
	bridged sync.Map // call_control_id -> struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Controller)}
}

// Add registers a controller under its call control id.
func (r *Registry) Add(ctrl *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := ctrl.CallControlID()
	if _, exists := r.calls[id]; exists {
		return domain.NewDomainError("registry.Add", domain.ErrInvalidInput, "duplicate call "+id)
	}
	r.calls[id] = ctrl
	return nil
}

// Get returns the controller for a call, or nil.
func (r *Registry) Get(callControlID string) *Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls[callControlID]
}

// Remove drops the call from both indexes. Part of the cleanup fan-out.
func (r *Registry) Remove(callControlID string) {
	r.mu.Lock()
	delete(r.calls, callControlID)
	r.mu.Unlock()
	r.bridged.Delete(callControlID)
}

// MarkBridged adds the call to the bridged set.
func (r *Registry) MarkBridged(callControlID string) {
	r.bridged.Store(callControlID, struct{}{})
}

// IsBridged is wait-free; it runs on every inbound media frame.
func (r *Registry) IsBridged(callControlID string) bool {
	_, ok := r.bridged.Load(callControlID)
	return ok
}

// Len returns the number of active calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Controllers returns a snapshot of the active controllers.
func (r *Registry) Controllers() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Controller, 0, len(r.calls))
	for _, ctrl := range r.calls {
		out = append(out, ctrl)
	}
	return out
}
