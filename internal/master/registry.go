package master

import (
	"sort"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"yqhp/cluster/pkg/types"
)

// WorkerView is a point-in-time copy of a registered worker.
type WorkerView struct {
	Info     types.WorkerInfo  `json:"info"`
	State    types.WorkerState `json:"state"`
	LastSeen time.Time         `json:"last_seen"`
	// Dispatched counts subtasks this master has in flight on the worker.
	Dispatched int `json:"dispatched"`
}

type workerEntry struct {
	info       types.WorkerInfo
	state      types.WorkerState
	lastSeen   time.Time
	dispatched int
}

// Registry is the live, in-memory worker directory.
type Registry struct {
	workers map[string]*workerEntry
	now     func() time.Time
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*workerEntry),
		now:     time.Now,
	}
}

// Register adds a worker. Registering a known id replaces its info and state
// and reports replaced, which is what a restarted worker does.
func (r *Registry) Register(info types.WorkerInfo, state types.WorkerState) (replaced bool, err error) {
	if info.ID == "" {
		return false, types.NewError(types.CodeInvalidTask, "worker id cannot be empty")
	}
	if info.Address == "" {
		return false, types.NewError(types.CodeInvalidTask, "worker %s has no address", info.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced = r.workers[info.ID]
	now := r.now()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = now
	}
	r.workers[info.ID] = &workerEntry{info: info, state: state, lastSeen: now}
	return replaced, nil
}

// Unregister removes a worker.
func (r *Registry) Unregister(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[workerID]; !exists {
		return types.NewError(types.CodeUnknownWorker, "worker not found: %s", workerID)
	}
	delete(r.workers, workerID)
	return nil
}

// UpdateState stores a heartbeat.
func (r *Registry) UpdateState(workerID string, state types.WorkerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.workers[workerID]
	if !exists {
		return types.NewError(types.CodeUnknownWorker, "worker not found: %s", workerID)
	}
	now := r.now()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = now
	}
	e.state = state
	e.lastSeen = now
	return nil
}

// Get returns the worker's info.
func (r *Registry) Get(workerID string) (types.WorkerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.workers[workerID]
	if !ok {
		return types.WorkerInfo{}, false
	}
	return e.info, true
}

// IDs returns the registered worker ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// States returns a deep copy of every worker's last reported state.
func (r *Registry) States() types.WorkerStates {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(types.WorkerStates, len(r.workers))
	for id, e := range r.workers {
		out[id] = copyState(e.state)
	}
	return out
}

// Workers returns a snapshot of every worker, sorted by id.
func (r *Registry) Workers() []WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]WorkerView, 0, len(r.workers))
	for _, e := range r.workers {
		var info types.WorkerInfo
		_ = copier.CopyWithOption(&info, &e.info, copier.Option{DeepCopy: true})
		views = append(views, WorkerView{
			Info:       info,
			State:      copyState(e.state),
			LastSeen:   e.lastSeen,
			Dispatched: e.dispatched,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Info.ID < views[j].Info.ID })
	return views
}

// AddDispatched adjusts the master-side in-flight count of a worker. It is a
// no-op for unknown workers.
func (r *Registry) AddDispatched(workerID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.workers[workerID]; ok {
		e.dispatched += delta
		if e.dispatched < 0 {
			e.dispatched = 0
		}
	}
}

// Sweep removes workers not heard from within timeout and returns their ids.
func (r *Registry) Sweep(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []string
	for id, e := range r.workers {
		if now.Sub(e.lastSeen) > timeout {
			delete(r.workers, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

func copyState(s types.WorkerState) types.WorkerState {
	var out types.WorkerState
	if err := copier.CopyWithOption(&out, &s, copier.Option{DeepCopy: true}); err != nil {
		return s
	}
	out.UpdatedAt = s.UpdatedAt
	return out
}
