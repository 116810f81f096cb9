package syncer

import "sync"

// State names the orchestrator's position in its lifecycle.
type State string

const (
	// StateOffline means the remote endpoint is unreachable or the
	// device was told it has no connectivity. Local writes accumulate.
	StateOffline State = "offline"

	// StateBootstrapping means the initial full pull is running.
	StateBootstrapping State = "bootstrapping"

	// StateIdle means online with no cycle in flight.
	StateIdle State = "idle"

	// StatePushing means the outbox is being drained to the remote.
	StatePushing State = "pushing"

	// StatePulling means remote deltas are being applied locally.
	StatePulling State = "pulling"

	// StateError means the last cycle failed; the next scheduled tick
	// retries with backoff.
	StateError State = "error"
)

// Status is the observable snapshot published on every transition. The
// UI binds to this; it never reaches into the orchestrator's internals.
type Status struct {
	State           State  `json:"state"`
	IsOnline        bool   `json:"is_online"`
	IsSyncing       bool   `json:"is_syncing"`
	IsInitialized   bool   `json:"is_initialized"`
	PendingCount    int    `json:"pending_count"`
	Progress        string `json:"progress"`
	ProgressPercent int    `json:"progress_percent"`
	LastSyncAt      int64  `json:"last_sync_at"`
	Err             string `json:"error,omitempty"`
}

// statusHub fans status snapshots out to subscribers.
type statusHub struct {
	mu     sync.Mutex
	subs   map[int]func(Status)
	nextID int
	last   Status
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[int]func(Status))}
}

// subscribe registers fn and immediately replays the latest snapshot so
// late subscribers do not start blank.
func (h *statusHub) subscribe(fn func(Status)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	last := h.last
	h.mu.Unlock()

	fn(last)
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *statusHub) publish(s Status) {
	h.mu.Lock()
	h.last = s
	fns := make([]func(Status), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (h *statusHub) latest() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
