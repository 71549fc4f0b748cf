package optimistic

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Kind names the operation family a mutation belongs to. Retry counters
// and overlays are keyed by (Kind, TargetID) so concurrent mutations on
// different orders never cross-contaminate.
type Kind string

const (
	KindStatus  Kind = "status"
	KindCallLog Kind = "call_log"
	KindNote    Kind = "note"
	KindBan     Kind = "ban"
	KindBulk    Kind = "bulk"
	KindReset   Kind = "reset"
)

type Key struct {
	Kind     Kind
	TargetID string
}

// Phase is the per-field overlay state machine:
// Idle -> Pending(optimistic, previous) -> Committed | RolledBack.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseRolledBack
)

type overlay struct {
	mutationID string
	phase      Phase
	value      any // speculative while pending, previous after rollback
}

// Mutation is the reusable shape shared by every mutating action: status
// changes, call log appends, note saves, ban toggles and bulk requests.
type Mutation struct {
	Key        Key
	Optimistic any
	Previous   any
	Run        func(ctx context.Context) error
	OnSuccess  func()
	OnError    func(err error)
}

type Outcome struct {
	Committed  bool
	RolledBack bool
	// Stale marks a settlement that arrived after the owning session died
	// or after a newer mutation superseded this one. Dropped silently.
	Stale bool
	// Terminal is set once MaxAttempts consecutive failures exhaust the
	// retry budget; the caller surfaces "contact support" instead of Retry.
	Terminal bool
	Attempts int
	Err      error
	Retry    func(ctx context.Context) Outcome
}

func (o Outcome) CanRetry() bool {
	return o.Retry != nil
}

// MaxAttempts caps consecutive failures per operation key.
const MaxAttempts = 3

// Engine owns the optimistic overlays and retry counters for one console
// session. The counters live in an explicit map keyed by the structured
// Key, never a free-form string.
type Engine struct {
	mu       sync.Mutex
	overlays map[Key]*overlay
	retries  map[Key]int
	alive    func() bool
}

func NewEngine(alive func() bool) *Engine {
	if alive == nil {
		alive = func() bool { return true }
	}
	return &Engine{
		overlays: make(map[Key]*overlay),
		retries:  make(map[Key]int),
		alive:    alive,
	}
}

// Do applies the speculative value, runs the remote operation and
// reconciles. On success the overlay is cleared so the next read uses the
// fresh canonical value and the key's retry counter resets. On failure the
// overlay rolls back to the previous value and, within the retry budget,
// the outcome carries a Retry that re-invokes the same operation with the
// same arguments.
//
// Issuing a second mutation on the same key before the first settles
// supersedes the first: its settlement is dropped as stale and never
// clobbers the newer overlay.
func (e *Engine) Do(ctx context.Context, m Mutation) Outcome {
	id := uuid.NewString()
	e.mu.Lock()
	e.overlays[m.Key] = &overlay{mutationID: id, phase: PhasePending, value: m.Optimistic}
	e.mu.Unlock()

	err := m.Run(ctx)

	e.mu.Lock()
	if !e.alive() {
		e.mu.Unlock()
		return Outcome{Stale: true, Err: err}
	}
	ov := e.overlays[m.Key]
	if ov == nil || ov.mutationID != id {
		e.mu.Unlock()
		return Outcome{Stale: true, Err: err}
	}

	if err == nil {
		delete(e.overlays, m.Key)
		e.retries[m.Key] = 0
		e.mu.Unlock()
		if m.OnSuccess != nil {
			m.OnSuccess()
		}
		return Outcome{Committed: true}
	}

	ov.phase = PhaseRolledBack
	ov.value = m.Previous
	e.retries[m.Key]++
	attempts := e.retries[m.Key]
	e.mu.Unlock()
	if m.OnError != nil {
		m.OnError(err)
	}

	out := Outcome{RolledBack: true, Attempts: attempts, Err: err}
	if attempts >= MaxAttempts {
		out.Terminal = true
		return out
	}
	out.Retry = func(ctx context.Context) Outcome {
		return e.Do(ctx, m)
	}
	return out
}

// Effective returns the speculative value while an overlay exists for the
// key and the server truth otherwise. The canonical state is overlaid,
// never replaced.
func (e *Engine) Effective(key Key, serverTruth any) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ov, ok := e.overlays[key]; ok {
		return ov.value
	}
	return serverTruth
}

func (e *Engine) PhaseOf(key Key) Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ov, ok := e.overlays[key]; ok {
		return ov.phase
	}
	return PhaseIdle
}

// Discard drops the overlay for a key. Called when a fresher canonical
// read arrives and the transient copy must yield to it.
func (e *Engine) Discard(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.overlays, key)
}

func (e *Engine) Attempts(key Key) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries[key]
}
