// Package registry is the bookkeeping for active supervised processes. It is
// the single owner of the concurrency count: admission and release go through
// here and nowhere else.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kimiz-org/kimiz-sub002/internal/model"
)

// Token proves a successful admission. It must be handed back via Release
// exactly once; extra releases are no-ops.
type Token struct {
	id uuid.UUID
}

func (t Token) String() string { return t.id.String() }

// Handle is the registry's record for one admitted process. PID and Deadline
// are zero between admission and Bind.
type Handle struct {
	Token     Token
	PID       int
	Role      model.RoleHint
	StartedAt time.Time
	Deadline  time.Time
}

type Registry struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
}

func New(ceiling int) *Registry {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Registry{
		sem:     semaphore.NewWeighted(int64(ceiling)),
		handles: make(map[uuid.UUID]*Handle),
	}
}

// TryAdmit claims a slot without blocking. Of N concurrent callers racing for
// the last slot, exactly one succeeds.
func (r *Registry) TryAdmit() (Token, bool) {
	if !r.sem.TryAcquire(1) {
		return Token{}, false
	}

	tok := Token{id: uuid.New()}
	r.mu.Lock()
	r.handles[tok.id] = &Handle{Token: tok, StartedAt: time.Now()}
	r.mu.Unlock()
	return tok, true
}

// Bind attaches the spawned process to its admission record.
func (r *Registry) Bind(tok Token, pid int, role model.RoleHint, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tok.id]
	if !ok {
		return
	}
	h.PID = pid
	h.Role = role
	h.Deadline = deadline
}

// Release frees the slot held by tok. Idempotent: the timeout path and the
// normal-exit path may both call it for the same token.
func (r *Registry) Release(tok Token) {
	r.mu.Lock()
	_, ok := r.handles[tok.id]
	if ok {
		delete(r.handles, tok.id)
	}
	r.mu.Unlock()

	if ok {
		r.sem.Release(1)
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Knows reports whether pid belongs to a currently admitted process.
func (r *Registry) Knows(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		if h.PID == pid && pid != 0 {
			return true
		}
	}
	return false
}

// Snapshot returns copies of every active handle, for diagnostics reporting.
func (r *Registry) Snapshot() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, *h)
	}
	return out
}

// Clear drops every handle and frees their slots, returning what was active.
// Only emergency cleanup uses this.
func (r *Registry) Clear() []Handle {
	r.mu.Lock()
	out := make([]Handle, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, *h)
		delete(r.handles, id)
	}
	r.mu.Unlock()

	for range out {
		r.sem.Release(1)
	}
	return out
}
