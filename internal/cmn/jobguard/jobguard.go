// Package jobguard provides per-kind single-flight mutual exclusion for
// update jobs. A rejected acquire is a terminal busy outcome; the guard never
// queues or retries. Locks live only in memory: every kind is Idle at process
// start, since no job outlives process death.
package jobguard

import (
	"sync"
	"time"

	"github.com/clashctl/clashctl/internal/core"
)

// Snapshot describes the state of one kind's lock.
type Snapshot struct {
	Kind    core.JobKind `json:"kind"`
	Running bool         `json:"running"`
	Actor   core.Trigger `json:"actor,omitempty"`
	Since   time.Time    `json:"since,omitempty"`
}

type holder struct {
	actor core.Trigger
	since time.Time
}

// Guard is safe for use by true concurrent callers (the scheduler tick
// goroutine and operator request goroutines).
type Guard struct {
	mu      sync.Mutex
	running map[core.JobKind]holder
	clock   func() time.Time
}

// New creates a guard with all kinds Idle.
func New() *Guard {
	return &Guard{
		running: make(map[core.JobKind]holder),
		clock:   time.Now,
	}
}

// TryAcquire transitions kind from Idle to Running and returns true iff the
// lock was Idle. A false return has no side effects.
func (g *Guard) TryAcquire(kind core.JobKind, actor core.Trigger) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.running[kind]; ok {
		return false
	}
	g.running[kind] = holder{actor: actor, since: g.clock()}
	return true
}

// Release transitions kind from Running to Idle. Releasing an idle kind is a
// no-op.
func (g *Guard) Release(kind core.JobKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, kind)
}

// IsRunning reports whether a job of the given kind is in flight.
func (g *Guard) IsRunning(kind core.JobKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[kind]
	return ok
}

// Snapshot returns the current state of the given kind's lock.
func (g *Guard) Snapshot(kind core.JobKind) Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.running[kind]
	if !ok {
		return Snapshot{Kind: kind}
	}
	return Snapshot{Kind: kind, Running: true, Actor: h.actor, Since: h.since}
}
