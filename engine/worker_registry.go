package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/campusgrid/campusgrid/database/repository/worker"
	"github.com/campusgrid/campusgrid/log"
	"github.com/campusgrid/campusgrid/protocol"
)

var (
	errWorkerNotAttached = errors.New("worker not attached")
	errWorkerBusy        = errors.New("worker already has an assignment")
)

// registryEntry is the live view of one connected worker. The durable row
// lives in the store; this carries only session state.
type registryEntry struct {
	workerID      string
	ownerID       string
	name          string
	specs         protocol.WorkerSpecs
	status        string // worker.StatusIdle, StatusBusy or StatusPaused
	assignedJobID string
	lastHeartbeat time.Time
	session       *session
}

// workerRegistry tracks currently connected workers. Store transactions are
// never run while holding the registry lock; durable writes happen first and
// the in-memory view is updated after they commit.
type workerRegistry struct {
	m       sync.RWMutex
	entries map[string]*registryEntry
	workers *worker.Service
}

func newWorkerRegistry(workers *worker.Service) *workerRegistry {
	return &workerRegistry{
		entries: make(map[string]*registryEntry),
		workers: workers,
	}
}

// Attach registers the worker row (idempotently per owner and name) and
// records the live session. A second session for the same worker identity
// displaces the first.
func (r *workerRegistry) Attach(ctx context.Context, s *session, reg *protocol.Register, ownerID string) (string, error) {
	workerID, err := r.workers.Register(ctx, ownerID, reg.Name, reg.Specs)
	if err != nil {
		return "", err
	}

	r.m.Lock()
	prev := r.entries[workerID]
	r.entries[workerID] = &registryEntry{
		workerID:      workerID,
		ownerID:       ownerID,
		name:          reg.Name,
		specs:         reg.Specs,
		status:        worker.StatusIdle,
		lastHeartbeat: time.Now(),
		session:       s,
	}
	r.m.Unlock()

	if prev != nil && prev.session != nil && prev.session != s {
		log.Warnf(log.RegistryMgr, "Worker %s reconnected, displacing previous session", shortID(workerID))
		prev.session.close()
	}
	log.Infof(log.RegistryMgr, "Worker %q (%s) attached owner=%s cpu=%d ram=%.1fGB gpu=%q docker=%v",
		reg.Name, shortID(workerID), orAnonymous(ownerID), reg.Specs.CPUCores, reg.Specs.RAMGB,
		reg.Specs.GPUName, reg.Specs.DockerAvailable)
	return workerID, nil
}

// Heartbeat refreshes liveness. The reported status may flip idle and busy
// but never overrides a coordinator-set busy from an assignment in flight.
func (r *workerRegistry) Heartbeat(ctx context.Context, workerID, reported string) error {
	r.m.Lock()
	e, ok := r.entries[workerID]
	if !ok {
		r.m.Unlock()
		return fmt.Errorf("%w: %s", errWorkerNotAttached, workerID)
	}
	e.lastHeartbeat = time.Now()
	if e.status != worker.StatusBusy && e.status != worker.StatusPaused &&
		(reported == worker.StatusIdle || reported == worker.StatusBusy) {
		e.status = reported
	}
	r.m.Unlock()

	if err := r.workers.Touch(ctx, workerID, time.Now()); err != nil {
		log.Warnf(log.RegistryMgr, "Heartbeat store update for %s: %v", shortID(workerID), err)
	}
	return nil
}

// Detach marks the worker offline and drops the live entry. A non-nil from
// restricts the detach to the session owning the entry, so a displaced
// session tearing down cannot evict its replacement. Any job still assigned
// is left to the reaper so a quick reconnect can still deliver its result
// within the grace.
func (r *workerRegistry) Detach(ctx context.Context, workerID, reason string, from *session) {
	r.m.Lock()
	e, ok := r.entries[workerID]
	if ok && from != nil && e.session != from {
		ok = false
	}
	if ok {
		delete(r.entries, workerID)
	}
	r.m.Unlock()
	if !ok {
		return
	}

	if err := r.workers.SetStatus(ctx, workerID, worker.StatusOffline); err != nil {
		log.Errorf(log.RegistryMgr, "Detach store update for %s: %v", shortID(workerID), err)
	}
	e.session.close()
	log.Infof(log.RegistryMgr, "Worker %q (%s) detached: %s", e.name, shortID(workerID), reason)
}

// Get returns a snapshot copy of one live entry
func (r *workerRegistry) Get(workerID string) (registryEntry, bool) {
	r.m.RLock()
	defer r.m.RUnlock()
	e, ok := r.entries[workerID]
	if !ok {
		return registryEntry{}, false
	}
	return *e, true
}

// MarkBusy links an assignment to the live entry. It fails when the worker
// already has one; the store transaction is the authority and this guards
// only against protocol misuse within a session.
func (r *workerRegistry) MarkBusy(workerID, jobID string) error {
	r.m.Lock()
	defer r.m.Unlock()
	e, ok := r.entries[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", errWorkerNotAttached, workerID)
	}
	if e.status == worker.StatusBusy {
		return fmt.Errorf("%w: %s on job %s", errWorkerBusy, workerID, e.assignedJobID)
	}
	e.status = worker.StatusBusy
	e.assignedJobID = jobID
	return nil
}

// MarkIdle clears the assignment link
func (r *workerRegistry) MarkIdle(workerID string) {
	r.m.Lock()
	defer r.m.Unlock()
	if e, ok := r.entries[workerID]; ok {
		e.status = worker.StatusIdle
		e.assignedJobID = ""
	}
}

// SetPaused flips a live entry in and out of the paused state; paused
// workers keep their session but are skipped by assignment
func (r *workerRegistry) SetPaused(workerID string, paused bool) error {
	r.m.Lock()
	defer r.m.Unlock()
	e, ok := r.entries[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", errWorkerNotAttached, workerID)
	}
	if e.status == worker.StatusBusy {
		return fmt.Errorf("%w: %s", errWorkerBusy, workerID)
	}
	if paused {
		e.status = worker.StatusPaused
	} else {
		e.status = worker.StatusIdle
	}
	return nil
}

// Snapshot returns copies of all live entries
func (r *workerRegistry) Snapshot() []registryEntry {
	r.m.RLock()
	defer r.m.RUnlock()
	out := make([]registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Stale returns workers whose last heartbeat is older than the cutoff
func (r *workerRegistry) Stale(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	r.m.RLock()
	defer r.m.RUnlock()
	var out []string
	for id, e := range r.entries {
		if e.lastHeartbeat.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orAnonymous(ownerID string) string {
	if ownerID == "" {
		return "anonymous"
	}
	return ownerID
}
