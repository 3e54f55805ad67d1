package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campusgrid/campusgrid/database/repository/activity"
	"github.com/campusgrid/campusgrid/database/repository/job"
	"github.com/campusgrid/campusgrid/log"
	"github.com/campusgrid/campusgrid/protocol"
)

var (
	errBadOwnerToken    = errors.New("unknown owner token")
	errWorkerIDMismatch = errors.New("worker_id does not match this session")
)

// sessionManager accepts worker TCP connections and runs one session per
// connection. Sessions authenticate with their first frame and are torn down
// on any protocol violation.
type sessionManager struct {
	started  int32
	shutdown chan struct{}
	c        *Coordinator
	registry *workerRegistry
	sched    *scheduler

	listener net.Listener
	sm       sync.Mutex
	sessions map[*session]struct{}
}

func newSessionManager(c *Coordinator, registry *workerRegistry, sched *scheduler) *sessionManager {
	return &sessionManager{
		c:        c,
		registry: registry,
		sched:    sched,
		sessions: make(map[*session]struct{}),
	}
}

// Start binds the worker listener and launches the accept loop
func (m *sessionManager) Start() error {
	if m == nil {
		return fmt.Errorf("session manager %w", ErrNilSubsystem)
	}
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return fmt.Errorf("session manager %w", ErrSubSystemAlreadyStarted)
	}
	log.Debugf(log.SessionMgr, "Session manager %s", MsgSubSystemStarting)

	l, err := net.Listen("tcp", m.c.Config.Coordinator.WorkerBind)
	if err != nil {
		atomic.StoreInt32(&m.started, 0)
		return fmt.Errorf("session manager listen: %w", err)
	}
	m.listener = l
	m.shutdown = make(chan struct{})

	m.c.ServicesWG.Add(1)
	go m.acceptLoop()
	log.Infof(log.SessionMgr, "Worker listener on %s", l.Addr())
	return nil
}

// Stop closes the listener and every live session
func (m *sessionManager) Stop() error {
	if m == nil {
		return fmt.Errorf("session manager %w", ErrNilSubsystem)
	}
	if !atomic.CompareAndSwapInt32(&m.started, 1, 0) {
		return fmt.Errorf("session manager %w", ErrSubSystemNotStarted)
	}
	log.Debugf(log.SessionMgr, "Session manager %s", MsgSubSystemShuttingDown)
	close(m.shutdown)
	err := m.listener.Close()

	m.sm.Lock()
	open := make([]*session, 0, len(m.sessions))
	for s := range m.sessions {
		open = append(open, s)
	}
	m.sm.Unlock()
	for _, s := range open {
		s.close()
	}
	return err
}

// IsRunning safely checks the subsystem's state
func (m *sessionManager) IsRunning() bool {
	return m != nil && atomic.LoadInt32(&m.started) == 1
}

func (m *sessionManager) acceptLoop() {
	defer m.c.ServicesWG.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.shutdown:
				return
			default:
			}
			log.Errorf(log.SessionMgr, "Accept: %v", err)
			continue
		}
		s := newSession(m, conn)
		m.track(s)
		m.c.ServicesWG.Add(1)
		go func() {
			defer m.c.ServicesWG.Done()
			s.run()
			m.untrack(s)
		}()
	}
}

func (m *sessionManager) track(s *session) {
	m.sm.Lock()
	m.sessions[s] = struct{}{}
	m.sm.Unlock()
}

func (m *sessionManager) untrack(s *session) {
	m.sm.Lock()
	delete(m.sessions, s)
	m.sm.Unlock()
}

// resolveOwner maps an owner token to a user id. An empty token means an
// anonymous worker; an unknown token is a hard rejection so typos do not
// silently donate compute.
func (m *sessionManager) resolveOwner(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", nil
	}
	u, err := m.c.users.ByUsername(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %q", errBadOwnerToken, token)
	}
	return u.ID, nil
}

// session is one worker connection. A reader goroutine decodes inbound
// frames and a writer goroutine drains the bounded outbound queue; a full
// queue detaches the worker rather than blocking the server.
type session struct {
	mgr      *sessionManager
	conn     net.Conn
	codec    *protocol.Codec
	workerID string

	out       chan interface{}
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(m *sessionManager, conn net.Conn) *session {
	return &session{
		mgr:   m,
		conn:  conn,
		codec: protocol.NewCodec(conn, m.c.Config.Coordinator.MaxFrameBytes),
		out:   make(chan interface{}, m.c.Config.Coordinator.OutboundQueue),
		done:  make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// send enqueues an outbound frame. Overflow means the peer stopped reading;
// the session is closed and the worker will be detached by the reader exit.
func (s *session) send(v interface{}) {
	select {
	case s.out <- v:
	case <-s.done:
	default:
		log.Warnf(log.SessionMgr, "Session %s outbound queue full, dropping connection",
			s.conn.RemoteAddr())
		s.close()
	}
}

func (s *session) run() {
	go s.writer()
	defer s.close()

	ctx := context.Background()

	if err := s.register(ctx); err != nil {
		log.Warnf(log.SessionMgr, "Registration from %s rejected: %v", s.conn.RemoteAddr(), err)
		s.reject(err)
		return
	}

	for {
		raw, err := s.codec.ReadFrame()
		if err != nil {
			s.detach(ctx, "read: "+err.Error())
			return
		}
		stop, err := s.dispatch(ctx, raw)
		if err != nil {
			log.Warnf(log.SessionMgr, "Session %s protocol violation: %v", shortID(s.workerID), err)
			s.reject(err)
			s.detach(ctx, "protocol violation")
			return
		}
		if stop {
			s.detach(ctx, "graceful disconnect")
			return
		}
	}
}

// register consumes the mandatory first frame. Anything other than a valid
// register message is a rejection.
func (s *session) register(ctx context.Context) error {
	raw, err := s.codec.ReadFrame()
	if err != nil {
		return err
	}
	t, err := protocol.PeekType(raw)
	if err != nil {
		return err
	}
	if t != protocol.TypeRegister {
		return fmt.Errorf("%w: expected register, got %q", protocol.ErrMalformedMessage, t)
	}
	var reg protocol.Register
	if err := json.Unmarshal(raw, &reg); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
	}
	if err := reg.Validate(); err != nil {
		return err
	}
	ownerID, err := s.mgr.resolveOwner(ctx, reg.OwnerToken)
	if err != nil {
		return err
	}
	workerID, err := s.mgr.registry.Attach(ctx, s, &reg, ownerID)
	if err != nil {
		return err
	}
	s.workerID = workerID

	s.mgr.c.activity.Record(ctx, activity.EventWorkerRegistered, ownerID,
		fmt.Sprintf("worker %q (%s)", reg.Name, shortID(workerID)))
	s.send(&protocol.Registered{
		Type:     protocol.TypeRegistered,
		WorkerID: workerID,
		Message:  fmt.Sprintf("welcome to %s", s.mgr.c.Config.Name),
	})
	return nil
}

// dispatch routes one post-registration frame. It returns stop=true on a
// graceful disconnect and an error on any violation.
func (s *session) dispatch(ctx context.Context, raw json.RawMessage) (bool, error) {
	t, err := protocol.PeekType(raw)
	if err != nil {
		return false, err
	}
	switch t {
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := json.Unmarshal(raw, &hb); err != nil {
			return false, fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
		}
		if err := hb.Validate(); err != nil {
			return false, err
		}
		if hb.WorkerID != s.workerID {
			return false, errWorkerIDMismatch
		}
		return false, s.mgr.registry.Heartbeat(ctx, s.workerID, hb.Status)

	case protocol.TypeRequestJob:
		var rq protocol.RequestJob
		if err := json.Unmarshal(raw, &rq); err != nil {
			return false, fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
		}
		if err := rq.Validate(); err != nil {
			return false, err
		}
		if rq.WorkerID != s.workerID {
			return false, errWorkerIDMismatch
		}
		s.handleRequestJob(ctx)
		return false, nil

	case protocol.TypeJobResult:
		var res protocol.JobResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return false, fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
		}
		if err := res.Validate(); err != nil {
			return false, err
		}
		if res.WorkerID != s.workerID {
			return false, errWorkerIDMismatch
		}
		s.handleJobResult(ctx, &res)
		return false, nil

	case protocol.TypeDisconnect:
		return true, nil

	default:
		return false, fmt.Errorf("%w: %q", protocol.ErrUnknownType, t)
	}
}

func (s *session) handleRequestJob(ctx context.Context) {
	j, err := s.mgr.sched.Assign(ctx, s.workerID)
	switch {
	case err == nil:
		s.send(j)
	case errors.Is(err, job.ErrNoMatchingJob):
		s.send(&protocol.NoJob{Type: protocol.TypeNoJob})
	default:
		log.Errorf(log.SessionMgr, "Assign for %s: %v", shortID(s.workerID), err)
		s.send(&protocol.NoJob{Type: protocol.TypeNoJob})
	}
}

// handleJobResult settles the delivery. Late results the reaper already
// closed are still acked so the worker moves on; results for jobs assigned
// to someone else are discarded without touching the assignee's job.
func (s *session) handleJobResult(ctx context.Context, res *protocol.JobResult) {
	err := s.mgr.sched.Settle(ctx, s.workerID, res)
	switch {
	case err == nil:
	case errors.Is(err, job.ErrNotRunning), errors.Is(err, job.ErrNotFound):
		log.Warnf(log.SessionMgr, "Late result for job %s from %s discarded: %v",
			shortID(res.JobID), shortID(s.workerID), err)
	case errors.Is(err, job.ErrWrongWorker):
		log.Warnf(log.SessionMgr, "Worker %s delivered a result for job %s it was never assigned",
			shortID(s.workerID), shortID(res.JobID))
	default:
		log.Errorf(log.SessionMgr, "Settle job %s: %v", shortID(res.JobID), err)
	}
	s.send(&protocol.JobReceived{Type: protocol.TypeJobReceived, JobID: res.JobID})
}

// reject sends an error frame best effort before the close
func (s *session) reject(err error) {
	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = s.codec.WriteMessage(&protocol.ErrorMessage{
		Type:    protocol.TypeError,
		Message: err.Error(),
	})
}

// detach marks the worker offline once the session is finished
func (s *session) detach(ctx context.Context, reason string) {
	if s.workerID != "" {
		s.mgr.registry.Detach(ctx, s.workerID, reason, s)
	}
	s.close()
}

func (s *session) writer() {
	for {
		select {
		case <-s.done:
			s.failQueuedAssignments()
			return
		case v := <-s.out:
			if err := s.codec.WriteMessage(v); err != nil {
				log.Warnf(log.SessionMgr, "Session %s write: %v", s.conn.RemoteAddr(), err)
				s.failDelivery(v)
				s.close()
				s.failQueuedAssignments()
				return
			}
		}
	}
}

// failDelivery rolls back an assignment whose job frame never left the
// socket, so the submitter is refunded now instead of waiting on the reaper
func (s *session) failDelivery(v interface{}) {
	j, ok := v.(*protocol.Job)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Warnf(log.SessionMgr, "Job %s frame undelivered to %s, rolling back",
		shortID(j.JobID), shortID(s.workerID))
	s.mgr.sched.Rollback(ctx, j.JobID, "job frame undelivered to worker")
	s.mgr.registry.MarkIdle(s.workerID)
}

// failQueuedAssignments drains frames stranded in the outbound queue after
// a close and rolls back any assignments among them
func (s *session) failQueuedAssignments() {
	for {
		select {
		case v := <-s.out:
			s.failDelivery(v)
		default:
			return
		}
	}
}
