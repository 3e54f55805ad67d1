package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/campusgrid/campusgrid/database/repository/activity"
	"github.com/campusgrid/campusgrid/database/repository/job"
	"github.com/campusgrid/campusgrid/database/repository/worker"
	"github.com/campusgrid/campusgrid/log"
	"github.com/campusgrid/campusgrid/protocol"
)

// scheduler owns assignment, settlement and the stall reaper. All credit
// movement happens inside the job repository's transactions; the scheduler
// only sequences registry updates around them.
type scheduler struct {
	started  int32
	shutdown chan struct{}
	c        *Coordinator
	registry *workerRegistry
}

func newScheduler(c *Coordinator, registry *workerRegistry) *scheduler {
	return &scheduler{c: c, registry: registry}
}

// Start launches the reaper loop
func (s *scheduler) Start() error {
	if s == nil {
		return fmt.Errorf("scheduler %w", ErrNilSubsystem)
	}
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return fmt.Errorf("scheduler %w", ErrSubSystemAlreadyStarted)
	}
	log.Debugf(log.SchedMgr, "Scheduler %s", MsgSubSystemStarting)
	s.shutdown = make(chan struct{})
	s.c.ServicesWG.Add(1)
	go s.reaper()
	log.Debugf(log.SchedMgr, "Scheduler %s", MsgSubSystemStarted)
	return nil
}

// Stop terminates the reaper loop
func (s *scheduler) Stop() error {
	if s == nil {
		return fmt.Errorf("scheduler %w", ErrNilSubsystem)
	}
	if !atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		return fmt.Errorf("scheduler %w", ErrSubSystemNotStarted)
	}
	log.Debugf(log.SchedMgr, "Scheduler %s", MsgSubSystemShuttingDown)
	close(s.shutdown)
	return nil
}

// IsRunning safely checks the subsystem's state
func (s *scheduler) IsRunning() bool {
	return s != nil && atomic.LoadInt32(&s.started) == 1
}

// Assign hands the next matching pending job to the worker. The store
// transaction is the point of serialisation; the registry is only marked
// busy after it commits, and a failed registry mark rolls the assignment
// back as a lost-worker failure.
func (s *scheduler) Assign(ctx context.Context, workerID string) (*protocol.Job, error) {
	e, ok := s.registry.Get(workerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errWorkerNotAttached, workerID)
	}
	if e.status == worker.StatusPaused {
		return nil, job.ErrNoMatchingJob
	}
	if e.status == worker.StatusBusy {
		return nil, fmt.Errorf("%w: %s", errWorkerBusy, workerID)
	}

	j, err := s.c.jobs.AssignNext(ctx, workerID, e.specs)
	if err != nil {
		return nil, err
	}

	if err := s.registry.MarkBusy(workerID, j.ID); err != nil {
		// the worker vanished or raced a second assignment between the
		// commit and here; put the credits back and refuse
		s.Rollback(ctx, j.ID, "assignment rollback: "+err.Error())
		return nil, err
	}
	if err := s.c.workers.SetStatus(ctx, workerID, worker.StatusBusy); err != nil {
		log.Warnf(log.SchedMgr, "Worker %s busy status: %v", shortID(workerID), err)
	}

	s.c.activity.Record(ctx, activity.EventJobStarted, workerID,
		fmt.Sprintf("job %s assigned to %s", shortID(j.ID), e.name))
	log.Infof(log.SchedMgr, "Job %s (%q) assigned to worker %q", shortID(j.ID), j.Title, e.name)

	return &protocol.Job{
		Type:           protocol.TypeJob,
		JobID:          j.ID,
		Title:          j.Title,
		Code:           j.Code,
		Requirements:   j.Requirements,
		CPUCores:       j.Demands.CPUCores,
		RAMGB:          j.Demands.RAMGB,
		TimeoutSeconds: j.Demands.TimeoutSeconds,
		CreditReward:   j.CreditReward,
	}, nil
}

// Rollback fails an in-flight assignment on the coordinator's behalf,
// refunding the submitter as a lost-worker failure
func (s *scheduler) Rollback(ctx context.Context, jobID, detail string) {
	if _, err := s.c.jobs.Settle(ctx, jobID, "", job.Result{
		Outcome: protocol.OutcomeFailed,
		Reason:  protocol.ReasonWorkerLost,
		Stderr:  detail,
	}); err != nil && !errors.Is(err, job.ErrNotRunning) {
		log.Errorf(log.SchedMgr, "Assignment rollback of %s: %v", shortID(jobID), err)
	}
}

// Settle persists a delivered result, writes its artifacts to disk and
// returns the worker to the idle pool. A late result for a job the reaper
// already closed is rejected with job.ErrNotRunning; the caller still acks
// so the worker does not retry forever. A result for a job assigned to a
// different worker is rejected without touching the reporter's state.
func (s *scheduler) Settle(ctx context.Context, workerID string, res *protocol.JobResult) error {
	files, truncated := s.writeArtifacts(res.JobID, res.Files)
	stderr := res.Stderr
	if truncated {
		stderr += "\n[artifact cap exceeded, remaining files dropped]"
	}

	j, err := s.c.jobs.Settle(ctx, res.JobID, workerID, job.Result{
		Outcome: res.Outcome,
		Reason:  res.Reason,
		Stdout:  res.Stdout,
		Stderr:  stderr,
		Sandbox: res.Sandbox,
		Files:   files,
	})

	if errors.Is(err, job.ErrWrongWorker) {
		return err
	}

	s.registry.MarkIdle(workerID)
	if serr := s.c.workers.SetStatus(ctx, workerID, worker.StatusIdle); serr != nil {
		log.Warnf(log.SchedMgr, "Worker %s idle status: %v", shortID(workerID), serr)
	}

	if err != nil {
		return err
	}
	s.c.activity.Record(ctx, activity.EventJobSettled, workerID,
		fmt.Sprintf("job %s %s", shortID(j.ID), j.Status))
	log.Infof(log.SchedMgr, "Job %s settled %s by worker %s (%.1fs)",
		shortID(j.ID), j.Status, shortID(workerID), res.ElapsedSeconds)
	return nil
}

// writeArtifacts decodes delivered files under dataDir/artifacts/<jobID>.
// Traversal attempts and anything past the configured total cap are
// dropped, not fatal; the job result itself always settles.
func (s *scheduler) writeArtifacts(jobID string, files []protocol.File) ([]job.FileMeta, bool) {
	if len(files) == 0 {
		return nil, false
	}
	dir := filepath.Join(s.c.Config.Database.DataDir, "artifacts", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Errorf(log.SchedMgr, "Artifact dir for %s: %v", shortID(jobID), err)
		return nil, false
	}

	limit := s.c.Config.Sandbox.MaxArtifactBytes
	var total int
	var out []job.FileMeta
	truncated := false
	for i := range files {
		name := filepath.Base(files[i].Name)
		if name == "" || name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) {
			log.Warnf(log.SchedMgr, "Job %s artifact with unusable name %q dropped",
				shortID(jobID), files[i].Name)
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(files[i].BytesB64)
		if err != nil {
			log.Warnf(log.SchedMgr, "Job %s artifact %q undecodable: %v", shortID(jobID), name, err)
			continue
		}
		if limit > 0 && total+len(raw) > limit {
			truncated = true
			break
		}
		if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
			log.Errorf(log.SchedMgr, "Job %s artifact %q: %v", shortID(jobID), name, err)
			continue
		}
		total += len(raw)
		out = append(out, job.FileMeta{Name: name, Size: int64(len(raw))})
	}
	return out, truncated
}

// reaper periodically drops stale sessions and fails or times out the jobs
// their workers abandoned
func (s *scheduler) reaper() {
	defer s.c.ServicesWG.Done()
	interval := s.c.Config.ReaperInterval()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-t.C:
			s.reapOnce()
		}
	}
}

func (s *scheduler) reapOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range s.registry.Stale(3 * s.c.Config.HeartbeatInterval()) {
		s.registry.Detach(ctx, id, "heartbeat timeout", nil)
	}

	n, err := s.c.jobs.ReapStalled(ctx, time.Now(), s.c.Config.StallGrace())
	if err != nil && !errors.Is(err, job.ErrNotRunning) {
		log.Errorf(log.SchedMgr, "Stall reap: %v", err)
	}
	if n > 0 {
		log.Warnf(log.SchedMgr, "Reaped %d stalled job(s)", n)
	}
}
