// Package job stores jobs and the pending queue and implements the
// transactional lifecycle operations: enqueue, assign, settle, cancel and
// reap. Every operation is a single transaction so credit movements and
// status changes cannot be observed apart.
package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid"

	"github.com/campusgrid/campusgrid/database"
	"github.com/campusgrid/campusgrid/database/repository/ledger"
	"github.com/campusgrid/campusgrid/database/repository/worker"
	"github.com/campusgrid/campusgrid/protocol"
)

// Job statuses. Transitions are monotonic along
// pending → running → {completed, failed, timed_out}; pending → cancelled is
// the only other edge.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

const (
	baseCost        = 5
	costPerCPU      = 2
	costPerGB       = 1
	costGPU         = 10
	defaultPriority = 5
)

var (
	// ErrNotFound is returned when no job matches the query
	ErrNotFound = errors.New("job not found")
	// ErrNoMatchingJob is returned when nothing in the queue fits the worker
	ErrNoMatchingJob = errors.New("no matching job")
	// ErrNotRunning rejects settles against jobs that are not running, which
	// covers late deliveries from workers already reaped as lost
	ErrNotRunning = errors.New("job is not running")
	// ErrWrongWorker rejects results delivered by a worker that is not the
	// job's assignee
	ErrWrongWorker = errors.New("job is assigned to a different worker")
	// ErrNotPending rejects cancels against assigned or finished jobs
	ErrNotPending = errors.New("job is not pending")
	// ErrNotOwner rejects cancels by anyone but the submitter
	ErrNotOwner = errors.New("job does not belong to requester")
	// ErrInvalidDemands covers unusable resource demand profiles
	ErrInvalidDemands = errors.New("invalid job demands")
)

// Demands is the minimum resource profile a worker must satisfy
type Demands struct {
	CPUCores       int
	RAMGB          float64
	GPURequired    bool
	DockerRequired bool
	OSTag          string
	TimeoutSeconds int
}

// Job is one unit of work
type Job struct {
	ID            string
	Title         string
	SubmitterID   string
	WorkerID      string
	Status        string
	Priority      int
	Code          string
	Requirements  string
	Demands       Demands
	CreditCost    int64
	CreditReward  int64
	Stdout        string
	Stderr        string
	FailureReason string
	Sandbox       string
	SubmittedAt   time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
}

// FileMeta records one artifact kept for a job
type FileMeta struct {
	Name string
	Size int64
}

// Result is what a worker delivered for a running job
type Result struct {
	Outcome string
	Reason  string
	Stdout  string
	Stderr  string
	Sandbox string
	Files   []FileMeta
}

// Stats summarises the system for the dashboard boundary
type Stats struct {
	Pending   int64
	Running   int64
	Completed int64
	Failed    int64
}

// Policy holds the refund knobs applied at settle time
type Policy struct {
	RefundOnFailure          bool
	TimeoutRefundNumerator   int64
	TimeoutRefundDenominator int64
	MaxTimeoutSeconds        int
}

// Service exposes job operations over a connected database
type Service struct {
	db     *database.Instance
	policy Policy
}

// Setup returns a usable Service
func Setup(db *database.Instance, policy Policy) (*Service, error) {
	if db == nil || !db.IsConnected() {
		return nil, database.ErrNoDatabaseProvided
	}
	if policy.TimeoutRefundDenominator == 0 {
		policy.TimeoutRefundDenominator = 1
	}
	return &Service{db: db, policy: policy}, nil
}

// Cost computes the credit cost of a demand profile:
// 5 + 2 per core + 1 per GiB (rounded up) + 10 for a GPU + 1 per started
// minute of timeout. Reward equals cost.
func Cost(d Demands) int64 {
	cost := int64(baseCost)
	cost += int64(costPerCPU * d.CPUCores)
	cost += int64(costPerGB) * int64(math.Ceil(d.RAMGB))
	if d.GPURequired {
		cost += costGPU
	}
	cost += int64(math.Ceil(float64(d.TimeoutSeconds) / 60))
	return cost
}

func (d *Demands) validate(maxTimeout int) error {
	if d.CPUCores < 1 {
		return fmt.Errorf("%w: cpu_cores must be positive", ErrInvalidDemands)
	}
	if d.RAMGB <= 0 {
		return fmt.Errorf("%w: ram_gb must be positive", ErrInvalidDemands)
	}
	if d.TimeoutSeconds < 1 {
		return fmt.Errorf("%w: timeout_seconds must be positive", ErrInvalidDemands)
	}
	if maxTimeout > 0 && d.TimeoutSeconds > maxTimeout {
		return fmt.Errorf("%w: timeout %ds exceeds maximum %ds",
			ErrInvalidDemands, d.TimeoutSeconds, maxTimeout)
	}
	return nil
}

// Enqueue debits the submitter and inserts the job row plus its queue entry
// in one transaction. It fails atomically when the balance cannot cover the
// cost; no job row or ledger entry survives a rejection.
func (s *Service) Enqueue(ctx context.Context, submitterID, title, code, requirements string, d Demands, priority int) (*Job, error) {
	if err := d.validate(s.policy.MaxTimeoutSeconds); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("%w: empty code payload", ErrInvalidDemands)
	}
	if priority == 0 {
		priority = defaultPriority
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	cost := Cost(d)
	j := &Job{
		ID:           id.String(),
		Title:        title,
		SubmitterID:  submitterID,
		Status:       StatusPending,
		Priority:     priority,
		Code:         code,
		Requirements: requirements,
		Demands:      d,
		CreditCost:   cost,
		CreditReward: cost,
		SubmittedAt:  time.Now().UTC(),
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, title, submitter_id, status, priority, code, requirements,
			 cpu_required, ram_required_gb, gpu_required, docker_required, os_tag,
			 timeout_seconds, credit_cost, credit_reward, submitted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.Title, j.SubmitterID, j.Status, j.Priority, j.Code, j.Requirements,
			d.CPUCores, d.RAMGB, d.GPURequired, d.DockerRequired, nullString(d.OSTag),
			d.TimeoutSeconds, j.CreditCost, j.CreditReward, j.SubmittedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_queue (job_id, priority, queued_at) VALUES (?, ?, ?)`,
			j.ID, j.Priority, j.SubmittedAt); err != nil {
			return err
		}
		// the debit references the job row, so it must come last
		return ledger.Apply(ctx, tx, submitterID, -cost, ledger.KindJobDebit, j.ID,
			"submitted "+title)
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// AssignNext picks the highest priority pending job the worker's specs
// satisfy, removes its queue entry and marks it running, all in one
// transaction. Concurrent requesters are serialised here; at most one sees
// any given job.
func (s *Service) AssignNext(ctx context.Context, workerID string, specs protocol.WorkerSpecs) (*Job, error) {
	var j *Job
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT j.id, j.title, j.submitter_id, j.priority, j.code, IFNULL(j.requirements, ''),
			 j.cpu_required, j.ram_required_gb, j.gpu_required, j.docker_required,
			 IFNULL(j.os_tag, ''), j.timeout_seconds, j.credit_cost, j.credit_reward, j.submitted_at
			 FROM jobs j JOIN job_queue q ON j.id = q.job_id
			 WHERE j.status = ?
			 AND j.cpu_required <= ?
			 AND j.ram_required_gb <= ?
			 AND (j.gpu_required = 0 OR ? <> '')
			 AND (j.docker_required = 0 OR ? <> 0)
			 AND (j.os_tag IS NULL OR j.os_tag = '' OR j.os_tag = ?)
			 ORDER BY q.priority DESC, q.queued_at ASC, j.id ASC
			 LIMIT 1`,
			StatusPending, specs.CPUCores, specs.RAMGB, specs.GPUName,
			specs.DockerAvailable, specs.OSFamily)

		var cand Job
		err := row.Scan(&cand.ID, &cand.Title, &cand.SubmitterID, &cand.Priority, &cand.Code,
			&cand.Requirements, &cand.Demands.CPUCores, &cand.Demands.RAMGB,
			&cand.Demands.GPURequired, &cand.Demands.DockerRequired, &cand.Demands.OSTag,
			&cand.Demands.TimeoutSeconds, &cand.CreditCost, &cand.CreditReward, &cand.SubmittedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoMatchingJob
		}
		if err != nil {
			return err
		}

		cand.Status = StatusRunning
		cand.WorkerID = workerID
		cand.StartedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, worker_id = ?, started_at = ? WHERE id = ?`,
			cand.Status, cand.WorkerID, cand.StartedAt, cand.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_queue WHERE job_id = ?`, cand.ID); err != nil {
			return err
		}
		j = &cand
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Settle transitions a running job to its terminal status, persists the
// / result and moves credits per policy: completed credits the worker's owner,
// timed_out refunds the configured fraction, worker_lost refunds in full,
// any other failure refunds only when the policy says so. A non-empty
// reporterID must match the assigned worker; the empty id is reserved for
// coordinator-initiated settles (reaper, assignment rollback).
func (s *Service) Settle(ctx context.Context, jobID, reporterID string, res Result) (*Job, error) {
	var settled *Job
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var j Job
		var workerID sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT id, title, submitter_id, worker_id, status, credit_cost, credit_reward
			 FROM jobs WHERE id = ?`, jobID).
			Scan(&j.ID, &j.Title, &j.SubmitterID, &workerID, &j.Status, &j.CreditCost, &j.CreditReward)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		if err != nil {
			return err
		}
		if j.Status != StatusRunning {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, j.Status)
		}
		if reporterID != "" && reporterID != workerID.String {
			return fmt.Errorf("%w: %s delivered by %s", ErrWrongWorker, jobID, reporterID)
		}
		j.WorkerID = workerID.String

		status, err := statusForOutcome(res.Outcome)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, stdout = ?, stderr = ?, failure_reason = ?,
			 sandbox = ?, finished_at = ? WHERE id = ?`,
			status, res.Stdout, res.Stderr, nullString(res.Reason), nullString(res.Sandbox),
			now, jobID); err != nil {
			return err
		}

		for i := range res.Files {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_files (job_id, name, size, created_at) VALUES (?, ?, ?, ?)`,
				jobID, res.Files[i].Name, res.Files[i].Size, now); err != nil {
				return err
			}
		}

		if err := s.settleCredits(ctx, tx, &j, status, res.Reason); err != nil {
			return err
		}

		j.Status = status
		j.FinishedAt = now
		settled = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

func (s *Service) settleCredits(ctx context.Context, tx *sql.Tx, j *Job, status, reason string) error {
	switch status {
	case StatusCompleted:
		return s.rewardWorker(ctx, tx, j)
	case StatusTimedOut:
		refund := j.CreditCost * s.policy.TimeoutRefundNumerator / s.policy.TimeoutRefundDenominator
		if refund <= 0 {
			return nil
		}
		return ledger.Apply(ctx, tx, j.SubmitterID, refund, ledger.KindJobCredit, j.ID,
			"timeout refund for "+j.Title)
	case StatusFailed:
		if reason != protocol.ReasonWorkerLost && !s.policy.RefundOnFailure {
			return nil
		}
		return ledger.Apply(ctx, tx, j.SubmitterID, j.CreditCost, ledger.KindJobCredit, j.ID,
			"refund for "+j.Title)
	}
	return nil
}

func (s *Service) rewardWorker(ctx context.Context, tx *sql.Tx, j *Job) error {
	if j.WorkerID == "" {
		return nil
	}
	var ownerID sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT owner_id FROM workers WHERE id = ?`, j.WorkerID).Scan(&ownerID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workers SET jobs_completed = jobs_completed + 1,
		 credits_earned = credits_earned + ? WHERE id = ?`,
		j.CreditReward, j.WorkerID); err != nil {
		return err
	}
	// anonymous workers execute for nothing
	if !ownerID.Valid {
		return nil
	}
	return ledger.Apply(ctx, tx, ownerID.String, j.CreditReward, ledger.KindJobCredit, j.ID,
		"completed "+j.Title)
}

// CancelPending cancels a job still in the queue and refunds the full cost
func (s *Service) CancelPending(ctx context.Context, jobID, submitterID string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var status, owner string
		var cost int64
		var title string
		err := tx.QueryRowContext(ctx,
			`SELECT status, submitter_id, credit_cost, title FROM jobs WHERE id = ?`, jobID).
			Scan(&status, &owner, &cost, &title)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		if err != nil {
			return err
		}
		if owner != submitterID {
			return ErrNotOwner
		}
		if status != StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, jobID, status)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?`,
			StatusCancelled, time.Now().UTC(), jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_queue WHERE job_id = ?`, jobID); err != nil {
			return err
		}
		return ledger.Apply(ctx, tx, submitterID, cost, ledger.KindJobCredit, jobID,
			"cancelled "+title)
	})
}

// ReapStalled fails running jobs whose worker has been offline past the
// grace and refunds their submitters, then times out running jobs that
// outlived twice their own timeout regardless of worker state. The second
// sweep is the safety net for workers that vanish without ever delivering.
func (s *Service) ReapStalled(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	reaped := 0
	cutoff := now.Add(-grace).UTC()

	lost, err := s.collect(ctx,
		`SELECT j.id FROM jobs j JOIN workers w ON j.worker_id = w.id
		 WHERE j.status = ? AND w.status = ? AND w.last_heartbeat < ?`,
		StatusRunning, worker.StatusOffline, cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range lost {
		if _, err := s.Settle(ctx, id, "", Result{
			Outcome: protocol.OutcomeFailed,
			Reason:  protocol.ReasonWorkerLost,
			Stderr:  "worker lost during execution",
		}); err != nil && !errors.Is(err, ErrNotRunning) {
			return reaped, err
		}
		reaped++
	}

	overdue, err := s.collect(ctx,
		`SELECT id FROM jobs WHERE status = ?
		 AND datetime(started_at, '+' || (2 * timeout_seconds) || ' seconds') < datetime(?)`,
		StatusRunning, now.UTC())
	if err != nil {
		return reaped, err
	}
	for _, id := range overdue {
		if _, err := s.Settle(ctx, id, "", Result{
			Outcome: protocol.OutcomeTimedOut,
			Stderr:  "coordinator-side timeout: no result within twice the job timeout",
		}); err != nil && !errors.Is(err, ErrNotRunning) {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

func (s *Service) collect(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ByID returns the full job row
func (s *Service) ByID(ctx context.Context, id string) (*Job, error) {
	jobs, err := s.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}

// BySubmitter returns a user's jobs, newest first
func (s *Service) BySubmitter(ctx context.Context, submitterID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `WHERE submitter_id = ? ORDER BY submitted_at DESC LIMIT ?`, submitterID, limit)
}

// Files lists artifacts recorded for a job
func (s *Service) Files(ctx context.Context, jobID string) ([]FileMeta, error) {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx,
		`SELECT name, size FROM job_files WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileMeta
	for rows.Next() {
		var f FileMeta
		if err := rows.Scan(&f.Name, &f.Size); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SystemStats returns queue counters for the dashboard boundary
func (s *Service) SystemStats(ctx context.Context) (*Stats, error) {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		return nil, err
	}
	var st Stats
	err = sqlDB.QueryRowContext(ctx,
		`SELECT
		 (SELECT COUNT(1) FROM jobs WHERE status = 'pending'),
		 (SELECT COUNT(1) FROM jobs WHERE status = 'running'),
		 (SELECT COUNT(1) FROM jobs WHERE status = 'completed'),
		 (SELECT COUNT(1) FROM jobs WHERE status IN ('failed', 'timed_out', 'cancelled'))`).
		Scan(&st.Pending, &st.Running, &st.Completed, &st.Failed)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Service) query(ctx context.Context, clause string, args ...interface{}) ([]Job, error) {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx,
		`SELECT id, title, submitter_id, IFNULL(worker_id, ''), status, priority, code,
		 IFNULL(requirements, ''), cpu_required, ram_required_gb, gpu_required,
		 docker_required, IFNULL(os_tag, ''), timeout_seconds, credit_cost, credit_reward,
		 IFNULL(stdout, ''), IFNULL(stderr, ''), IFNULL(failure_reason, ''),
		 IFNULL(sandbox, ''), submitted_at, started_at, finished_at
		 FROM jobs `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var started, finished sql.NullTime
		if err := rows.Scan(&j.ID, &j.Title, &j.SubmitterID, &j.WorkerID, &j.Status,
			&j.Priority, &j.Code, &j.Requirements, &j.Demands.CPUCores, &j.Demands.RAMGB,
			&j.Demands.GPURequired, &j.Demands.DockerRequired, &j.Demands.OSTag,
			&j.Demands.TimeoutSeconds, &j.CreditCost, &j.CreditReward, &j.Stdout, &j.Stderr,
			&j.FailureReason, &j.Sandbox, &j.SubmittedAt, &started, &finished); err != nil {
			return nil, err
		}
		j.StartedAt = started.Time
		j.FinishedAt = finished.Time
		out = append(out, j)
	}
	return out, rows.Err()
}

func statusForOutcome(outcome string) (string, error) {
	switch outcome {
	case protocol.OutcomeCompleted:
		return StatusCompleted, nil
	case protocol.OutcomeFailed:
		return StatusFailed, nil
	case protocol.OutcomeTimedOut:
		return StatusTimedOut, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome %q", protocol.ErrMalformedMessage, outcome)
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
