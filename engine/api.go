package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusgrid/campusgrid/config"
	"github.com/campusgrid/campusgrid/database/repository/activity"
	"github.com/campusgrid/campusgrid/database/repository/job"
	"github.com/campusgrid/campusgrid/database/repository/user"
	"github.com/campusgrid/campusgrid/database/repository/worker"
	"github.com/campusgrid/campusgrid/log"
)

// ErrForbidden is returned when the caller's role does not permit the
// operation
var ErrForbidden = errors.New("operation not permitted for this role")

// JobView is the submitter-facing projection of a job
type JobView struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	CPUCores      int        `json:"cpu_cores"`
	RAMGB         float64    `json:"ram_gb"`
	GPURequired   bool       `json:"gpu_required"`
	CreditCost    int64      `json:"credit_cost"`
	Stdout        string     `json:"stdout,omitempty"`
	Stderr        string     `json:"stderr,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Sandbox       string     `json:"sandbox,omitempty"`
	Files         []FileView `json:"files,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// FileView is one artifact entry on a job view
type FileView struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// WorkerView is the fleet projection returned by ListWorkers
type WorkerView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	CPUCores      int       `json:"cpu_cores"`
	RAMGB         float64   `json:"ram_gb"`
	GPUName       string    `json:"gpu_name,omitempty"`
	Online        bool      `json:"online"`
	JobsCompleted int64     `json:"jobs_completed"`
	CreditsEarned int64     `json:"credits_earned"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// SubmitRequest carries a job submission from the API boundary
type SubmitRequest struct {
	Title          string  `json:"title"`
	Code           string  `json:"code"`
	Requirements   string  `json:"requirements"`
	CPUCores       int     `json:"cpu_cores"`
	RAMGB          float64 `json:"ram_gb"`
	GPURequired    bool    `json:"gpu_required"`
	DockerRequired bool    `json:"docker_required"`
	OSTag          string  `json:"os_tag"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	Priority       int     `json:"priority"`
}

// SystemStatsView is the dashboard summary
type SystemStatsView struct {
	Pending       int64 `json:"pending_jobs"`
	Running       int64 `json:"running_jobs"`
	Completed     int64 `json:"completed_jobs"`
	Failed        int64 `json:"failed_jobs"`
	WorkersOnline int   `json:"workers_online"`
	WorkersBusy   int   `json:"workers_busy"`
}

// SubmitJob prices the demand profile, debits the submitter and queues the
// job. Any authenticated user may submit.
func (c *Coordinator) SubmitJob(ctx context.Context, u *user.User, req *SubmitRequest) (*JobView, error) {
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = config.DefaultJobTimeout
	}
	j, err := c.jobs.Enqueue(ctx, u.ID, req.Title, req.Code, req.Requirements, job.Demands{
		CPUCores:       req.CPUCores,
		RAMGB:          req.RAMGB,
		GPURequired:    req.GPURequired,
		DockerRequired: req.DockerRequired,
		OSTag:          req.OSTag,
		TimeoutSeconds: req.TimeoutSeconds,
	}, req.Priority)
	if err != nil {
		return nil, err
	}
	c.activity.Record(ctx, activity.EventJobCreated, u.ID,
		fmt.Sprintf("job %s (%q) for %d credits", shortID(j.ID), j.Title, j.CreditCost))
	log.Infof(log.APIServer, "User %q submitted job %s (%q) cost=%d",
		u.Username, shortID(j.ID), j.Title, j.CreditCost)
	return jobView(j, nil), nil
}

// CancelJob cancels a still-pending job owned by the caller and refunds it
func (c *Coordinator) CancelJob(ctx context.Context, u *user.User, jobID string) error {
	if err := c.jobs.CancelPending(ctx, jobID, u.ID); err != nil {
		return err
	}
	c.activity.Record(ctx, activity.EventJobCancelled, u.ID, "job "+shortID(jobID))
	return nil
}

// GetJob returns one job with its artifacts. Submitters see only their own
// jobs; the coordinator role sees everything.
func (c *Coordinator) GetJob(ctx context.Context, u *user.User, jobID string) (*JobView, error) {
	j, err := c.jobs.ByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.SubmitterID != u.ID && u.Role != user.RoleCoordinator {
		return nil, ErrForbidden
	}
	files, err := c.jobs.Files(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return jobView(j, files), nil
}

// ListMyJobs returns the caller's recent jobs, newest first
func (c *Coordinator) ListMyJobs(ctx context.Context, u *user.User, limit int) ([]JobView, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	jobs, err := c.jobs.BySubmitter(ctx, u.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]JobView, 0, len(jobs))
	for i := range jobs {
		out = append(out, *jobView(&jobs[i], nil))
	}
	return out, nil
}

// ListWorkers returns the fleet. Worker owners see their own machines, the
// coordinator role sees all of them.
func (c *Coordinator) ListWorkers(ctx context.Context, u *user.User) ([]WorkerView, error) {
	var rows []worker.Worker
	var err error
	if u.Role == user.RoleCoordinator {
		rows, err = c.workers.All(ctx)
	} else {
		rows, err = c.workers.ByOwner(ctx, u.ID)
	}
	if err != nil {
		return nil, err
	}

	live := make(map[string]registryEntry)
	for _, e := range c.registry.Snapshot() {
		live[e.workerID] = e
	}

	out := make([]WorkerView, 0, len(rows))
	for i := range rows {
		w := &rows[i]
		v := WorkerView{
			ID:            w.ID,
			Name:          w.Name,
			Status:        w.Status,
			CPUCores:      w.Specs.CPUCores,
			RAMGB:         w.Specs.RAMGB,
			GPUName:       w.Specs.GPUName,
			JobsCompleted: w.JobsCompleted,
			CreditsEarned: w.CreditsEarned,
			LastHeartbeat: w.LastHeartbeat,
		}
		if e, ok := live[w.ID]; ok {
			v.Online = true
			v.Status = e.status
			v.LastHeartbeat = e.lastHeartbeat
		}
		out = append(out, v)
	}
	return out, nil
}

// Balance returns the caller's current credit balance
func (c *Coordinator) Balance(ctx context.Context, u *user.User) (int64, error) {
	return c.users.Balance(ctx, u.ID)
}

// CreateUser registers an account. Only the coordinator role may mint other
// coordinators.
func (c *Coordinator) CreateUser(ctx context.Context, actor *user.User, username, password, role string) (*user.User, error) {
	if role == "" {
		role = user.RoleSubmitter
	}
	if role == user.RoleCoordinator && (actor == nil || actor.Role != user.RoleCoordinator) {
		return nil, ErrForbidden
	}
	nu, err := c.users.Create(ctx, username, password, role)
	if err != nil {
		return nil, err
	}
	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	c.activity.Record(ctx, activity.EventUserRegistered, actorID, "user "+username)
	return nu, nil
}

// Bootstrap ensures a coordinator account exists; used on first start so
// the admin surface is reachable at all
func (c *Coordinator) Bootstrap(ctx context.Context, username, password string) error {
	if _, err := c.users.ByUsername(ctx, username); err == nil {
		return nil
	}
	if password == "" {
		return errors.New("admin password is required to create the account")
	}
	u, err := c.users.Create(ctx, username, password, user.RoleCoordinator)
	if err != nil {
		return err
	}
	log.Infof(log.Coordinator, "Created coordinator account %q (%s)", username, shortID(u.ID))
	return nil
}

// Grant adjusts a user's balance by admin fiat, coordinator role only
func (c *Coordinator) Grant(ctx context.Context, actor *user.User, username string, delta int64, reason string) error {
	if actor.Role != user.RoleCoordinator {
		return ErrForbidden
	}
	target, err := c.users.ByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := c.users.Adjust(ctx, target.ID, delta, reason); err != nil {
		return err
	}
	log.Infof(log.APIServer, "Admin %q adjusted %q by %d (%s)", actor.Username, username, delta, reason)
	return nil
}

// PauseWorker takes one of the caller's workers out of assignment without
// dropping its session
func (c *Coordinator) PauseWorker(ctx context.Context, u *user.User, workerID string) error {
	return c.setWorkerPause(ctx, u, workerID, true)
}

// ResumeWorker returns a paused worker to the assignment pool
func (c *Coordinator) ResumeWorker(ctx context.Context, u *user.User, workerID string) error {
	return c.setWorkerPause(ctx, u, workerID, false)
}

func (c *Coordinator) setWorkerPause(ctx context.Context, u *user.User, workerID string, paused bool) error {
	w, err := c.workers.ByID(ctx, workerID)
	if err != nil {
		return err
	}
	if w.OwnerID != u.ID && u.Role != user.RoleCoordinator {
		return ErrForbidden
	}
	if err := c.registry.SetPaused(workerID, paused); err != nil {
		return err
	}
	status := worker.StatusPaused
	if !paused {
		status = worker.StatusIdle
	}
	return c.workers.SetStatus(ctx, workerID, status)
}

// Stats summarises queue depth and fleet occupancy
func (c *Coordinator) Stats(ctx context.Context) (*SystemStatsView, error) {
	js, err := c.jobs.SystemStats(ctx)
	if err != nil {
		return nil, err
	}
	v := &SystemStatsView{
		Pending:   js.Pending,
		Running:   js.Running,
		Completed: js.Completed,
		Failed:    js.Failed,
	}
	for _, e := range c.registry.Snapshot() {
		v.WorkersOnline++
		if e.status == worker.StatusBusy {
			v.WorkersBusy++
		}
	}
	return v, nil
}

// RecentActivity returns the audit trail tail, coordinator role only
func (c *Coordinator) RecentActivity(ctx context.Context, u *user.User, limit int) ([]activity.Entry, error) {
	if u.Role != user.RoleCoordinator {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return c.activity.Recent(ctx, limit)
}

func jobView(j *job.Job, files []job.FileMeta) *JobView {
	v := &JobView{
		ID:            j.ID,
		Title:         j.Title,
		Status:        j.Status,
		Priority:      j.Priority,
		CPUCores:      j.Demands.CPUCores,
		RAMGB:         j.Demands.RAMGB,
		GPURequired:   j.Demands.GPURequired,
		CreditCost:    j.CreditCost,
		Stdout:        j.Stdout,
		Stderr:        j.Stderr,
		FailureReason: j.FailureReason,
		Sandbox:       j.Sandbox,
		SubmittedAt:   j.SubmittedAt,
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		v.FinishedAt = &t
	}
	for i := range files {
		v.Files = append(v.Files, FileView{Name: files[i].Name, Size: files[i].Size})
	}
	return v
}
