// Package engine wires the coordinator subsystems: the store, the worker
// registry, the scheduler, the worker session server and the submission API.
// Components are constructed at startup and passed explicitly; there is no
// package-level state.
package engine

import (
	"fmt"
	"sync"

	"github.com/campusgrid/campusgrid/config"
	"github.com/campusgrid/campusgrid/database"
	"github.com/campusgrid/campusgrid/database/repository/activity"
	"github.com/campusgrid/campusgrid/database/repository/job"
	"github.com/campusgrid/campusgrid/database/repository/user"
	"github.com/campusgrid/campusgrid/database/repository/worker"
	"github.com/campusgrid/campusgrid/log"
)

// Coordinator is the overarching type holding every subsystem
type Coordinator struct {
	Config *config.Config

	db       *database.Instance
	users    *user.Service
	workers  *worker.Service
	jobs     *job.Service
	activity *activity.Service

	registry       *workerRegistry
	scheduler      *scheduler
	sessionManager *sessionManager
	apiServer      *apiServer

	ServicesWG sync.WaitGroup
}

// New connects the store and constructs all subsystems without starting
// any listeners
func New(cfg *config.Config) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: %w", config.ErrInvalidConfig)
	}
	if err := cfg.CheckConfig(); err != nil {
		return nil, err
	}

	c := &Coordinator{Config: cfg}

	var err error
	c.db, err = database.Connect(database.Config{
		Driver:  cfg.Database.Driver,
		DataDir: cfg.Database.DataDir,
		Verbose: cfg.Database.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: database connect: %w", err)
	}

	if c.users, err = user.Setup(c.db, cfg.Credits.StartingGrant); err != nil {
		return nil, err
	}
	if c.workers, err = worker.Setup(c.db); err != nil {
		return nil, err
	}
	if c.jobs, err = job.Setup(c.db, job.Policy{
		RefundOnFailure:          cfg.Credits.RefundOnFailure,
		TimeoutRefundNumerator:   cfg.Credits.TimeoutRefundNumerator,
		TimeoutRefundDenominator: cfg.Credits.TimeoutRefundDenominator,
		MaxTimeoutSeconds:        cfg.Coordinator.MaxJobTimeoutS,
	}); err != nil {
		return nil, err
	}
	if c.activity, err = activity.Setup(c.db); err != nil {
		return nil, err
	}

	c.registry = newWorkerRegistry(c.workers)
	c.scheduler = newScheduler(c, c.registry)
	c.sessionManager = newSessionManager(c, c.registry, c.scheduler)
	c.apiServer = newAPIServer(c)
	return c, nil
}

// Start brings up the scheduler reaper, the worker session server and the
// submission API server
func (c *Coordinator) Start() error {
	if c == nil {
		return fmt.Errorf("coordinator %w", ErrNilSubsystem)
	}
	log.Infof(log.Coordinator, "Coordinator %s", MsgSubSystemStarting)
	if err := c.scheduler.Start(); err != nil {
		return err
	}
	if err := c.sessionManager.Start(); err != nil {
		_ = c.scheduler.Stop()
		return err
	}
	if err := c.apiServer.Start(); err != nil {
		_ = c.sessionManager.Stop()
		_ = c.scheduler.Stop()
		return err
	}
	log.Infof(log.Coordinator, "Coordinator %s", MsgSubSystemStarted)
	return nil
}

// Stop tears the subsystems down in reverse order and closes the store
func (c *Coordinator) Stop() error {
	if c == nil {
		return fmt.Errorf("coordinator %w", ErrNilSubsystem)
	}
	log.Infof(log.Coordinator, "Coordinator %s", MsgSubSystemShuttingDown)

	if err := c.apiServer.Stop(); err != nil {
		log.Errorf(log.Coordinator, "API server stop: %v", err)
	}
	if err := c.sessionManager.Stop(); err != nil {
		log.Errorf(log.Coordinator, "Session manager stop: %v", err)
	}
	if err := c.scheduler.Stop(); err != nil {
		log.Errorf(log.Coordinator, "Scheduler stop: %v", err)
	}
	c.ServicesWG.Wait()

	if err := c.db.CloseConnection(); err != nil {
		log.Errorf(log.Coordinator, "Database close: %v", err)
	}
	log.Infof(log.Coordinator, "Coordinator %s", MsgSubSystemShutdown)
	return nil
}
