package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/campusgrid/campusgrid/config"
	"github.com/campusgrid/campusgrid/log"
	"github.com/campusgrid/campusgrid/protocol"
	"github.com/campusgrid/campusgrid/worker/sandbox"
)

const pollInterval = 5 * time.Second

// Options selects how the daemon presents itself to the coordinator
type Options struct {
	Coordinator string
	Name        string
	OwnerToken  string
	NoSandbox   bool
}

// Client is one worker daemon. It holds a single coordinator session; Run
// drives it until the context is cancelled or the session breaks.
type Client struct {
	cfg      *config.Config
	opts     Options
	executor sandbox.Executor
	specs    protocol.WorkerSpecs

	conn      net.Conn
	codec     *protocol.Codec
	workerID  string
	executing int32
	inbound   chan json.RawMessage
	readErr   chan error
}

// New probes the host and selects the executor: container mode when a
// Docker engine responds, the restricted subprocess fallback otherwise
func New(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	if err := cfg.CheckConfig(); err != nil {
		return nil, err
	}
	if opts.Coordinator == "" {
		return nil, errors.New("coordinator address is required")
	}
	if opts.Name == "" {
		return nil, errors.New("worker name is required")
	}

	limits := sandbox.Limits{
		Image:            cfg.Sandbox.Image,
		MaxStdoutBytes:   cfg.Sandbox.MaxStdoutBytes,
		MaxArtifactBytes: cfg.Sandbox.MaxArtifactBytes,
		PidsLimit:        cfg.Sandbox.PidsLimit,
	}

	c := &Client{cfg: cfg, opts: opts}
	if cfg.SandboxEnabled() && !opts.NoSandbox {
		if d, err := sandbox.NewDocker(ctx, limits); err == nil {
			if err := d.EnsureImage(ctx); err != nil {
				log.Warnf(log.WorkerMgr, "Sandbox image: %v", err)
			}
			c.executor = d
		} else {
			log.Warnf(log.WorkerMgr, "Docker unavailable, falling back to restricted mode: %v", err)
		}
	}
	if c.executor == nil {
		r, err := sandbox.NewRestricted(limits)
		if err != nil {
			return nil, errors.Wrap(err, "no usable executor")
		}
		c.executor = r
	}

	c.specs = ProbeSpecs(c.executor.Mode() == protocol.SandboxContainer)
	log.Infof(log.WorkerMgr, "Worker %q: %d cores, %.1fGB ram, gpu=%q, mode=%s",
		opts.Name, c.specs.CPUCores, c.specs.RAMGB, c.specs.GPUName, c.executor.Mode())
	return c, nil
}

// Run connects, registers and serves assignments until ctx is cancelled.
// It returns nil on a graceful shutdown and the session error otherwise.
func (c *Client) Run(ctx context.Context) error {
	conn, err := net.Dial("tcp", c.opts.Coordinator)
	if err != nil {
		return errors.Wrapf(err, "unable to reach coordinator %s", c.opts.Coordinator)
	}
	c.conn = conn
	defer conn.Close()
	c.codec = protocol.NewCodec(conn, c.cfg.Coordinator.MaxFrameBytes)
	c.inbound = make(chan json.RawMessage, 8)
	c.readErr = make(chan error, 1)

	if err := c.register(ctx); err != nil {
		return err
	}

	go c.reader()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx)

	err = c.serve(ctx)
	if ctx.Err() != nil {
		// best effort goodbye so the coordinator frees the slot promptly
		_ = c.codec.WriteMessage(&protocol.Disconnect{Type: protocol.TypeDisconnect})
		return nil
	}
	return err
}

func (c *Client) register(ctx context.Context) error {
	if err := c.codec.WriteMessage(&protocol.Register{
		Type:       protocol.TypeRegister,
		Name:       c.opts.Name,
		OwnerToken: c.opts.OwnerToken,
		Specs:      c.specs,
	}); err != nil {
		return errors.Wrap(err, "unable to send registration")
	}

	raw, err := c.codec.ReadFrame()
	if err != nil {
		return errors.Wrap(err, "registration read")
	}
	t, err := protocol.PeekType(raw)
	if err != nil {
		return err
	}
	if t == protocol.TypeError {
		var em protocol.ErrorMessage
		if err := json.Unmarshal(raw, &em); err != nil {
			return err
		}
		return fmt.Errorf("registration rejected: %s", em.Message)
	}
	if t != protocol.TypeRegistered {
		return fmt.Errorf("unexpected registration reply %q", t)
	}
	var reg protocol.Registered
	if err := json.Unmarshal(raw, &reg); err != nil {
		return err
	}
	c.workerID = reg.WorkerID
	log.Infof(log.WorkerMgr, "Registered as %s: %s", reg.WorkerID, reg.Message)
	return nil
}

func (c *Client) reader() {
	for {
		raw, err := c.codec.ReadFrame()
		if err != nil {
			c.readErr <- err
			return
		}
		c.inbound <- raw
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.HeartbeatInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			status := "idle"
			if atomic.LoadInt32(&c.executing) == 1 {
				status = "busy"
			}
			if err := c.codec.WriteMessage(&protocol.Heartbeat{
				Type:     protocol.TypeHeartbeat,
				WorkerID: c.workerID,
				Status:   status,
			}); err != nil {
				log.Warnf(log.WorkerMgr, "Heartbeat: %v", err)
				return
			}
		}
	}
}

// serve is the poll loop: request a job, execute what arrives, deliver the
// result and wait for the ack before polling again
func (c *Client) serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.codec.WriteMessage(&protocol.RequestJob{
			Type:     protocol.TypeRequestJob,
			WorkerID: c.workerID,
		}); err != nil {
			return errors.Wrap(err, "job request")
		}

		raw, err := c.next(ctx)
		if err != nil {
			return err
		}
		t, err := protocol.PeekType(raw)
		if err != nil {
			return err
		}
		switch t {
		case protocol.TypeNoJob:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		case protocol.TypeJob:
			var j protocol.Job
			if err := json.Unmarshal(raw, &j); err != nil {
				return errors.Wrap(err, "job decode")
			}
			if err := c.execute(ctx, &j); err != nil {
				return err
			}
		case protocol.TypeError:
			var em protocol.ErrorMessage
			_ = json.Unmarshal(raw, &em)
			return fmt.Errorf("coordinator error: %s", em.Message)
		default:
			log.Warnf(log.WorkerMgr, "Ignoring unexpected frame %q", t)
		}
	}
}

func (c *Client) execute(ctx context.Context, j *protocol.Job) error {
	atomic.StoreInt32(&c.executing, 1)
	defer atomic.StoreInt32(&c.executing, 0)
	log.Infof(log.WorkerMgr, "Executing job %s (%q), timeout %ds",
		j.JobID, j.Title, j.TimeoutSeconds)

	res, err := c.executor.Run(ctx, &sandbox.Spec{
		JobID:          j.JobID,
		Code:           j.Code,
		Requirements:   j.Requirements,
		CPUCores:       j.CPUCores,
		RAMGB:          j.RAMGB,
		TimeoutSeconds: j.TimeoutSeconds,
	})
	if err != nil {
		log.Errorf(log.WorkerMgr, "Job %s execution: %v", j.JobID, err)
		res = &sandbox.Result{
			Outcome: protocol.OutcomeFailed,
			Reason:  protocol.ReasonExit,
			Stderr:  err.Error(),
			Mode:    c.executor.Mode(),
		}
	}
	log.Infof(log.WorkerMgr, "Job %s finished %s after %.1fs",
		j.JobID, res.Outcome, res.Elapsed.Seconds())

	if err := c.codec.WriteMessage(&protocol.JobResult{
		Type:           protocol.TypeJobResult,
		JobID:          j.JobID,
		WorkerID:       c.workerID,
		Outcome:        res.Outcome,
		Reason:         res.Reason,
		Stdout:         res.Stdout,
		Stderr:         res.Stderr,
		Files:          res.Files,
		Sandbox:        res.Mode,
		ElapsedSeconds: res.Elapsed.Seconds(),
	}); err != nil {
		return errors.Wrap(err, "result delivery")
	}

	// the ack may interleave with queued frames; drain until it shows up
	for {
		raw, err := c.next(ctx)
		if err != nil {
			return err
		}
		t, err := protocol.PeekType(raw)
		if err != nil {
			return err
		}
		if t == protocol.TypeJobReceived {
			return nil
		}
		log.Warnf(log.WorkerMgr, "Ignoring frame %q while awaiting ack", t)
	}
}

func (c *Client) next(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-c.readErr:
		return nil, errors.Wrap(err, "session read")
	case raw := <-c.inbound:
		return raw, nil
	}
}
