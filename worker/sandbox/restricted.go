package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/campusgrid/campusgrid/log"
	"github.com/campusgrid/campusgrid/protocol"
)

// Restricted is the fallback executor for hosts without a Docker engine.
// It runs the job as a plain subprocess with a scrubbed environment and a
// hard timeout. It cannot confine memory or filesystem access, so workers
// running it should be treated as best effort.
type Restricted struct {
	interpreter string
	limits      Limits
}

// NewRestricted locates a python interpreter on PATH
func NewRestricted(limits Limits) (*Restricted, error) {
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return &Restricted{interpreter: path, limits: limits}, nil
		}
	}
	return nil, errors.New("no python interpreter on PATH")
}

// newRestrictedWith is used by tests to substitute the interpreter
func newRestrictedWith(interpreter string, limits Limits) *Restricted {
	return &Restricted{interpreter: interpreter, limits: limits}
}

// Mode identifies this executor on delivered results
func (r *Restricted) Mode() string { return protocol.SandboxRestricted }

// Run executes the spec as a subprocess. Dependency installation needs a
// container, so jobs carrying requirements fail up front as dependency
// errors rather than polluting the host interpreter.
func (r *Restricted) Run(ctx context.Context, spec *Spec) (*Result, error) {
	if spec.Requirements != "" {
		return &Result{
			Outcome: protocol.OutcomeFailed,
			Reason:  protocol.ReasonDependency,
			Stderr:  "restricted mode cannot install requirements",
			Mode:    r.Mode(),
		}, nil
	}

	jobDir, outDir, err := stageJob(spec)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(jobDir)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds)*time.Second)
	defer cancel()

	stdout := newBoundedBuffer(r.limits.MaxStdoutBytes)
	stderr := newBoundedBuffer(r.limits.MaxStdoutBytes)

	cmd := exec.CommandContext(runCtx, r.interpreter, scriptName)
	cmd.Dir = jobDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + jobDir,
		"OUTPUT_DIR=" + outDir,
	}
	// grandchildren inherit the output pipes and would otherwise keep Run
	// blocked past the deadline; kill the whole process group and give Wait
	// a short grace before abandoning the pipes
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{Mode: r.Mode(), Elapsed: time.Since(start)}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.Outcome = protocol.OutcomeTimedOut
	case runErr == nil:
		res.Outcome = protocol.OutcomeCompleted
	default:
		res.Outcome = protocol.OutcomeFailed
		res.Reason = protocol.ReasonExit
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			log.Warnf(log.SandboxMgr, "Subprocess for job %s: %v", spec.JobID, runErr)
		}
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	var dropped bool
	res.Files, dropped = collectArtifacts(outDir, r.limits.MaxArtifactBytes)
	if dropped {
		res.Stderr += "\n[artifact cap exceeded, remaining files dropped]"
	}
	return res, nil
}
