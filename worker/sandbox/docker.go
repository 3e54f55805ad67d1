package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"

	"github.com/campusgrid/campusgrid/log"
	"github.com/campusgrid/campusgrid/protocol"
)

// exit code the wrapper script reserves for dependency install failures
const depInstallExitCode = 97

// Docker runs jobs inside throwaway containers with networking disabled
// and memory, cpu and pid limits applied.
type Docker struct {
	cli    *dockerclient.Client
	limits Limits
}

// NewDocker connects to the local Docker engine and verifies it responds
func NewDocker(ctx context.Context, limits Limits) (*Docker, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "unable to create docker client")
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, errors.Wrap(err, "docker engine not reachable")
	}
	return &Docker{cli: cli, limits: limits}, nil
}

// Mode identifies this executor on delivered results
func (d *Docker) Mode() string { return protocol.SandboxContainer }

// Close releases the engine connection
func (d *Docker) Close() error { return d.cli.Close() }

// EnsureImage pulls the sandbox image if the local engine lacks it
func (d *Docker) EnsureImage(ctx context.Context) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, d.limits.Image); err == nil {
		return nil
	}
	log.Infof(log.SandboxMgr, "Pulling sandbox image %s", d.limits.Image)
	rc, err := d.cli.ImagePull(ctx, d.limits.Image, types.ImagePullOptions{})
	if err != nil {
		return errors.Wrapf(err, "unable to pull %s", d.limits.Image)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Run executes the spec in a fresh container and collects its output. The
// container never gets a network, so jobs with requirements fail as
// dependency errors unless the image already carries them.
func (d *Docker) Run(ctx context.Context, spec *Spec) (*Result, error) {
	jobDir, outDir, err := stageJob(spec)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(jobDir)

	script := "python /job/" + scriptName
	if spec.Requirements != "" {
		script = fmt.Sprintf(
			"pip install --no-cache-dir -q -r /job/%s || exit %d; %s",
			requirementsName, depInstallExitCode, script)
	}

	pids := d.limits.PidsLimit
	cfg := &container.Config{
		Image:           d.limits.Image,
		Cmd:             []string{"sh", "-c", script},
		WorkingDir:      "/job",
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Binds: []string{
			jobDir + ":/job",
			outDir + ":/output",
		},
		Resources: container.Resources{
			Memory:    int64(spec.RAMGB * float64(1<<30)),
			NanoCPUs:  int64(spec.CPUCores) * 1e9,
			PidsLimit: &pids,
		},
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, errors.Wrap(err, "unable to create container")
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(rctx, created.ID,
			types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warnf(log.SandboxMgr, "Container %s remove: %v", created.ID[:12], err)
		}
	}()

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return nil, errors.Wrap(err, "unable to start container")
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds)*time.Second)
	defer cancel()

	res := &Result{Mode: d.Mode()}
	statusCh, errCh := d.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if runCtx.Err() == nil {
			return nil, errors.Wrap(err, "container wait")
		}
		d.kill(created.ID)
		res.Outcome = protocol.OutcomeTimedOut
	case status := <-statusCh:
		switch status.StatusCode {
		case 0:
			res.Outcome = protocol.OutcomeCompleted
		case depInstallExitCode:
			res.Outcome = protocol.OutcomeFailed
			res.Reason = protocol.ReasonDependency
		default:
			res.Outcome = protocol.OutcomeFailed
			res.Reason = protocol.ReasonExit
		}
	}
	res.Elapsed = time.Since(start)

	if inspect, err := d.cli.ContainerInspect(ctx, created.ID); err == nil &&
		inspect.State != nil && inspect.State.OOMKilled {
		res.Outcome = protocol.OutcomeFailed
		res.Reason = protocol.ReasonOOM
	}

	res.Stdout, res.Stderr = d.logs(ctx, created.ID)
	var dropped bool
	res.Files, dropped = collectArtifacts(outDir, d.limits.MaxArtifactBytes)
	if dropped {
		res.Stderr += "\n[artifact cap exceeded, remaining files dropped]"
	}
	return res, nil
}

func (d *Docker) kill(containerID string) {
	kctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.cli.ContainerKill(kctx, containerID, "KILL"); err != nil {
		log.Warnf(log.SandboxMgr, "Container %s kill: %v", containerID[:12], err)
	}
}

func (d *Docker) logs(ctx context.Context, containerID string) (string, string) {
	rc, err := d.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		log.Warnf(log.SandboxMgr, "Container %s logs: %v", containerID[:12], err)
		return "", ""
	}
	defer rc.Close()

	stdout := newBoundedBuffer(d.limits.MaxStdoutBytes)
	stderr := newBoundedBuffer(d.limits.MaxStdoutBytes)
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		log.Warnf(log.SandboxMgr, "Container %s log demux: %v", containerID[:12], err)
	}
	return stdout.String(), stderr.String()
}
