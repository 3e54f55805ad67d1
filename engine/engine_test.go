package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgrid/campusgrid/config"
	"github.com/campusgrid/campusgrid/database/repository/job"
	"github.com/campusgrid/campusgrid/database/repository/user"
	"github.com/campusgrid/campusgrid/database/repository/worker"
	"github.com/campusgrid/campusgrid/protocol"
)

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Coordinator.WorkerBind = "127.0.0.1:0"
	cfg.Coordinator.APIBind = "127.0.0.1:0"
	cfg.Database.DataDir = t.TempDir()

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		assert.NoError(t, c.Stop())
	})
	return c
}

func dialWorker(t *testing.T, c *Coordinator) (net.Conn, *protocol.Codec) {
	t.Helper()
	conn, err := net.Dial("tcp", c.sessionManager.listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, protocol.NewCodec(conn, protocol.DefaultMaxFrame)
}

func registerWorker(t *testing.T, codec *protocol.Codec, name, ownerToken string, specs protocol.WorkerSpecs) string {
	t.Helper()
	require.NoError(t, codec.WriteMessage(&protocol.Register{
		Type:       protocol.TypeRegister,
		Name:       name,
		OwnerToken: ownerToken,
		Specs:      specs,
	}))
	raw, err := codec.ReadFrame()
	require.NoError(t, err)
	var reg protocol.Registered
	require.NoError(t, json.Unmarshal(raw, &reg))
	require.Equal(t, protocol.TypeRegistered, reg.Type)
	require.NotEmpty(t, reg.WorkerID)
	return reg.WorkerID
}

func defaultSpecs() protocol.WorkerSpecs {
	return protocol.WorkerSpecs{CPUCores: 4, RAMGB: 8, DockerAvailable: true, OSFamily: "linux"}
}

func TestCoordinatorStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Coordinator.WorkerBind = "127.0.0.1:0"
	cfg.Coordinator.APIBind = "127.0.0.1:0"
	cfg.Database.DataDir = t.TempDir()

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	assert.True(t, c.scheduler.IsRunning())
	assert.True(t, c.sessionManager.IsRunning())
	assert.True(t, c.apiServer.IsRunning())

	assert.ErrorIs(t, c.scheduler.Start(), ErrSubSystemAlreadyStarted)

	require.NoError(t, c.Stop())
	assert.False(t, c.scheduler.IsRunning())
	assert.ErrorIs(t, c.scheduler.Stop(), ErrSubSystemNotStarted)

	// replace the cleanup-style stop with a fresh coordinator for other tests
	c2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c2.Start())
	require.NoError(t, c2.Stop())
}

func TestSessionFullJobFlow(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()

	owner, err := c.CreateUser(ctx, nil, "owner", "pw", user.RoleWorkerOwner)
	require.NoError(t, err)
	submitter, err := c.CreateUser(ctx, nil, "alice", "pw", "")
	require.NoError(t, err)

	_, codec := dialWorker(t, c)
	workerID := registerWorker(t, codec, "lab-1", "owner", defaultSpecs())

	// empty queue
	require.NoError(t, codec.WriteMessage(&protocol.RequestJob{
		Type: protocol.TypeRequestJob, WorkerID: workerID,
	}))
	raw, err := codec.ReadFrame()
	require.NoError(t, err)
	typ, err := protocol.PeekType(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeNoJob, typ)

	v, err := c.SubmitJob(ctx, submitter, &SubmitRequest{
		Title:          "train",
		Code:           "print('hi')",
		CPUCores:       2,
		RAMGB:          1,
		TimeoutSeconds: 60,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 11, v.CreditCost)

	require.NoError(t, codec.WriteMessage(&protocol.RequestJob{
		Type: protocol.TypeRequestJob, WorkerID: workerID,
	}))
	raw, err = codec.ReadFrame()
	require.NoError(t, err)
	var assigned protocol.Job
	require.NoError(t, json.Unmarshal(raw, &assigned))
	require.Equal(t, protocol.TypeJob, assigned.Type)
	assert.Equal(t, v.ID, assigned.JobID)
	assert.Equal(t, "print('hi')", assigned.Code)
	assert.EqualValues(t, 11, assigned.CreditReward)

	e, ok := c.registry.Get(workerID)
	require.True(t, ok)
	assert.Equal(t, worker.StatusBusy, e.status)

	require.NoError(t, codec.WriteMessage(&protocol.JobResult{
		Type:     protocol.TypeJobResult,
		JobID:    assigned.JobID,
		WorkerID: workerID,
		Outcome:  protocol.OutcomeCompleted,
		Stdout:   "hi\n",
		Sandbox:  protocol.SandboxContainer,
		Files: []protocol.File{{
			Name:     "model.bin",
			BytesB64: base64.StdEncoding.EncodeToString([]byte("weights")),
		}},
	}))
	raw, err = codec.ReadFrame()
	require.NoError(t, err)
	var ack protocol.JobReceived
	require.NoError(t, json.Unmarshal(raw, &ack))
	require.Equal(t, protocol.TypeJobReceived, ack.Type)
	assert.Equal(t, assigned.JobID, ack.JobID)

	got, err := c.GetJob(ctx, submitter, assigned.JobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "hi\n", got.Stdout)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "model.bin", got.Files[0].Name)

	data, err := os.ReadFile(filepath.Join(
		c.Config.Database.DataDir, "artifacts", assigned.JobID, "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	sb, err := c.Balance(ctx, submitter)
	require.NoError(t, err)
	assert.EqualValues(t, 89, sb)
	ob, err := c.Balance(ctx, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 111, ob)

	e, ok = c.registry.Get(workerID)
	require.True(t, ok)
	assert.Equal(t, worker.StatusIdle, e.status)
}

func TestSessionRejectsNonRegisterFirstFrame(t *testing.T) {
	c := testCoordinator(t)

	_, codec := dialWorker(t, c)
	require.NoError(t, codec.WriteMessage(&protocol.Heartbeat{
		Type: protocol.TypeHeartbeat, WorkerID: "nobody", Status: "idle",
	}))

	raw, err := codec.ReadFrame()
	require.NoError(t, err)
	var em protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(raw, &em))
	assert.Equal(t, protocol.TypeError, em.Type)
	assert.Contains(t, em.Message, "register")

	_, err = codec.ReadFrame()
	assert.Error(t, err)
}

func TestSessionRejectsUnknownOwnerToken(t *testing.T) {
	c := testCoordinator(t)

	_, codec := dialWorker(t, c)
	require.NoError(t, codec.WriteMessage(&protocol.Register{
		Type:       protocol.TypeRegister,
		Name:       "lab-1",
		OwnerToken: "no-such-user",
		Specs:      defaultSpecs(),
	}))

	raw, err := codec.ReadFrame()
	require.NoError(t, err)
	var em protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(raw, &em))
	assert.Equal(t, protocol.TypeError, em.Type)
}

func TestSessionRejectsSpoofedWorkerID(t *testing.T) {
	c := testCoordinator(t)

	_, codec := dialWorker(t, c)
	registerWorker(t, codec, "lab-1", "", defaultSpecs())

	require.NoError(t, codec.WriteMessage(&protocol.RequestJob{
		Type: protocol.TypeRequestJob, WorkerID: "someone-else",
	}))
	raw, err := codec.ReadFrame()
	require.NoError(t, err)
	var em protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(raw, &em))
	assert.Equal(t, protocol.TypeError, em.Type)

	_, err = codec.ReadFrame()
	assert.Error(t, err)
}

// A second worker delivering a result for a job assigned to the first must
// not settle it, idle the assignee or move credits.
func TestSessionRejectsForgedResult(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()

	owner, err := c.CreateUser(ctx, nil, "owner", "pw", user.RoleWorkerOwner)
	require.NoError(t, err)
	submitter, err := c.CreateUser(ctx, nil, "alice", "pw", "")
	require.NoError(t, err)

	_, codecA := dialWorker(t, c)
	workerA := registerWorker(t, codecA, "honest", "owner", defaultSpecs())
	_, codecB := dialWorker(t, c)
	workerB := registerWorker(t, codecB, "forger", "owner", defaultSpecs())

	v, err := c.SubmitJob(ctx, submitter, &SubmitRequest{
		Title: "t", Code: "pass", CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60,
	})
	require.NoError(t, err)

	require.NoError(t, codecA.WriteMessage(&protocol.RequestJob{
		Type: protocol.TypeRequestJob, WorkerID: workerA,
	}))
	raw, err := codecA.ReadFrame()
	require.NoError(t, err)
	var assigned protocol.Job
	require.NoError(t, json.Unmarshal(raw, &assigned))
	require.Equal(t, v.ID, assigned.JobID)

	// worker B claims A's job under its own identity
	require.NoError(t, codecB.WriteMessage(&protocol.JobResult{
		Type:     protocol.TypeJobResult,
		JobID:    assigned.JobID,
		WorkerID: workerB,
		Outcome:  protocol.OutcomeCompleted,
		Stdout:   "forged",
	}))
	raw, err = codecB.ReadFrame()
	require.NoError(t, err)
	var ack protocol.JobReceived
	require.NoError(t, json.Unmarshal(raw, &ack))
	require.Equal(t, protocol.TypeJobReceived, ack.Type)

	got, err := c.GetJob(ctx, submitter, assigned.JobID)
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status, "job stays with its assignee")
	e, ok := c.registry.Get(workerA)
	require.True(t, ok)
	assert.Equal(t, worker.StatusBusy, e.status)
	ob, err := c.Balance(ctx, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 100, ob, "no reward for a forged result")

	// the assignee still settles normally
	require.NoError(t, codecA.WriteMessage(&protocol.JobResult{
		Type:     protocol.TypeJobResult,
		JobID:    assigned.JobID,
		WorkerID: workerA,
		Outcome:  protocol.OutcomeCompleted,
		Stdout:   "real",
	}))
	_, err = codecA.ReadFrame()
	require.NoError(t, err)

	got, err = c.GetJob(ctx, submitter, assigned.JobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "real", got.Stdout)
}

// An assignment whose job frame never leaves the socket must be rolled back
// immediately with a full refund rather than waiting for the stall reaper.
func TestUndeliveredJobFrameRolledBack(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()

	submitter, err := c.CreateUser(ctx, nil, "dana", "pw", "")
	require.NoError(t, err)

	_, codec := dialWorker(t, c)
	workerID := registerWorker(t, codec, "flaky", "", defaultSpecs())

	v, err := c.SubmitJob(ctx, submitter, &SubmitRequest{
		Title: "t", Code: "pass", CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60,
	})
	require.NoError(t, err)

	c.sessionManager.sm.Lock()
	require.Len(t, c.sessionManager.sessions, 1)
	var sess *session
	for s := range c.sessionManager.sessions {
		sess = s
	}
	c.sessionManager.sm.Unlock()

	// expire the write deadline so the job frame cannot be delivered
	require.NoError(t, sess.conn.SetWriteDeadline(time.Now().Add(-time.Hour)))
	require.NoError(t, codec.WriteMessage(&protocol.RequestJob{
		Type: protocol.TypeRequestJob, WorkerID: workerID,
	}))

	require.Eventually(t, func() bool {
		got, err := c.jobs.ByID(ctx, v.ID)
		return err == nil && got.Status == job.StatusFailed
	}, 5*time.Second, 10*time.Millisecond, "stranded assignment was never rolled back")

	got, err := c.jobs.ByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReasonWorkerLost, got.FailureReason)
	b, err := c.Balance(ctx, submitter)
	require.NoError(t, err)
	assert.EqualValues(t, 100, b, "full refund on undelivered assignment")
}

func TestAnonymousWorkerEarnsNothing(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()

	submitter, err := c.CreateUser(ctx, nil, "bob", "pw", "")
	require.NoError(t, err)

	_, codec := dialWorker(t, c)
	workerID := registerWorker(t, codec, "anon-1", "", defaultSpecs())

	v, err := c.SubmitJob(ctx, submitter, &SubmitRequest{
		Title: "t", Code: "pass", CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60,
	})
	require.NoError(t, err)

	require.NoError(t, codec.WriteMessage(&protocol.RequestJob{
		Type: protocol.TypeRequestJob, WorkerID: workerID,
	}))
	raw, err := codec.ReadFrame()
	require.NoError(t, err)
	var assigned protocol.Job
	require.NoError(t, json.Unmarshal(raw, &assigned))
	require.Equal(t, v.ID, assigned.JobID)

	require.NoError(t, codec.WriteMessage(&protocol.JobResult{
		Type:     protocol.TypeJobResult,
		JobID:    assigned.JobID,
		WorkerID: workerID,
		Outcome:  protocol.OutcomeCompleted,
	}))
	_, err = codec.ReadFrame()
	require.NoError(t, err)

	w, err := c.workers.ByID(ctx, workerID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, w.JobsCompleted)
	assert.EqualValues(t, v.CreditCost, w.CreditsEarned)
}

func TestPausedWorkerGetsNoJob(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()

	owner, err := c.CreateUser(ctx, nil, "carol", "pw", user.RoleWorkerOwner)
	require.NoError(t, err)

	_, codec := dialWorker(t, c)
	workerID := registerWorker(t, codec, "lab-2", "carol", defaultSpecs())

	_, err = c.SubmitJob(ctx, owner, &SubmitRequest{
		Title: "t", Code: "pass", CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60,
	})
	require.NoError(t, err)

	require.NoError(t, c.PauseWorker(ctx, owner, workerID))

	require.NoError(t, codec.WriteMessage(&protocol.RequestJob{
		Type: protocol.TypeRequestJob, WorkerID: workerID,
	}))
	raw, err := codec.ReadFrame()
	require.NoError(t, err)
	typ, err := protocol.PeekType(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeNoJob, typ)

	require.NoError(t, c.ResumeWorker(ctx, owner, workerID))
	require.NoError(t, codec.WriteMessage(&protocol.RequestJob{
		Type: protocol.TypeRequestJob, WorkerID: workerID,
	}))
	raw, err = codec.ReadFrame()
	require.NoError(t, err)
	typ, err = protocol.PeekType(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeJob, typ)
}

func TestGracefulDisconnectMarksOffline(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()

	_, codec := dialWorker(t, c)
	workerID := registerWorker(t, codec, "lab-3", "", defaultSpecs())

	require.NoError(t, codec.WriteMessage(&protocol.Disconnect{Type: protocol.TypeDisconnect}))

	require.Eventually(t, func() bool {
		_, attached := c.registry.Get(workerID)
		return !attached
	}, 2*time.Second, 10*time.Millisecond)

	w, err := c.workers.ByID(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, worker.StatusOffline, w.Status)
}

func TestRoleScopedAccess(t *testing.T) {
	c := testCoordinator(t)
	ctx := context.Background()

	alice, err := c.CreateUser(ctx, nil, "alice", "pw", "")
	require.NoError(t, err)
	mallory, err := c.CreateUser(ctx, nil, "mallory", "pw", "")
	require.NoError(t, err)

	v, err := c.SubmitJob(ctx, alice, &SubmitRequest{
		Title: "secret", Code: "pass", CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60,
	})
	require.NoError(t, err)

	_, err = c.GetJob(ctx, mallory, v.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	err = c.Grant(ctx, mallory, "alice", 50, "nope")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = c.RecentActivity(ctx, mallory, 10)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = c.CreateUser(ctx, mallory, "evil-admin", "pw", user.RoleCoordinator)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	c := testCoordinator(t)

	_, codec := dialWorker(t, c)
	workerID := registerWorker(t, codec, "lab-4", "", defaultSpecs())

	before, ok := c.registry.Get(workerID)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, codec.WriteMessage(&protocol.Heartbeat{
		Type: protocol.TypeHeartbeat, WorkerID: workerID, Status: worker.StatusIdle,
	}))

	require.Eventually(t, func() bool {
		after, ok := c.registry.Get(workerID)
		return ok && after.lastHeartbeat.After(before.lastHeartbeat)
	}, 2*time.Second, 10*time.Millisecond)
}
