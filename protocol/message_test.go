package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekType(t *testing.T) {
	t.Parallel()
	typ, err := PeekType(json.RawMessage(`{"type":"register","name":"lab-3"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeRegister, typ)

	_, err = PeekType(json.RawMessage(`{"name":"lab-3"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = PeekType(json.RawMessage(`not json`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestRegisterValidate(t *testing.T) {
	t.Parallel()
	ok := Register{Type: TypeRegister, Name: "lab-3", Specs: WorkerSpecs{CPUCores: 4, RAMGB: 8}}
	assert.NoError(t, ok.Validate())

	for _, bad := range []Register{
		{Type: TypeRegister, Specs: WorkerSpecs{CPUCores: 4, RAMGB: 8}},
		{Type: TypeRegister, Name: "x", Specs: WorkerSpecs{RAMGB: 8}},
		{Type: TypeRegister, Name: "x", Specs: WorkerSpecs{CPUCores: 2}},
	} {
		assert.ErrorIs(t, bad.Validate(), ErrMalformedMessage)
	}
}

func TestJobResultValidate(t *testing.T) {
	t.Parallel()
	for _, outcome := range []string{OutcomeCompleted, OutcomeFailed, OutcomeTimedOut} {
		r := JobResult{Type: TypeJobResult, JobID: "j1", Outcome: outcome}
		assert.NoError(t, r.Validate())
	}

	r := JobResult{Type: TypeJobResult, JobID: "j1", Outcome: "exploded"}
	assert.ErrorIs(t, r.Validate(), ErrMalformedMessage)

	r = JobResult{Type: TypeJobResult, Outcome: OutcomeCompleted}
	assert.ErrorIs(t, r.Validate(), ErrMalformedMessage)
}

func TestSessionScopedValidate(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, (&Heartbeat{Type: TypeHeartbeat}).Validate(), ErrMalformedMessage)
	assert.NoError(t, (&Heartbeat{Type: TypeHeartbeat, WorkerID: "w"}).Validate())
	assert.ErrorIs(t, (&RequestJob{Type: TypeRequestJob}).Validate(), ErrMalformedMessage)
	assert.NoError(t, (&RequestJob{Type: TypeRequestJob, WorkerID: "w"}).Validate())
}
