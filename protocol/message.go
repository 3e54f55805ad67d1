package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types sent worker → coordinator
const (
	TypeRegister   = "register"
	TypeHeartbeat  = "heartbeat"
	TypeRequestJob = "request_job"
	TypeJobResult  = "job_result"
	TypeDisconnect = "disconnect"
)

// Message types sent coordinator → worker
const (
	TypeRegistered  = "registered"
	TypeJob         = "job"
	TypeNoJob       = "no_job"
	TypeJobReceived = "job_received"
	TypeError       = "error"
)

// Job outcomes reported by a worker
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// Failure reasons carried alongside an outcome
const (
	ReasonOOM        = "oom"
	ReasonDependency = "dependency"
	ReasonWorkerLost = "worker_lost"
	ReasonExit       = "exit"
)

// Sandbox modes recorded for audit
const (
	SandboxContainer  = "container"
	SandboxRestricted = "restricted"
)

var (
	// ErrMalformedMessage covers missing or invalid required fields
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownType is returned for an unrecognised type discriminator
	ErrUnknownType = errors.New("unknown message type")
)

// WorkerSpecs is the resource profile a worker reports at registration
type WorkerSpecs struct {
	CPUCores        int     `json:"cpu_cores"`
	RAMGB           float64 `json:"ram_gb"`
	GPUName         string  `json:"gpu_name,omitempty"`
	DockerAvailable bool    `json:"docker_available"`
	OSFamily        string  `json:"os_family,omitempty"`
}

// Register must be the first frame on a new session
type Register struct {
	Type       string      `json:"type"`
	Name       string      `json:"name"`
	OwnerToken string      `json:"owner_token,omitempty"`
	Specs      WorkerSpecs `json:"specs"`
}

// Registered confirms a registration and carries the assigned worker id
type Registered struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
	Message  string `json:"message,omitempty"`
}

// Heartbeat keeps a session alive and reports worker-side status
type Heartbeat struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
}

// RequestJob asks the scheduler for the next matching queue entry
type RequestJob struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
}

// Job is a unit of work dispatched to a worker
type Job struct {
	Type           string  `json:"type"`
	JobID          string  `json:"job_id"`
	Title          string  `json:"title,omitempty"`
	Code           string  `json:"code"`
	Requirements   string  `json:"requirements,omitempty"`
	CPUCores       int     `json:"cpu_cores"`
	RAMGB          float64 `json:"ram_gb"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	CreditReward   int64   `json:"credit_reward"`
}

// NoJob tells the worker nothing in the queue matches it right now
type NoJob struct {
	Type string `json:"type"`
}

// File is one artifact produced under the sandbox output directory
type File struct {
	Name     string `json:"name"`
	BytesB64 string `json:"bytes_b64"`
	Size     int64  `json:"size,omitempty"`
}

// JobResult reports execution outcome and collected output
type JobResult struct {
	Type           string  `json:"type"`
	JobID          string  `json:"job_id"`
	WorkerID       string  `json:"worker_id"`
	Outcome        string  `json:"outcome"`
	Reason         string  `json:"reason,omitempty"`
	Stdout         string  `json:"stdout"`
	Stderr         string  `json:"stderr"`
	Files          []File  `json:"files,omitempty"`
	Sandbox        string  `json:"sandbox,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
}

// JobReceived acknowledges a result so the worker can poll again
type JobReceived struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// Disconnect announces a graceful shutdown
type Disconnect struct {
	Type string `json:"type"`
}

// ErrorMessage is sent best effort before a protocol-violation close
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PeekType extracts the type discriminator without decoding the payload
func PeekType(raw json.RawMessage) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return envelope.Type, nil
}

// Validate rejects registrations with an unusable resource profile
func (m *Register) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: register requires name", ErrMalformedMessage)
	}
	if m.Specs.CPUCores < 1 {
		return fmt.Errorf("%w: register requires positive cpu_cores", ErrMalformedMessage)
	}
	if m.Specs.RAMGB <= 0 {
		return fmt.Errorf("%w: register requires positive ram_gb", ErrMalformedMessage)
	}
	return nil
}

// Validate ensures a heartbeat names its session
func (m *Heartbeat) Validate() error {
	if m.WorkerID == "" {
		return fmt.Errorf("%w: heartbeat requires worker_id", ErrMalformedMessage)
	}
	return nil
}

// Validate ensures a job request names its session
func (m *RequestJob) Validate() error {
	if m.WorkerID == "" {
		return fmt.Errorf("%w: request_job requires worker_id", ErrMalformedMessage)
	}
	return nil
}

// Validate checks required result fields and the outcome discriminator
func (m *JobResult) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("%w: job_result requires job_id", ErrMalformedMessage)
	}
	switch m.Outcome {
	case OutcomeCompleted, OutcomeFailed, OutcomeTimedOut:
		return nil
	default:
		return fmt.Errorf("%w: job_result outcome %q", ErrMalformedMessage, m.Outcome)
	}
}
