// Package models defines the rows the engine mutates and their status machines.
package models

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a conversational session.
type SessionStatus string

const (
	SessionIdle          SessionStatus = "idle"
	SessionActive        SessionStatus = "active"
	SessionAwaitingInput SessionStatus = "awaiting_input"
	SessionEnded         SessionStatus = "ended"
	SessionTimedOut      SessionStatus = "timed_out"
)

// ExecutionStatus is the lifecycle state of a one-shot execution.
type ExecutionStatus string

const (
	ExecutionQueued     ExecutionStatus = "queued"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCancelling ExecutionStatus = "cancelling"
	ExecutionDone       ExecutionStatus = "done"
	ExecutionError      ExecutionStatus = "error"
	ExecutionTimedOut   ExecutionStatus = "timed_out"
)

// Session is a multi-turn run of an external agent process.
type Session struct {
	ID             string        `json:"id" db:"id"`
	TaskID         string        `json:"taskId" db:"task_id"`
	AgentID        string        `json:"agentId" db:"agent_id"`
	CapabilityID   string        `json:"capabilityId" db:"capability_id"`
	Status         SessionStatus `json:"status" db:"status"`
	SessionRef     *string       `json:"sessionRef,omitempty" db:"session_ref"`
	Model          *string       `json:"model,omitempty" db:"model"`
	WorkerID       *string       `json:"workerId,omitempty" db:"worker_id"`
	WorkDir        string        `json:"workDir" db:"work_dir"`
	PermissionMode string        `json:"permissionMode" db:"permission_mode"`
	AllowedTools   StringList    `json:"allowedTools" db:"allowed_tools"`
	HeartbeatAt    *time.Time    `json:"heartbeatAt,omitempty" db:"heartbeat_at"`
	TotalCostUSD   float64       `json:"totalCostUsd" db:"total_cost_usd"`
	TotalTurns     int           `json:"totalTurns" db:"total_turns"`
	StartedAt      *time.Time    `json:"startedAt,omitempty" db:"started_at"`
	EndedAt        *time.Time    `json:"endedAt,omitempty" db:"ended_at"`
	IdleTimeoutSec int           `json:"idleTimeoutSec" db:"idle_timeout_sec"`
	InitialPrompt  string        `json:"initialPrompt" db:"initial_prompt"`
	StatusMessage  string        `json:"statusMessage,omitempty" db:"status_message"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time     `json:"updatedAt" db:"updated_at"`
}

// Execution is a one-shot invocation of an agent capability.
type Execution struct {
	ID                string          `json:"id" db:"id"`
	TaskID            string          `json:"taskId" db:"task_id"`
	AgentID           string          `json:"agentId" db:"agent_id"`
	CapabilityID      string          `json:"capabilityId" db:"capability_id"`
	RequesterID       string          `json:"requesterId" db:"requester_id"`
	Status            ExecutionStatus `json:"status" db:"status"`
	SpawnDepth        int             `json:"spawnDepth" db:"spawn_depth"`
	ParentExecutionID *string         `json:"parentExecutionId,omitempty" db:"parent_execution_id"`
	WorkerID          *string         `json:"workerId,omitempty" db:"worker_id"`
	Prompt            string          `json:"prompt" db:"prompt"`
	WorkDir           string          `json:"workDir" db:"work_dir"`
	TimeoutSec        int             `json:"timeoutSec" db:"timeout_sec"`
	HeartbeatAt       *time.Time      `json:"heartbeatAt,omitempty" db:"heartbeat_at"`
	LogFilePath       string          `json:"logFilePath" db:"log_file_path"`
	StatusMessage     string          `json:"statusMessage,omitempty" db:"status_message"`
	StartedAt         *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt        *time.Time      `json:"finishedAt,omitempty" db:"finished_at"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}

// JobStatus is the state of a durable queue job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// JobKind selects the handler for a job.
type JobKind string

const (
	JobSessionStart JobKind = "session-start"
	JobExecutionRun JobKind = "execution-run"
	JobAnalysis     JobKind = "analysis"
)

// Job is a unit of durable queued work.
type Job struct {
	ID          string          `json:"id" db:"id"`
	Kind        JobKind         `json:"kind" db:"kind"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Status      JobStatus       `json:"status" db:"status"`
	Attempts    int             `json:"attempts" db:"attempts"`
	MaxAttempts int             `json:"maxAttempts" db:"max_attempts"`
	RunAt       time.Time       `json:"runAt" db:"run_at"`
	LockedBy    *string         `json:"lockedBy,omitempty" db:"locked_by"`
	LastError   *string         `json:"lastError,omitempty" db:"last_error"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time       `json:"updatedAt" db:"updated_at"`
}

// SessionStartPayload starts or resumes a session.
type SessionStartPayload struct {
	SessionID  string `json:"sessionId"`
	ResumeRef  string `json:"resumeRef,omitempty"`
	ResumeText string `json:"resumeText,omitempty"`
}

// ExecutionRunPayload runs a queued execution.
type ExecutionRunPayload struct {
	ExecutionID string `json:"executionId"`
}

// AnalysisPayload asks for a one-off analysis of an agent binary's tool.
type AnalysisPayload struct {
	AgentID    string `json:"agentId"`
	BinaryPath string `json:"binaryPath"`
	ToolName   string `json:"toolName"`
}
