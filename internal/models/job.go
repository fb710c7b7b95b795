package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates generation job lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending         JobStatus = "PENDING"
	StatusWaitingForAgent JobStatus = "WAITING_FOR_AGENT"
	StatusExecutingTools  JobStatus = "EXECUTING_TOOLS"
	StatusStalled         JobStatus = "STALLED"
	StatusSealing         JobStatus = "SEALING"
	StatusComplete        JobStatus = "COMPLETE"
	StatusFailed          JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// NonTerminalStatuses lists every status a live job can be in.
var NonTerminalStatuses = []JobStatus{
	StatusPending,
	StatusWaitingForAgent,
	StatusExecutingTools,
	StatusStalled,
	StatusSealing,
}

// Job is a generation job persisted in Postgres.
type Job struct {
	ID                            string        `json:"job_id"`
	UserID                        string        `json:"user_id"`
	Tier                          string        `json:"tier"`
	Prompt                        string        `json:"prompt"`
	Status                        JobStatus     `json:"status"`
	AgentID                       *string       `json:"agent_id,omitempty"`
	Cost                          int64         `json:"cost"`
	ToolCallsCompleted            int           `json:"tool_calls_completed"`
	ConsecutiveValidationFailures int           `json:"consecutive_validation_failures"`
	CancelRequested               bool          `json:"cancel_requested"`
	LastHeartbeatAt               *time.Time    `json:"last_heartbeat_at,omitempty"`
	LastProgressAt                time.Time     `json:"last_progress_at"`
	StalledAt                     *time.Time    `json:"stalled_at,omitempty"`
	CreatedAt                     time.Time     `json:"created_at"`
	UpdatedAt                     time.Time     `json:"updated_at"`
	CompletedAt                   *time.Time    `json:"completed_at,omitempty"`
	Compensation                  *Compensation `json:"compensation,omitempty"`
	FailureReason                 *string       `json:"failure_reason,omitempty"`
	ArtID                         *string       `json:"art_id,omitempty"`
	IdempotencyKey                *string       `json:"idempotency_key,omitempty"`
	Version                       int64         `json:"version"`
}

// LastActivity is the most recent moment the owning agent was heard from.
func (j Job) LastActivity() time.Time {
	if j.LastHeartbeatAt != nil && j.LastHeartbeatAt.After(j.LastProgressAt) {
		return *j.LastHeartbeatAt
	}
	return j.LastProgressAt
}

// OwnedBy reports whether agentID holds the job's assignment.
func (j Job) OwnedBy(agentID string) bool {
	return j.AgentID != nil && *j.AgentID == agentID
}

// Fault attributes a terminal outcome to a party for compensation purposes.
type Fault string

const (
	FaultNone          Fault = "none"
	FaultNeverStarted  Fault = "never_started"
	FaultAgentLoss     Fault = "agent_loss"
	FaultPlatform      Fault = "platform"
	FaultModelQuality  Fault = "model_quality"
	FaultUserCancelled Fault = "user_cancelled"
)

// CompensationType mirrors the ledger txn_type written for a compensation, or "none".
type CompensationType string

const (
	CompensationNone          CompensationType = "none"
	CompensationRefundFull    CompensationType = CompensationType(TxnRefundFull)
	CompensationRefundPartial CompensationType = CompensationType(TxnRefundPartial)
	CompensationGoodwill      CompensationType = CompensationType(TxnCompensation)
)

// Compensation is recorded on the job exactly once, at its terminal transition.
type Compensation struct {
	Type   CompensationType `json:"type"`
	Fault  Fault            `json:"fault"`
	Amount int64            `json:"amount"`
	Reason string           `json:"reason"`
}

// OpLogEntry is one applied tool call in a working canvas operation log.
type OpLogEntry struct {
	Seq  int64           `json:"seq"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
	At   time.Time       `json:"at"`
}
