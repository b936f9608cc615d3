package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusDone      JobStatus = "done"
	StatusRetryWait JobStatus = "retry_wait"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s JobStatus) Terminal() bool { return s == StatusDone || s == StatusFailed }

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

const (
	DefaultWorkspaceID = "default"
	DefaultProfileName = "unleashed_local"
)

// Job is a unit of agent work held by the queue.
type Job struct {
	ID             string          `json:"job_id"`
	Payload        json.RawMessage `json:"payload"`
	WorkspaceID    string          `json:"workspace_id"`
	ProfileName    string          `json:"profile_name"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	NextEligibleAt time.Time       `json:"next_eligible_at"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ReplyTargets   []ReplyTarget   `json:"reply_targets,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Objective returns the payload's objective field, or "" when absent.
func (j Job) Objective() string {
	var p struct {
		Objective string `json:"objective"`
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return ""
	}
	return p.Objective
}

// ReplyTo addresses a reply on a specific connector.
type ReplyTo struct {
	Connector string `json:"connector,omitempty"`
	To        string `json:"to,omitempty"`
	Token     string `json:"token,omitempty"`
}

// ReplyTarget is a delivery destination registered against a job.
type ReplyTarget struct {
	JobID         string         `json:"job_id"`
	Connector     string         `json:"connector"`
	Address       string         `json:"address"`
	Token         string         `json:"token,omitempty"`
	Status        DeliveryStatus `json:"status"`
	LastError     string         `json:"last_error,omitempty"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
}

// ReplyTo converts the target into the addressing handed to a connector.
func (t ReplyTarget) ReplyTo() ReplyTo {
	return ReplyTo{Connector: t.Connector, To: t.Address, Token: t.Token}
}

type Attachment struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// InboundMessage is a message yielded by a connector's Listen.
type InboundMessage struct {
	MessageID string         `json:"message_id"`
	Connector string         `json:"connector"`
	Sender    string         `json:"sender"`
	Text      string         `json:"text"`
	ReplyTo   ReplyTo        `json:"reply_to"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MetadataString returns metadata[key] when it is a non-empty string.
func (m InboundMessage) MetadataString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}
