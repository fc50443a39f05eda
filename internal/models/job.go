package models

import (
	"encoding/json"
	"time"
)

// OutboxStatus enumerates outbox lifecycle states persisted in Postgres.
type OutboxStatus string

const (
	OutboxPending     OutboxStatus = "PENDING"
	OutboxDispatching OutboxStatus = "DISPATCHING"
	OutboxDispatched  OutboxStatus = "DISPATCHED"
	OutboxFailed      OutboxStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxDispatched || s == OutboxFailed
}

// OutboxEntry is a unit of pending asynchronous work.
type OutboxEntry struct {
	ID          string          `json:"id"`
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	Attempt     int             `json:"attempt"`
	AvailableAt time.Time       `json:"available_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	ClaimedBy   *string         `json:"claimed_by,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Envelope is the broker message body. The message key is OutboxID.
type Envelope struct {
	OutboxID string          `json:"outboxId"`
	JobType  string          `json:"jobType"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Job is built from a consumed envelope and lives until it has been executed.
type Job struct {
	OutboxID string
	Type     string
	Payload  json.RawMessage
}

// Job types understood by the worker.
const (
	JobTypeFeedIngest = "feed.ingest"
)
