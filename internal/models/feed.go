package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FeedType tags which external feed a batch belongs to.
type FeedType string

const (
	FeedOrganization FeedType = "ORGANIZATION"
	FeedEmployee     FeedType = "EMPLOYEE"
	FeedHoliday      FeedType = "HOLIDAY"
	FeedCode         FeedType = "CODE"
)

// FeedTypes lists every known feed type.
var FeedTypes = []FeedType{FeedOrganization, FeedEmployee, FeedHoliday, FeedCode}

// ParseFeedType is case-insensitive.
func ParseFeedType(s string) (FeedType, error) {
	ft := FeedType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range FeedTypes {
		if ft == known {
			return ft, nil
		}
	}
	return "", fmt.Errorf("unknown feed type %q", s)
}

// BatchStatus is the ingestion state of a FeedBatch.
type BatchStatus string

const (
	BatchReceived   BatchStatus = "RECEIVED"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

// FeedBatch tracks one ingestion run.
type FeedBatch struct {
	ID              string      `json:"id"`
	OutboxID        *string     `json:"outbox_id,omitempty"`
	FeedType        FeedType    `json:"feed_type"`
	SourceName      string      `json:"source_name"`
	BusinessDate    string      `json:"business_date"`
	Status          BatchStatus `json:"status"`
	TotalRecords    int         `json:"total_records"`
	InsertedRecords int         `json:"inserted_records"`
	UpdatedRecords  int         `json:"updated_records"`
	FailedRecords   int         `json:"failed_records"`
	ReceivedAt      time.Time   `json:"received_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage    *string     `json:"error_message,omitempty"`
}

// Result returns the batch counters.
func (b FeedBatch) Result() IngestResult {
	return IngestResult{
		TotalRecords:    b.TotalRecords,
		InsertedRecords: b.InsertedRecords,
		UpdatedRecords:  b.UpdatedRecords,
		FailedRecords:   b.FailedRecords,
	}
}

// IngestResult is what a pipeline run reports back.
type IngestResult struct {
	TotalRecords    int `json:"totalRecords"`
	InsertedRecords int `json:"insertedRecords"`
	UpdatedRecords  int `json:"updatedRecords"`
	FailedRecords   int `json:"failedRecords"`
}

// Balanced reports whether inserted+updated+failed accounts for every record.
func (r IngestResult) Balanced() bool {
	return r.InsertedRecords+r.UpdatedRecords+r.FailedRecords == r.TotalRecords
}

// Validation error codes.
const (
	ErrCodeMissingField    = "MISSING_FIELD"
	ErrCodeInvalidValue    = "INVALID_VALUE"
	ErrCodeDuplicateKey    = "DUPLICATE_KEY"
	ErrCodeMalformedRecord = "MALFORMED_RECORD"
)

// ValidationError describes one rejected record.
type ValidationError struct {
	LineNumber   int    `json:"line_number"`
	NaturalKey   string `json:"natural_key,omitempty"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	RawPayload   string `json:"raw_payload"`
}

// RawRecord is a parsed but not yet validated record.
type RawRecord struct {
	LineNumber int
	Fields     map[string]string
	Raw        string
}

// FeedRecord is a validated record ready for synchronization.
type FeedRecord struct {
	FeedType   FeedType          `json:"feed_type"`
	LineNumber int               `json:"line_number"`
	NaturalKey string            `json:"natural_key"`
	Attributes map[string]string `json:"attributes"`

	// Set on rows read back from the authoritative store.
	SourceBatchID string    `json:"source_batch_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// AttributesJSON encodes attributes deterministically (map keys are sorted by encoding/json).
func (r FeedRecord) AttributesJSON() ([]byte, error) {
	return json.Marshal(r.Attributes)
}

// AttributesHash is the hex sha256 of AttributesJSON.
func (r FeedRecord) AttributesHash() (string, error) {
	b, err := r.AttributesJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// IngestPayload is the outbox payload of a feed.ingest job.
type IngestPayload struct {
	FeedType     FeedType `json:"feedType"`
	SourceName   string   `json:"sourceName"`
	BusinessDate string   `json:"businessDate,omitempty"`
	Format       string   `json:"format,omitempty"`
	// Content holds the raw feed. Either Content or SourceURI must be set.
	Content   json.RawMessage `json:"content,omitempty"`
	SourceURI string          `json:"sourceUri,omitempty"`
}
