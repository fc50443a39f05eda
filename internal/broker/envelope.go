package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"feedsync/internal/models"
)

// ErrMalformed marks a message body that is not a usable envelope.
var ErrMalformed = errors.New("malformed envelope")

// EncodeEnvelope renders the wire form of an outbox entry.
func EncodeEnvelope(e models.OutboxEntry) ([]byte, error) {
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return nil, fmt.Errorf("entry %s: payload is not valid JSON", e.ID)
	}
	return json.Marshal(models.Envelope{OutboxID: e.ID, JobType: e.JobType, Payload: e.Payload})
}

// DecodeEnvelope parses a message body. It fails on invalid JSON and on a missing jobType.
func DecodeEnvelope(body []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.JobType == "" {
		return models.Envelope{}, fmt.Errorf("%w: missing jobType", ErrMalformed)
	}
	return env, nil
}
