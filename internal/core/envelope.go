package core

import (
	"encoding/json"
	"fmt"

	"github.com/pagecraft/orchestrator/internal/domain/model"
)

// TaskEnvelope is the broker message format: the durable job id plus enough
// payload to execute without a store read on the hot path. The store row stays
// authoritative; the envelope is transport.
type TaskEnvelope struct {
	JobID   string          `json:"job_id"`
	Type    model.JobType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEnvelope serializes an envelope for broker transport.
func EncodeEnvelope(env TaskEnvelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode task envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope deserializes a broker message.
func DecodeEnvelope(raw []byte) (TaskEnvelope, error) {
	var env TaskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return TaskEnvelope{}, fmt.Errorf("decode task envelope: %w", err)
	}
	if env.JobID == "" {
		return TaskEnvelope{}, fmt.Errorf("task envelope missing job id")
	}
	return env, nil
}
