package worker

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// JobType represents the type of a job.
type JobType = string

const (
	JobScanRun JobType = "scan.run"
	JobLearn   JobType = "learning.learn"
)

type Message struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Retries   int             `json:"retries"`
}

func NewMessage(jobType JobType, payload []byte) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// ScanRunPayload asks for one scan job to run or resume.
type ScanRunPayload struct {
	JobID  int64     `json:"job_id"`
	UserID uuid.UUID `json:"user_id"`
}

// LearnPayload asks for a user's unprocessed corrections to be mined.
type LearnPayload struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
}

// ParsePayload decodes the message payload into T.
func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
