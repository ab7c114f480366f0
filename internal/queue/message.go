package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageVersion is the payload version written by this build. Payloads
// without a version predate versioning and are read as version 1.
const MessageVersion = 1

var (
	ErrMissingAnalysisID  = errors.New("message has no analysisId")
	ErrUnsupportedVersion = errors.New("unsupported message version")
)

// Message asks a worker to process one analysis job. It carries only the job
// id; the worker reloads everything else from the repository.
type Message struct {
	AnalysisID string `json:"analysisId"`
	RequestID  string `json:"requestId,omitempty"`
	EnqueuedAt string `json:"enqueuedAt,omitempty"`
	Version    int    `json:"version"`
}

// NewMessage builds a current-version message for analysisID.
func NewMessage(analysisID, requestID string, enqueuedAt time.Time) Message {
	return Message{
		AnalysisID: analysisID,
		RequestID:  requestID,
		EnqueuedAt: enqueuedAt.UTC().Format(time.RFC3339),
		Version:    MessageVersion,
	}
}

// Validate rejects messages no worker of this build can act on.
func (m Message) Validate() error {
	if strings.TrimSpace(m.AnalysisID) == "" {
		return ErrMissingAnalysisID
	}
	if m.Version > MessageVersion || m.Version < 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	return nil
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.Version == 0 {
		msg.Version = MessageVersion
	}
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload. Unknown fields are ignored.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.Version == 0 {
		msg.Version = 1
	}
	return msg, nil
}
