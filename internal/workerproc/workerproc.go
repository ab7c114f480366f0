// Package workerproc turns queue payloads into analysis runs for the
// long-running worker and the Lambda consumer.
package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"contract-backend/internal/analyses"
	"contract-backend/internal/queue"
)

// Reasons a payload is poison.
const (
	ReasonEmptyBody          = "empty_body"
	ReasonDecode             = "decode"
	ReasonMissingAnalysisID  = "missing_analysis_id"
	ReasonUnsupportedVersion = "unsupported_version"
)

// Fingerprint identifies a payload in logs without printing it.
type Fingerprint struct {
	Len    int
	SHA256 string
}

func fingerprint(body string) Fingerprint {
	if body == "" {
		return Fingerprint{}
	}
	sum := sha256.Sum256([]byte(body))
	return Fingerprint{Len: len(body), SHA256: hex.EncodeToString(sum[:])}
}

// PoisonError marks a payload that no retry can process. Consumers drop it.
type PoisonError struct {
	Reason    string
	Body      Fingerprint
	RequestID string
	Err       error
}

func (e *PoisonError) Error() string {
	if e.Err == nil {
		return "poison message: " + e.Reason
	}
	return "poison message: " + e.Reason + ": " + e.Err.Error()
}

func (e *PoisonError) Unwrap() error { return e.Err }

// ProcessError wraps a processor failure; the delivery should be retried.
type ProcessError struct {
	AnalysisID string
	RequestID  string
	Err        error
}

func (e *ProcessError) Error() string { return "process analysis " + e.AnalysisID + ": " + e.Err.Error() }

func (e *ProcessError) Unwrap() error { return e.Err }

// Decode validates a queue payload.
func Decode(body string) (queue.Message, error) {
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, &PoisonError{Reason: ReasonEmptyBody, Body: fingerprint(body)}
	}
	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, &PoisonError{Reason: ReasonDecode, Body: fingerprint(body), Err: err}
	}
	if err := msg.Validate(); err != nil {
		reason := ReasonMissingAnalysisID
		if errors.Is(err, queue.ErrUnsupportedVersion) {
			reason = ReasonUnsupportedVersion
		}
		return msg, &PoisonError{Reason: reason, Body: fingerprint(body), RequestID: msg.RequestID, Err: err}
	}
	return msg, nil
}

// HandleMessage decodes body and runs the analysis it names.
func HandleMessage(ctx context.Context, processor analyses.Processor, body string) error {
	if processor == nil {
		return errors.New("analysis processor not configured")
	}
	msg, err := Decode(body)
	if err != nil {
		return err
	}
	return process(ctx, processor, msg)
}

func process(ctx context.Context, processor analyses.Processor, msg queue.Message) error {
	ctx = analyses.WithRequestID(ctx, msg.RequestID)
	if err := processor.ProcessAnalysis(ctx, msg.AnalysisID); err != nil {
		return &ProcessError{AnalysisID: msg.AnalysisID, RequestID: msg.RequestID, Err: err}
	}
	return nil
}

// IsUnrecoverable reports whether err came from a poison payload.
func IsUnrecoverable(err error) bool {
	var poison *PoisonError
	return errors.As(err, &poison)
}
