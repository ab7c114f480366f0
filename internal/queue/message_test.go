package queue

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewMessageEncodesCurrentVersion(t *testing.T) {
	msg := NewMessage("analysis-123", "request-456", time.Date(2025, 6, 1, 15, 0, 0, 0, time.FixedZone("MSK", 3*3600)))
	payload, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	for _, want := range []string{`"analysisId":"analysis-123"`, `"requestId":"request-456"`, `"enqueuedAt":"2025-06-01T12:00:00Z"`, `"version":1`} {
		if !strings.Contains(string(payload), want) {
			t.Fatalf("payload %s missing %s", payload, want)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	cases := []struct {
		name        string
		payload     string
		wantVersion int
		wantErr     error
	}{
		{"legacy without version", `{"analysisId":"a-1"}`, 1, nil},
		{"unknown fields ignored", `{"analysisId":"a-1","documentId":"legacy","version":1}`, 1, nil},
		{"future version", `{"analysisId":"a-1","version":2}`, 2, ErrUnsupportedVersion},
		{"blank id", `{"analysisId":"  ","version":1}`, 1, ErrMissingAnalysisID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tc.payload))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Version != tc.wantVersion {
				t.Fatalf("version = %d, want %d", msg.Version, tc.wantVersion)
			}
			if err := msg.Validate(); !errors.Is(err, tc.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
	if _, err := DecodeMessage([]byte("{bad")); err == nil {
		t.Fatal("expected decode error")
	}
}
