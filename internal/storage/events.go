package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventWriter is the interface for writing decision audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// Event kinds.
const (
	KindDecision = "decision"
	KindIsolate  = "isolate"
	KindRelease  = "release"
)

// DecisionEvent is one audited decision or isolation control action.
type DecisionEvent struct {
	DecisionID     string
	Kind           string
	Timestamp      time.Time
	Sender         string
	Recipient      string
	Action         string // ALLOW, FLAG, ESCALATE; empty for control actions
	Rule           string
	Reason         string
	Score          float32
	Tags           []string
	SignalNames    []string
	SignalScores   []float32
	SignalDetails  []string
	IsolatedNow    bool
	Unavailable    bool
	FailureKind    string
	FailurePolicy  string
	ContentPreview string // First 500 chars
	ContentHash    string // SHA256 of full content
	ContentSize    uint32
	LatencyMs      float32
	Operator       string // principal that issued a control action
}

// ContentPreviewLength is the max chars stored in content_preview.
const ContentPreviewLength = 500

// TruncateContent returns the first N characters (runes) of the content for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncateContent(content string, maxLen int) string {
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen])
}

// HashContent returns the hex SHA-256 of the content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
