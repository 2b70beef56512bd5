// Package timeline defines the patient timeline schema and its
// persistence boundary. The timeline is append-only: readings and
// messages are never reordered or edited in place, and closed sessions
// are immutable history.
package timeline

import (
	"time"

	"github.com/amira-dev/amira/pkg/emotion"
)

// Patient is an identity record. Created on first contact; the engine
// never deletes patients. The condition category may be upgraded by a
// later assessment but is never unset once set.
type Patient struct {
	// ID is the opaque stable id bound to the transport's user identity.
	ID string `json:"id" firestore:"id"`
	// Condition is the declared or assessed condition category.
	Condition emotion.Condition `json:"condition" firestore:"condition"`
	// RegisteredAt is when the patient was first seen.
	RegisteredAt time.Time `json:"registeredAt" firestore:"registeredAt"`
}

// Role identifies a message sender.
type Role string

const (
	// RolePatient marks patient-authored messages.
	RolePatient Role = "patient"
	// RoleAssistant marks engine-authored replies.
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn. Immutable once recorded;
// corrections are modeled as new messages, not edits.
type Message struct {
	ID        string    `json:"id" firestore:"id"`
	SessionID string    `json:"sessionId" firestore:"sessionId"`
	PatientID string    `json:"patientId" firestore:"patientId"`
	Role      Role      `json:"role" firestore:"role"`
	Text      string    `json:"text" firestore:"text"`
	Timestamp time.Time `json:"timestamp" firestore:"timestamp"`
}

// SessionSummary holds metrics computed when a session closes.
type SessionSummary struct {
	// MessageCount counts patient messages in the session.
	MessageCount int `json:"messageCount" firestore:"messageCount"`
	// Duration is the span from first to last message plus nothing else.
	Duration time.Duration `json:"duration" firestore:"duration"`
	// MeanValence is the average valence over the session's readings.
	MeanValence float64 `json:"meanValence" firestore:"meanValence"`
	// DominantLabels lists the most frequent labels, most frequent first.
	DominantLabels []emotion.Label `json:"dominantLabels,omitempty" firestore:"dominantLabels,omitempty"`
}

// Session groups the messages of one continuous conversation.
// A session is open while EndedAt is zero. A patient has at most one
// open session at any time; the state tracker enforces this.
type Session struct {
	ID        string    `json:"id" firestore:"id"`
	PatientID string    `json:"patientId" firestore:"patientId"`
	StartedAt time.Time `json:"startedAt" firestore:"startedAt"`
	// EndedAt is zero while the session is open.
	EndedAt time.Time `json:"endedAt,omitempty" firestore:"endedAt,omitempty"`
	// Summary is populated when the session closes.
	Summary *SessionSummary `json:"summary,omitempty" firestore:"summary,omitempty"`
}

// Open reports whether the session is still accepting messages.
func (s *Session) Open() bool {
	return s.EndedAt.IsZero()
}

// Entry pairs a message with the reading it produced. Assistant
// messages carry no reading.
type Entry struct {
	Message *Message         `json:"message"`
	Reading *emotion.Reading `json:"reading,omitempty"`
}
