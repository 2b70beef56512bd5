package timeline

import (
	"context"
	"errors"
	"time"

	"github.com/amira-dev/amira/pkg/emotion"
)

// Common errors for storage operations.
var (
	// ErrPatientNotFound is returned when a patient doesn't exist.
	ErrPatientNotFound = errors.New("patient not found")
	// ErrSessionNotFound is returned when a session doesn't exist
	// (including when a patient has no open session).
	ErrSessionNotFound = errors.New("session not found")
	// ErrOpenSessionExists is returned when opening a session for a
	// patient who already has one open.
	ErrOpenSessionExists = errors.New("open session already exists")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
	// ErrUnavailable wraps infrastructure failures. Callers must treat
	// it as fatal for the current state transition: session state is
	// never advanced past an append the store could not persist.
	ErrUnavailable = errors.New("store unavailable")
)

// Store abstracts timeline persistence.
// Implementations must be safe for concurrent use across patients;
// per-patient call ordering is the tracker's responsibility.
type Store interface {
	// SavePatient creates or updates a patient record.
	SavePatient(ctx context.Context, p *Patient) error

	// GetPatient retrieves a patient by ID.
	// Returns ErrPatientNotFound if the patient doesn't exist.
	GetPatient(ctx context.Context, patientID string) (*Patient, error)

	// OpenSession records s as the patient's open session.
	// Returns ErrOpenSessionExists if one is already open.
	OpenSession(ctx context.Context, s *Session) error

	// GetOpenSession retrieves the patient's open session.
	// Returns ErrSessionNotFound if none is open.
	GetOpenSession(ctx context.Context, patientID string) (*Session, error)

	// CloseSession ends the patient's open session, committing it to
	// immutable history with the given end time and summary.
	CloseSession(ctx context.Context, patientID string, endedAt time.Time, summary *SessionSummary) (*Session, error)

	// AppendEntry appends a message (and its reading, for patient
	// messages) to the timeline. The append is atomic per patient.
	AppendEntry(ctx context.Context, e *Entry) error

	// SessionEntries retrieves a session's entries in append order.
	SessionEntries(ctx context.Context, sessionID string) ([]*Entry, error)

	// ReadingsInWindow retrieves a patient's readings with
	// from <= timestamp < to, ordered by time.
	ReadingsInWindow(ctx context.Context, patientID string, from, to time.Time) ([]*emotion.Reading, error)

	// LastClosedSession retrieves the most recently closed session.
	// Returns ErrSessionNotFound if the patient has no closed sessions.
	LastClosedSession(ctx context.Context, patientID string) (*Session, error)

	// SaveReport caches a serialized report for a patient. Reports are
	// derived data; the cached copy is never authoritative.
	SaveReport(ctx context.Context, patientID string, generatedAt time.Time, payload []byte) error

	// Close releases any resources held by the store.
	Close() error
}
