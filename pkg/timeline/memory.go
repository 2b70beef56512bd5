package timeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amira-dev/amira/pkg/emotion"
)

// MemoryStore is an in-memory Store. It backs tests and the local
// console; production deployments use the Redis or Firestore stores.
type MemoryStore struct {
	mu sync.RWMutex

	patients      map[string]*Patient
	sessions      map[string]*Session
	openByPatient map[string]string
	entries       map[string][]*Entry          // sessionID -> entries
	readings      map[string][]*emotion.Reading // patientID -> readings, append order
	closedIndex   map[string][]string          // patientID -> closed session IDs, close order
	reports       map[string][]byte

	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:      make(map[string]*Patient),
		sessions:      make(map[string]*Session),
		openByPatient: make(map[string]string),
		entries:       make(map[string][]*Entry),
		readings:      make(map[string][]*emotion.Reading),
		closedIndex:   make(map[string][]string),
		reports:       make(map[string][]byte),
	}
}

// SavePatient creates or updates a patient record.
func (m *MemoryStore) SavePatient(ctx context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

// GetPatient retrieves a patient by ID.
func (m *MemoryStore) GetPatient(ctx context.Context, patientID string) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	p, ok := m.patients[patientID]
	if !ok {
		return nil, ErrPatientNotFound
	}

	cp := *p
	return &cp, nil
}

// OpenSession records s as the patient's open session.
func (m *MemoryStore) OpenSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if _, exists := m.openByPatient[s.PatientID]; exists {
		return ErrOpenSessionExists
	}

	cp := *s
	m.sessions[s.ID] = &cp
	m.openByPatient[s.PatientID] = s.ID
	return nil
}

// GetOpenSession retrieves the patient's open session.
func (m *MemoryStore) GetOpenSession(ctx context.Context, patientID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	id, ok := m.openByPatient[patientID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	cp := *m.sessions[id]
	return &cp, nil
}

// CloseSession ends the patient's open session.
func (m *MemoryStore) CloseSession(ctx context.Context, patientID string, endedAt time.Time, summary *SessionSummary) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	id, ok := m.openByPatient[patientID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	s := m.sessions[id]
	s.EndedAt = endedAt
	if summary != nil {
		cp := *summary
		s.Summary = &cp
	}

	delete(m.openByPatient, patientID)
	m.closedIndex[patientID] = append(m.closedIndex[patientID], id)

	cp := *s
	return &cp, nil
}

// AppendEntry appends a message and its reading to the timeline.
func (m *MemoryStore) AppendEntry(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if e.Message == nil {
		return fmt.Errorf("entry has no message")
	}

	msg := *e.Message
	cp := &Entry{Message: &msg}
	if e.Reading != nil {
		r := *e.Reading
		cp.Reading = &r
	}

	m.entries[msg.SessionID] = append(m.entries[msg.SessionID], cp)
	if cp.Reading != nil {
		m.readings[msg.PatientID] = append(m.readings[msg.PatientID], cp.Reading)
	}
	return nil
}

// SessionEntries retrieves a session's entries in append order.
func (m *MemoryStore) SessionEntries(ctx context.Context, sessionID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	entries := m.entries[sessionID]
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		msg := *e.Message
		cp := &Entry{Message: &msg}
		if e.Reading != nil {
			r := *e.Reading
			cp.Reading = &r
		}
		out = append(out, cp)
	}
	return out, nil
}

// ReadingsInWindow retrieves readings with from <= timestamp < to.
func (m *MemoryStore) ReadingsInWindow(ctx context.Context, patientID string, from, to time.Time) ([]*emotion.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var out []*emotion.Reading
	for _, r := range m.readings[patientID] {
		if r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// LastClosedSession retrieves the most recently closed session.
func (m *MemoryStore) LastClosedSession(ctx context.Context, patientID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := m.closedIndex[patientID]
	if len(ids) == 0 {
		return nil, ErrSessionNotFound
	}

	cp := *m.sessions[ids[len(ids)-1]]
	return &cp, nil
}

// SaveReport caches a serialized report for a patient.
func (m *MemoryStore) SaveReport(ctx context.Context, patientID string, generatedAt time.Time, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.reports[patientID] = cp
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
