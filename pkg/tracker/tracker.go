// Package tracker drives the per-patient session state machine. A
// patient is in exactly one of three states: no session, one open
// session, or between sessions with closed history. Messages arrive
// here, get classified, and are appended to the timeline; inactivity
// closes sessions either lazily on the next message or eagerly via
// Sweep.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amira-dev/amira/pkg/emotion"
	"github.com/amira-dev/amira/pkg/timeline"
)

// Default tracker settings.
const (
	// DefaultInactivityTimeout is how long a session stays open after
	// its last message.
	DefaultInactivityTimeout = 30 * time.Minute
	// DefaultAssessEvery is how many patient messages pass between
	// condition assessments.
	DefaultAssessEvery = 5
	// DefaultContextReadings caps the readings sent as extraction context.
	DefaultContextReadings = 8
)

// Config configures a Tracker.
type Config struct {
	// InactivityTimeout closes a session this long after its last message.
	InactivityTimeout time.Duration
	// AssessEvery triggers a condition assessment every N patient
	// messages. Zero disables assessment.
	AssessEvery int
	// ContextReadings caps readings passed to the extractor as context.
	ContextReadings int
	// Clock supplies the current time. Defaults to time.Now; tests
	// inject a fixed clock.
	Clock func() time.Time
}

// patientState is the in-memory view of one patient's open session.
// Guarded by its own mutex so patients never block each other; it is
// only advanced after the store accepted the corresponding append.
type patientState struct {
	mu sync.Mutex

	sessionID       string
	startedAt       time.Time
	lastMsgAt       time.Time
	patientMsgs     int
	sinceAssessment int
	recent          []*emotion.Reading
}

// Turn is the outcome of handling one patient message.
type Turn struct {
	// Session is the session the message landed in.
	Session *timeline.Session
	// Reading is the emotional reading derived from the message.
	Reading *emotion.Reading
	// Message is the recorded patient message.
	Message *timeline.Message
	// SessionStarted reports whether this message opened a new session.
	SessionStarted bool
	// Previous is the session closed by this message's arrival, if the
	// inactivity window had elapsed. Nil otherwise.
	Previous *timeline.Session
	// Recent holds the session's readings so far, oldest first,
	// including this turn's.
	Recent []*emotion.Reading
	// Assessment is set when this turn triggered a condition
	// assessment that produced a usable category.
	Assessment *emotion.Assessment
}

// Tracker owns session lifecycle for all patients. Safe for concurrent
// use; messages for the same patient are serialized, messages for
// different patients proceed in parallel.
type Tracker struct {
	store     timeline.Store
	extractor *emotion.Extractor
	cfg       Config

	mu    sync.RWMutex
	state map[string]*patientState
}

// New creates a Tracker on top of a timeline store and an extractor.
func New(store timeline.Store, extractor *emotion.Extractor, cfg Config) *Tracker {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.ContextReadings <= 0 {
		cfg.ContextReadings = DefaultContextReadings
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Tracker{
		store:     store,
		extractor: extractor,
		cfg:       cfg,
		state:     make(map[string]*patientState),
	}
}

// getState returns the patient's state holder, creating it on first use.
func (t *Tracker) getState(patientID string) *patientState {
	t.mu.RLock()
	st, ok := t.state[patientID]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.state[patientID]; ok {
		return st
	}
	st = &patientState{}
	t.state[patientID] = st
	return st
}

// HandleMessage processes one patient message: it opens or rolls the
// session as the inactivity window dictates, classifies the utterance,
// and appends both to the timeline.
//
// State only advances when the store accepted the append. On a store
// failure the message is not recorded and the in-memory view stays
// where it was, so a retry of the same message is safe.
func (t *Tracker) HandleMessage(ctx context.Context, patientID, text string) (*Turn, error) {
	if patientID == "" {
		return nil, errors.New("patient ID is required")
	}

	st := t.getState(patientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := t.cfg.Clock()

	if err := t.ensurePatient(ctx, patientID, now); err != nil {
		return nil, err
	}
	if err := t.recoverState(ctx, patientID, st); err != nil {
		return nil, err
	}

	turn := &Turn{}

	// Lazy close: a message at exactly lastMsgAt+timeout already
	// belongs to a new session.
	if st.sessionID != "" && !now.Before(st.lastMsgAt.Add(t.cfg.InactivityTimeout)) {
		closed, err := t.closeLocked(ctx, patientID, st, st.lastMsgAt.Add(t.cfg.InactivityTimeout))
		if err != nil {
			return nil, err
		}
		turn.Previous = closed
	}

	if st.sessionID == "" {
		sess, err := t.openLocked(ctx, patientID, st, now)
		if err != nil {
			return nil, err
		}
		turn.Session = sess
		turn.SessionStarted = true
	} else {
		turn.Session = &timeline.Session{
			ID:        st.sessionID,
			PatientID: patientID,
			StartedAt: st.startedAt,
		}
	}

	msg := &timeline.Message{
		ID:        uuid.New().String(),
		SessionID: st.sessionID,
		PatientID: patientID,
		Role:      timeline.RolePatient,
		Text:      text,
		Timestamp: now,
	}

	reading := t.extractor.Analyze(ctx, emotion.AnalyzeRequest{
		PatientID: patientID,
		MessageID: msg.ID,
		Utterance: text,
		At:        now,
		Recent:    st.recent,
	})

	if err := t.store.AppendEntry(ctx, &timeline.Entry{Message: msg, Reading: reading}); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	// Store accepted the append; advance the in-memory view.
	st.lastMsgAt = now
	st.patientMsgs++
	st.sinceAssessment++
	st.recent = append(st.recent, reading)
	if len(st.recent) > t.cfg.ContextReadings {
		st.recent = st.recent[len(st.recent)-t.cfg.ContextReadings:]
	}

	turn.Message = msg
	turn.Reading = reading
	turn.Recent = append([]*emotion.Reading(nil), st.recent...)

	if t.cfg.AssessEvery > 0 && st.sinceAssessment >= t.cfg.AssessEvery {
		st.sinceAssessment = 0
		if a := t.assess(ctx, patientID, st.recent); a != nil {
			turn.Assessment = a
		}
	}

	return turn, nil
}

// RecordReply appends an assistant reply to the patient's open session.
// Replies carry no reading and do not extend the inactivity window.
func (t *Tracker) RecordReply(ctx context.Context, patientID, text string) error {
	st := t.getState(patientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.sessionID == "" {
		return timeline.ErrSessionNotFound
	}

	msg := &timeline.Message{
		ID:        uuid.New().String(),
		SessionID: st.sessionID,
		PatientID: patientID,
		Role:      timeline.RoleAssistant,
		Text:      text,
		Timestamp: t.cfg.Clock(),
	}
	return t.store.AppendEntry(ctx, &timeline.Entry{Message: msg})
}

// Close explicitly ends the patient's open session at the current time.
// Returns the closed session, or ErrSessionNotFound if none is open.
func (t *Tracker) Close(ctx context.Context, patientID string) (*timeline.Session, error) {
	st := t.getState(patientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := t.recoverState(ctx, patientID, st); err != nil {
		return nil, err
	}
	if st.sessionID == "" {
		return nil, timeline.ErrSessionNotFound
	}
	return t.closeLocked(ctx, patientID, st, t.cfg.Clock())
}

// LastClosed returns the patient's most recently closed session.
func (t *Tracker) LastClosed(ctx context.Context, patientID string) (*timeline.Session, error) {
	return t.store.LastClosedSession(ctx, patientID)
}

// Sweep closes every tracked session whose inactivity window has
// elapsed at now. Returns the number of sessions closed. Intended to
// run periodically so idle sessions do not linger until the patient's
// next message.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) int {
	t.mu.RLock()
	ids := make([]string, 0, len(t.state))
	for id := range t.state {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	closed := 0
	for _, id := range ids {
		st := t.getState(id)
		st.mu.Lock()
		if st.sessionID != "" && !now.Before(st.lastMsgAt.Add(t.cfg.InactivityTimeout)) {
			if _, err := t.closeLocked(ctx, id, st, st.lastMsgAt.Add(t.cfg.InactivityTimeout)); err != nil {
				log.Printf("tracker: sweep failed to close session for patient %s: %v", id, err)
			} else {
				closed++
			}
		}
		st.mu.Unlock()
	}
	return closed
}

// OpenCount reports how many sessions are currently open.
func (t *Tracker) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, st := range t.state {
		st.mu.Lock()
		if st.sessionID != "" {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// ensurePatient registers the patient on first contact.
func (t *Tracker) ensurePatient(ctx context.Context, patientID string, now time.Time) error {
	_, err := t.store.GetPatient(ctx, patientID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, timeline.ErrPatientNotFound) {
		return fmt.Errorf("load patient: %w", err)
	}

	p := &timeline.Patient{
		ID:           patientID,
		Condition:    emotion.ConditionUnknown,
		RegisteredAt: now,
	}
	if err := t.store.SavePatient(ctx, p); err != nil {
		return fmt.Errorf("register patient: %w", err)
	}
	log.Printf("tracker: registered patient %s", patientID)
	return nil
}

// recoverState rebuilds the in-memory view from the store after a
// restart. No-op once the state carries a session or the store has no
// open session for the patient.
func (t *Tracker) recoverState(ctx context.Context, patientID string, st *patientState) error {
	if st.sessionID != "" {
		return nil
	}

	sess, err := t.store.GetOpenSession(ctx, patientID)
	if errors.Is(err, timeline.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover open session: %w", err)
	}

	entries, err := t.store.SessionEntries(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("recover session entries: %w", err)
	}

	st.sessionID = sess.ID
	st.startedAt = sess.StartedAt
	st.lastMsgAt = sess.StartedAt
	st.patientMsgs = 0
	st.recent = nil
	for _, e := range entries {
		// Only patient messages anchor the inactivity window, matching
		// the live path where replies never extend it.
		if e.Message.Role == timeline.RolePatient {
			st.lastMsgAt = e.Message.Timestamp
			st.patientMsgs++
		}
		if e.Reading != nil {
			st.recent = append(st.recent, e.Reading)
		}
	}
	if len(st.recent) > t.cfg.ContextReadings {
		st.recent = st.recent[len(st.recent)-t.cfg.ContextReadings:]
	}
	log.Printf("tracker: recovered open session %s for patient %s", sess.ID, patientID)
	return nil
}

func (t *Tracker) openLocked(ctx context.Context, patientID string, st *patientState, now time.Time) (*timeline.Session, error) {
	sess := &timeline.Session{
		ID:        uuid.New().String(),
		PatientID: patientID,
		StartedAt: now,
	}
	if err := t.store.OpenSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	st.sessionID = sess.ID
	st.startedAt = now
	st.lastMsgAt = now
	st.patientMsgs = 0
	st.sinceAssessment = 0
	st.recent = nil
	return sess, nil
}

func (t *Tracker) closeLocked(ctx context.Context, patientID string, st *patientState, endedAt time.Time) (*timeline.Session, error) {
	summary, err := t.summarize(ctx, st)
	if err != nil {
		return nil, err
	}

	closed, err := t.store.CloseSession(ctx, patientID, endedAt, summary)
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}

	st.sessionID = ""
	st.startedAt = time.Time{}
	st.lastMsgAt = time.Time{}
	st.patientMsgs = 0
	st.sinceAssessment = 0
	st.recent = nil
	return closed, nil
}

// summarize computes close-time session metrics from the persisted
// entries.
func (t *Tracker) summarize(ctx context.Context, st *patientState) (*timeline.SessionSummary, error) {
	entries, err := t.store.SessionEntries(ctx, st.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session entries: %w", err)
	}

	summary := &timeline.SessionSummary{}
	var (
		first, last  time.Time
		valenceSum   float64
		valenceCount int
		labelCounts  = make(map[emotion.Label]int)
	)

	for _, e := range entries {
		ts := e.Message.Timestamp
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
		if e.Message.Role == timeline.RolePatient {
			summary.MessageCount++
		}
		if e.Reading != nil {
			valenceSum += e.Reading.Valence
			valenceCount++
			labelCounts[e.Reading.Dominant]++
		}
	}

	if !first.IsZero() {
		summary.Duration = last.Sub(first)
	}
	if valenceCount > 0 {
		summary.MeanValence = valenceSum / float64(valenceCount)
	}
	summary.DominantLabels = rankLabels(labelCounts)
	return summary, nil
}

// rankLabels orders labels by frequency, ties broken alphabetically so
// summaries are deterministic.
func rankLabels(counts map[emotion.Label]int) []emotion.Label {
	labels := make([]emotion.Label, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})
	return labels
}

// assess runs a condition assessment and returns it when it crossed the
// usable-confidence bar, updating the patient record if the category
// changed.
func (t *Tracker) assess(ctx context.Context, patientID string, recent []*emotion.Reading) *emotion.Assessment {
	a := t.extractor.AssessCondition(ctx, patientID, recent)
	if a.Condition == emotion.ConditionUnknown {
		return nil
	}

	p, err := t.store.GetPatient(ctx, patientID)
	if err != nil {
		log.Printf("tracker: assessment load failed for patient %s: %v", patientID, err)
		return &a
	}
	if p.Condition == a.Condition {
		return &a
	}

	p.Condition = a.Condition
	if err := t.store.SavePatient(ctx, p); err != nil {
		log.Printf("tracker: assessment save failed for patient %s: %v", patientID, err)
		return &a
	}
	log.Printf("tracker: patient %s condition assessed as %s (confidence %.2f)", patientID, a.Condition, a.Confidence)
	return &a
}
