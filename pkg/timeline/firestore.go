package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/amira-dev/amira/pkg/emotion"
)

// FirestoreStore implements Store using Google Cloud Firestore.
//
// Layout:
//   - patients/{patientID}: patient records
//   - sessions/{sessionID}: session records with an entry counter
//   - sessions/{sessionID}/entries/{seq}: timeline entries in append order
//   - open/{patientID}: pointer to the patient's open session
//   - readings/{readingID}: flat reading index for window queries
//   - reports/{patientID}: latest cached report per patient
//
// Window queries need a composite index on (patientId, timestamp);
// closed-session lookups need one on (patientId, endedAt).
type FirestoreStore struct {
	client *firestore.Client
	mu     sync.RWMutex
	closed bool
}

// FirestoreConfig holds Firestore connection configuration.
type FirestoreConfig struct {
	// ProjectID is the GCP project ID (required).
	ProjectID string
	// CredentialsFile is a service account credentials path (optional;
	// Application Default Credentials are used when empty).
	CredentialsFile string
}

// NewFirestoreStore creates a Firestore-backed store.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	return &FirestoreStore{client: client}, nil
}

// sessionDoc is the persisted session shape. EntryCount drives the
// append-order sequence numbers for the entries subcollection.
type sessionDoc struct {
	Session
	EntryCount int `firestore:"entryCount"`
}

// entryDoc is the persisted entry shape.
type entryDoc struct {
	Seq     int              `firestore:"seq"`
	Message *Message         `firestore:"message"`
	Reading *emotion.Reading `firestore:"reading,omitempty"`
}

// openDoc points at a patient's open session.
type openDoc struct {
	SessionID string `firestore:"sessionId"`
}

// reportDoc holds the latest cached report for a patient.
type reportDoc struct {
	GeneratedAt time.Time `firestore:"generatedAt"`
	Payload     []byte    `firestore:"payload"`
}

func (f *FirestoreStore) checkOpen() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrStoreClosed
	}
	return nil
}

func (f *FirestoreStore) patients() *firestore.CollectionRef {
	return f.client.Collection("patients")
}

func (f *FirestoreStore) sessions() *firestore.CollectionRef {
	return f.client.Collection("sessions")
}

func (f *FirestoreStore) open() *firestore.CollectionRef {
	return f.client.Collection("open")
}

func (f *FirestoreStore) readings() *firestore.CollectionRef {
	return f.client.Collection("readings")
}

func (f *FirestoreStore) reports() *firestore.CollectionRef {
	return f.client.Collection("reports")
}

// SavePatient creates or updates a patient record.
func (f *FirestoreStore) SavePatient(ctx context.Context, p *Patient) error {
	if err := f.checkOpen(); err != nil {
		return err
	}

	if _, err := f.patients().Doc(p.ID).Set(ctx, p); err != nil {
		return unavailable("save patient", err)
	}
	return nil
}

// GetPatient retrieves a patient by ID.
func (f *FirestoreStore) GetPatient(ctx context.Context, patientID string) (*Patient, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}

	snap, err := f.patients().Doc(patientID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, unavailable("get patient", err)
	}

	var p Patient
	if err := snap.DataTo(&p); err != nil {
		return nil, fmt.Errorf("decode patient: %w", err)
	}
	return &p, nil
}

// OpenSession records s as the patient's open session. The open pointer
// and the session document are written in one transaction.
func (f *FirestoreStore) OpenSession(ctx context.Context, sess *Session) error {
	if err := f.checkOpen(); err != nil {
		return err
	}

	openRef := f.open().Doc(sess.PatientID)
	sessRef := f.sessions().Doc(sess.ID)

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		_, err := tx.Get(openRef)
		if err == nil {
			return ErrOpenSessionExists
		}
		if status.Code(err) != codes.NotFound {
			return err
		}

		if err := tx.Set(openRef, openDoc{SessionID: sess.ID}); err != nil {
			return err
		}
		return tx.Set(sessRef, sessionDoc{Session: *sess})
	})
	if errors.Is(err, ErrOpenSessionExists) {
		return err
	}
	if err != nil {
		return unavailable("open session", err)
	}
	return nil
}

// GetOpenSession retrieves the patient's open session.
func (f *FirestoreStore) GetOpenSession(ctx context.Context, patientID string) (*Session, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}

	snap, err := f.open().Doc(patientID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get open session", err)
	}

	var ptr openDoc
	if err := snap.DataTo(&ptr); err != nil {
		return nil, fmt.Errorf("decode open pointer: %w", err)
	}
	return f.getSession(ctx, ptr.SessionID)
}

func (f *FirestoreStore) getSession(ctx context.Context, sessionID string) (*Session, error) {
	snap, err := f.sessions().Doc(sessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}

	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess := doc.Session
	return &sess, nil
}

// CloseSession ends the patient's open session.
func (f *FirestoreStore) CloseSession(ctx context.Context, patientID string, endedAt time.Time, summary *SessionSummary) (*Session, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}

	openRef := f.open().Doc(patientID)

	var closed Session
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		openSnap, err := tx.Get(openRef)
		if status.Code(err) == codes.NotFound {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		var ptr openDoc
		if err := openSnap.DataTo(&ptr); err != nil {
			return fmt.Errorf("decode open pointer: %w", err)
		}

		sessRef := f.sessions().Doc(ptr.SessionID)
		sessSnap, err := tx.Get(sessRef)
		if err != nil {
			return err
		}

		var doc sessionDoc
		if err := sessSnap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}

		doc.EndedAt = endedAt
		doc.Summary = summary

		if err := tx.Set(sessRef, doc); err != nil {
			return err
		}
		if err := tx.Delete(openRef); err != nil {
			return err
		}

		closed = doc.Session
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("close session", err)
	}
	return &closed, nil
}

// AppendEntry appends a message and its reading to the timeline. The
// sequence bump, the entry write and the reading-index write run in one
// transaction, so a reading never lands without its message.
func (f *FirestoreStore) AppendEntry(ctx context.Context, e *Entry) error {
	if err := f.checkOpen(); err != nil {
		return err
	}

	if e.Message == nil {
		return fmt.Errorf("entry has no message")
	}

	sessRef := f.sessions().Doc(e.Message.SessionID)

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(sessRef)
		if status.Code(err) == codes.NotFound {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}

		seq := doc.EntryCount
		entryRef := sessRef.Collection("entries").Doc(fmt.Sprintf("%08d", seq))
		if err := tx.Set(entryRef, entryDoc{Seq: seq, Message: e.Message, Reading: e.Reading}); err != nil {
			return err
		}

		if e.Reading != nil {
			if err := tx.Set(f.readings().Doc(e.Reading.ID), e.Reading); err != nil {
				return err
			}
		}

		return tx.Update(sessRef, []firestore.Update{
			{Path: "entryCount", Value: seq + 1},
		})
	})
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return unavailable("append entry", err)
	}
	return nil
}

// SessionEntries retrieves a session's entries in append order.
func (f *FirestoreStore) SessionEntries(ctx context.Context, sessionID string) ([]*Entry, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}

	iter := f.sessions().Doc(sessionID).Collection("entries").
		OrderBy("seq", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []*Entry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, unavailable("load entries", err)
		}

		var doc entryDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, &Entry{Message: doc.Message, Reading: doc.Reading})
	}
	return entries, nil
}

// ReadingsInWindow retrieves readings with from <= timestamp < to.
func (f *FirestoreStore) ReadingsInWindow(ctx context.Context, patientID string, from, to time.Time) ([]*emotion.Reading, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}

	iter := f.readings().
		Where("patientId", "==", patientID).
		Where("timestamp", ">=", from).
		Where("timestamp", "<", to).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var readings []*emotion.Reading
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, unavailable("query readings", err)
		}

		var r emotion.Reading
		if err := snap.DataTo(&r); err != nil {
			return nil, fmt.Errorf("decode reading: %w", err)
		}
		readings = append(readings, &r)
	}
	return readings, nil
}

// LastClosedSession retrieves the most recently closed session.
func (f *FirestoreStore) LastClosedSession(ctx context.Context, patientID string) (*Session, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}

	// Open sessions have a zero EndedAt; anything after the Unix epoch
	// is closed.
	iter := f.sessions().
		Where("patientId", "==", patientID).
		Where("endedAt", ">", time.Unix(0, 0)).
		OrderBy("endedAt", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("query closed sessions", err)
	}

	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess := doc.Session
	return &sess, nil
}

// SaveReport caches the latest serialized report for a patient.
func (f *FirestoreStore) SaveReport(ctx context.Context, patientID string, generatedAt time.Time, payload []byte) error {
	if err := f.checkOpen(); err != nil {
		return err
	}

	if _, err := f.reports().Doc(patientID).Set(ctx, reportDoc{GeneratedAt: generatedAt, Payload: payload}); err != nil {
		return unavailable("save report", err)
	}
	return nil
}

// Close releases the Firestore client.
func (f *FirestoreStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	return f.client.Close()
}
