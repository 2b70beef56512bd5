package amira

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amira-dev/amira/pkg/composer"
	"github.com/amira-dev/amira/pkg/timeline"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestEngineHandlesMessageEndToEnd(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	reply, err := eng.HandleMessage(ctx, "p1", "I feel hopeless today")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if reply.Text == "" {
		t.Error("expected a non-empty reply")
	}
	if reply.SessionID == "" {
		t.Error("expected a session ID")
	}
	if !reply.SessionStarted {
		t.Error("first message must start a session")
	}
	if reply.Reading == nil {
		t.Fatal("expected a reading")
	}
	if reply.Reading.PatientID != "p1" {
		t.Errorf("reading bound to wrong patient: %s", reply.Reading.PatientID)
	}

	// Patient registered on first contact.
	p, err := eng.Patient(ctx, "p1")
	if err != nil {
		t.Fatalf("Patient: %v", err)
	}
	if p.ID != "p1" {
		t.Errorf("unexpected patient record: %+v", p)
	}

	// Second message continues the session.
	second, err := eng.HandleMessage(ctx, "p1", "still struggling")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if second.SessionStarted {
		t.Error("second message should continue the session")
	}
	if second.SessionID != reply.SessionID {
		t.Errorf("expected session %s, got %s", reply.SessionID, second.SessionID)
	}
}

func TestEngineCloseSessionAndReport(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	before := time.Now()
	if _, err := eng.HandleMessage(ctx, "p1", "first"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if _, err := eng.HandleMessage(ctx, "p1", "second"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	sess, err := eng.CloseSession(ctx, "p1")
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if sess.Open() {
		t.Error("closed session must not report open")
	}
	if sess.Summary == nil || sess.Summary.MessageCount != 2 {
		t.Errorf("expected summary with 2 messages, got %+v", sess.Summary)
	}

	if _, err := eng.CloseSession(ctx, "p1"); !errors.Is(err, timeline.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound on double close, got %v", err)
	}

	rep, err := eng.BuildReport(ctx, "p1", before.Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if rep.ReadingCount != 2 {
		t.Errorf("expected 2 readings in window, got %d", rep.ReadingCount)
	}
	if !rep.SufficientData {
		t.Error("two readings should clear the minimum")
	}
}

func TestEngineRateLimitedComposeFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	// One token covers the extraction; the composition call finds the
	// budget spent and must not block the turn.
	cfg.Limits = LimitsConfig{RequestsPerSecond: 0.001, Burst: 1}

	eng, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	reply, err := eng.HandleMessage(context.Background(), "p1", "hello")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !reply.Degraded {
		t.Error("expected a degraded reply when the rate budget is spent")
	}
	if reply.Text != composer.FallbackReply {
		t.Errorf("expected the fallback reply, got %q", reply.Text)
	}
	if reply.SessionID == "" {
		t.Error("a rate-limited composition must still record the message")
	}
}

func TestEngineProviderHealthTracksDegradedCalls(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	if err := eng.providerHealth(ctx); err != nil {
		t.Errorf("fresh engine should report a healthy provider, got %v", err)
	}

	if _, err := eng.HandleMessage(ctx, "p1", "hello"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if err := eng.providerHealth(ctx); err != nil {
		t.Errorf("successful calls should keep the provider healthy, got %v", err)
	}

	eng.noteProviderCall(false)
	if err := eng.providerHealth(ctx); err == nil {
		t.Error("expected an unhealthy provider after a degraded call")
	}

	eng.noteProviderCall(true)
	if err := eng.providerHealth(ctx); err != nil {
		t.Errorf("a successful call should clear the degraded state, got %v", err)
	}
}

func TestEngineUnknownPatient(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Patient(context.Background(), "nobody"); !errors.Is(err, timeline.ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
	if _, err := eng.CloseSession(context.Background(), "nobody"); !errors.Is(err, timeline.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
