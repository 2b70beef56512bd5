// Package amira is a session and emotion-tracking engine for a
// therapeutic conversational assistant. It classifies each patient
// message into an emotional reading, tracks sessions bounded by an
// inactivity window, persists an append-only per-patient timeline, and
// aggregates readings into clinician-facing reports.
package amira

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/amira-dev/amira/internal/llm/provider"
	"github.com/amira-dev/amira/internal/observability"
	"github.com/amira-dev/amira/pkg/composer"
	"github.com/amira-dev/amira/pkg/emotion"
	obs "github.com/amira-dev/amira/pkg/observability"
	"github.com/amira-dev/amira/pkg/ratelimit"
	"github.com/amira-dev/amira/pkg/report"
	"github.com/amira-dev/amira/pkg/timeline"
	"github.com/amira-dev/amira/pkg/tracker"
)

// Engine wires the extractor, tracker, composer and report builder over
// a shared timeline store. One Engine serves all patients.
type Engine struct {
	cfg      *Config
	store    timeline.Store
	tracker  *tracker.Tracker
	composer *composer.Composer
	reports  *report.Builder
	limiter  *ratelimit.Limiter
	sweeper  *cron.Cron

	// Unix nanos of the last successful and last degraded model call,
	// feeding the provider health check.
	provOK   atomic.Int64
	provFail atomic.Int64
}

// Reply is the engine's answer to one patient message.
type Reply struct {
	// Text is the therapeutic reply to send back.
	Text string `json:"text"`
	// SessionID is the session the message landed in.
	SessionID string `json:"sessionId"`
	// SessionStarted reports whether this message opened a new session.
	SessionStarted bool `json:"sessionStarted"`
	// Reading is the emotional reading derived from the message.
	Reading *emotion.Reading `json:"reading"`
	// Degraded reports that the reply is the composer fallback.
	Degraded bool `json:"degraded,omitempty"`
}

// New creates an Engine from configuration. The caller owns the engine
// and must Close it.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := cfg.Provider.Options
	if opts == nil {
		opts = map[string]any{}
	}
	prov, err := provider.New(cfg.Provider.Name, opts)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create provider: %w", err)
	}
	if cfg.Provider.Tracing {
		prov = provider.NewInstrumentedProvider(prov, true)
	}

	extractor := emotion.NewExtractor(prov, emotion.ExtractorConfig{
		Model:              cfg.Provider.Model,
		CallTimeout:        cfg.Provider.ExtractorCallTimeout,
		MaxUtteranceLength: cfg.Provider.MaxUtteranceLength,
	})

	eng := &Engine{
		cfg:   cfg,
		store: store,
		tracker: tracker.New(store, extractor, tracker.Config{
			InactivityTimeout: cfg.Session.InactivityTimeout,
			AssessEvery:       cfg.Session.AssessEvery,
		}),
		composer: composer.New(prov, composer.Config{
			Model:       cfg.Provider.Model,
			CallTimeout: cfg.Provider.ComposerCallTimeout,
		}),
		reports: report.NewBuilder(store, report.Config{
			ConfidenceThreshold: cfg.Report.ConfidenceThreshold,
			RelevanceThreshold:  cfg.Report.RelevanceThreshold,
			ClusterWindow:       cfg.Report.ClusterWindow,
			RisingMargin:        cfg.Report.RisingMargin,
			CacheReports:        cfg.Report.Cache,
		}),
		limiter: ratelimit.New(cfg.Limits.RequestsPerSecond, cfg.Limits.Burst),
	}
	return eng, nil
}

func newStore(ctx context.Context, cfg *Config) (timeline.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return timeline.NewMemoryStore(), nil
	case "redis":
		return timeline.NewRedisStore(timeline.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
	case "firestore":
		return timeline.NewFirestoreStore(ctx, timeline.FirestoreConfig{
			ProjectID:       cfg.Store.Firestore.ProjectID,
			CredentialsFile: cfg.Store.Firestore.CredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// HandleMessage processes one patient message end to end: rate limit,
// session state machine, emotion extraction, timeline append, reply
// composition, reply append.
//
// A store failure fails the whole call and records nothing. A model
// failure never does: extraction degrades to a neutral reading and
// composition degrades to the fallback reply.
func (e *Engine) HandleMessage(ctx context.Context, patientID, text string) (*Reply, error) {
	start := time.Now()

	if err := e.limiter.Wait(ctx, patientID); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	turn, err := e.tracker.HandleMessage(ctx, patientID, text)
	if err != nil {
		obs.RecordMessage("patient", "error", time.Since(start))
		return nil, err
	}

	if turn.Previous != nil {
		obs.RecordSessionClosed("inactivity", turn.Previous.EndedAt.Sub(turn.Previous.StartedAt))
	}
	if turn.SessionStarted {
		obs.RecordSessionOpened()
	}
	obs.SetOpenSessions(e.tracker.OpenCount())

	if turn.Reading.Degraded {
		obs.RecordExtraction("degraded")
	} else {
		obs.RecordExtraction("ok")
	}
	e.noteProviderCall(!turn.Reading.Degraded)

	// Composition is a second model call; when the rate budget is spent
	// the turn degrades to the fallback instead of blocking the patient.
	var result composer.Result
	if e.limiter.Allow(patientID) {
		result = e.composer.Compose(ctx, composer.Request{
			Condition: e.patientCondition(ctx, patientID),
			Utterance: text,
			Reading:   turn.Reading,
			History:   e.sessionHistory(ctx, turn),
			Recap:     e.recap(ctx, patientID, turn),
		})
		e.noteProviderCall(!result.Degraded)
	} else {
		log.Printf("engine: rate budget exhausted for patient %s, sending fallback reply", patientID)
		result = composer.Result{Reply: composer.FallbackReply, Degraded: true}
	}
	if result.Degraded {
		obs.RecordComposerFallback()
	}

	if err := e.tracker.RecordReply(ctx, patientID, result.Reply); err != nil {
		// The patient message is already recorded; losing the reply
		// from the timeline is not worth failing the turn over.
		log.Printf("engine: record reply for patient %s: %v", patientID, err)
	}

	obs.RecordMessage("patient", "ok", time.Since(start))
	return &Reply{
		Text:           result.Reply,
		SessionID:      turn.Session.ID,
		SessionStarted: turn.SessionStarted,
		Reading:        turn.Reading,
		Degraded:       result.Degraded,
	}, nil
}

// noteProviderCall records the outcome of a model call for the provider
// health check.
func (e *Engine) noteProviderCall(ok bool) {
	now := time.Now().UnixNano()
	if ok {
		e.provOK.Store(now)
	} else {
		e.provFail.Store(now)
	}
}

// providerHealth reports the model unhealthy while the most recent call
// degraded. A single success clears it.
func (e *Engine) providerHealth(context.Context) error {
	fail := e.provFail.Load()
	if fail != 0 && fail > e.provOK.Load() {
		return fmt.Errorf("last model call degraded at %s", time.Unix(0, fail).UTC().Format(time.RFC3339))
	}
	return nil
}

// patientCondition loads the patient's assessed condition, defaulting
// to unknown when the record is unavailable.
func (e *Engine) patientCondition(ctx context.Context, patientID string) emotion.Condition {
	p, err := e.store.GetPatient(ctx, patientID)
	if err != nil {
		return emotion.ConditionUnknown
	}
	return p.Condition
}

// sessionHistory loads the session's prior turns for the composer.
// Best effort: an unavailable history shrinks the prompt, nothing more.
func (e *Engine) sessionHistory(ctx context.Context, turn *tracker.Turn) []*timeline.Message {
	entries, err := e.store.SessionEntries(ctx, turn.Session.ID)
	if err != nil {
		log.Printf("engine: load history for session %s: %v", turn.Session.ID, err)
		return nil
	}

	var history []*timeline.Message
	for _, entry := range entries {
		if entry.Message.ID == turn.Message.ID {
			continue
		}
		history = append(history, entry.Message)
	}
	return history
}

// recap returns the previous session's summary on the first turn of a
// new session, when closed history exists.
func (e *Engine) recap(ctx context.Context, patientID string, turn *tracker.Turn) *timeline.SessionSummary {
	if !turn.SessionStarted {
		return nil
	}

	last, err := e.tracker.LastClosed(ctx, patientID)
	if errors.Is(err, timeline.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		log.Printf("engine: load last session for patient %s: %v", patientID, err)
		return nil
	}
	return last.Summary
}

// CloseSession explicitly ends the patient's open session.
func (e *Engine) CloseSession(ctx context.Context, patientID string) (*timeline.Session, error) {
	sess, err := e.tracker.Close(ctx, patientID)
	if err != nil {
		return nil, err
	}
	obs.RecordSessionClosed("explicit", sess.EndedAt.Sub(sess.StartedAt))
	obs.SetOpenSessions(e.tracker.OpenCount())
	return sess, nil
}

// BuildReport aggregates the patient's readings in [from, to).
func (e *Engine) BuildReport(ctx context.Context, patientID string, from, to time.Time) (*report.Report, error) {
	start := time.Now()
	r, err := e.reports.Build(ctx, patientID, from, to)
	if err != nil {
		obs.RecordReport("error", time.Since(start))
		return nil, err
	}
	obs.RecordReport("ok", time.Since(start))
	return r, nil
}

// Patient returns the patient record.
func (e *Engine) Patient(ctx context.Context, patientID string) (*timeline.Patient, error) {
	return e.store.GetPatient(ctx, patientID)
}

// Run starts the engine's background services and blocks until ctx is
// cancelled or a service fails: the API server, the observability
// server and the idle-session sweeper.
func (e *Engine) Run(ctx context.Context) error {
	if err := observability.InitFromEnv(); err != nil {
		log.Printf("Warning: failed to initialize tracing: %v", err)
	}
	obs.InitMetrics()

	checker := obs.InitHealthChecker()
	checker.RegisterCheck(obs.StoreCheck(func(ctx context.Context) error {
		_, err := e.store.GetPatient(ctx, "health-probe")
		if errors.Is(err, timeline.ErrPatientNotFound) {
			return nil
		}
		return err
	}))
	checker.RegisterCheck(obs.ProviderCheck(e.cfg.Provider.Name, e.providerHealth))

	e.sweeper = cron.New()
	if _, err := e.sweeper.AddFunc(e.cfg.Session.SweepInterval, func() {
		if n := e.tracker.Sweep(context.Background(), time.Now()); n > 0 {
			log.Printf("engine: sweeper closed %d idle sessions", n)
			obs.SetOpenSessions(e.tracker.OpenCount())
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	e.sweeper.Start()

	obsServer := obs.NewServer(e.cfg.Server.ObservabilityPort)
	apiServer := NewServer(e, e.cfg.Server.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting observability server on :%d", e.cfg.Server.ObservabilityPort)
		if err := obsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("observability server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("Starting API server on :%d", e.cfg.Server.Port)
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = obsServer.Shutdown(shutdownCtx)
		_ = apiServer.Shutdown(shutdownCtx)
		return gctx.Err()
	})

	err := g.Wait()

	stopCtx := e.sweeper.Stop()
	<-stopCtx.Done()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	if e.sweeper != nil {
		<-e.sweeper.Stop().Done()
	}
	if err := observability.Shutdown(context.Background()); err != nil {
		log.Printf("Warning: tracing shutdown: %v", err)
	}
	return e.store.Close()
}
