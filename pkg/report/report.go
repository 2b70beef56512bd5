// Package report aggregates a patient's readings over a time window
// into a clinician-facing summary. Reports are derived data: building
// one never mutates the timeline, and rebuilding over the same window
// and the same readings yields identical content.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amira-dev/amira/pkg/emotion"
	"github.com/amira-dev/amira/pkg/timeline"
)

// ErrInvalidWindow is returned when the window is empty or inverted.
var ErrInvalidWindow = errors.New("report window must satisfy from < to")

// Default aggregation settings.
const (
	// DefaultMinReadings is the fewest readings a full report needs.
	DefaultMinReadings = 2
	// DefaultConfidenceThreshold gates notable events on classifier
	// confidence.
	DefaultConfidenceThreshold = 0.6
	// DefaultRelevanceThreshold gates notable events on condition
	// relevance.
	DefaultRelevanceThreshold = 0.5
	// DefaultClusterWindow merges notable events closer together than
	// this, keeping the most salient.
	DefaultClusterWindow = 10 * time.Minute
	// DefaultRisingMargin is how much the second half-window mean must
	// exceed the first before a condition trajectory is flagged rising.
	DefaultRisingMargin = 0.15
	// DefaultSlopeEpsilon is the valence-per-hour slope below which the
	// trend counts as flat.
	DefaultSlopeEpsilon = 0.02
)

// Trend describes the direction of the valence series over the window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendFlat      Trend = "flat"
)

// ConditionTrajectory compares a condition's mean relevance across the
// two halves of the window.
type ConditionTrajectory struct {
	Condition      emotion.Condition `json:"condition"`
	FirstHalfMean  float64           `json:"firstHalfMean"`
	SecondHalfMean float64           `json:"secondHalfMean"`
	// Rising is set when the second-half mean exceeds the first by at
	// least the configured margin.
	Rising bool `json:"rising"`
}

// Event is one notable reading: high confidence, high relevance, and
// the most salient of its cluster.
type Event struct {
	ReadingID  string            `json:"readingId"`
	MessageID  string            `json:"messageId"`
	Timestamp  time.Time         `json:"timestamp"`
	Dominant   emotion.Label     `json:"dominant"`
	Condition  emotion.Condition `json:"condition"`
	Relevance  float64           `json:"relevance"`
	Confidence float64           `json:"confidence"`
	Salience   float64           `json:"salience"`
}

// Report is the aggregated view of one patient window.
//
// GeneratedAt is provenance metadata only; two reports over the same
// window and data differ in nothing else.
type Report struct {
	PatientID   string    `json:"patientId"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	GeneratedAt time.Time `json:"generatedAt"`

	// SufficientData is false when the window held too few readings
	// for the derived fields to mean anything. The derived fields are
	// then zero-valued and NotableEvents is empty.
	SufficientData bool `json:"sufficientData"`
	ReadingCount   int  `json:"readingCount"`

	MeanValence float64 `json:"meanValence"`
	// ValenceSlope is the least-squares slope of valence in units per hour.
	ValenceSlope float64 `json:"valenceSlope"`
	Trend        Trend   `json:"trend"`
	// Volatility is the population variance of valence over the window.
	Volatility float64 `json:"volatility"`

	Conditions    []ConditionTrajectory `json:"conditions"`
	NotableEvents []Event               `json:"notableEvents"`
}

// Config configures a Builder.
type Config struct {
	MinReadings         int
	ConfidenceThreshold float64
	RelevanceThreshold  float64
	ClusterWindow       time.Duration
	RisingMargin        float64
	SlopeEpsilon        float64
	// CacheReports persists each built report via the store.
	CacheReports bool
	// Clock supplies GeneratedAt. Defaults to time.Now.
	Clock func() time.Time
}

// Builder builds reports from a timeline store.
type Builder struct {
	store timeline.Store
	cfg   Config
}

// NewBuilder creates a report builder.
func NewBuilder(store timeline.Store, cfg Config) *Builder {
	if cfg.MinReadings <= 0 {
		cfg.MinReadings = DefaultMinReadings
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.RelevanceThreshold <= 0 {
		cfg.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if cfg.ClusterWindow <= 0 {
		cfg.ClusterWindow = DefaultClusterWindow
	}
	if cfg.RisingMargin <= 0 {
		cfg.RisingMargin = DefaultRisingMargin
	}
	if cfg.SlopeEpsilon <= 0 {
		cfg.SlopeEpsilon = DefaultSlopeEpsilon
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Builder{store: store, cfg: cfg}
}

// Build aggregates the patient's readings in [from, to) into a report.
func (b *Builder) Build(ctx context.Context, patientID string, from, to time.Time) (*Report, error) {
	if patientID == "" {
		return nil, errors.New("patient ID is required")
	}
	if !from.Before(to) {
		return nil, ErrInvalidWindow
	}

	readings, err := b.store.ReadingsInWindow(ctx, patientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load readings: %w", err)
	}

	r := &Report{
		PatientID:    patientID,
		From:         from,
		To:           to,
		GeneratedAt:  b.cfg.Clock(),
		ReadingCount: len(readings),
	}

	if len(readings) < b.cfg.MinReadings {
		b.cache(ctx, r)
		return r, nil
	}

	r.SufficientData = true
	r.MeanValence = meanValence(readings)
	r.ValenceSlope = valenceSlope(readings)
	r.Trend = b.trend(r.ValenceSlope)
	r.Volatility = volatility(readings, r.MeanValence)
	r.Conditions = b.conditionTrajectories(readings, from, to)
	r.NotableEvents = b.notableEvents(readings)

	b.cache(ctx, r)
	return r, nil
}

// cache persists the report when caching is enabled. Cache failures are
// logged, not returned: the report itself is still good.
func (b *Builder) cache(ctx context.Context, r *Report) {
	if !b.cfg.CacheReports {
		return
	}

	payload, err := json.Marshal(r)
	if err != nil {
		log.Printf("report: marshal for cache failed for patient %s: %v", r.PatientID, err)
		return
	}
	if err := b.store.SaveReport(ctx, r.PatientID, r.GeneratedAt, payload); err != nil {
		log.Printf("report: cache failed for patient %s: %v", r.PatientID, err)
	}
}

func (b *Builder) trend(slope float64) Trend {
	switch {
	case slope > b.cfg.SlopeEpsilon:
		return TrendImproving
	case slope < -b.cfg.SlopeEpsilon:
		return TrendDeclining
	default:
		return TrendFlat
	}
}

func meanValence(readings []*emotion.Reading) float64 {
	sum := 0.0
	for _, r := range readings {
		sum += r.Valence
	}
	return sum / float64(len(readings))
}

// valenceSlope fits valence against time by least squares and returns
// the slope in valence units per hour. A series of identical timestamps
// has no direction and yields zero.
func valenceSlope(readings []*emotion.Reading) float64 {
	n := float64(len(readings))
	base := readings[0].Timestamp

	var sumX, sumY, sumXY, sumXX float64
	for _, r := range readings {
		x := r.Timestamp.Sub(base).Hours()
		sumX += x
		sumY += r.Valence
		sumXY += x * r.Valence
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func volatility(readings []*emotion.Reading, mean float64) float64 {
	sum := 0.0
	for _, r := range readings {
		d := r.Valence - mean
		sum += d * d
	}
	return sum / float64(len(readings))
}

// conditionTrajectories splits the window at its midpoint and compares
// per-condition mean relevance across the halves. Conditions are
// emitted in TrackedConditions order for deterministic output.
func (b *Builder) conditionTrajectories(readings []*emotion.Reading, from, to time.Time) []ConditionTrajectory {
	mid := from.Add(to.Sub(from) / 2)

	out := make([]ConditionTrajectory, 0, len(emotion.TrackedConditions))
	for _, c := range emotion.TrackedConditions {
		var firstSum, secondSum float64
		var firstN, secondN int
		for _, r := range readings {
			if r.Timestamp.Before(mid) {
				firstSum += r.RelevanceFor(c)
				firstN++
			} else {
				secondSum += r.RelevanceFor(c)
				secondN++
			}
		}

		t := ConditionTrajectory{Condition: c}
		if firstN > 0 {
			t.FirstHalfMean = firstSum / float64(firstN)
		}
		if secondN > 0 {
			t.SecondHalfMean = secondSum / float64(secondN)
		}
		// A rising flag needs signal in both halves; an empty half is
		// absence of data, not a trajectory.
		if firstN > 0 && secondN > 0 {
			t.Rising = t.SecondHalfMean-t.FirstHalfMean >= b.cfg.RisingMargin
		}
		out = append(out, t)
	}
	return out
}

// notableEvents selects readings that cross both the confidence and
// relevance thresholds, then collapses bursts: within each run of
// candidates spaced closer than the cluster window, only the most
// salient survives.
func (b *Builder) notableEvents(readings []*emotion.Reading) []Event {
	var candidates []*emotion.Reading
	for _, r := range readings {
		_, rel := r.MaxRelevance()
		if r.Confidence >= b.cfg.ConfidenceThreshold && rel >= b.cfg.RelevanceThreshold {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var events []Event
	best := candidates[0]
	clusterEnd := best.Timestamp.Add(b.cfg.ClusterWindow)

	flush := func(r *emotion.Reading) {
		c, rel := r.MaxRelevance()
		events = append(events, Event{
			ReadingID:  r.ID,
			MessageID:  r.MessageID,
			Timestamp:  r.Timestamp,
			Dominant:   r.Dominant,
			Condition:  c,
			Relevance:  rel,
			Confidence: r.Confidence,
			Salience:   r.Salience(),
		})
	}

	for _, r := range candidates[1:] {
		if r.Timestamp.Before(clusterEnd) {
			if r.Salience() > best.Salience() {
				best = r
			}
			clusterEnd = r.Timestamp.Add(b.cfg.ClusterWindow)
			continue
		}
		flush(best)
		best = r
		clusterEnd = r.Timestamp.Add(b.cfg.ClusterWindow)
	}
	flush(best)
	return events
}
