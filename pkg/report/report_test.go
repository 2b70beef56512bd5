package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amira-dev/amira/pkg/emotion"
	"github.com/amira-dev/amira/pkg/timeline"
)

func windowStart() time.Time {
	return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
}

// seedReadings appends readings to a fresh memory store under one session.
func seedReadings(t *testing.T, readings []*emotion.Reading) timeline.Store {
	t.Helper()
	ctx := context.Background()
	store := timeline.NewMemoryStore()

	require.NoError(t, store.OpenSession(ctx, &timeline.Session{
		ID: "s1", PatientID: "p1", StartedAt: windowStart(),
	}))
	for i, r := range readings {
		r.PatientID = "p1"
		if r.ID == "" {
			r.ID = string(rune('a' + i))
		}
		msg := &timeline.Message{
			ID: "m-" + r.ID, SessionID: "s1", PatientID: "p1",
			Role: timeline.RolePatient, Text: "msg", Timestamp: r.Timestamp,
		}
		r.MessageID = msg.ID
		require.NoError(t, store.AppendEntry(ctx, &timeline.Entry{Message: msg, Reading: r}))
	}
	return store
}

func reading(offset time.Duration, valence float64) *emotion.Reading {
	return &emotion.Reading{
		Timestamp: windowStart().Add(offset),
		Valence:   valence,
		Dominant:  emotion.LabelNeutral,
	}
}

func TestBuildRejectsInvalidWindow(t *testing.T) {
	b := NewBuilder(timeline.NewMemoryStore(), Config{})

	_, err := b.Build(context.Background(), "p1", windowStart(), windowStart())
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = b.Build(context.Background(), "p1", windowStart().Add(time.Hour), windowStart())
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestBuildInsufficientData(t *testing.T) {
	store := seedReadings(t, []*emotion.Reading{reading(time.Minute, -0.5)})
	b := NewBuilder(store, Config{})

	r, err := b.Build(context.Background(), "p1", windowStart(), windowStart().Add(time.Hour))
	require.NoError(t, err)

	assert.False(t, r.SufficientData)
	assert.Equal(t, 1, r.ReadingCount)
	assert.Empty(t, r.NotableEvents)
	assert.Empty(t, r.Conditions)
	assert.Zero(t, r.MeanValence)
}

func TestBuildDeterministicContent(t *testing.T) {
	store := seedReadings(t, []*emotion.Reading{
		reading(10*time.Minute, -0.8),
		reading(30*time.Minute, -0.4),
		reading(50*time.Minute, 0.2),
	})
	b := NewBuilder(store, Config{})

	from, to := windowStart(), windowStart().Add(time.Hour)
	first, err := b.Build(context.Background(), "p1", from, to)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), "p1", from, to)
	require.NoError(t, err)

	// GeneratedAt is provenance; everything else must match exactly.
	first.GeneratedAt = time.Time{}
	second.GeneratedAt = time.Time{}
	assert.Equal(t, first, second)
}

func TestBuildTrend(t *testing.T) {
	tests := []struct {
		name     string
		valences []float64
		want     Trend
	}{
		{"improving", []float64{-0.8, -0.4, 0.0, 0.4}, TrendImproving},
		{"declining", []float64{0.4, 0.0, -0.4, -0.8}, TrendDeclining},
		{"flat", []float64{-0.1, -0.1, -0.1, -0.1}, TrendFlat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readings := make([]*emotion.Reading, len(tt.valences))
			for i, v := range tt.valences {
				readings[i] = reading(time.Duration(i)*15*time.Minute, v)
			}
			store := seedReadings(t, readings)
			b := NewBuilder(store, Config{})

			r, err := b.Build(context.Background(), "p1", windowStart(), windowStart().Add(time.Hour))
			require.NoError(t, err)
			require.True(t, r.SufficientData)
			assert.Equal(t, tt.want, r.Trend)
		})
	}
}

func TestBuildVolatility(t *testing.T) {
	// Constant series has zero variance; an oscillating one does not.
	flat := seedReadings(t, []*emotion.Reading{
		reading(10*time.Minute, -0.3),
		reading(20*time.Minute, -0.3),
		reading(30*time.Minute, -0.3),
	})
	swings := seedReadings(t, []*emotion.Reading{
		reading(10*time.Minute, -0.9),
		reading(20*time.Minute, 0.9),
		reading(30*time.Minute, -0.9),
	})

	from, to := windowStart(), windowStart().Add(time.Hour)

	r1, err := NewBuilder(flat, Config{}).Build(context.Background(), "p1", from, to)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, r1.Volatility, 1e-9)
	assert.InDelta(t, -0.3, r1.MeanValence, 1e-9)

	r2, err := NewBuilder(swings, Config{}).Build(context.Background(), "p1", from, to)
	require.NoError(t, err)
	assert.Greater(t, r2.Volatility, 0.5)
}

func TestBuildConditionTrajectories(t *testing.T) {
	mk := func(offset time.Duration, depression float64) *emotion.Reading {
		r := reading(offset, -0.5)
		r.Relevance = map[emotion.Condition]float64{emotion.ConditionDepression: depression}
		return r
	}
	// Depression relevance climbs from the first half-window (mean 0.2)
	// to the second (mean 0.6).
	store := seedReadings(t, []*emotion.Reading{
		mk(5*time.Minute, 0.1),
		mk(20*time.Minute, 0.3),
		mk(35*time.Minute, 0.5),
		mk(50*time.Minute, 0.7),
	})
	b := NewBuilder(store, Config{})

	r, err := b.Build(context.Background(), "p1", windowStart(), windowStart().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, r.Conditions, len(emotion.TrackedConditions))

	var dep *ConditionTrajectory
	for i := range r.Conditions {
		if r.Conditions[i].Condition == emotion.ConditionDepression {
			dep = &r.Conditions[i]
		}
	}
	require.NotNil(t, dep)
	assert.InDelta(t, 0.2, dep.FirstHalfMean, 1e-9)
	assert.InDelta(t, 0.6, dep.SecondHalfMean, 1e-9)
	assert.True(t, dep.Rising, "0.4 increase exceeds the 0.15 margin")

	// The untouched conditions stay flat.
	for _, c := range r.Conditions {
		if c.Condition != emotion.ConditionDepression {
			assert.False(t, c.Rising)
		}
	}
}

func TestNotableEventsThresholdsAndClustering(t *testing.T) {
	mk := func(offset time.Duration, confidence, relevance float64) *emotion.Reading {
		r := reading(offset, -0.5)
		r.Confidence = confidence
		r.Relevance = map[emotion.Condition]float64{emotion.ConditionOCD: relevance}
		return r
	}
	store := seedReadings(t, []*emotion.Reading{
		mk(0, 0.9, 0.6),               // cluster 1
		mk(5*time.Minute, 0.95, 0.9),  // cluster 1, most salient
		mk(8*time.Minute, 0.7, 0.55),  // cluster 1
		mk(40*time.Minute, 0.8, 0.7),  // cluster 2
		mk(55*time.Minute, 0.5, 0.9),  // below confidence threshold
		mk(58*time.Minute, 0.9, 0.3),  // below relevance threshold
	})
	b := NewBuilder(store, Config{})

	r, err := b.Build(context.Background(), "p1", windowStart(), windowStart().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, r.NotableEvents, 2)

	assert.Equal(t, windowStart().Add(5*time.Minute), r.NotableEvents[0].Timestamp,
		"cluster keeps its most salient reading")
	assert.Equal(t, emotion.ConditionOCD, r.NotableEvents[0].Condition)
	assert.InDelta(t, 0.95*0.9, r.NotableEvents[0].Salience, 1e-9)

	assert.Equal(t, windowStart().Add(40*time.Minute), r.NotableEvents[1].Timestamp)
}

func TestBuildCachesReport(t *testing.T) {
	store := seedReadings(t, []*emotion.Reading{
		reading(10*time.Minute, -0.5),
		reading(20*time.Minute, -0.3),
	})
	b := NewBuilder(store, Config{CacheReports: true})

	_, err := b.Build(context.Background(), "p1", windowStart(), windowStart().Add(time.Hour))
	require.NoError(t, err)
	// MemoryStore.SaveReport never fails; this exercises the caching
	// path without asserting on store internals.
}
