// Package emotion derives structured emotional signal from patient
// utterances. A Reading is the atomic unit of the patient timeline:
// immutable once produced, one per patient-authored message.
package emotion

import (
	"time"
)

// Label is a dominant emotion label from a closed set.
type Label string

const (
	LabelSadness           Label = "sadness"
	LabelAnxiety           Label = "anxiety"
	LabelElevatedMood      Label = "elevated-mood"
	LabelAnger             Label = "anger"
	LabelNeutral           Label = "neutral"
	LabelObsessiveDistress Label = "obsessive-distress"
	LabelCompulsiveUrge    Label = "compulsive-urge"
	LabelOther             Label = "other"
)

// Labels lists the closed label set.
var Labels = []Label{
	LabelSadness,
	LabelAnxiety,
	LabelElevatedMood,
	LabelAnger,
	LabelNeutral,
	LabelObsessiveDistress,
	LabelCompulsiveUrge,
	LabelOther,
}

// Valid reports whether l belongs to the closed label set.
func (l Label) Valid() bool {
	for _, known := range Labels {
		if l == known {
			return true
		}
	}
	return false
}

// Condition is a tracked mental-health condition category.
type Condition string

const (
	ConditionDepression Condition = "depression"
	ConditionBipolar    Condition = "bipolar"
	ConditionOCD        Condition = "ocd"
	ConditionUnknown    Condition = "unknown"
)

// TrackedConditions are the conditions every reading scores relevance for.
// ConditionUnknown is a patient state, not a tracked signal.
var TrackedConditions = []Condition{
	ConditionDepression,
	ConditionBipolar,
	ConditionOCD,
}

// Valid reports whether c is a recognized condition category.
func (c Condition) Valid() bool {
	switch c {
	case ConditionDepression, ConditionBipolar, ConditionOCD, ConditionUnknown:
		return true
	}
	return false
}

// Reading is one structured emotional observation.
// Relevance scores are independent per condition: a patient may show
// signal toward more than one tracked condition at once, so they are
// not required to sum to 1.
type Reading struct {
	// ID is the unique reading identifier.
	ID string `json:"id" firestore:"id"`
	// MessageID links to the message that produced this reading.
	MessageID string `json:"messageId" firestore:"messageId"`
	// PatientID identifies the patient.
	PatientID string `json:"patientId" firestore:"patientId"`
	// Timestamp is when the underlying message was received.
	Timestamp time.Time `json:"timestamp" firestore:"timestamp"`
	// Valence is the emotional positivity/negativity in [-1, 1].
	Valence float64 `json:"valence" firestore:"valence"`
	// Dominant is the dominant emotion label.
	Dominant Label `json:"dominant" firestore:"dominant"`
	// Relevance holds a score in [0, 1] per tracked condition.
	Relevance map[Condition]float64 `json:"relevance" firestore:"relevance"`
	// Confidence is the classifier's confidence in [0, 1].
	Confidence float64 `json:"confidence" firestore:"confidence"`
	// Degraded marks readings produced without the classifier
	// (external call failed or the utterance was empty).
	Degraded bool `json:"degraded,omitempty" firestore:"degraded,omitempty"`
}

// RelevanceFor returns the relevance score for a condition (0 if absent).
func (r *Reading) RelevanceFor(c Condition) float64 {
	if r.Relevance == nil {
		return 0
	}
	return r.Relevance[c]
}

// MaxRelevance returns the highest relevance score and its condition.
func (r *Reading) MaxRelevance() (Condition, float64) {
	best := ConditionUnknown
	bestScore := 0.0
	for _, c := range TrackedConditions {
		if s := r.RelevanceFor(c); s > bestScore {
			best = c
			bestScore = s
		}
	}
	return best, bestScore
}

// Salience is the product of confidence and the highest relevance score.
// Used to rank clustered notable events.
func (r *Reading) Salience() float64 {
	_, rel := r.MaxRelevance()
	return r.Confidence * rel
}

// NeutralReading builds a degraded, lowest-confidence neutral reading.
// Used when classification is unavailable so the conversation can continue.
func NeutralReading(patientID, messageID string, at time.Time) *Reading {
	relevance := make(map[Condition]float64, len(TrackedConditions))
	for _, c := range TrackedConditions {
		relevance[c] = 0
	}

	return &Reading{
		PatientID:  patientID,
		MessageID:  messageID,
		Timestamp:  at,
		Valence:    0,
		Dominant:   LabelNeutral,
		Relevance:  relevance,
		Confidence: 0,
		Degraded:   true,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
