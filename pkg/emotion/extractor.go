package emotion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amira-dev/amira/internal/llm/provider"
)

// Default extractor settings.
const (
	DefaultCallTimeout        = 15 * time.Second
	DefaultMaxUtteranceLength = 4096
	DefaultContextReadings    = 8
)

// classificationSchema constrains the model's structured output.
var classificationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"valence": {"type": "number", "minimum": -1, "maximum": 1},
		"dominant": {"type": "string", "enum": ["sadness", "anxiety", "elevated-mood", "anger", "neutral", "obsessive-distress", "compulsive-urge", "other"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"depression": {"type": "number", "minimum": 0, "maximum": 1},
		"bipolar": {"type": "number", "minimum": 0, "maximum": 1},
		"ocd": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["valence", "dominant", "confidence", "depression", "bipolar", "ocd"]
}`)

const classificationSystemPrompt = `You are an emotion classifier for a mental health support assistant.
Analyze the emotional content of the patient's message and respond with a single JSON object:
{"valence": <-1..1>, "dominant": <one of: sadness, anxiety, elevated-mood, anger, neutral, obsessive-distress, compulsive-urge, other>, "confidence": <0..1>, "depression": <0..1>, "bipolar": <0..1>, "ocd": <0..1>}

The depression/bipolar/ocd fields score how strongly the message suggests that condition's symptomatology.
Scores are independent and need not sum to 1. If the message carries no clear emotional signal, use
"neutral" with a low confidence. Respond with the JSON object only.`

const conditionSystemPrompt = `You are a screening assistant for a mental health support service.
Given a sequence of emotional readings derived from a patient's recent messages, classify the most
likely condition category. Respond with a single JSON object:
{"condition": <one of: depression, bipolar, ocd, unknown>, "confidence": <0..1>}
Use "unknown" whenever the signal is ambiguous. Respond with the JSON object only.`

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	// Model is the model passed to the provider (provider default if empty).
	Model string
	// CallTimeout bounds each classification call.
	CallTimeout time.Duration
	// MaxUtteranceLength caps utterance length (in runes) before extraction.
	MaxUtteranceLength int
	// ContextReadings caps how many prior readings are sent as context.
	ContextReadings int
}

// Extractor maps one utterance to a Reading. Extraction is a pure function
// of its inputs: it holds no mutable state, so re-analysis with fixed
// fixtures is deterministic.
//
// Analyze never returns an error. If the external classification call
// fails or times out, it degrades to a lowest-confidence neutral reading
// so a failed read never blocks therapeutic response delivery.
type Extractor struct {
	prov provider.Provider
	cfg  ExtractorConfig
}

// NewExtractor creates an extractor backed by the given provider.
func NewExtractor(prov provider.Provider, cfg ExtractorConfig) *Extractor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxUtteranceLength <= 0 {
		cfg.MaxUtteranceLength = DefaultMaxUtteranceLength
	}
	if cfg.ContextReadings <= 0 {
		cfg.ContextReadings = DefaultContextReadings
	}

	return &Extractor{prov: prov, cfg: cfg}
}

// AnalyzeRequest carries one utterance plus its prior context.
type AnalyzeRequest struct {
	PatientID string
	MessageID string
	Utterance string
	At        time.Time
	// Recent holds prior readings, oldest first. Only the newest
	// ContextReadings entries are sent to the model.
	Recent []*Reading
}

// Analyze derives a Reading from an utterance. Every field of the result
// is populated. Classification failures are absorbed: the returned reading
// is then neutral, degraded and carries zero confidence.
func (e *Extractor) Analyze(ctx context.Context, req AnalyzeRequest) *Reading {
	utterance := strings.TrimSpace(req.Utterance)
	if utterance == "" {
		r := NeutralReading(req.PatientID, req.MessageID, req.At)
		r.ID = uuid.New().String()
		return r
	}

	if runes := []rune(utterance); len(runes) > e.cfg.MaxUtteranceLength {
		utterance = string(runes[:e.cfg.MaxUtteranceLength])
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	resp, err := e.prov.CreateStructured(callCtx, provider.StructuredRequest{
		CompletionRequest: provider.CompletionRequest{
			Model:       e.cfg.Model,
			Temperature: 0.1,
			MaxTokens:   256,
			Messages: []provider.Message{
				{Role: "system", Content: classificationSystemPrompt},
				{Role: "user", Content: e.buildUserContent(utterance, req.Recent)},
			},
		},
		ResponseSchema: classificationSchema,
	})
	if err != nil {
		log.Printf("emotion: classification unavailable for patient %s: %v", req.PatientID, err)
		r := NeutralReading(req.PatientID, req.MessageID, req.At)
		r.ID = uuid.New().String()
		return r
	}

	reading, err := e.parseReading(resp.Data)
	if err != nil {
		log.Printf("emotion: unparseable classification for patient %s: %v", req.PatientID, err)
		r := NeutralReading(req.PatientID, req.MessageID, req.At)
		r.ID = uuid.New().String()
		return r
	}

	reading.ID = uuid.New().String()
	reading.PatientID = req.PatientID
	reading.MessageID = req.MessageID
	reading.Timestamp = req.At
	return reading
}

// Assessment is the outcome of a condition classification over recent
// readings.
type Assessment struct {
	Condition  Condition
	Confidence float64
}

// AssessCondition classifies the most likely condition category from
// recent readings. Failures are absorbed: the returned assessment is then
// ConditionUnknown with zero confidence.
func (e *Extractor) AssessCondition(ctx context.Context, patientID string, recent []*Reading) Assessment {
	if len(recent) == 0 {
		return Assessment{Condition: ConditionUnknown}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("Recent emotional readings, oldest first:\n")
	writeReadingContext(&sb, recent, e.cfg.ContextReadings)

	resp, err := e.prov.CreateStructured(callCtx, provider.StructuredRequest{
		CompletionRequest: provider.CompletionRequest{
			Model:       e.cfg.Model,
			Temperature: 0.1,
			MaxTokens:   128,
			Messages: []provider.Message{
				{Role: "system", Content: conditionSystemPrompt},
				{Role: "user", Content: sb.String()},
			},
		},
		ResponseSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"condition": {"type": "string", "enum": ["depression", "bipolar", "ocd", "unknown"]},
				"confidence": {"type": "number", "minimum": 0, "maximum": 1}
			},
			"required": ["condition", "confidence"]
		}`),
	})
	if err != nil {
		log.Printf("emotion: condition assessment unavailable for patient %s: %v", patientID, err)
		return Assessment{Condition: ConditionUnknown}
	}

	var wire struct {
		Condition  string  `json:"condition"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(stripCodeFences(resp.Data), &wire); err != nil {
		log.Printf("emotion: unparseable condition assessment for patient %s: %v", patientID, err)
		return Assessment{Condition: ConditionUnknown}
	}

	condition := Condition(wire.Condition)
	if !condition.Valid() {
		// An out-of-set category is a failed classification; its
		// confidence does not transfer to "unknown".
		return Assessment{Condition: ConditionUnknown}
	}

	return Assessment{
		Condition:  condition,
		Confidence: clamp(wire.Confidence, 0, 1),
	}
}

func (e *Extractor) buildUserContent(utterance string, recent []*Reading) string {
	var sb strings.Builder

	if len(recent) > 0 {
		sb.WriteString("Prior emotional trajectory, oldest first:\n")
		writeReadingContext(&sb, recent, e.cfg.ContextReadings)
		sb.WriteString("\n")
	}

	sb.WriteString("Message to analyze: ")
	sb.WriteString(utterance)
	return sb.String()
}

func writeReadingContext(sb *strings.Builder, readings []*Reading, limit int) {
	if len(readings) > limit {
		readings = readings[len(readings)-limit:]
	}
	for _, r := range readings {
		fmt.Fprintf(sb, "- %s (valence %.2f, confidence %.2f, depression %.2f, bipolar %.2f, ocd %.2f)\n",
			r.Dominant, r.Valence, r.Confidence,
			r.RelevanceFor(ConditionDepression),
			r.RelevanceFor(ConditionBipolar),
			r.RelevanceFor(ConditionOCD))
	}
}

func (e *Extractor) parseReading(data json.RawMessage) (*Reading, error) {
	var wire struct {
		Valence    float64 `json:"valence"`
		Dominant   string  `json:"dominant"`
		Confidence float64 `json:"confidence"`
		Depression float64 `json:"depression"`
		Bipolar    float64 `json:"bipolar"`
		OCD        float64 `json:"ocd"`
	}

	if err := json.Unmarshal(stripCodeFences(data), &wire); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}

	dominant := Label(wire.Dominant)
	if !dominant.Valid() {
		dominant = LabelOther
	}

	return &Reading{
		Valence:    clamp(wire.Valence, -1, 1),
		Dominant:   dominant,
		Confidence: clamp(wire.Confidence, 0, 1),
		Relevance: map[Condition]float64{
			ConditionDepression: clamp(wire.Depression, 0, 1),
			ConditionBipolar:    clamp(wire.Bipolar, 0, 1),
			ConditionOCD:        clamp(wire.OCD, 0, 1),
		},
	}, nil
}

// stripCodeFences tolerates models that wrap JSON in markdown code fences
// despite being asked not to.
func stripCodeFences(data []byte) []byte {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	return []byte(s)
}
