// Package composer turns a patient turn into a therapeutic reply. It is
// the engine's outbound boundary: the reading and condition category
// steer the prompt, and a model failure degrades to a fixed fallback
// reply instead of an error so the conversation never stalls.
package composer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/amira-dev/amira/internal/llm/provider"
	"github.com/amira-dev/amira/pkg/emotion"
	"github.com/amira-dev/amira/pkg/timeline"
)

// Default composer settings.
const (
	DefaultCallTimeout = 20 * time.Second
	DefaultMaxTokens   = 1024
	DefaultHistory     = 12
)

// FallbackReply is sent when composition fails. Kept gentle and
// open-ended so a degraded turn still invites the patient to continue.
const FallbackReply = "I'm having trouble processing that right now. Could you please try expressing that in a different way?"

const depressionPrompt = `You are AMIRA, a therapeutic assistant specialized in supporting patients with depression.
Your goal is to provide empathetic, evidence-based support and guidance.

Guidelines:
1. Be warm, compassionate, and non-judgmental in your responses
2. Use cognitive-behavioral therapy (CBT) techniques when appropriate
3. Recognize signs of severe depression or suicidal ideation and respond with appropriate resources
4. Encourage healthy coping mechanisms and self-care practices
5. Validate the patient's feelings while gently challenging negative thought patterns
6. Provide practical, actionable suggestions tailored to the patient's situation
7. Use a conversational, natural tone that builds rapport and trust

An emotional analysis of each message is provided; use it to tailor your response.`

const bipolarPrompt = `You are AMIRA, a therapeutic assistant specialized in supporting patients with bipolar disorder.
Your goal is to provide empathetic, evidence-based support and guidance.

Guidelines:
1. Be warm, compassionate, and non-judgmental in your responses
2. Help identify potential mood episodes (manic, hypomanic, or depressive)
3. Encourage medication adherence and regular contact with healthcare providers
4. Promote stability through regular sleep, exercise, and routine
5. Teach recognition of early warning signs of mood episodes
6. Validate the patient's experiences while providing balanced perspective
7. Use a conversational, natural tone that builds rapport and trust

An emotional analysis of each message is provided; use it to tailor your response.
Pay special attention to signs of elevated mood or depression that might indicate a mood episode.`

const ocdPrompt = `You are AMIRA, a therapeutic assistant specialized in supporting patients with obsessive-compulsive disorder (OCD).
Your goal is to provide empathetic, evidence-based support and guidance.

Guidelines:
1. Be warm, compassionate, and non-judgmental in your responses
2. Use exposure and response prevention (ERP) principles when appropriate
3. Help distinguish between obsessions (intrusive thoughts) and compulsions (behaviors)
4. Avoid providing reassurance that reinforces OCD cycles
5. Encourage challenging OCD thoughts and urges in a gradual, supportive way
6. Validate the difficulty of living with OCD while encouraging recovery steps
7. Use a conversational, natural tone that builds rapport and trust

An emotional analysis of each message is provided; use it to tailor your response.
Focus on helping the patient recognize and resist OCD patterns while providing support.`

const generalPrompt = `You are AMIRA, a therapeutic assistant designed to provide mental health support.
Your goal is to provide empathetic, evidence-based support and guidance.

Guidelines:
1. Be warm, compassionate, and non-judgmental in your responses
2. Use general therapeutic techniques like active listening and validation
3. Encourage healthy coping mechanisms and self-care practices
4. Recognize signs of distress and respond with appropriate resources
5. Avoid making specific diagnoses or treatment recommendations
6. Provide practical, actionable suggestions when appropriate
7. Use a conversational, natural tone that builds rapport and trust

An emotional analysis of each message is provided; use it to tailor your response.`

// systemPrompt picks the per-condition prompt, falling back to the
// general one for unknown categories.
func systemPrompt(c emotion.Condition) string {
	switch c {
	case emotion.ConditionDepression:
		return depressionPrompt
	case emotion.ConditionBipolar:
		return bipolarPrompt
	case emotion.ConditionOCD:
		return ocdPrompt
	default:
		return generalPrompt
	}
}

// Config configures a Composer.
type Config struct {
	// Model is the model passed to the provider (provider default if empty).
	Model string
	// CallTimeout bounds each composition call.
	CallTimeout time.Duration
	// MaxTokens caps the reply length.
	MaxTokens int
	// History caps how many prior conversation turns are replayed.
	History int
}

// Composer generates therapeutic replies.
type Composer struct {
	prov provider.Provider
	cfg  Config
}

// New creates a composer backed by the given provider.
func New(prov provider.Provider, cfg Config) *Composer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	return &Composer{prov: prov, cfg: cfg}
}

// Request carries everything a reply is composed from.
type Request struct {
	// Condition selects the therapeutic stance.
	Condition emotion.Condition
	// Utterance is the patient's current message.
	Utterance string
	// Reading is the emotional reading for the current message.
	Reading *emotion.Reading
	// History holds the session's prior turns, oldest first. The
	// current message must not be included.
	History []*timeline.Message
	// Recap is the previous session's summary, set only on the first
	// turn of a new session when closed history exists.
	Recap *timeline.SessionSummary
}

// Result is a composed reply.
type Result struct {
	// Reply is the text to send to the patient.
	Reply string
	// Degraded reports that composition failed and Reply is the
	// fallback text.
	Degraded bool
}

// Compose generates a reply. It never returns an error: any model
// failure yields the fallback reply with Degraded set, because an
// unanswered patient message is worse than a generic one.
func (c *Composer) Compose(ctx context.Context, req Request) Result {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	resp, err := c.prov.CreateCompletion(callCtx, provider.CompletionRequest{
		Model:       c.cfg.Model,
		Temperature: 0.7,
		MaxTokens:   c.cfg.MaxTokens,
		Messages:    c.buildMessages(req),
	})
	if err != nil {
		log.Printf("composer: composition unavailable: %v", err)
		return Result{Reply: FallbackReply, Degraded: true}
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		log.Printf("composer: empty completion from provider %s", c.prov.Name())
		return Result{Reply: FallbackReply, Degraded: true}
	}
	return Result{Reply: reply}
}

func (c *Composer) buildMessages(req Request) []provider.Message {
	msgs := make([]provider.Message, 0, len(req.History)+2)
	msgs = append(msgs, provider.Message{Role: "system", Content: systemPrompt(req.Condition)})

	history := req.History
	if len(history) > c.cfg.History {
		history = history[len(history)-c.cfg.History:]
	}
	for _, m := range history {
		role := "user"
		if m.Role == timeline.RoleAssistant {
			role = "assistant"
		}
		msgs = append(msgs, provider.Message{Role: role, Content: m.Text})
	}

	var sb strings.Builder
	if req.Recap != nil {
		fmt.Fprintf(&sb, "Context from the previous session: %d messages over %s, mean valence %.2f",
			req.Recap.MessageCount, req.Recap.Duration.Round(time.Second), req.Recap.MeanValence)
		if len(req.Recap.DominantLabels) > 0 {
			fmt.Fprintf(&sb, ", dominant emotion %s", req.Recap.DominantLabels[0])
		}
		sb.WriteString(".\n\n")
	}
	if req.Reading != nil && !req.Reading.Degraded {
		cond, rel := req.Reading.MaxRelevance()
		fmt.Fprintf(&sb, "Emotional analysis of this message: dominant %s, valence %.2f, confidence %.2f, strongest condition signal %s (%.2f).\n\n",
			req.Reading.Dominant, req.Reading.Valence, req.Reading.Confidence, cond, rel)
	}
	sb.WriteString(req.Utterance)

	msgs = append(msgs, provider.Message{Role: "user", Content: sb.String()})
	return msgs
}
