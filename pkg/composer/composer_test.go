package composer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/amira-dev/amira/internal/llm/provider"
	"github.com/amira-dev/amira/pkg/emotion"
	"github.com/amira-dev/amira/pkg/timeline"
)

func TestComposeReturnsProviderReply(t *testing.T) {
	mock := provider.NewMockProvider()
	mock.CompletionContent = "That sounds really difficult. What helped you get through days like this before?"
	c := New(mock, Config{})

	result := c.Compose(context.Background(), Request{
		Condition: emotion.ConditionDepression,
		Utterance: "I feel hopeless today",
	})

	if result.Degraded {
		t.Fatal("successful composition must not be degraded")
	}
	if result.Reply != mock.CompletionContent {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
}

func TestComposeFallsBackOnError(t *testing.T) {
	mock := provider.NewMockProvider()
	mock.SetError(errors.New("upstream down"))
	c := New(mock, Config{})

	result := c.Compose(context.Background(), Request{
		Condition: emotion.ConditionUnknown,
		Utterance: "hello",
	})

	if !result.Degraded {
		t.Fatal("expected degraded result on provider error")
	}
	if result.Reply != FallbackReply {
		t.Errorf("expected fallback reply, got %q", result.Reply)
	}
}

func TestComposeFallsBackOnEmptyReply(t *testing.T) {
	mock := provider.NewMockProvider()
	mock.CompletionContent = "   "
	c := New(mock, Config{})

	result := c.Compose(context.Background(), Request{Utterance: "hello"})
	if !result.Degraded || result.Reply != FallbackReply {
		t.Errorf("expected fallback on empty reply, got %+v", result)
	}
}

func TestComposeSelectsConditionPrompt(t *testing.T) {
	tests := []struct {
		condition emotion.Condition
		marker    string
	}{
		{emotion.ConditionDepression, "depression"},
		{emotion.ConditionBipolar, "bipolar disorder"},
		{emotion.ConditionOCD, "obsessive-compulsive disorder"},
		{emotion.ConditionUnknown, "mental health support"},
	}

	for _, tt := range tests {
		t.Run(string(tt.condition), func(t *testing.T) {
			mock := provider.NewMockProvider()
			c := New(mock, Config{})

			c.Compose(context.Background(), Request{
				Condition: tt.condition,
				Utterance: "hello",
			})

			system := mock.LastCompletion().Messages[0]
			if system.Role != "system" {
				t.Fatalf("expected system message first, got role %q", system.Role)
			}
			if !strings.Contains(system.Content, tt.marker) {
				t.Errorf("expected %q prompt to mention %q", tt.condition, tt.marker)
			}
		})
	}
}

func TestComposeIncludesReadingAndHistory(t *testing.T) {
	mock := provider.NewMockProvider()
	c := New(mock, Config{})

	c.Compose(context.Background(), Request{
		Condition: emotion.ConditionDepression,
		Utterance: "I can't sleep",
		Reading: &emotion.Reading{
			Dominant:   emotion.LabelAnxiety,
			Valence:    -0.6,
			Confidence: 0.8,
			Relevance:  map[emotion.Condition]float64{emotion.ConditionDepression: 0.7},
		},
		History: []*timeline.Message{
			{Role: timeline.RolePatient, Text: "earlier message"},
			{Role: timeline.RoleAssistant, Text: "earlier reply"},
		},
	})

	msgs := mock.LastCompletion().Messages
	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 history + user, got %d messages", len(msgs))
	}
	if msgs[1].Content != "earlier message" || msgs[1].Role != "user" {
		t.Errorf("unexpected history message: %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" {
		t.Errorf("expected assistant role for reply, got %q", msgs[2].Role)
	}

	final := msgs[3].Content
	if !strings.Contains(final, "anxiety") || !strings.Contains(final, "I can't sleep") {
		t.Errorf("expected reading and utterance in final message, got %q", final)
	}
}

func TestComposeSkipsDegradedReading(t *testing.T) {
	mock := provider.NewMockProvider()
	c := New(mock, Config{})

	c.Compose(context.Background(), Request{
		Utterance: "hello",
		Reading:   &emotion.Reading{Dominant: emotion.LabelNeutral, Degraded: true},
	})

	final := mock.LastCompletion().Messages[1].Content
	if strings.Contains(final, "Emotional analysis") {
		t.Error("degraded readings must not be presented as analysis")
	}
}

func TestComposeIncludesRecap(t *testing.T) {
	mock := provider.NewMockProvider()
	c := New(mock, Config{})

	c.Compose(context.Background(), Request{
		Utterance: "hi again",
		Recap: &timeline.SessionSummary{
			MessageCount:   7,
			Duration:       25 * time.Minute,
			MeanValence:    -0.4,
			DominantLabels: []emotion.Label{emotion.LabelSadness},
		},
	})

	final := mock.LastCompletion().Messages[1].Content
	if !strings.Contains(final, "previous session") || !strings.Contains(final, "sadness") {
		t.Errorf("expected recap in prompt, got %q", final)
	}
}

func TestComposeTruncatesHistory(t *testing.T) {
	mock := provider.NewMockProvider()
	c := New(mock, Config{History: 2})

	history := []*timeline.Message{
		{Role: timeline.RolePatient, Text: "oldest"},
		{Role: timeline.RolePatient, Text: "middle"},
		{Role: timeline.RolePatient, Text: "newest"},
	}
	c.Compose(context.Background(), Request{Utterance: "hello", History: history})

	msgs := mock.LastCompletion().Messages
	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 history + user, got %d", len(msgs))
	}
	if msgs[1].Content != "middle" {
		t.Errorf("expected oldest turn dropped, got %q first", msgs[1].Content)
	}
}
