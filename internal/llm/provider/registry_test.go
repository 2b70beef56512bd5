package provider

import (
	"context"
	"testing"
)

func TestRegistryCreatesRegisteredProviders(t *testing.T) {
	// mock registers itself in init()
	p, err := New("mock", map[string]any{"completion": "hi there"})
	if err != nil {
		t.Fatalf("New(mock): %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("expected name mock, got %s", p.Name())
	}

	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("expected configured completion, got %q", resp.Content)
	}
}

func TestRegistryRejectsUnknownProvider(t *testing.T) {
	if _, err := New("no-such-provider", nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRegisteredIncludesBuiltins(t *testing.T) {
	names := Registered()
	found := make(map[string]bool, len(names))
	for _, n := range names {
		found[n] = true
	}
	for _, want := range []string{"mock", "gemini", "openai"} {
		if !found[want] {
			t.Errorf("expected %s in registered providers, got %v", want, names)
		}
	}
}
