package provider

import (
	"context"
	"sync"
)

func init() {
	RegisterFactory("mock", func(config map[string]any) (Provider, error) {
		m := NewMockProvider()
		if content, ok := config["completion"].(string); ok {
			m.CompletionContent = content
		}
		if data, ok := config["structured"].(string); ok {
			m.StructuredData = data
		}
		return m, nil
	})
}

// MockProvider is a deterministic in-process provider for tests and the
// local console. It returns canned content and can be flipped into a
// failing state to exercise degradation paths.
type MockProvider struct {
	// CompletionContent is returned by CreateCompletion.
	CompletionContent string
	// StructuredData is returned by CreateStructured.
	StructuredData string
	// Err, when set, is returned by every call.
	Err error

	mu              sync.Mutex
	completionCalls int
	structuredCalls int
	lastCompletion  CompletionRequest
	lastStructured  StructuredRequest
}

// NewMockProvider creates a mock provider with neutral defaults.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CompletionContent: "I hear you. Tell me more about how that feels.",
		StructuredData:    `{"valence":0,"dominant":"neutral","confidence":0,"depression":0,"bipolar":0,"ocd":0}`,
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	return "mock"
}

// CreateCompletion returns the canned completion.
func (m *MockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.completionCalls++
	m.lastCompletion = req
	err := m.Err
	content := m.CompletionContent
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return &CompletionResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

// CreateStructured returns the canned structured payload.
func (m *MockProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.structuredCalls++
	m.lastStructured = req
	err := m.Err
	data := m.StructuredData
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return &StructuredResponse{
		Data: []byte(data),
		CompletionResponse: CompletionResponse{
			Content:      data,
			FinishReason: "stop",
			Usage:        Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		},
	}, nil
}

// SetError flips the provider into (or out of) a failing state.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// SetStructuredData replaces the canned structured payload.
func (m *MockProvider) SetStructuredData(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StructuredData = data
}

// CompletionCalls reports how many completions were requested.
func (m *MockProvider) CompletionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completionCalls
}

// StructuredCalls reports how many structured calls were made.
func (m *MockProvider) StructuredCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.structuredCalls
}

// LastStructured returns the most recent structured request.
func (m *MockProvider) LastStructured() StructuredRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStructured
}

// LastCompletion returns the most recent completion request.
func (m *MockProvider) LastCompletion() CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCompletion
}
