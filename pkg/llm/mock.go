package llm

import "context"

// MockClient is a configurable mock for testing translator behavior.
// Set CompleteFunc to control responses.
type MockClient struct {
	// CompleteFunc is called when Complete is invoked. If nil, returns an
	// empty completion and nil error.
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*Completion, error)

	// ModelName is returned by Model. Defaults to "mock-model".
	ModelName string

	// CompleteCalls counts invocations; Requests records them in order.
	CompleteCalls int
	Requests      []CompletionRequest
}

// NewMockClient creates a mock with defaults.
func NewMockClient() *MockClient {
	return &MockClient{ModelName: "mock-model"}
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	m.CompleteCalls++
	m.Requests = append(m.Requests, req)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &Completion{}, nil
}

// Model implements Client.
func (m *MockClient) Model() string {
	if m.ModelName == "" {
		return "mock-model"
	}
	return m.ModelName
}

// Reset clears call tracking.
func (m *MockClient) Reset() {
	m.CompleteCalls = 0
	m.Requests = nil
}

var _ Client = (*MockClient)(nil)
