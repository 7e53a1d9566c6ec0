package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests. Responses are consumed in
// order; when the script runs out the last entry repeats.
type MockClient struct {
	mu        sync.Mutex
	script    []MockTurn
	next      int
	CallCount int
	Requests  []Request
}

// MockTurn is one scripted exchange.
type MockTurn struct {
	Response *Response
	Err      error
}

// NewMockClient creates a mock with the given script.
func NewMockClient(turns ...MockTurn) *MockClient {
	return &MockClient{script: turns}
}

// Enqueue appends turns to the script.
func (m *MockClient) Enqueue(turns ...MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, turns...)
}

// Complete returns the next scripted turn.
func (m *MockClient) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++
	m.Requests = append(m.Requests, req)

	if len(m.script) == 0 {
		return &Response{Text: "{}", TokensIn: 1, TokensOut: 1, Model: "mock"}, nil
	}
	turn := m.script[m.next]
	if m.next < len(m.script)-1 {
		m.next++
	}
	return turn.Response, turn.Err
}
