package detect

import (
	"context"
	"fmt"
	"sync"
)

// MockClassifier is a scripted Classifier for tests. Each Detect call
// consumes the next response in order; once the script is exhausted it
// returns empty results.
type MockClassifier struct {
	mu        sync.Mutex
	responses [][]RawDetection
	calls     int

	// FailAfter, when > 0, fails every call once that many calls have
	// succeeded.
	FailAfter int
}

// NewMockClassifier creates a scripted classifier.
func NewMockClassifier(responses ...[]RawDetection) *MockClassifier {
	return &MockClassifier{responses: responses}
}

func (m *MockClassifier) Name() string { return "mock" }

func (m *MockClassifier) Detect(ctx context.Context, imagePNG []byte) ([]RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAfter > 0 && m.calls >= m.FailAfter {
		return nil, fmt.Errorf("mock classifier failure on call %d", m.calls+1)
	}

	var resp []RawDetection
	if m.calls < len(m.responses) {
		resp = m.responses[m.calls]
	}
	m.calls++
	return resp, nil
}

// Calls returns how many times Detect was invoked.
func (m *MockClassifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
