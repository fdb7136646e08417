package textgen

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Stub is a deterministic Generator for tests and dry runs. It can be
// scripted to fail a set number of times before succeeding.
type Stub struct {
	mu sync.Mutex
	// Responses maps a user-prompt substring match to a canned reply.
	// Empty key is the fallback.
	Responses map[string]string
	// FailuresLeft makes Generate return an error until it reaches zero.
	FailuresLeft int
	// Calls counts Generate invocations.
	Calls int
}

// NewStub creates a stub generator with a single fallback response.
func NewStub(fallback string) *Stub {
	return &Stub{Responses: map[string]string{"": fallback}}
}

// Generate returns the canned response for the prompt, or an error
// while failures remain.
func (s *Stub) Generate(_ context.Context, _, userPrompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.FailuresLeft > 0 {
		s.FailuresLeft--
		return "", fmt.Errorf("stub generator: scripted failure (%d left)", s.FailuresLeft)
	}
	for key, resp := range s.Responses {
		if key != "" && strings.Contains(userPrompt, key) {
			return resp, nil
		}
	}
	if resp, ok := s.Responses[""]; ok {
		return resp, nil
	}
	return "generated: " + userPrompt, nil
}

var _ Generator = (*Stub)(nil)
