// Package textgen provides the text-generation capability agents use to
// produce their artifacts.
package textgen

import "context"

// Generator turns a system prompt and a user prompt into generated text.
// Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// TokenUsage reports cumulative token consumption, when the generator
// tracks it.
type TokenUsage interface {
	Usage() (input, output int64, calls int)
}
