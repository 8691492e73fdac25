package out

import "context"

// CompletionOptions tunes a single model call.
type CompletionOptions struct {
	Temperature float32
	MaxTokens   int
}

// LLMClient is the model provider used for extraction and similarity.
// Implementations return raw text expected to hold a JSON object.
type LLMClient interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, opts CompletionOptions) (string, error)
}
