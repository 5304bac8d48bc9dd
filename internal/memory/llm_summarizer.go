package memory

import (
	"context"
	"fmt"

	"github.com/nugget/joi-mesh/internal/llm"
)

// LLMSummarizer adapts an llm.Client into the Summarizer interface
// Compact needs, grounded on original_source/execution/joi/memory/
// consolidation.py's extraction and rolling-summary prompts.
type LLMSummarizer struct {
	Client llm.Client
	Model  string
}

const factExtractionPrompt = `Extract durable facts about the user from this conversation transcript. Return a strict JSON array of objects with fields "category", "key", "value", and "confidence" (0 to 1). Each value must be a complete sentence. Return only the JSON array, no prose before or after it.

Transcript:
%s`

const summarizationPrompt = `Summarize this conversation transcript in 2-4 sentences, capturing what was discussed and any decisions or commitments made. Do not include meta-commentary about this task, only the summary itself.

Transcript:
%s`

// ExtractFacts asks the model for a JSON array of candidate facts. The
// raw response is handed back unparsed; parseFacts/validateFacts do the
// tolerant parsing.
func (l *LLMSummarizer) ExtractFacts(ctx context.Context, transcript string) (string, error) {
	resp, err := l.Client.Chat(ctx, l.Model, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(factExtractionPrompt, transcript)},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("extract facts: %w", err)
	}
	return resp.Message.Content, nil
}

// Summarize asks the model for a short prose summary of transcript.
func (l *LLMSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := l.Client.Chat(ctx, l.Model, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(summarizationPrompt, transcript)},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return resp.Message.Content, nil
}
