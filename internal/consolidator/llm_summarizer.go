package consolidator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cmemd/cmemd/internal/model"
)

const (
	defaultSummarizerModel = "claude-3-5-haiku-20241022"
	summarizerMaxRetries   = 3
	summarizerBackoff      = 1 * time.Second
)

// LLMSummarizer is an optional enhancement over the rule-based
// firstMeaningfulSentence summary: it asks a small model to compress a
// group of related events into one sentence naming the shared topic.
// Consolidation never depends on it being configured — Run falls back to
// the rule-based summarize on any error.
type LLMSummarizer struct {
	client     anthropic.Client
	model      anthropic.Model
	maxRetries int
	backoff    time.Duration
}

// NewLLMSummarizer builds a summarizer from an explicit key, falling back
// to ANTHROPIC_API_KEY. Returns an error if neither is set — callers treat
// a nil *LLMSummarizer as "use the rule-based summary only."
func NewLLMSummarizer(apiKey string) (*LLMSummarizer, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("no ANTHROPIC_API_KEY configured for the LLM-assisted summarizer")
	}
	return &LLMSummarizer{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      defaultSummarizerModel,
		maxRetries: summarizerMaxRetries,
		backoff:    summarizerBackoff,
	}, nil
}

// Summarize compresses a group's member events into one sentence, retrying
// transient failures with exponential backoff.
func (l *LLMSummarizer) Summarize(ctx context.Context, topic string, members []model.Event) (string, error) {
	prompt := renderGroupPrompt(topic, members)

	params := anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			wait := l.backoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := l.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", errors.New("llm summarizer: empty response")
			}
			block := message.Content[0]
			if block.Type != "text" {
				return "", fmt.Errorf("llm summarizer: unexpected block type %s", block.Type)
			}
			return strings.TrimSpace(block.Text), nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryableSummarizerError(err) {
			return "", fmt.Errorf("llm summarizer: non-retryable: %w", err)
		}
	}
	return "", fmt.Errorf("llm summarizer: failed after %d attempts: %w", l.maxRetries+1, lastErr)
}

func isRetryableSummarizerError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func renderGroupPrompt(topic string, members []model.Event) string {
	var b strings.Builder
	b.WriteString("Summarize these related notes in ONE short sentence. ")
	b.WriteString("Start the sentence with \"Topics: " + topic + " - \".\n\n")
	for i, ev := range members {
		if i >= 10 {
			break
		}
		b.WriteString("- ")
		b.WriteString(ev.Content)
		b.WriteString("\n")
	}
	return b.String()
}
