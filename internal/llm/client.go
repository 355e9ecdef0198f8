// Package llm holds the two LLM surfaces the service talks through: the
// agent runtime for conversational proactive messages and a plain
// chat-completions client for structured prediction calls.
package llm

import (
	"context"
	"time"
)

// Client generates a conversational completion for a proactive send.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
	Close()
}

// Options tunes a single completion. The system prompt is fixed when the
// runtime is built; per-call state rides on the session ID.
type Options struct {
	SessionID string
	Timeout   time.Duration
}
