// Package predictor decides, from recent conversation turns, whether a
// context-aware proactive message is warranted and when it should fire.
package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/nudge/internal/llm"
	"github.com/stellarlinkco/nudge/internal/task"
)

const predictPrompt = `You schedule follow-up messages for a chat companion.
Read the recent conversation and decide whether a proactive follow-up at a
specific later time would feel natural and helpful (e.g. the user mentioned
an upcoming event, asked to be reminded, or left a thread open).

Rules:
1. Only schedule when the conversation gives a concrete reason.
2. delay_minutes is minutes from now until the follow-up should arrive.
3. message_hint is a short note for the writer of the follow-up, not the
   message itself.
4. When nothing warrants a follow-up, return should_schedule false.

Return strict JSON object:
{"should_schedule":true,"delay_minutes":45,"reason":"...","message_hint":"..."}
%s
Recent conversation:
%s
%s`

const cancelPrompt = `A follow-up message was scheduled earlier for this chat.

Scheduled follow-up:
- reason: %s
- hint: %s
- fires in: %s

Read the conversation since then and decide whether the follow-up is still
relevant. Cancel it when the topic was already resolved, the user said not
to, or the planned message would now feel out of place.

Return strict JSON object:
{"should_cancel":true,"reason":"..."}

Conversation since scheduling:
%s`

// Turn is one conversation message fed to the prediction model.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prediction is the model's scheduling decision.
type Prediction struct {
	ShouldSchedule bool   `json:"should_schedule"`
	DelayMinutes   int    `json:"delay_minutes"`
	Reason         string `json:"reason"`
	MessageHint    string `json:"message_hint"`
}

// JSONCompleter is the slice of the structured LLM client the predictor
// needs (allows mocking in tests).
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, prompt, providerID string) (string, error)
}

// Options scope one prediction run to a session's configuration.
type Options struct {
	ProviderID      string
	MinDelayMinutes int
	MaxDelayMinutes int
	ExtraPrompt     string
	JustCancelled   string // reason of a follow-up cancelled in this same pass
}

type Predictor struct {
	client JSONCompleter
}

func New(client JSONCompleter) *Predictor {
	return &Predictor{client: client}
}

// Predict asks the model whether a follow-up should be scheduled. A nil
// prediction with a nil error means the model declined; any model or
// parse failure surfaces as an error so the caller can degrade to doing
// nothing.
func (p *Predictor) Predict(ctx context.Context, turns []Turn, opts Options) (*Prediction, error) {
	extra := ""
	if strings.TrimSpace(opts.ExtraPrompt) != "" {
		extra = "\nAdditional guidance:\n" + opts.ExtraPrompt + "\n"
	}
	cancelled := ""
	if opts.JustCancelled != "" {
		cancelled = fmt.Sprintf("\nA previously scheduled follow-up was just cancelled (%s). Only reschedule if something new warrants it.", opts.JustCancelled)
	}

	raw, err := p.client.CompleteJSON(ctx, fmt.Sprintf(predictPrompt, extra, formatTurns(turns), cancelled), opts.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	obj, err := llm.ExtractJSONObject(raw)
	if err != nil {
		return nil, fmt.Errorf("parse prediction: %w", err)
	}
	var pred Prediction
	if err := json.Unmarshal([]byte(obj), &pred); err != nil {
		return nil, fmt.Errorf("parse prediction: %w", err)
	}
	if !pred.ShouldSchedule {
		return nil, nil
	}

	pred.DelayMinutes = ClampDelay(pred.DelayMinutes, opts.MinDelayMinutes, opts.MaxDelayMinutes)
	return &pred, nil
}

// ClampDelay sanitizes a model-supplied delay. Non-positive junk becomes
// an hour; everything is clamped into [min, max] when those are set.
func ClampDelay(minutes, min, max int) int {
	if minutes <= 0 {
		minutes = 60
	}
	if min > 0 && minutes < min {
		minutes = min
	}
	if max > 0 && minutes > max {
		minutes = max
	}
	return minutes
}

// Cancellation names a pending follow-up the model wants dropped.
type Cancellation struct {
	JobID  string
	Reason string
}

// EvaluateCancellations checks every pending follow-up against the new
// conversation state, one model call each, in parallel. A failed check
// keeps its task: wrongly dropping a follow-up is worse than sending a
// slightly stale one.
func (p *Predictor) EvaluateCancellations(ctx context.Context, tasks []task.ContextTask, turns []Turn, providerID string) []Cancellation {
	if len(tasks) == 0 {
		return nil
	}

	convo := formatTurns(turns)
	var mu sync.Mutex
	var out []Cancellation
	var wg sync.WaitGroup

	for _, t := range tasks {
		wg.Add(1)
		go func(t task.ContextTask) {
			defer wg.Done()

			firesIn := time.Until(time.UnixMilli(t.FireAtMs)).Round(time.Minute)
			prompt := fmt.Sprintf(cancelPrompt, t.Reason, t.Hint, firesIn, convo)

			raw, err := p.client.CompleteJSON(ctx, prompt, providerID)
			if err != nil {
				log.Printf("[predictor] cancellation check for %s failed, keeping task: %v", t.JobID, err)
				return
			}
			obj, err := llm.ExtractJSONObject(raw)
			if err != nil {
				log.Printf("[predictor] cancellation check for %s unparseable, keeping task: %v", t.JobID, err)
				return
			}
			var verdict struct {
				ShouldCancel bool   `json:"should_cancel"`
				Reason       string `json:"reason"`
			}
			if err := json.Unmarshal([]byte(obj), &verdict); err != nil {
				log.Printf("[predictor] cancellation check for %s unparseable, keeping task: %v", t.JobID, err)
				return
			}
			if verdict.ShouldCancel {
				mu.Lock()
				out = append(out, Cancellation{JobID: t.JobID, Reason: verdict.Reason})
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return out
}

func formatTurns(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
