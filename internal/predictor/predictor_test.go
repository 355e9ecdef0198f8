package predictor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/nudge/internal/task"
)

type fakeCompleter struct {
	reply func(prompt string) (string, error)
	calls int32
}

func (f *fakeCompleter) CompleteJSON(_ context.Context, prompt, _ string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.reply(prompt)
}

func TestPredictSchedules(t *testing.T) {
	p := New(&fakeCompleter{reply: func(string) (string, error) {
		return "```json\n{\"should_schedule\":true,\"delay_minutes\":45,\"reason\":\"interview tomorrow\",\"message_hint\":\"ask how it went\"}\n```", nil
	}})

	pred, err := p.Predict(context.Background(), []Turn{{Role: "user", Content: "my interview is tomorrow at 2"}}, Options{})
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if pred == nil || !pred.ShouldSchedule {
		t.Fatal("expected a scheduled prediction")
	}
	if pred.DelayMinutes != 45 {
		t.Errorf("delay = %d, want 45", pred.DelayMinutes)
	}
	if pred.MessageHint != "ask how it went" {
		t.Errorf("hint = %q", pred.MessageHint)
	}
}

func TestPredictDeclines(t *testing.T) {
	p := New(&fakeCompleter{reply: func(string) (string, error) {
		return `{"should_schedule":false,"reason":"nothing open"}`, nil
	}})

	pred, err := p.Predict(context.Background(), nil, Options{})
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if pred != nil {
		t.Errorf("expected nil prediction, got %+v", pred)
	}
}

func TestPredictGarbageIsAnError(t *testing.T) {
	p := New(&fakeCompleter{reply: func(string) (string, error) {
		return "I think you should maybe wait a bit?", nil
	}})
	if _, err := p.Predict(context.Background(), nil, Options{}); err == nil {
		t.Error("expected parse error for prose reply")
	}

	p = New(&fakeCompleter{reply: func(string) (string, error) {
		return "", errors.New("http 500")
	}})
	if _, err := p.Predict(context.Background(), nil, Options{}); err == nil {
		t.Error("expected error for failed call")
	}
}

func TestPredictClampsDelay(t *testing.T) {
	p := New(&fakeCompleter{reply: func(string) (string, error) {
		return `{"should_schedule":true,"delay_minutes":-3}`, nil
	}})
	pred, err := p.Predict(context.Background(), nil, Options{MinDelayMinutes: 5, MaxDelayMinutes: 50})
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if pred.DelayMinutes != 50 {
		t.Errorf("delay = %d, want junk sanitized to 60 then clamped to 50", pred.DelayMinutes)
	}
}

func TestClampDelay(t *testing.T) {
	cases := []struct {
		minutes, min, max, want int
	}{
		{45, 5, 720, 45},
		{0, 5, 720, 60},
		{-10, 5, 720, 60},
		{2, 5, 720, 5},
		{10000, 5, 720, 720},
		{45, 0, 0, 45},
	}
	for _, c := range cases {
		if got := ClampDelay(c.minutes, c.min, c.max); got != c.want {
			t.Errorf("ClampDelay(%d, %d, %d) = %d, want %d", c.minutes, c.min, c.max, got, c.want)
		}
	}
}

func TestPredictMentionsJustCancelled(t *testing.T) {
	var seen string
	p := New(&fakeCompleter{reply: func(prompt string) (string, error) {
		seen = prompt
		return `{"should_schedule":false}`, nil
	}})
	if _, err := p.Predict(context.Background(), nil, Options{JustCancelled: "topic resolved"}); err != nil {
		t.Fatalf("error: %v", err)
	}
	if !strings.Contains(seen, "topic resolved") {
		t.Error("prompt should mention the just-cancelled follow-up")
	}
}

func TestEvaluateCancellations(t *testing.T) {
	fake := &fakeCompleter{reply: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "hint: drop-me"):
			return `{"should_cancel":true,"reason":"already discussed"}`, nil
		case strings.Contains(prompt, "hint: broken"):
			return "", errors.New("http 500")
		default:
			return `{"should_cancel":false}`, nil
		}
	}}
	p := New(fake)

	now := time.Now()
	tasks := []task.ContextTask{
		{JobID: "a", Hint: "drop-me", FireAtMs: now.Add(time.Hour).UnixMilli()},
		{JobID: "b", Hint: "keep-me", FireAtMs: now.Add(time.Hour).UnixMilli()},
		{JobID: "c", Hint: "broken", FireAtMs: now.Add(time.Hour).UnixMilli()},
	}

	got := p.EvaluateCancellations(context.Background(), tasks, nil, "")
	if len(got) != 1 {
		t.Fatalf("cancellations = %+v, want exactly the drop-me task", got)
	}
	if got[0].JobID != "a" || got[0].Reason != "already discussed" {
		t.Errorf("unexpected cancellation: %+v", got[0])
	}
	if n := atomic.LoadInt32(&fake.calls); n != 3 {
		t.Errorf("model calls = %d, want one per task", n)
	}
}

func TestEvaluateCancellationsEmpty(t *testing.T) {
	fake := &fakeCompleter{reply: func(string) (string, error) {
		t.Error("no model call expected for empty task list")
		return "", nil
	}}
	if got := New(fake).EvaluateCancellations(context.Background(), nil, nil, ""); got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}
