package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// restoreGraceMs is how far in the past a persisted fire time may lie and
// still fire after a restart. Anything older is discarded as stale.
const restoreGraceMs = 60_000

// pruneAfter is how long an idle session with no pending timers survives
// in the snapshot before the nightly maintenance job drops it.
const pruneAfter = 30 * 24 * time.Hour

// Scheduler owns every per-session timer: the single baseline timer and
// the context tasks. Due entries are detected by a coarse ticker and
// handed to OnFire one at a time per session; a session with a dispatch
// in flight is skipped until the handler returns.
type Scheduler struct {
	storePath string
	mu        sync.Mutex
	sessions  map[string]*SessionState
	inflight  map[string]struct{}
	OnFire    func(ev FireEvent)
	cron      *rcron.Cron
	cancel    context.CancelFunc
	stopCh    chan struct{}
}

func NewScheduler(storePath string) *Scheduler {
	return &Scheduler{
		storePath: storePath,
		sessions:  make(map[string]*SessionState),
		inflight:  make(map[string]struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.stopCh = stopCh
	s.mu.Unlock()

	if err := s.load(); err != nil {
		log.Printf("[task] warning: failed to load timer snapshot: %v", err)
	}

	s.cron = rcron.New(rcron.WithSeconds())
	if _, err := s.cron.AddFunc("0 0 4 * * *", s.pruneIdleSessions); err != nil {
		log.Printf("[task] failed to register maintenance job: %v", err)
	}
	s.cron.Start()

	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	log.Printf("[task] scheduler started with %d sessions", n)
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[task] stop timeout waiting for maintenance job")
		}
	}

	s.mu.Lock()
	_ = s.save()
	s.mu.Unlock()
	log.Printf("[task] scheduler stopped")
}

// ScheduleBaseline arms (or re-arms) the session's single baseline timer.
// Any previously armed baseline is replaced.
func (s *Scheduler) ScheduleBaseline(sessionID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(sessionID).BaselineFireAtMs = at.UnixMilli()
	_ = s.save()
}

// CancelBaseline disarms the session's baseline timer if one is armed.
func (s *Scheduler) CancelBaseline(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok && st.BaselineFireAtMs != 0 {
		st.BaselineFireAtMs = 0
		_ = s.save()
	}
}

// BaselineAt returns the armed baseline fire time, if any.
func (s *Scheduler) BaselineAt(sessionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok || st.BaselineFireAtMs == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(st.BaselineFireAtMs), true
}

// AddContextTask registers a context task. The task's session is taken
// from the task itself; a duplicate job ID within the session is rejected.
func (s *Scheduler) AddContextTask(t ContextTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.session(t.SessionID)
	for _, existing := range st.ContextTasks {
		if existing.JobID == t.JobID {
			return fmt.Errorf("context task %s already scheduled", t.JobID)
		}
	}
	st.ContextTasks = append(st.ContextTasks, t)
	if err := s.save(); err != nil {
		return fmt.Errorf("save timer snapshot: %w", err)
	}
	log.Printf("[task] context task %s for %s fires at %s", t.JobID, t.SessionID,
		time.UnixMilli(t.FireAtMs).Format(time.RFC3339))
	return nil
}

// RemoveContextTask drops a pending context task. Returns false when no
// such task exists (already fired or never scheduled).
func (s *Scheduler) RemoveContextTask(sessionID, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	for i, t := range st.ContextTasks {
		if t.JobID == jobID {
			st.ContextTasks = append(st.ContextTasks[:i], st.ContextTasks[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

// TasksForSession returns a copy of the session's pending context tasks.
func (s *Scheduler) TasksForSession(sessionID string) []ContextTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok || len(st.ContextTasks) == 0 {
		return nil
	}
	out := make([]ContextTask, len(st.ContextTasks))
	copy(out, st.ContextTasks)
	return out
}

// RecordUserMessage notes an inbound user message: the non-response
// streak resets and the consistency timestamp advances.
func (s *Scheduler) RecordUserMessage(sessionID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.session(sessionID)
	st.UnansweredCount = 0
	st.LastUserMessageAtMs = at.UnixMilli()
	_ = s.save()
}

// IncrementUnanswered bumps the non-response streak after a proactive
// send and returns the new count.
func (s *Scheduler) IncrementUnanswered(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.session(sessionID)
	st.UnansweredCount++
	_ = s.save()
	return st.UnansweredCount
}

func (s *Scheduler) UnansweredCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.UnansweredCount
	}
	return 0
}

// LastUserMessageAt returns the zero time when the session has never
// received a user message.
func (s *Scheduler) LastUserMessageAt(sessionID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok && st.LastUserMessageAtMs != 0 {
		return time.UnixMilli(st.LastUserMessageAtMs)
	}
	return time.Time{}
}

// Inspect returns a deep copy of every session's state for status
// surfaces.
func (s *Scheduler) Inspect() map[string]SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SessionState, len(s.sessions))
	for id, st := range s.sessions {
		cp := *st
		if len(st.ContextTasks) > 0 {
			cp.ContextTasks = make([]ContextTask, len(st.ContextTasks))
			copy(cp.ContextTasks, st.ContextTasks)
		}
		out[id] = cp
	}
	return out
}

// InspectSession returns a copy of one session's state.
func (s *Scheduler) InspectSession(sessionID string) (SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return SessionState{}, false
	}
	cp := *st
	if len(st.ContextTasks) > 0 {
		cp.ContextTasks = make([]ContextTask, len(st.ContextTasks))
		copy(cp.ContextTasks, st.ContextTasks)
	}
	return cp, true
}

// session returns the state for id, creating it if needed. Callers hold mu.
func (s *Scheduler) session(id string) *SessionState {
	st, ok := s.sessions[id]
	if !ok {
		st = &SessionState{}
		s.sessions[id] = st
	}
	return st
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fireDue(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

type dueEntry struct {
	sessionID string
	task      *ContextTask // nil for baseline
	fireAtMs  int64
	createdMs int64
}

// fireDue consumes at most one due entry per session and dispatches it.
// Sessions with a dispatch still in flight are left alone; their due
// entries are re-examined on a later tick.
func (s *Scheduler) fireDue(now time.Time) {
	nowMs := now.UnixMilli()

	s.mu.Lock()
	var due []dueEntry
	for id, st := range s.sessions {
		if _, busy := s.inflight[id]; busy {
			continue
		}
		var candidates []dueEntry
		if st.BaselineFireAtMs != 0 && st.BaselineFireAtMs <= nowMs {
			candidates = append(candidates, dueEntry{sessionID: id, fireAtMs: st.BaselineFireAtMs})
		}
		for i := range st.ContextTasks {
			if st.ContextTasks[i].FireAtMs <= nowMs {
				t := st.ContextTasks[i]
				candidates = append(candidates, dueEntry{
					sessionID: id, task: &t, fireAtMs: t.FireAtMs, createdMs: t.CreatedAtMs,
				})
			}
		}
		if len(candidates) == 0 {
			continue
		}
		// Longest overdue first; creation order breaks ties.
		sort.Slice(candidates, func(a, b int) bool {
			if candidates[a].fireAtMs != candidates[b].fireAtMs {
				return candidates[a].fireAtMs < candidates[b].fireAtMs
			}
			return candidates[a].createdMs < candidates[b].createdMs
		})
		due = append(due, candidates[0])
	}

	dirty := false
	for _, entry := range due {
		st := s.sessions[entry.sessionID]
		if entry.task == nil {
			st.BaselineFireAtMs = 0
		} else {
			for i := range st.ContextTasks {
				if st.ContextTasks[i].JobID == entry.task.JobID {
					st.ContextTasks = append(st.ContextTasks[:i], st.ContextTasks[i+1:]...)
					break
				}
			}
		}
		s.inflight[entry.sessionID] = struct{}{}
		dirty = true
	}
	if dirty {
		_ = s.save()
	}
	handler := s.OnFire
	s.mu.Unlock()

	for _, entry := range due {
		ev := FireEvent{SessionID: entry.sessionID, Task: entry.task, FiredAt: now}
		go func(ev FireEvent) {
			defer func() {
				s.mu.Lock()
				delete(s.inflight, ev.SessionID)
				s.mu.Unlock()
			}()
			if handler == nil {
				log.Printf("[task] no OnFire handler set, dropping fire for %s", ev.SessionID)
				return
			}
			handler(ev)
		}(ev)
	}
}

// pruneIdleSessions drops sessions that carry no timers, no streak, and
// have been silent longer than pruneAfter.
func (s *Scheduler) pruneIdleSessions() {
	cutoff := time.Now().Add(-pruneAfter).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, st := range s.sessions {
		if st.BaselineFireAtMs == 0 && len(st.ContextTasks) == 0 &&
			st.UnansweredCount == 0 && st.LastUserMessageAtMs < cutoff {
			delete(s.sessions, id)
			pruned++
		}
	}
	if pruned > 0 {
		_ = s.save()
		log.Printf("[task] maintenance pruned %d idle sessions", pruned)
	}
}

// load restores the snapshot, discarding entries whose fire time is more
// than the restore grace in the past. A discard rewrites the snapshot
// immediately so a crash cannot resurrect stale timers.
func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	sessions := make(map[string]*SessionState)
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	cutoff := time.Now().UnixMilli() - restoreGraceMs
	dirty := false
	for id, st := range sessions {
		if st.BaselineFireAtMs != 0 && st.BaselineFireAtMs < cutoff {
			log.Printf("[task] discarding stale baseline for %s", id)
			st.BaselineFireAtMs = 0
			dirty = true
		}
		kept := st.ContextTasks[:0]
		for _, t := range st.ContextTasks {
			if t.FireAtMs < cutoff {
				log.Printf("[task] discarding stale context task %s for %s", t.JobID, id)
				dirty = true
				continue
			}
			kept = append(kept, t)
		}
		st.ContextTasks = kept
	}

	s.mu.Lock()
	s.sessions = sessions
	if dirty {
		_ = s.save()
	}
	s.mu.Unlock()
	return nil
}

// save writes the full snapshot. Callers hold mu.
func (s *Scheduler) save() error {
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}
