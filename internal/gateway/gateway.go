// Package gateway wires the channels, scheduler, predictor and LLM
// clients together and runs the proactive dispatch state machine.
package gateway

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/nudge/internal/bus"
	"github.com/stellarlinkco/nudge/internal/channel"
	"github.com/stellarlinkco/nudge/internal/config"
	"github.com/stellarlinkco/nudge/internal/llm"
	"github.com/stellarlinkco/nudge/internal/memory"
	"github.com/stellarlinkco/nudge/internal/predictor"
	"github.com/stellarlinkco/nudge/internal/schedule"
	"github.com/stellarlinkco/nudge/internal/task"
)

// retryDelay is how long a proactive send waits after a transient failure
// (channel unreachable, generation error). Deferred sends do not count
// against the non-response streak.
const retryDelay = 2 * time.Minute

const defaultProactivePrompt = `It is {{current_time}}. The user has not replied to your last {{unanswered_count}} message(s); their last reply was at {{last_reply_time}}.
Write one short, natural message to re-engage them. Pick up an open thread from the conversation when one exists; otherwise share a small thought or question. Do not mention that you are scheduled or automated.`

// Options for creating a Gateway
type Options struct {
	RuntimeFactory llm.RuntimeFactory
	SignalChan     chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	agent    llm.Client
	pred     *predictor.Predictor
	sched    *task.Scheduler
	channels *channel.ChannelManager
	mem      *memory.Store

	historyMu sync.Mutex
	history   map[string][]predictor.Turn

	timerMu     sync.Mutex
	groupTimers map[string]*time.Timer
	autoTimers  map[string]*time.Timer

	rng *rand.Rand // safe for concurrent use, see lockedSource

	signalChan chan os.Signal // for testing
}

// lockedSource makes one rng usable from the inbound loop, dispatch
// goroutines and segment-delay callbacks at once.
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source64
}

func (s *lockedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:         cfg,
		history:     make(map[string][]predictor.Turn),
		groupTimers: make(map[string]*time.Timer),
		autoTimers:  make(map[string]*time.Timer),
		rng:         rand.New(&lockedSource{src: rand.NewSource(time.Now().UnixNano()).(rand.Source64)}),
		signalChan:  opts.SignalChan,
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	if cfg.Memory.Enabled {
		dbPath := strings.TrimSpace(cfg.Memory.DBPath)
		if dbPath == "" {
			dbPath = filepath.Join(config.ConfigDir(), "data", "memory.db")
		}
		store, err := memory.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		g.mem = store
	}

	agent, err := llm.NewAgentClient(cfg, g.buildSystemPrompt(), opts.RuntimeFactory)
	if err != nil {
		if g.mem != nil {
			_ = g.mem.Close()
		}
		return nil, err
	}
	g.agent = agent

	g.pred = predictor.New(llm.NewStructuredClient(cfg))

	g.sched = task.NewScheduler(filepath.Join(config.ConfigDir(), "data", "proactive", "timers.json"))
	g.sched.OnFire = g.dispatch

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		if g.mem != nil {
			_ = g.mem.Close()
		}
		agent.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) buildSystemPrompt() string {
	var sb strings.Builder

	if data, err := os.ReadFile(filepath.Join(g.cfg.Agent.Workspace, "AGENTS.md")); err == nil {
		sb.Write(data)
		sb.WriteString("\n\n")
	}
	if data, err := os.ReadFile(filepath.Join(g.cfg.Agent.Workspace, "SOUL.md")); err == nil {
		sb.Write(data)
		sb.WriteString("\n\n")
	}

	return sb.String()
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.sched.Start(ctx); err != nil {
		log.Printf("[gateway] scheduler start warning: %v", err)
	}
	g.armIdleSessions()

	go g.processLoop(ctx)

	log.Printf("[gateway] running")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// armIdleSessions gives every enabled session a baseline timer when
// restore left it without one.
func (g *Gateway) armIdleSessions() {
	for i := range g.cfg.Proactive.Sessions {
		s := &g.cfg.Proactive.Sessions[i]
		if !s.Enabled {
			continue
		}
		sid := s.Channel + ":" + s.ChatID
		if _, ok := g.sched.BaselineAt(sid); !ok {
			g.scheduleNext(s, sid)
		}
	}
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

	sid := msg.SessionKey()
	g.recordTurn(sid, "user", msg.Content)
	if g.mem != nil {
		if err := g.mem.Save(sid, "user", msg.Content); err != nil {
			log.Printf("[memory] save warning: %v", err)
		}
	}

	session := g.cfg.SessionFor(msg.Channel, msg.ChatID)
	if session != nil {
		g.sched.RecordUserMessage(sid, msg.Timestamp)
		g.cancelAutoTrigger(sid)
		// The adapter knows the actual chat type; config may lag it.
		if session.Group || msg.Group {
			g.debounceGroupReschedule(session, sid)
		} else {
			g.scheduleNext(session, sid)
		}
	}

	prompt := msg.Content
	if g.mem != nil {
		snippets, err := g.mem.Retrieve(msg.Content, config.DefaultMemoryTopK)
		if err != nil {
			log.Printf("[memory] retrieve warning: %v", err)
		} else if formatted := memory.FormatSnippets(snippets); formatted != "" {
			prompt = fmt.Sprintf("[Relevant Memory]\n%s\n\n[User Message]\n%s", formatted, msg.Content)
		}
	}

	result, err := g.agent.Complete(ctx, prompt, llm.Options{
		SessionID: sid,
		Timeout:   g.llmTimeout(),
	})
	if err != nil {
		log.Printf("[gateway] agent error: %v", err)
		result = "Sorry, I encountered an error processing your message."
	}

	if result != "" {
		g.recordTurn(sid, "assistant", result)
		if g.mem != nil {
			_ = g.mem.Save(sid, "assistant", result)
		}
		g.deliver(session, msg.Channel, msg.ChatID, result)
	}

	if session != nil {
		if session.AutoTrigger.Enabled {
			g.armAutoTrigger(session, sid)
		}
		if session.ContextAware.Enabled {
			go g.reconcileContext(session, sid)
		}
	}
}

// reconcileContext re-checks pending follow-ups against the latest turns
// and asks the predictor whether a new one is warranted. Cancellation
// checks run first so the prediction can mention what was just dropped.
func (g *Gateway) reconcileContext(session *config.SessionConfig, sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.llmTimeout())
	defer cancel()

	turns := g.turns(sid, session.ContextAware.MaxContextMessages)
	providerID := session.ContextAware.ProviderID

	justCancelled := ""
	pending := g.sched.TasksForSession(sid)
	for _, c := range g.pred.EvaluateCancellations(ctx, pending, turns, providerID) {
		if g.sched.RemoveContextTask(sid, c.JobID) {
			log.Printf("[gateway] cancelled follow-up %s for %s: %s", c.JobID, sid, c.Reason)
			justCancelled = c.Reason
		}
	}

	pred, err := g.pred.Predict(ctx, turns, predictor.Options{
		ProviderID:      providerID,
		MinDelayMinutes: session.ContextAware.MinDelayMinutes,
		MaxDelayMinutes: session.ContextAware.MaxDelayMinutes,
		ExtraPrompt:     session.ContextAware.ExtraPrompt,
		JustCancelled:   justCancelled,
	})
	if err != nil {
		log.Printf("[gateway] prediction for %s failed: %v", sid, err)
		return
	}
	if pred == nil {
		return
	}

	t := task.NewContextTask(sid, time.Duration(pred.DelayMinutes)*time.Minute, pred.MessageHint, pred.Reason, "message")
	t.ProviderOverride = providerID
	if err := g.sched.AddContextTask(t); err != nil {
		log.Printf("[gateway] add follow-up for %s failed: %v", sid, err)
		return
	}
	log.Printf("[gateway] follow-up for %s in %dm: %s", sid, pred.DelayMinutes, pred.Reason)
}

// dispatch is the state machine run for every due timer: session check,
// quiet hours, channel liveness, decay gate, generation, consistency
// re-check, delivery, reschedule.
func (g *Gateway) dispatch(ev task.FireEvent) {
	session := g.sessionByID(ev.SessionID)
	if session == nil {
		log.Printf("[gateway] dropping fire for unconfigured session %s", ev.SessionID)
		return
	}

	// Snapshot before anything slow; the liveness probe and the model
	// call can both take seconds, and a user message arriving during
	// either makes the proactive send stale.
	snapshot := g.sched.LastUserMessageAt(ev.SessionID)

	now := ev.FiredAt
	quiet := schedule.ParseQuietHours(session.Schedule.QuietHours)
	if quiet.Contains(now) {
		resume := quiet.NextEnd(now)
		log.Printf("[gateway] quiet hours for %s, resuming at %s", ev.SessionID, resume.Format(time.Kitchen))
		if ev.Task != nil {
			shifted := *ev.Task
			shifted.FireAtMs = resume.UnixMilli()
			if err := g.sched.AddContextTask(shifted); err != nil {
				log.Printf("[gateway] re-add follow-up after quiet hours failed: %v", err)
			}
		} else {
			g.sched.ScheduleBaseline(ev.SessionID, resume.Add(g.jitter(15*time.Minute)))
		}
		return
	}

	ch := g.channels.Get(session.Channel)
	if ch == nil || !ch.Alive() {
		log.Printf("[gateway] channel %s not deliverable, deferring %s", session.Channel, ev.SessionID)
		g.deferFire(ev, now.Add(retryDelay))
		return
	}

	unanswered := g.sched.UnansweredCount(ev.SessionID)
	if unanswered > 0 {
		spec := g.decaySpec(session)
		if !schedule.ShouldFire(unanswered, spec, g.rng) {
			log.Printf("[gateway] decay gate suppressed send to %s (unanswered=%d)", ev.SessionID, unanswered)
			if ev.Task == nil && !session.Group {
				g.scheduleNext(session, ev.SessionID)
			}
			return
		}
	}

	prompt := g.buildProactivePrompt(session, ev, now, unanswered)

	ctx, cancel := context.WithTimeout(context.Background(), g.llmTimeout())
	defer cancel()
	result, err := g.agent.Complete(ctx, prompt, llm.Options{SessionID: ev.SessionID})
	if err != nil {
		log.Printf("[gateway] proactive generation for %s failed: %v", ev.SessionID, err)
		g.deferFire(ev, time.Now().Add(retryDelay))
		return
	}

	if invalidResponse(result) {
		log.Printf("[gateway] discarding invalid proactive response for %s: %q", ev.SessionID, truncate(result, 40))
		g.deferFire(ev, time.Now().Add(retryDelay))
		return
	}

	if got := g.sched.LastUserMessageAt(ev.SessionID); !got.Equal(snapshot) {
		log.Printf("[gateway] user replied during generation, suppressing send to %s", ev.SessionID)
		return
	}

	chName, chatID, _ := strings.Cut(ev.SessionID, ":")
	g.recordTurn(ev.SessionID, "assistant", result)
	if g.mem != nil {
		_ = g.mem.Save(ev.SessionID, "assistant", result)
	}
	g.deliver(session, chName, chatID, result)

	count := g.sched.IncrementUnanswered(ev.SessionID)
	log.Printf("[gateway] proactive sent to %s (unanswered now %d)", ev.SessionID, count)

	if ev.Task == nil && !session.Group {
		g.scheduleNext(session, ev.SessionID)
	}
}

// deferFire re-queues a fire event unchanged a short delay out, for
// transient failures that should retry rather than consume the entry.
func (g *Gateway) deferFire(ev task.FireEvent, at time.Time) {
	if ev.Task != nil {
		shifted := *ev.Task
		shifted.FireAtMs = at.UnixMilli()
		if err := g.sched.AddContextTask(shifted); err != nil {
			log.Printf("[gateway] re-add deferred follow-up failed: %v", err)
		}
		return
	}
	g.sched.ScheduleBaseline(ev.SessionID, at)
}

// deliver pushes a reply onto the outbound bus, segmented when the
// session asks for it.
func (g *Gateway) deliver(session *config.SessionConfig, chName, chatID, content string) {
	out := bus.OutboundMessage{
		Channel: chName,
		ChatID:  chatID,
		Content: content,
	}
	if session != nil && session.Segmentation.Enabled {
		segments := channel.SplitText(session.Segmentation, content)
		if len(segments) > 1 {
			segCfg := session.Segmentation
			out.Segments = segments
			out.SegmentDelay = func(seg string) time.Duration {
				return channel.SegmentInterval(segCfg, seg, g.rng)
			}
		}
	}
	g.bus.Outbound <- out
}

func (g *Gateway) buildProactivePrompt(session *config.SessionConfig, ev task.FireEvent, now time.Time, unanswered int) string {
	tmpl := session.Prompt
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultProactivePrompt
	}

	lastReply := "never"
	if t := g.sched.LastUserMessageAt(ev.SessionID); !t.IsZero() {
		lastReply = fmt.Sprintf("%s (%d minutes ago)", t.Format("2006-01-02 15:04"), int(now.Sub(t).Minutes()))
	}
	tmpl = strings.ReplaceAll(tmpl, "{{current_time}}", now.Format("2006-01-02 15:04"))
	tmpl = strings.ReplaceAll(tmpl, "{{unanswered_count}}", fmt.Sprintf("%d", unanswered))
	tmpl = strings.ReplaceAll(tmpl, "{{last_reply_time}}", lastReply)

	var sb strings.Builder
	sb.WriteString(tmpl)

	if ev.Task != nil {
		sb.WriteString("\n\n[Planned follow-up]\n")
		if ev.Task.Reason != "" {
			sb.WriteString("Reason: " + ev.Task.Reason + "\n")
		}
		if ev.Task.Hint != "" {
			sb.WriteString("Hint: " + ev.Task.Hint + "\n")
		}
	}

	if g.mem != nil && session.ContextAware.EnableMemory {
		query := ""
		if ev.Task != nil {
			query = strings.TrimSpace(ev.Task.Hint + " " + ev.Task.Reason)
		}
		if query == "" {
			if turns := g.turns(ev.SessionID, 3); len(turns) > 0 {
				query = turns[len(turns)-1].Content
			}
		}
		if query != "" {
			topK := session.ContextAware.MemoryTopK
			snippets, err := g.mem.Retrieve(query, topK)
			if err != nil {
				log.Printf("[memory] retrieve warning: %v", err)
			} else if formatted := memory.FormatSnippets(snippets); formatted != "" {
				sb.WriteString("\n\n[Relevant Memory]\n")
				sb.WriteString(formatted)
			}
		}
	}

	return sb.String()
}

// scheduleNext arms the baseline timer from the session's interval rules.
func (g *Gateway) scheduleNext(session *config.SessionConfig, sid string) {
	rules := make([]schedule.Rule, 0, len(session.Schedule.Rules))
	for _, r := range session.Schedule.Rules {
		rules = append(rules, schedule.Rule{
			StartHour: r.StartHour,
			EndHour:   r.EndHour,
			Buckets:   schedule.ParseWeights(r.Weights),
		})
	}

	globalMin := time.Duration(session.Schedule.MinIntervalMinutes) * time.Minute
	globalMax := time.Duration(session.Schedule.MaxIntervalMinutes) * time.Minute
	d := schedule.SelectInterval(time.Now(), rules, globalMin, globalMax, g.rng)
	at := time.Now().Add(d)
	g.sched.ScheduleBaseline(sid, at)
	log.Printf("[gateway] next baseline for %s at %s", sid, at.Format(time.RFC3339))
}

// debounceGroupReschedule waits for the group to go idle before arming a
// baseline, so bursts of chatter reset the countdown instead of each
// message arming its own timer.
func (g *Gateway) debounceGroupReschedule(session *config.SessionConfig, sid string) {
	idle := time.Duration(session.GroupIdleMinutes) * time.Minute
	if idle <= 0 {
		idle = time.Duration(config.DefaultGroupIdleMinutes) * time.Minute
	}

	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if t, ok := g.groupTimers[sid]; ok {
		t.Stop()
	}
	g.groupTimers[sid] = time.AfterFunc(idle, func() {
		g.timerMu.Lock()
		delete(g.groupTimers, sid)
		g.timerMu.Unlock()
		g.scheduleNext(session, sid)
	})
}

// armAutoTrigger arms a proactive baseline if the user stays silent for
// the configured stretch after a reply.
func (g *Gateway) armAutoTrigger(session *config.SessionConfig, sid string) {
	after := time.Duration(session.AutoTrigger.AfterMinutes) * time.Minute
	if after <= 0 {
		return
	}

	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if t, ok := g.autoTimers[sid]; ok {
		t.Stop()
	}
	g.autoTimers[sid] = time.AfterFunc(after, func() {
		g.autoTriggerFire(session, sid)
	})
}

// autoTriggerFire arms a weighted-interval baseline rather than sending
// anything itself, so the actual fire goes through the scheduler and its
// per-session in-flight serialization.
func (g *Gateway) autoTriggerFire(session *config.SessionConfig, sid string) {
	g.timerMu.Lock()
	delete(g.autoTimers, sid)
	g.timerMu.Unlock()
	log.Printf("[gateway] auto trigger for %s, arming baseline", sid)
	g.scheduleNext(session, sid)
}

func (g *Gateway) cancelAutoTrigger(sid string) {
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if t, ok := g.autoTimers[sid]; ok {
		t.Stop()
		delete(g.autoTimers, sid)
	}
}

func (g *Gateway) decaySpec(session *config.SessionConfig) schedule.DecaySpec {
	return schedule.DecaySpec{
		Probabilities: schedule.ParseProbabilities(session.Schedule.Decay.Probabilities),
		Step:          session.Schedule.Decay.Step,
		MaxUnanswered: session.Schedule.Decay.MaxUnanswered,
	}
}

func (g *Gateway) sessionByID(sid string) *config.SessionConfig {
	chName, chatID, ok := strings.Cut(sid, ":")
	if !ok {
		return nil
	}
	return g.cfg.SessionFor(chName, chatID)
}

// Inspect exposes the scheduler state for status surfaces.
func (g *Gateway) Inspect() map[string]task.SessionState {
	return g.sched.Inspect()
}

func (g *Gateway) recordTurn(sid, role, content string) {
	depth := g.cfg.Agent.HistoryDepth
	if depth <= 0 {
		depth = config.DefaultHistoryDepth
	}
	g.historyMu.Lock()
	defer g.historyMu.Unlock()
	turns := append(g.history[sid], predictor.Turn{Role: role, Content: content})
	if len(turns) > depth {
		turns = turns[len(turns)-depth:]
	}
	g.history[sid] = turns
}

// turns returns the most recent n turns for a session.
func (g *Gateway) turns(sid string, n int) []predictor.Turn {
	g.historyMu.Lock()
	defer g.historyMu.Unlock()
	turns := g.history[sid]
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]predictor.Turn, len(turns))
	copy(out, turns)
	return out
}

func (g *Gateway) llmTimeout() time.Duration {
	secs := g.cfg.Agent.LLMTimeoutSeconds
	if secs <= 0 {
		secs = config.DefaultLLMTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

func (g *Gateway) jitter(max time.Duration) time.Duration {
	return time.Duration(g.rng.Int63n(int64(max)))
}

func (g *Gateway) Shutdown() error {
	g.timerMu.Lock()
	for _, t := range g.groupTimers {
		t.Stop()
	}
	for _, t := range g.autoTimers {
		t.Stop()
	}
	g.timerMu.Unlock()

	g.sched.Stop()
	_ = g.channels.StopAll()
	if g.mem != nil {
		if err := g.mem.Close(); err != nil {
			log.Printf("[gateway] close memory store warning: %v", err)
		}
	}
	if g.agent != nil {
		g.agent.Close()
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

// invalidResponse filters model output that should never reach a chat:
// empty strings and serializer artifacts.
func invalidResponse(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	switch strings.ToLower(s) {
	case "null", "none", "undefined":
		return true
	}
	return strings.Contains(s, "[object Object]")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
