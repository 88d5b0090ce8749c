package offline

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"passport-quest/models"
)

const DefaultFlushInterval = 15 * time.Second

// Reachability reports whether the API can currently be reached.
type Reachability interface {
	Reachable(ctx context.Context) bool
}

// DialReachability probes the API host with a TCP dial.
type DialReachability struct {
	Addr    string
	Timeout time.Duration
}

// NewDialReachability derives host:port from the API base URL.
func NewDialReachability(baseURL string, timeout time.Duration) (*DialReachability, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", baseURL)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DialReachability{Addr: net.JoinHostPort(u.Hostname(), port), Timeout: timeout}, nil
}

func (r *DialReachability) Reachable(ctx context.Context) bool {
	d := net.Dialer{Timeout: r.Timeout}
	conn, err := d.DialContext(ctx, "tcp", r.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Deliverer delivers one queued event and updates the queue.
type Deliverer interface {
	Deliver(ctx context.Context, ev *OfflineEvent) (Outcome, error)
}

// FlushResult tallies one flush.
type FlushResult struct {
	Coalesced bool
	Offline   bool
	Attempted int
	Delivered int // accepted or duplicate
	Rejected  int
	Retried   int
	Failed    int // panics, storage errors, undeliverable rows
}

// SchedulerConfig tunes the Scheduler. Zero values take defaults.
type SchedulerConfig struct {
	Interval   time.Duration
	BatchLimit int
}

// Scheduler decides when to flush the queue and keeps at most one flush in
// flight. Triggers that arrive during a flush are dropped.
type Scheduler struct {
	store     *Store
	deliverer Deliverer
	reach     Reachability
	state     *SyncState
	clock     clockwork.Clock
	cfg       SchedulerConfig

	flushing   atomic.Bool
	foreground atomic.Bool
	session    atomic.Bool

	sched gocron.Scheduler
}

func NewScheduler(store *Store, deliverer Deliverer, reach Reachability, state *SyncState, clock clockwork.Clock, cfg SchedulerConfig) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFlushInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if state == nil {
		state = NewSyncState()
	}
	return &Scheduler{store: store, deliverer: deliverer, reach: reach, state: state, clock: clock, cfg: cfg}
}

// State exposes the observable sync status.
func (s *Scheduler) State() *SyncState {
	return s.state
}

// Start runs the periodic tick. Ticks only flush while the app is in the
// foreground with an established session.
func (s *Scheduler) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return fmt.Errorf("failed to create sync scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if s.active() {
				s.Flush(ctx)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule sync tick: %w", err)
	}

	s.sched = sched
	sched.Start()
	s.Refresh(ctx)
	log.Info().Dur("interval", s.cfg.Interval).Int("batch_limit", s.cfg.BatchLimit).Msg("🔁 [SYNC] scheduler started")
	return nil
}

// Stop halts the tick. A flush already running is allowed to finish.
func (s *Scheduler) Stop() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}

func (s *Scheduler) active() bool {
	return s.foreground.Load() && s.session.Load()
}

// OnForeground marks the app foregrounded and flushes if the session is ready.
func (s *Scheduler) OnForeground(ctx context.Context) FlushResult {
	s.foreground.Store(true)
	return s.triggerIfActive(ctx)
}

// OnBackground pauses ticks.
func (s *Scheduler) OnBackground() {
	s.foreground.Store(false)
}

// OnSessionReady marks the user signed in and flushes if foregrounded.
func (s *Scheduler) OnSessionReady(ctx context.Context) FlushResult {
	s.session.Store(true)
	return s.triggerIfActive(ctx)
}

// OnSessionEnded pauses ticks and drops the queue, which belongs to the
// signed-out user.
func (s *Scheduler) OnSessionEnded(ctx context.Context) error {
	s.session.Store(false)
	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	s.Refresh(ctx)
	return nil
}

// OnNetworkRegained flushes straight away when active.
func (s *Scheduler) OnNetworkRegained(ctx context.Context) FlushResult {
	return s.triggerIfActive(ctx)
}

func (s *Scheduler) triggerIfActive(ctx context.Context) FlushResult {
	if !s.active() {
		return FlushResult{}
	}
	return s.Flush(ctx)
}

// Enqueue persists a claim and refreshes the observable queue summary.
func (s *Scheduler) Enqueue(ctx context.Context, req models.CompletionRequest) (*OfflineEvent, error) {
	ev, err := s.store.Enqueue(ctx, QuestCompletionEvent{Request: req})
	if err != nil {
		return nil, err
	}
	s.Refresh(ctx)
	return ev, nil
}

// Flush delivers due events oldest first. It returns immediately with
// Coalesced set when another flush holds the gate.
func (s *Scheduler) Flush(ctx context.Context) FlushResult {
	if !s.flushing.CompareAndSwap(false, true) {
		log.Debug().Msg("[SYNC] flush already running, trigger dropped")
		return FlushResult{Coalesced: true}
	}
	defer s.flushing.Store(false)

	s.state.setSyncing(true)
	defer s.state.setSyncing(false)

	var res FlushResult
	if s.reach != nil && !s.reach.Reachable(ctx) {
		// No event is touched, so no backoff window is consumed.
		s.state.setOffline(true)
		log.Info().Msg("📴 [SYNC] offline, skipping flush")
		res.Offline = true
		return res
	}
	s.state.setOffline(false)

	events, err := s.store.DueEvents(ctx, s.clock.Now(), s.cfg.BatchLimit)
	if err != nil {
		log.Error().Err(err).Msg("❌ [SYNC] could not read queue")
		s.state.finishFlush(s.clock.Now().UTC(), err.Error())
		return res
	}

	lastErr := ""
	for i := range events {
		ev := &events[i]
		res.Attempted++

		out, err := s.deliverOne(ctx, ev)
		if err != nil {
			res.Failed++
			lastErr = err.Error()
			continue
		}

		s.state.applyOutcome(ev.DeviceEventID, out, s.clock.Now().UTC())
		switch out.Kind {
		case OutcomeAccepted, OutcomeDuplicate:
			res.Delivered++
		case OutcomeRejected:
			res.Rejected++
		case OutcomeUndeliverable:
			res.Failed++
			lastErr = out.Err.Error()
		default:
			res.Retried++
			lastErr = out.Err.Error()
		}
	}

	s.Refresh(ctx)
	s.state.finishFlush(s.clock.Now().UTC(), lastErr)
	log.Info().
		Int("attempted", res.Attempted).
		Int("delivered", res.Delivered).
		Int("rejected", res.Rejected).
		Int("retried", res.Retried).
		Int("failed", res.Failed).
		Msg("✅ [SYNC] flush finished")
	return res
}

// deliverOne isolates a single event: a panic or error here never stops the
// rest of the batch.
func (s *Scheduler) deliverOne(ctx context.Context, ev *OfflineEvent) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Uint64("event_id", ev.ID).Msg("❌ [SYNC] delivery panicked")
			err = fmt.Errorf("delivery of event %d panicked: %v", ev.ID, r)
		}
	}()

	out, err = s.deliverer.Deliver(ctx, ev)
	if err != nil {
		log.Error().Err(err).Uint64("event_id", ev.ID).Msg("❌ [SYNC] delivery failed")
	}
	return out, err
}

// Refresh reloads the queue summary into the observable state.
func (s *Scheduler) Refresh(ctx context.Context) {
	sum, err := s.store.Summary(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[SYNC] queue summary unavailable")
		return
	}
	s.state.setQueue(sum)
}
