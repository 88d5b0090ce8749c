package offline

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"passport-quest/database"
	"passport-quest/handlers"
	"passport-quest/middleware"
	"passport-quest/models"
	"passport-quest/services"
)

type switchReach struct{ up atomic.Bool }

func (r *switchReach) Reachable(context.Context) bool { return r.up.Load() }

func online() *switchReach {
	r := &switchReach{}
	r.up.Store(true)
	return r
}

type funcDeliverer func(ctx context.Context, ev *OfflineEvent) (Outcome, error)

func (f funcDeliverer) Deliver(ctx context.Context, ev *OfflineEvent) (Outcome, error) {
	return f(ctx, ev)
}

func TestFlushOfflineDoesNotBurnRetryBudget(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	_, err := store.Enqueue(ctx, claim("evt-1"))
	require.NoError(t, err)

	var delivered int32
	reach := &switchReach{}
	sched := NewScheduler(store, funcDeliverer(func(context.Context, *OfflineEvent) (Outcome, error) {
		atomic.AddInt32(&delivered, 1)
		return Outcome{Kind: OutcomeAccepted, Response: &models.CompletionResponse{Status: models.CompletionAccepted}}, nil
	}), reach, nil, clock, SchedulerConfig{})

	res := sched.Flush(ctx)
	assert.True(t, res.Offline)
	assert.Equal(t, int32(0), atomic.LoadInt32(&delivered))
	assert.True(t, sched.State().Snapshot().Offline)

	due, err := store.DueEvents(ctx, clock.Now(), 20)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 0, due[0].RetryCount)
	assert.Equal(t, testNow, due[0].NextEligibleAt.UTC())

	reach.up.Store(true)
	res = sched.Flush(ctx)
	assert.False(t, res.Offline)
	assert.Equal(t, 1, res.Delivered)
	assert.False(t, sched.State().Snapshot().Offline)
}

func TestFlushCoalescesConcurrentTriggers(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	_, err := store.Enqueue(ctx, claim("evt-1"))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	sched := NewScheduler(store, funcDeliverer(func(context.Context, *OfflineEvent) (Outcome, error) {
		close(entered)
		<-release
		return Outcome{Kind: OutcomeTransient, Err: errors.New("timeout")}, nil
	}), online(), nil, clock, SchedulerConfig{})

	done := make(chan FlushResult)
	go func() { done <- sched.Flush(ctx) }()
	<-entered

	assert.True(t, sched.State().Snapshot().Syncing)
	assert.True(t, sched.Flush(ctx).Coalesced)
	assert.True(t, sched.Flush(ctx).Coalesced)

	close(release)
	first := <-done
	assert.False(t, first.Coalesced)
	assert.Equal(t, 1, first.Retried)
	assert.False(t, sched.State().Snapshot().Syncing)
	assert.Equal(t, "timeout", sched.State().Snapshot().LastError)
}

func TestFlushIsolatesPerEventFailures(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"evt-panic", "evt-err", "evt-ok"} {
		_, err := store.Enqueue(ctx, claim(id))
		require.NoError(t, err)
	}

	sched := NewScheduler(store, funcDeliverer(func(ctx context.Context, ev *OfflineEvent) (Outcome, error) {
		switch ev.DeviceEventID {
		case "evt-panic":
			panic("nil map")
		case "evt-err":
			return Outcome{}, ErrStorage
		}
		return Outcome{Kind: OutcomeAccepted, Response: &models.CompletionResponse{Status: models.CompletionAccepted}},
			store.MarkSuccess(ctx, ev.ID)
	}), online(), nil, clock, SchedulerConfig{})

	res := sched.Flush(ctx)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, int64(2), sched.State().Snapshot().PendingCount)
}

func TestFlushRespectsBatchLimitAndEligibility(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(ctx, claim(NewDeviceEventID()))
		require.NoError(t, err)
	}

	var seen []uint64
	sched := NewScheduler(store, funcDeliverer(func(ctx context.Context, ev *OfflineEvent) (Outcome, error) {
		seen = append(seen, ev.ID)
		_, err := store.MarkRetry(ctx, ev.ID, ev.RetryCount+1, "503")
		return Outcome{Kind: OutcomeTransient, Err: errors.New("503")}, err
	}), online(), nil, clock, SchedulerConfig{BatchLimit: 3})

	res := sched.Flush(ctx)
	assert.Equal(t, 3, res.Attempted)
	assert.IsIncreasing(t, seen)

	// two left are due; the three retried are backing off
	res = sched.Flush(ctx)
	assert.Equal(t, 2, res.Attempted)

	res = sched.Flush(ctx)
	assert.Equal(t, 0, res.Attempted)

	clock.Advance(2 * time.Second)
	res = sched.Flush(ctx)
	assert.Equal(t, 3, res.Attempted)
}

func TestTriggersRequireForegroundAndSession(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	_, err := store.Enqueue(ctx, claim("evt-1"))
	require.NoError(t, err)

	var calls int32
	sched := NewScheduler(store, funcDeliverer(func(ctx context.Context, ev *OfflineEvent) (Outcome, error) {
		atomic.AddInt32(&calls, 1)
		return Outcome{Kind: OutcomeDuplicate, Response: &models.CompletionResponse{Status: models.CompletionDuplicate}},
			store.MarkSuccess(ctx, ev.ID)
	}), online(), nil, clock, SchedulerConfig{})

	assert.Equal(t, FlushResult{}, sched.OnForeground(ctx))
	assert.Equal(t, FlushResult{}, sched.OnNetworkRegained(ctx))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	res := sched.OnSessionReady(ctx)
	assert.Equal(t, 1, res.Delivered)

	sched.OnBackground()
	assert.Equal(t, FlushResult{}, sched.OnNetworkRegained(ctx))
}

func TestSessionEndedClearsQueue(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	sched := NewScheduler(store, funcDeliverer(func(context.Context, *OfflineEvent) (Outcome, error) {
		return Outcome{}, nil
	}), online(), nil, clock, SchedulerConfig{})

	_, err := sched.Enqueue(ctx, claim("evt-1").Request)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sched.State().Snapshot().PendingCount)

	require.NoError(t, sched.OnSessionEnded(ctx))
	assert.Equal(t, int64(0), sched.State().Snapshot().PendingCount)
}

func TestPeriodicTickFlushesWhileActive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.Enqueue(ctx, claim("evt-1"))
	require.NoError(t, err)

	flushed := make(chan struct{}, 8)
	sched := NewScheduler(store, funcDeliverer(func(ctx context.Context, ev *OfflineEvent) (Outcome, error) {
		flushed <- struct{}{}
		return Outcome{Kind: OutcomeAccepted, Response: &models.CompletionResponse{Status: models.CompletionAccepted}},
			store.MarkSuccess(ctx, ev.ID)
	}), online(), nil, clockwork.NewRealClock(), SchedulerConfig{Interval: 20 * time.Millisecond})
	sched.foreground.Store(true)
	sched.session.Store(true)

	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { _ = sched.Stop() })

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("tick never flushed")
	}
}

// --- end to end against the real server stack ---

type tokenMap map[string]string

func (m tokenMap) ValidateToken(_ context.Context, token string) (*services.ValidateResponse, error) {
	if id, ok := m[token]; ok {
		return &services.ValidateResponse{UserID: id}, nil
	}
	return nil, services.ErrInvalidToken
}

type e2e struct {
	serverDB *gorm.DB
	store    *Store
	clock    *clockwork.FakeClock
	sched    *Scheduler
	reach    *switchReach
	crash    atomic.Bool
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	ctx := context.Background()

	serverDB, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(serverDB) })
	require.NoError(t, database.MigrateServer(serverDB))

	serverClock := clockwork.NewFakeClockAt(testNow)
	policy := models.AntiCheatPolicy{MaxAccuracyM: 50, MaxSpeedMps: 45, MaxAttemptsPerMinute: 6}
	catalog := services.NewQuestCatalog(serverDB)
	cities := services.NewCityConfigService(serverDB, policy)
	progression := services.NewProgressionService(serverDB)
	badges := services.NewBadgeService(serverDB)
	require.NoError(t, badges.SeedBadgeTypes(ctx))
	require.NoError(t, catalog.Upsert(ctx, &models.Quest{
		ID: "q1", CityID: "blr", Title: "Cubbon Park", XPReward: 120,
		GeofenceLat: 12.9716, GeofenceLng: 77.5946, GeofenceRadiusM: 50,
		ActiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	ledger := services.NewCompletionLedger(serverDB, progression, badges, serverClock)
	gate := services.NewCompletionGate(serverDB, catalog, cities, services.NewAttemptLogLimiter(serverDB), ledger, serverClock)

	env := &e2e{serverDB: serverDB, reach: online()}

	app := fiber.New()
	// simulates the response being lost after the server committed
	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		if env.crash.Load() {
			return c.Status(fiber.StatusBadGateway).SendString("connection reset")
		}
		return err
	})
	handlers.SetupCompletionRoutes(app, middleware.BearerAuth(tokenMap{"tok-1": "user-1"}), gate)
	srv := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(srv.Close)

	store, clock := newTestStore(t)
	env.store = store
	env.clock = clock
	submitter := NewSubmitter(srv.URL, StaticTokenProvider("tok-1"), store, 5*time.Second)
	env.sched = NewScheduler(store, submitter, env.reach, nil, clock, SchedulerConfig{})
	env.sched.foreground.Store(true)
	env.sched.session.Store(true)
	return env
}

func (e *e2e) ledgerRows(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.serverDB.Model(&models.QuestCompletion{}).Where("user_id = ? AND device_event_id = ?", "user-1", "evt-1").Count(&n).Error)
	return n
}

func TestOfflineClaimDeliveredAfterNetworkRegained(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()
	env.reach.up.Store(false)

	_, err := env.sched.Enqueue(ctx, claim("evt-1").Request)
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.sched.State().Snapshot().PendingCount)

	assert.True(t, env.sched.OnForeground(ctx).Offline)
	assert.Equal(t, int64(1), env.sched.State().Snapshot().PendingCount)

	env.reach.up.Store(true)
	res := env.sched.OnNetworkRegained(ctx)
	assert.Equal(t, 1, res.Delivered)

	snap := env.sched.State().Snapshot()
	assert.Equal(t, int64(0), snap.PendingCount)
	require.NotNil(t, snap.Totals)
	assert.Equal(t, models.Totals{XP: 120, Level: 2, StreakDays: 1}, *snap.Totals)
	assert.NotNil(t, snap.LastSyncAt)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, int64(1), env.ledgerRows(t))
}

func TestLostAckResubmitIsDuplicateWithoutDoubleCredit(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()

	_, err := env.sched.Enqueue(ctx, claim("evt-1").Request)
	require.NoError(t, err)

	env.crash.Store(true)
	res := env.sched.Flush(ctx)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, int64(1), env.ledgerRows(t), "server committed before the ack was lost")
	assert.Equal(t, int64(1), env.sched.State().Snapshot().PendingCount)

	env.crash.Store(false)
	env.clock.Advance(2 * time.Second)
	res = env.sched.Flush(ctx)
	assert.Equal(t, 1, res.Delivered)

	snap := env.sched.State().Snapshot()
	assert.Equal(t, int64(0), snap.PendingCount)
	assert.Equal(t, int64(120), snap.Totals.XP, "totals replaced from server, not added twice")

	var prog models.UserProgress
	require.NoError(t, env.serverDB.Where("user_id = ?", "user-1").First(&prog).Error)
	assert.Equal(t, int64(120), prog.TotalXP)
	assert.Equal(t, int64(1), env.ledgerRows(t))
}

func TestLowAccuracyClaimIsDroppedNotRetried(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()

	req := claim("evt-1").Request
	req.Location.AccuracyM = 999
	_, err := env.sched.Enqueue(ctx, req)
	require.NoError(t, err)

	res := env.sched.Flush(ctx)
	assert.Equal(t, 1, res.Rejected)

	snap := env.sched.State().Snapshot()
	assert.Equal(t, int64(0), snap.PendingCount)
	require.NotNil(t, snap.LastRejection)
	assert.Equal(t, models.ReasonLowAccuracy, snap.LastRejection.Reason)
	assert.Nil(t, snap.Totals)

	env.clock.Advance(time.Hour)
	assert.Equal(t, 0, env.sched.Flush(ctx).Attempted)
	assert.Equal(t, int64(0), env.ledgerRows(t))
}
