package offline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultBackoffCap = 300 * time.Second
	DefaultBatchLimit = 20
)

// ErrStorage wraps every local persistence failure so callers can tell the
// user a claim was not saved.
var ErrStorage = errors.New("offline storage failure")

// Summary is the queue's observable shape.
type Summary struct {
	PendingCount    int64      `json:"pendingCount"`
	OldestPendingAt *time.Time `json:"oldestPendingAt,omitempty"`
}

// Store is the durable on-device queue. The pending count is cached and kept
// in step with this Store's own inserts and deletes. Writes from another
// process on the same file are picked up by Summary when the cache and the
// table disagree about being empty; run one writer per file otherwise.
type Store struct {
	db         *gorm.DB
	clock      clockwork.Clock
	backoffCap time.Duration

	mu      sync.Mutex
	pending int64
}

// OpenStore migrates the queue table and loads the pending count.
func OpenStore(ctx context.Context, db *gorm.DB, clock clockwork.Clock, backoffCap time.Duration) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if backoffCap <= 0 {
		backoffCap = DefaultBackoffCap
	}
	if err := db.WithContext(ctx).AutoMigrate(&OfflineEvent{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrStorage, err)
	}

	s := &Store{db: db, clock: clock, backoffCap: backoffCap}
	if _, err := s.recount(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.WithContext(ctx).Model(&OfflineEvent{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStorage, err)
	}
	s.pending = n
	return n, nil
}

// Backoff is min(maxDelay, 2^retryCount seconds).
func Backoff(retryCount int, maxDelay time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if float64(retryCount) >= math.Log2(maxDelay.Seconds()) {
		return maxDelay
	}
	d := time.Duration(1<<uint(retryCount)) * time.Second
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Enqueue persists ev, eligible immediately. Enqueueing a deviceEventId that
// is already queued returns the existing row unchanged.
func (s *Store) Enqueue(ctx context.Context, ev Event) (*OfflineEvent, error) {
	if ev == nil || strings.TrimSpace(ev.DeviceEventID()) == "" {
		return nil, fmt.Errorf("%w: event has no device event id", ErrStorage)
	}
	payload, err := encodeEvent(ev)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	row := &OfflineEvent{
		Kind:           ev.Kind(),
		DeviceEventID:  ev.DeviceEventID(),
		Payload:        payload,
		CreatedAt:      now,
		NextEligibleAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_event_id"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return nil, fmt.Errorf("%w: enqueue %s: %v", ErrStorage, ev.DeviceEventID(), res.Error)
	}
	if res.RowsAffected == 0 {
		var existing OfflineEvent
		if err := s.db.WithContext(ctx).Where("device_event_id = ?", ev.DeviceEventID()).First(&existing).Error; err != nil {
			return nil, fmt.Errorf("%w: load queued %s: %v", ErrStorage, ev.DeviceEventID(), err)
		}
		log.Debug().Str("device_event_id", existing.DeviceEventID).Uint64("event_id", existing.ID).Msg("[QUEUE] already queued")
		return &existing, nil
	}

	s.pending++
	log.Info().Str("device_event_id", row.DeviceEventID).Uint64("event_id", row.ID).Str("kind", string(row.Kind)).Msg("📥 [QUEUE] enqueued")
	return row, nil
}

// DueEvents returns up to limit events eligible at now, oldest first.
func (s *Store) DueEvents(ctx context.Context, now time.Time, limit int) ([]OfflineEvent, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	var events []OfflineEvent
	err := s.db.WithContext(ctx).
		Where("next_eligible_at <= ?", now.UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("%w: due events: %v", ErrStorage, err)
	}
	return events, nil
}

// MarkSuccess removes the event. Removing an id that is already gone is a no-op.
func (s *Store) MarkSuccess(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Delete(&OfflineEvent{}, id)
	if res.Error != nil {
		return fmt.Errorf("%w: delete %d: %v", ErrStorage, id, res.Error)
	}
	if res.RowsAffected > 0 && s.pending > 0 {
		s.pending--
	}
	return nil
}

// MarkRetry records a transient failure and pushes the event out by the
// backoff for retryCount. It returns the new eligibility time.
func (s *Store) MarkRetry(ctx context.Context, id uint64, retryCount int, lastErr string) (time.Time, error) {
	next := s.clock.Now().UTC().Add(Backoff(retryCount, s.backoffCap))
	res := s.db.WithContext(ctx).Model(&OfflineEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"retry_count":      retryCount,
		"next_eligible_at": next,
		"last_error":       lastErr,
	})
	if res.Error != nil {
		return time.Time{}, fmt.Errorf("%w: retry %d: %v", ErrStorage, id, res.Error)
	}
	return next, nil
}

// Summary reports the pending count and the oldest event's enqueue time.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	// ids are monotonic, so the lowest id is the oldest enqueue
	var oldest OfflineEvent
	err := s.db.WithContext(ctx).Select("id", "created_at").Order("id ASC").Limit(1).Take(&oldest).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Summary{}, fmt.Errorf("%w: summary: %v", ErrStorage, err)
	}

	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()

	if found != (pending > 0) {
		if pending, err = s.recount(ctx); err != nil {
			return Summary{}, err
		}
	}

	out := Summary{PendingCount: pending}
	if found && pending > 0 {
		out.OldestPendingAt = &oldest.CreatedAt
	}
	return out, nil
}

// Clear drops every queued event (sign-out).
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&OfflineEvent{}).Error; err != nil {
		return fmt.Errorf("%w: clear: %v", ErrStorage, err)
	}
	s.pending = 0
	log.Info().Msg("🧹 [QUEUE] cleared")
	return nil
}
