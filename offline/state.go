package offline

import (
	"sync"
	"time"

	"passport-quest/models"
)

// Rejection is the last policy verdict surfaced to the user.
type Rejection struct {
	DeviceEventID string              `json:"deviceEventId"`
	Reason        models.RejectReason `json:"reason"`
	At            time.Time           `json:"at"`
}

// SyncSnapshot is a point-in-time copy of SyncState.
type SyncSnapshot struct {
	PendingCount    int64          `json:"pendingCount"`
	OldestPendingAt *time.Time     `json:"oldestPendingAt,omitempty"`
	Syncing         bool           `json:"syncing"`
	Offline         bool           `json:"offline"`
	LastSyncAt      *time.Time     `json:"lastSyncAt,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	LastRejection   *Rejection     `json:"lastRejection,omitempty"`
	Totals          *models.Totals `json:"totals,omitempty"`
}

// SyncState is the observable sync status. Writers are the Scheduler; readers
// take snapshots or wait on Changes.
type SyncState struct {
	mu      sync.RWMutex
	snap    SyncSnapshot
	changes chan struct{}
}

func NewSyncState() *SyncState {
	return &SyncState{changes: make(chan struct{}, 1)}
}

// Snapshot returns a copy safe to keep.
func (s *SyncState) Snapshot() SyncSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	if s.snap.Totals != nil {
		t := *s.snap.Totals
		out.Totals = &t
	}
	if s.snap.LastRejection != nil {
		r := *s.snap.LastRejection
		out.LastRejection = &r
	}
	return out
}

// Changes receives a signal after every update. Signals coalesce.
func (s *SyncState) Changes() <-chan struct{} {
	return s.changes
}

func (s *SyncState) update(fn func(*SyncSnapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *SyncState) setQueue(sum Summary) {
	s.update(func(snap *SyncSnapshot) {
		snap.PendingCount = sum.PendingCount
		snap.OldestPendingAt = sum.OldestPendingAt
	})
}

func (s *SyncState) setSyncing(v bool) {
	s.update(func(snap *SyncSnapshot) { snap.Syncing = v })
}

func (s *SyncState) setOffline(v bool) {
	s.update(func(snap *SyncSnapshot) { snap.Offline = v })
}

// applyOutcome folds one delivery result in. Totals come from the server and
// replace the local copy; they are never added to.
func (s *SyncState) applyOutcome(deviceEventID string, out Outcome, at time.Time) {
	s.update(func(snap *SyncSnapshot) {
		if out.Response != nil && out.Response.NewTotals != nil {
			t := *out.Response.NewTotals
			snap.Totals = &t
		}
		if out.Kind == OutcomeRejected && out.Response != nil {
			snap.LastRejection = &Rejection{DeviceEventID: deviceEventID, Reason: out.Response.Reason, At: at}
		}
	})
}

// finishFlush stamps the flush time and the flush's last failure, "" if none.
func (s *SyncState) finishFlush(at time.Time, flushErr string) {
	s.update(func(snap *SyncSnapshot) {
		snap.LastSyncAt = &at
		snap.LastError = flushErr
	})
}
