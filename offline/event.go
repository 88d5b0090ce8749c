// Package offline is the device side of quest completion: a durable local
// queue, the submitter that delivers queued claims, and the scheduler that
// decides when to flush.
package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"passport-quest/models"
)

// EventKind tags the payload stored in an OfflineEvent.
type EventKind string

const (
	KindQuestCompletion EventKind = "quest_completion"
)

// ErrUnknownEventKind is returned when a stored row carries a kind this build
// cannot decode.
var ErrUnknownEventKind = errors.New("unknown offline event kind")

// Event is the closed set of payloads the queue can carry.
type Event interface {
	Kind() EventKind
	DeviceEventID() string
}

// QuestCompletionEvent wraps one physical claim.
type QuestCompletionEvent struct {
	Request models.CompletionRequest
}

func (QuestCompletionEvent) Kind() EventKind { return KindQuestCompletion }

func (e QuestCompletionEvent) DeviceEventID() string { return e.Request.DeviceEventID }

// OfflineEvent is one queued delivery. Payload is immutable after insert.
type OfflineEvent struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind           EventKind `gorm:"type:varchar(32);not null" json:"kind"`
	DeviceEventID  string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"deviceEventId"`
	Payload        []byte    `gorm:"not null" json:"payload"`
	CreatedAt      time.Time `gorm:"not null" json:"createdAt"`
	RetryCount     int       `gorm:"not null;default:0" json:"retryCount"`
	NextEligibleAt time.Time `gorm:"index;not null" json:"nextEligibleAt"`
	LastError      string    `json:"lastError,omitempty"`
}

func (OfflineEvent) TableName() string {
	return "offline_events"
}

// Decode returns the typed payload.
func (e *OfflineEvent) Decode() (Event, error) {
	switch e.Kind {
	case KindQuestCompletion:
		var req models.CompletionRequest
		if err := json.Unmarshal(e.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s event %d: %w", e.Kind, e.ID, err)
		}
		return QuestCompletionEvent{Request: req}, nil
	default:
		return nil, fmt.Errorf("%w: %q (event %d)", ErrUnknownEventKind, e.Kind, e.ID)
	}
}

func encodeEvent(ev Event) ([]byte, error) {
	switch v := ev.(type) {
	case QuestCompletionEvent:
		return json.Marshal(v.Request)
	case *QuestCompletionEvent:
		return json.Marshal(v.Request)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventKind, ev)
	}
}

// NewDeviceEventID mints the idempotency key for one physical claim. Call it
// once per claim, never per retry.
func NewDeviceEventID() string {
	return uuid.NewString()
}
