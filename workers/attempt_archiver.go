// workers/attempt_archiver.go
package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gosimple/slug"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"passport-quest/models"
	"passport-quest/utils"
)

const archivePrefix = "completion-attempts"

// AttemptArchiver exports yesterday's completion attempts to object storage
// once a day and prunes the attempt log past its retention window.
type AttemptArchiver struct {
	db        *gorm.DB
	uploader  utils.ObjectUploader // nil disables export
	retention time.Duration
	clock     clockwork.Clock
}

func NewAttemptArchiver(db *gorm.DB, uploader utils.ObjectUploader, retentionDays int, clock clockwork.Clock) *AttemptArchiver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retentionDays < 1 {
		retentionDays = 1
	}
	return &AttemptArchiver{
		db:        db,
		uploader:  uploader,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		clock:     clock,
	}
}

// Start schedules RunOnce daily at 00:15 UTC. The caller owns Shutdown.
func (w *AttemptArchiver) Start(ctx context.Context) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithClock(w.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 15, 0))),
		gocron.NewTask(func() {
			if err := w.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("⚠️ [ARCHIVE] run failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule attempt archive: %w", err)
	}

	sched.Start()
	log.Info().Dur("retention", w.retention).Bool("export", w.uploader != nil).Msg("🔁 [ARCHIVE] attempt archiver scheduled")
	return sched, nil
}

// RunOnce exports the previous UTC day and prunes. Pruning runs even when the
// export fails; both errors are returned joined.
func (w *AttemptArchiver) RunOnce(ctx context.Context) error {
	now := w.clock.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)

	var exportErr error
	if w.uploader != nil {
		exportErr = w.ExportDay(ctx, day)
	}

	pruned, pruneErr := w.Prune(ctx, now)
	if pruneErr == nil {
		log.Info().Int64("rows", pruned).Msg("🧹 [ARCHIVE] pruned completion attempts")
	}
	return errors.Join(exportErr, pruneErr)
}

// ExportDay writes one JSON-lines object per city for the UTC day starting at day.
func (w *AttemptArchiver) ExportDay(ctx context.Context, day time.Time) error {
	start := day.UTC()
	end := start.AddDate(0, 0, 1)

	byCity := map[string]*bytes.Buffer{}
	var order []string

	rows, err := w.db.WithContext(ctx).
		Model(&models.CompletionAttempt{}).
		Where("created_at >= ? AND created_at < ?", start, end).
		Order("created_at ASC").
		Rows()
	if err != nil {
		return fmt.Errorf("failed to read attempts for %s: %w", start.Format("2006-01-02"), err)
	}
	defer rows.Close()

	for rows.Next() {
		var attempt models.CompletionAttempt
		if err := w.db.ScanRows(rows, &attempt); err != nil {
			return fmt.Errorf("failed to scan attempt: %w", err)
		}
		city := attempt.CityID
		if city == "" {
			city = "unknown"
		}
		buf, ok := byCity[city]
		if !ok {
			buf = &bytes.Buffer{}
			byCity[city] = buf
			order = append(order, city)
		}
		if err := json.NewEncoder(buf).Encode(&attempt); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read attempts for %s: %w", start.Format("2006-01-02"), err)
	}
	rows.Close()

	var errs []error
	for _, city := range order {
		key := ArchiveKey(start, city)
		if err := w.uploader.PutObject(ctx, key, byCity[city].Bytes(), "application/x-ndjson"); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info().Str("key", key).Int("bytes", byCity[city].Len()).Msg("📦 [ARCHIVE] exported attempts")
	}
	return errors.Join(errs...)
}

// Prune deletes attempts older than the retention window.
func (w *AttemptArchiver) Prune(ctx context.Context, now time.Time) (int64, error) {
	res := w.db.WithContext(ctx).
		Where("created_at < ?", now.Add(-w.retention)).
		Delete(&models.CompletionAttempt{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune attempts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ArchiveKey is the object key for one city's attempts on one UTC day.
func ArchiveKey(day time.Time, cityID string) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", archivePrefix, day.UTC().Format("2006-01-02"), slug.Make(cityID))
}
