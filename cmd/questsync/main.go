// Command questsync is the device-side sync agent: it queues quest claims
// locally and flushes them to the completion API.
//
//	questsync -quest q1 -lat 12.9716 -lng 77.5946 -accuracy 12   queue a claim and flush
//	questsync -status                                            print queue and sync state
//	questsync -watch                                             flush on a timer and log state changes until interrupted
//	questsync -clear                                             drop the queue (sign-out)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"passport-quest/config"
	"passport-quest/database"
	"passport-quest/logger"
	"passport-quest/models"
	"passport-quest/offline"
)

func main() {
	var (
		questID    = flag.String("quest", "", "quest id to claim")
		lat        = flag.Float64("lat", 0, "latitude of the claim")
		lng        = flag.Float64("lng", 0, "longitude of the claim")
		accuracy   = flag.Float64("accuracy", 0, "GPS accuracy in metres")
		speed      = flag.Float64("speed", -1, "speed in m/s (negative to omit)")
		status     = flag.Bool("status", false, "print queue and sync state")
		watch      = flag.Bool("watch", false, "keep flushing on the configured interval")
		clearQueue = flag.Bool("clear", false, "drop every queued claim")
	)
	flag.Parse()

	config.LoadEnv()
	cfg, err := config.LoadClient()
	if err != nil {
		logger.Init("info")
		log.Fatal().Err(err).Msg("❌ invalid configuration")
	}
	logger.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenSQLite(cfg.LocalDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open local store")
	}
	defer database.Close(db)

	clock := clockwork.NewRealClock()
	store, err := offline.OpenStore(ctx, db, clock, cfg.BackoffCap)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open offline queue")
	}

	reach, err := offline.NewDialReachability(cfg.APIBaseURL, 3*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("bad API_BASE_URL")
	}
	submitter := offline.NewSubmitter(cfg.APIBaseURL, offline.StaticTokenProvider(cfg.AccessToken), store, cfg.RequestTimeout)
	sched := offline.NewScheduler(store, submitter, reach, nil, clock, offline.SchedulerConfig{
		Interval:   cfg.FlushInterval,
		BatchLimit: cfg.FlushBatchLimit,
	})

	switch {
	case *clearQueue:
		if err := sched.OnSessionEnded(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to clear queue")
		}
		printState(ctx, sched)
		return

	case *questID != "":
		req := models.CompletionRequest{
			QuestID:       *questID,
			OccurredAt:    clock.Now().UTC(),
			Location:      models.Location{Lat: *lat, Lng: *lng, AccuracyM: *accuracy},
			DeviceEventID: offline.NewDeviceEventID(),
		}
		if *speed >= 0 {
			req.Location.SpeedMps = speed
		}
		ev, err := sched.Enqueue(ctx, req)
		if err != nil {
			// the claim was not saved; the user has to know
			log.Fatal().Err(err).Msg("could not save completion")
		}
		log.Info().Str("device_event_id", ev.DeviceEventID).Msg("claim queued")
	}

	if *status {
		printState(ctx, sched)
		return
	}

	sched.OnSessionReady(ctx)
	sched.OnForeground(ctx)

	if *watch {
		if err := sched.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start scheduler")
		}
		watchState(ctx, sched.State())
		if err := sched.Stop(); err != nil {
			log.Error().Err(err).Msg("scheduler shutdown")
		}
	}

	printState(ctx, sched)
}

// watchState logs every sync state change until ctx ends.
func watchState(ctx context.Context, state *offline.SyncState) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-state.Changes():
			snap := state.Snapshot()
			ev := log.Info().
				Int64("pending", snap.PendingCount).
				Bool("syncing", snap.Syncing).
				Bool("offline", snap.Offline)
			if snap.LastError != "" {
				ev = ev.Str("last_error", snap.LastError)
			}
			if snap.LastRejection != nil {
				ev = ev.Str("last_rejection", string(snap.LastRejection.Reason))
			}
			ev.Msg("🔄 [SYNC] state")
		}
	}
}

func printState(ctx context.Context, sched *offline.Scheduler) {
	sched.Refresh(ctx)
	out, _ := json.MarshalIndent(sched.State().Snapshot(), "", "  ")
	fmt.Println(string(out))
}
