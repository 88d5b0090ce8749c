package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"passport-quest/config"
	"passport-quest/database"
	"passport-quest/handlers"
	"passport-quest/logger"
	"passport-quest/middleware"
	"passport-quest/models"
	"passport-quest/services"
	"passport-quest/utils"
	"passport-quest/workers"
)

func main() {
	envLoaded := config.LoadEnv()

	cfg, err := config.LoadServer()
	if err != nil {
		logger.Init("info")
		log.Fatal().Err(err).Msg("❌ invalid configuration")
	}
	logger.Init(cfg.LogLevel)
	if !envLoaded {
		log.Warn().Msg("⚠️  No .env file found, reading environment variables directly")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.MigrateServer(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	clock := clockwork.NewRealClock()
	defaults := models.AntiCheatPolicy{
		MaxAccuracyM:         cfg.AntiCheat.MaxAccuracyM,
		MaxSpeedMps:          cfg.AntiCheat.MaxSpeedMps,
		MaxAttemptsPerMinute: cfg.AntiCheat.MaxAttemptsPerMinute,
	}

	catalog := services.NewQuestCatalog(db)
	cities := services.NewCityConfigService(db, defaults)
	progressionService := services.NewProgressionService(db)
	badgeService := services.NewBadgeService(db)
	if err := badgeService.SeedBadgeTypes(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to seed badge types")
	}
	ledger := services.NewCompletionLedger(db, progressionService, badgeService, clock)

	var limiter services.RateLimiter = services.NewAttemptLogLimiter(db)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to reach redis")
		}
		limiter = services.NewRedisRateLimiter(rdb)
		log.Info().Msg("✅ Rate limiting backed by Redis")
	}
	gate := services.NewCompletionGate(db, catalog, cities, limiter, ledger, clock)

	var uploader utils.ObjectUploader
	if cfg.R2.Enabled() {
		r2, err := utils.NewR2Uploader(ctx, cfg.R2.AccountID, cfg.R2.AccessKeyID, cfg.R2.AccessKeySecret, cfg.R2.Bucket)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize R2 client")
		}
		uploader = r2
	} else {
		log.Warn().Msg("⚠️  R2 not configured, attempt export disabled (pruning still runs)")
	}
	archiver := workers.NewAttemptArchiver(db, uploader, cfg.AttemptRetentionDays, clock)
	archiveSched, err := archiver.Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start attempt archiver")
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             64 * 1024,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods: "GET,POST,PUT,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Device-ID",
		MaxAge:       86400,
	}))

	authClient := services.NewAuthServiceClient(cfg.AuthServiceURL, cfg.AuthServiceToken)
	bearer := middleware.BearerAuth(authClient)

	handlers.SetupHealthRoutes(app, db)
	handlers.SetupCompletionRoutes(app, bearer, gate)
	handlers.SetupConfigRoutes(app, bearer, cities)
	handlers.SetupProgressionRoutes(app, bearer, progressionService, badgeService)
	handlers.SetupAdminRoutes(app, middleware.ServiceTokenAuth(cfg.ServiceToken), catalog, cities)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("✅ Server running")
	log.Info().Strs("origins", cfg.AllowedOrigins).Msg("✅ CORS configured")

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if err := archiveSched.Shutdown(); err != nil {
		log.Error().Err(err).Msg("archive scheduler shutdown")
	}
	if err := database.Close(db); err != nil {
		log.Error().Err(err).Msg("database close")
	}
}
