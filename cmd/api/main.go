package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/config"
	"github.com/noah-isme/gema-assessment-api/internal/database"
	"github.com/noah-isme/gema-assessment-api/internal/handler"
	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/internal/router"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/pkg/ai"
	"github.com/noah-isme/gema-assessment-api/pkg/ocr"
	"github.com/noah-isme/gema-assessment-api/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	observability.RegisterMetrics()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	checks := map[string]handler.DependencyCheck{
		"database": databaseCheck(db),
	}

	var tracker service.ProcessingTracker
	switch cfg.TrackerBackend {
	case "redis":
		redisClient, err := database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		tracker = service.NewRedisProcessingTracker(redisClient, cfg.TrackerRetention, logger)
		checks["redis"] = redisCheck(redisClient)
	default:
		tracker = service.NewMemoryProcessingTracker(cfg.TrackerRetention, logger)
	}

	files, err := buildFileStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure file storage")
	}

	extractorCfg := service.ContentExtractorConfig{Timeout: cfg.ExtractionTimeout}
	if cfg.OCRProvider == "vision" {
		engine, err := ocr.NewVisionEngine(rootCtx, ocr.VisionConfig{
			CredentialsFile: cfg.GoogleCredentialsFile,
			Language:        cfg.OCRLanguage,
			Logger:          logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("vision ocr unavailable, images will use the extraction placeholder")
		} else {
			defer engine.Close()
			extractorCfg.OCR = engine
		}
	}

	scorer := buildScorer(cfg, logger)

	events, closeEvents := buildEventPublisher(cfg, logger, checks)
	defer closeEvents()

	validate := validator.New(validator.WithRequiredStructEnabled())

	submissionRepo := repository.NewSubmissionRepository(db)
	assessmentRepo := repository.NewAssessmentRepository(db)

	pipeline := service.NewAssessmentPipelineService(service.AssessmentPipelineDeps{
		Submissions: submissionRepo,
		Assessments: assessmentRepo,
		Files:       files,
		Extractor:   service.NewContentExtractor(extractorCfg, logger),
		Scorer:      service.NewRubricScorer(scorer, cfg.ScoringTimeout, logger),
		Tracker:     tracker,
		Events:      events,
	}, service.AssessmentPipelineConfig{MaxConcurrentRuns: cfg.MaxConcurrentRuns}, logger)
	grading := service.NewGradingService(submissionRepo, assessmentRepo, validate, logger)

	go service.RunTrackerSweep(rootCtx, tracker, cfg.TrackerSweepInterval, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		AssessmentHandler: handler.NewAssessmentHandler(pipeline, validate, logger),
		GradingHandler:    handler.NewGradingHandler(grading, logger),
		DependencyChecks:  checks,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	logger.Info().
		Str("address", cfg.HTTPAddress()).
		Str("tracker", cfg.TrackerBackend).
		Str("ai_provider", scorer.Name()).
		Msg("assessment api started")

	<-rootCtx.Done()
	waitForShutdown(app, pipeline, logger)
}

func buildFileStore(cfg config.Config, logger zerolog.Logger) (storage.FileStore, error) {
	if cfg.StorageDriver == "minio" {
		return storage.NewMinIOStore(storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		}, logger)
	}
	return storage.NewLocalStore(cfg.UploadRoot)
}

func buildScorer(cfg config.Config, logger zerolog.Logger) ai.Scorer {
	if cfg.AIProvider == "openai" {
		scorer, err := ai.NewOpenAIScorer(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			Logger: logger,
		})
		if err == nil {
			return scorer
		}
		logger.Warn().Err(err).Msg("openai scorer unavailable, falling back to deterministic scoring")
	}
	return ai.NewDeterministicScorer()
}

func buildEventPublisher(cfg config.Config, logger zerolog.Logger, checks map[string]handler.DependencyCheck) (service.AssessmentEventPublisher, func()) {
	publishers := []service.AssessmentEventPublisher{service.NewLoggingEventPublisher(logger)}
	closers := []func(){}

	if cfg.NATSURL != "" {
		conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, assessment events will not be published there")
		} else {
			publishers = append(publishers, service.NewNATSEventPublisher(conn, cfg.EventsSubject))
			closers = append(closers, conn.Close)
		}
	}

	if cfg.AMQPURL != "" {
		broker, err := database.ConnectRabbitMQ(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			logger.Warn().Err(err).Msg("rabbitmq unavailable, assessment events will not be published there")
		} else {
			publishers = append(publishers, service.NewAMQPEventPublisher(broker.Channel, cfg.EventsExchange))
			checks["rabbitmq"] = func(context.Context) error {
				if broker.Conn.IsClosed() {
					return errors.New("rabbitmq connection closed")
				}
				return nil
			}
			closers = append(closers, func() { _ = broker.Close() })
		}
	}

	return service.NewMultiEventPublisher(publishers...), func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}
}

func databaseCheck(db *gorm.DB) handler.DependencyCheck {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func redisCheck(client *redis.Client) handler.DependencyCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func waitForShutdown(app *fiber.App, pipeline service.AssessmentPipelineService, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if err := pipeline.Wait(ctx); err != nil {
		logger.Warn().Err(err).Msg("assessment runs still in flight at shutdown")
	}

	logger.Info().Msg("server stopped")
}
