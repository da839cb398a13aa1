package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"zapdesk/config"
	"zapdesk/internal/db"
	"zapdesk/internal/dispatch"
	"zapdesk/internal/events"
	"zapdesk/internal/gateway"
	"zapdesk/internal/handlers"
	"zapdesk/internal/media"
	"zapdesk/internal/models"
	"zapdesk/internal/services"
	"zapdesk/pkg/logger"
)

const schedulerInterval = time.Minute

func main() {
	logger.InitLogger()

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	database, err := db.InitDB(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := db.MigrateDB(database, models.All()...); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	gatewayClient, err := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway client")
	}

	storage := buildStorage(cfg)
	mediaService, err := media.NewService(database, storage, cfg.GatewayTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize media service")
	}

	publisher := buildPublisher(cfg)

	identityService, err := services.NewIdentityService(database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize identity service")
	}
	instanceService, err := services.NewInstanceService(database, gatewayClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize instance service")
	}
	ingestService, err := services.NewIngestService(database, identityService, mediaService, publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ingest service")
	}
	outboundService, err := services.NewOutboundService(database, gatewayClient, instanceService, mediaService, publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize outbound service")
	}
	broadcastService, err := services.NewBroadcastService(database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize broadcast service")
	}
	syncService, err := services.NewSyncService(gatewayClient, identityService, ingestService, instanceService)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sync service")
	}

	queue := buildQueue(cfg)
	engine, err := dispatch.NewEngine(broadcastService, identityService, instanceService, gatewayClient, queue, dispatch.EngineConfig{
		Workers:   cfg.DispatchWorkers,
		SendDelay: cfg.SendDelay,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize dispatch engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start dispatch engine")
	}
	go engine.RunScheduler(ctx, schedulerInterval)

	router := mux.NewRouter()
	webhookHandler := handlers.NewWebhookHandler(instanceService, ingestService)
	router.HandleFunc("/webhook/{instanceName}", webhookHandler.Handle).Methods(http.MethodPost)
	apiHandler := handlers.NewAPIHandler(broadcastService, outboundService, syncService, instanceService, engine)
	apiHandler.Register(router)

	chain := alice.New(handlers.RequestLogger, handlers.JSONContentType)
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: chain.Then(router),
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := queue.Close(); err != nil {
		log.Error().Err(err).Msg("Queue shutdown failed")
	}
	engine.Wait()
	if closer, ok := publisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Error().Err(err).Msg("Event publisher shutdown failed")
		}
	}
	log.Info().Msg("Shutdown complete")
}

func buildStorage(cfg *config.Config) media.Storage {
	if cfg.MediaDisk == "s3" {
		storage, err := media.NewS3Storage(media.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 media storage")
		}
		return storage
	}

	storage, err := media.NewLocalStorage(cfg.MediaBasePath, cfg.MediaPublicURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize local media storage")
	}
	return storage
}

func buildPublisher(cfg *config.Config) events.Publisher {
	if cfg.RabbitURL == "" {
		log.Info().Msg("No RabbitMQ URL configured, domain events disabled")
		return events.NopPublisher{}
	}
	publisher, err := events.NewRabbitPublisher(cfg.RabbitURL, cfg.QueuePrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect event publisher to RabbitMQ")
	}
	return publisher
}

func buildQueue(cfg *config.Config) dispatch.Queue {
	if cfg.RabbitURL == "" {
		log.Info().Msg("No RabbitMQ URL configured, using in-memory dispatch queue")
		return dispatch.NewMemoryQueue(0)
	}
	queue, err := dispatch.NewRabbitQueue(cfg.RabbitURL, cfg.QueuePrefix, cfg.DispatchWorkers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect dispatch queue to RabbitMQ")
	}
	return queue
}
