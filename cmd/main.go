/**
 * @description
 * This is the main entry point for the deal-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application services,
 * the background scheduler, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/bankclient, pkg/identityclient, pkg/antifraudclient: Clients for external services.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/estatehub/deal-service/internal/api"
	"github.com/estatehub/deal-service/internal/app"
	"github.com/estatehub/deal-service/internal/config"
	"github.com/estatehub/deal-service/internal/store"
	"github.com/estatehub/deal-service/pkg/antifraudclient"
	"github.com/estatehub/deal-service/pkg/bankclient"
	"github.com/estatehub/deal-service/pkg/identityclient"
	rmrabbit "github.com/estatehub/deal-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.BankWebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"bank webhook secret must be configured\" env=BANK_WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting deal-service\" port=%s bank_mode=%s", cfg.ServerPort, cfg.BankGatewayMode)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events.
	// This service only needs to publish, so we use a producer.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Select the bank gateway implementation by mode.
	var gateway bankclient.Gateway
	switch bankclient.Mode(cfg.BankGatewayMode) {
	case bankclient.ModeMock:
		gateway = bankclient.NewMock()
		log.Println("level=info component=bootstrap msg=\"bank gateway running in mock mode\"")
	default:
		gateway = bankclient.NewClient(bankclient.Mode(cfg.BankGatewayMode), cfg.BankAPIBaseURL, cfg.BankAPISecret)
	}

	// Initialize clients for the identity and antifraud collaborators.
	identityClient := identityclient.NewClient(cfg.IdentityServiceURL, cfg.IdentityServiceAPIKey)
	antifraudClient := antifraudclient.NewClient(cfg.AntifraudServiceURL, cfg.AntifraudServiceAPIKey)

	// Redis backs the webhook rate limiter. Its absence degrades, never blocks, boot.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application services with their dependencies.
	idempotencyTTL := time.Duration(cfg.IdempotencyTTLMinutes) * time.Minute
	dealService := app.NewService(repository, gateway, producer, identityClient, antifraudClient, idempotencyTTL)
	disputeService := app.NewDisputeService(repository, dealService, producer)
	webhookProcessor := app.NewWebhookProcessor(repository, dealService, cfg.BankWebhookSecret)

	var limiter *app.RedisRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// The sweep suite backs both the scheduler and the manual internal triggers.
	jobs := app.NewJobs(repository, dealService, disputeService, webhookProcessor, gateway)

	// Initialize the API handlers.
	dealHandlers := api.NewDealHandlers(dealService, disputeService, repository)
	webhookHandlers := api.NewWebhookHandlers(webhookProcessor, limiter)
	internalHandlers := api.NewInternalHandlers(jobs, webhookProcessor, repository)

	// Start the background sweeps.
	scheduler := app.NewScheduler(jobs, app.SchedulerConfig{
		HoldExpirySchedule:     cfg.HoldExpirySchedule,
		ReconciliationSchedule: cfg.ReconciliationSchedule,
		DLQRetrySchedule:       cfg.DLQRetrySchedule,
	})
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}
	defer scheduler.Stop()

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.DealRoutes(dealHandlers, webhookHandlers, internalHandlers, cfg.AuthJWKSURL, cfg.InternalAPIKey))

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
