/**
 * @description
 * This is the main entry point for the credits-service. It initializes all
 * components: configuration, database connection pool, Redis (balance feed +
 * refill guard), RabbitMQ producer and consumer, the payment processor
 * client, the ledger repository, the core application service, the
 * auto-refill cron scheduler, and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/paymentclient, pkg/rabbitmq: Clients for external collaborators.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
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
	"github.com/sitebloom/credits-service/internal/api"
	"github.com/sitebloom/credits-service/internal/app"
	"github.com/sitebloom/credits-service/internal/config"
	"github.com/sitebloom/credits-service/internal/store"
	"github.com/sitebloom/credits-service/pkg/paymentclient"
	rmrabbit "github.com/sitebloom/credits-service/pkg/rabbitmq"
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

	log.Printf("level=info component=bootstrap msg=\"starting credits-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
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

	// Redis backs the balance change feed and the auto-refill guard. Missing
	// Redis degrades both: session caches fall back to read-through refreshes
	// and refill checkouts lose the one-in-flight guarantee.
	var feed app.BalanceFeed = app.NoopBalanceFeed{}
	var refillGuard app.RefillGuard = app.NoopRefillGuard{}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; balance feed and refill guard disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; balance feed and refill guard disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; balance feed and refill guard disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				feed = app.NewRedisBalanceFeed(redisClient, "credits:balance")
				refillGuard = app.NewRedisRefillGuard(redisClient, "credits:refill_pending", time.Duration(cfg.RefillGuardTTLMin)*time.Minute)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the RabbitMQ producer to publish credit events.
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

	// Initialize the client for the external payment processor. Missing
	// config disables auto-refill checkouts but not the rest of the ledger.
	var payments app.PaymentGateway
	if strings.TrimSpace(cfg.PaymentAPIBaseURL) == "" || strings.TrimSpace(cfg.PaymentAPIKey) == "" {
		log.Printf("level=warn component=bootstrap msg=\"payment client not configured; auto-refill checkouts disabled\" base_url_set=%t api_key_set=%t",
			strings.TrimSpace(cfg.PaymentAPIBaseURL) != "",
			strings.TrimSpace(cfg.PaymentAPIKey) != "",
		)
	} else {
		payments = paymentclient.NewClient(cfg.PaymentAPIBaseURL, cfg.PaymentAPIKey)
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	policy := app.NewPolicy(cfg.ActionCosts(), cfg.PolicyFailClosed)
	creditsService := app.NewService(repository, policy, app.ServiceOptions{
		Feed:                feed,
		Producer:            producer,
		Payments:            payments,
		RefillGuard:         refillGuard,
		EventExchange:       cfg.BillingEventExchange,
		PackCatalog:         cfg.PackCatalog(),
		ReferralBonus:       cfg.ReferralBonusCredits,
		SignupBonus:         cfg.SignupBonusCredits,
		DefaultRefillPackID: cfg.DefaultRefillPackID,
		LowBalanceThreshold: cfg.LowBalanceThreshold,
	})

	// Initialize the API handlers.
	creditHandlers := api.NewCreditHandlers(creditsService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/credits", api.CreditRoutes(creditHandlers, cfg.JWKSURL, cfg.InternalAPIKey, cfg.AllowedOrigins))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire the billing event consumer: payment confirmations, referral
	// completions and account provisioning arrive over the broker.
	billingConsumer := app.NewBillingEventConsumer(creditsService)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; broker-delivered grants disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		billingBindings := map[string]func([]byte) bool{
			"payment.confirmed":  billingConsumer.HandlePaymentConfirmed,
			"referral.completed": billingConsumer.HandleReferralCompleted,
			"account.created":    billingConsumer.HandleAccountCreated,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.BillingEventExchange, cfg.BillingEventQueue, billingBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"billing consumer start failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"billing consumer started\"")
	}

	// Start the auto-refill sweep.
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	sweeper := app.NewRefillSweeper(creditsService, cfg.RefillSweepBatchSize, slogger)
	scheduler := app.NewScheduler(sweeper, slogger)
	scheduler.Start(cfg.RefillSweepSchedule)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped\" err=%v", err)
		}
	}()

	// Wait for an interrupt signal, then shut down gracefully.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("level=info component=bootstrap msg=\"shutting down\"")

	<-scheduler.Stop().Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=warn component=http msg=\"graceful shutdown failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"stopped\"")
}
