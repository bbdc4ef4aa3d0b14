package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"omnibox/config"
	"omnibox/hub"
	"omnibox/middleware"
	"omnibox/models"
	"omnibox/pipeline"
	"omnibox/routes"
	"omnibox/utils"
	"omnibox/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "OMNIBOX: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Sentry error reporting
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Real-time hub and ingest pipeline
	h := hub.New(log.New(os.Stdout, "HUB: ", log.LstdFlags))
	pl := pipeline.New(config.DB, h, log.New(os.Stdout, "PIPELINE: ", log.LstdFlags))

	// Chat providers go out through the relay; the email provider speaks
	// SMTP directly.
	relay := utils.NewRelayClient(config.AppConfig.Relay.BaseURL, config.AppConfig.Relay.APIKey, log.New(os.Stdout, "RELAY: ", log.LstdFlags))
	pl.RegisterFallbackSender(relay)
	pl.RegisterSender(models.ProviderEmail, utils.NewMailer(log.New(os.Stdout, "MAILER: ", log.LstdFlags)))

	// Start the IMAP sync worker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	syncWorker := worker.NewEmailSyncWorker(config.DB, pl,
		time.Duration(config.AppConfig.SyncInterval)*time.Second,
		log.New(os.Stdout, "EMAILSYNC: ", log.LstdFlags))
	go syncWorker.Start(ctx)

	// Setup routes
	routes.SetupRoutes(app, config.DB, pl, h)

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
