package main

import (
	"log"

	"aileaders-bot/internal/bot"
	"aileaders-bot/internal/certificate"
	"aileaders-bot/internal/config"
	"aileaders-bot/internal/database"
	"aileaders-bot/internal/ledger"
	"aileaders-bot/internal/monitoring"
	"aileaders-bot/internal/worker"
)

func main() {
	// Load Configuration
	cfg := config.LoadConfig()
	if cfg.BotToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN environment variable is not set")
	}

	// Connect to Database
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	// Connect to Redis
	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Could not connect to redis: %v", err)
	}

	lg := ledger.New(db)

	certs, err := certificate.NewGenerator(cfg.TemplatePath, cfg.OutputDir, cfg.VerifyBaseURL)
	if err != nil {
		log.Fatalf("Could not set up certificate generator: %v", err)
	}

	b, err := bot.NewBot(cfg, lg, certs, rdb)
	if err != nil {
		log.Fatalf("Could not create bot: %v", err)
	}

	go monitoring.Serve(cfg.MetricsAddr)

	notifier := worker.NewNotifier(lg, rdb, b.Instance)
	go notifier.Start()

	log.Println("Service started successfully")
	b.Start()
}
