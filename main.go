package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"pos-dispatch-api/backoff"
	"pos-dispatch-api/db"
	"pos-dispatch-api/dispatch"
	"pos-dispatch-api/metrics"
	"pos-dispatch-api/notify"
	"pos-dispatch-api/registry"
	"pos-dispatch-api/rest"
	"pos-dispatch-api/scheduler"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		logrus.Debug("no .env file loaded, using process environment")
	}

	metrics.Register()

	if err := db.Connect(); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	logrus.Info("Connected to database successfully")

	if err := db.RunMigrations(); err != nil {
		logrus.Fatalf("Failed to run migrations: %v", err)
	}

	version, err := db.GetCurrentVersion()
	if err != nil {
		logrus.Warnf("Failed to get current schema version: %v", err)
	} else {
		logrus.Infof("Database schema version: %d", version)
	}

	reg := registry.New(
		registry.WithIdleTimeout(envDuration("POS_IDLE_TIMEOUT_SECONDS", 90)),
		registry.WithSweepInterval(envDuration("POS_SWEEP_INTERVAL_SECONDS", 30)),
	)
	reg.Start()
	defer reg.Shutdown()

	notifier := notify.FromEnv()
	defer notifier.Close()

	policy := &backoff.Policy{
		Ceiling: db.GetEnvAsInt("RETRY_CEILING", backoff.DefaultCeiling),
		Strategy: backoff.NewExponential(
			envDuration("RETRY_BACKOFF_INITIAL_SECONDS", 30),
			envDuration("RETRY_BACKOFF_MAX_SECONDS", 600),
		),
	}

	dispatcher := dispatch.NewDispatcher(reg, policy, notifier,
		envDuration("DISPATCH_ACK_TIMEOUT_SECONDS", 15))

	fireScheduler := scheduler.New(dispatcher, policy, notifier,
		scheduler.WithScanInterval(envDuration("SCAN_INTERVAL_SECONDS", 1)),
		scheduler.WithStallTimeout(envDuration("STALL_TIMEOUT_SECONDS", 120)),
		scheduler.WithClaimLimit(db.GetEnvAsInt("SCAN_CLAIM_LIMIT", 50)),
		scheduler.WithConcurrency(db.GetEnvAsInt("DISPATCH_CONCURRENCY", 8)),
	)
	fireScheduler.Start()
	defer fireScheduler.Stop()

	app := fiber.New()

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	rest.Init(app, reg)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logrus.Info("Shutting down")
		_ = app.Shutdown()
	}()

	addr := db.GetEnvWithDefault("LISTEN_ADDR", ":8080")
	logrus.Infof("Starting server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}

func envDuration(key string, defaultSeconds int) time.Duration {
	return time.Duration(db.GetEnvAsInt(key, defaultSeconds)) * time.Second
}
