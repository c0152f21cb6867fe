package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"frogpump/config"
	"frogpump/log"
	"frogpump/models"
	"frogpump/services"

	"go.uber.org/zap"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Validate required configuration
	if cfg.FirebaseDbUrl == "" || cfg.FirebaseServiceAccountJSON == "" {
		logger.Fatal("Firebase configuration is required")
	}

	// Initialize services
	store, err := services.NewFirebaseStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase store", zap.Error(err))
	}

	identity := &services.StaticIdentity{
		UID:         cfg.OperatorUID,
		Email:       cfg.OperatorEmail,
		DisplayName: cfg.OperatorName,
	}

	var notifier services.Notifier = &services.LogNotifier{Logger: logger}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		tg, err := services.NewTelegramNotifier(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram notifier", zap.Error(err))
		}
		notifier = tg
	}

	sessions := services.NewSessionManager(store, identity, notifier, logger)
	commands := services.NewCommandChannel(store, identity, logger)
	commands.SetPollInterval(time.Duration(cfg.StatusPollSeconds) * time.Second)
	devices := services.NewDeviceService(store, logger)
	migrator := services.NewMigrator(store, logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	cleanupDone := make(chan bool, 1)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping services")

		cancel()

		select {
		case <-cleanupDone:
			logger.Info("Cleanup completed successfully")
		case <-time.After(5 * time.Second):
			logger.Warn("Cleanup timeout, forcing exit")
		}

		logger.Info("Frog Pump control agent stopped")
		os.Exit(0)
	}()

	// Side services: firmware heartbeats over MQTT and runtime counters
	// from the event queue. Both are optional in local setups.
	if cfg.MQTTBroker != "" {
		bridge, err := services.NewPresenceBridge(cfg, store, logger)
		if err != nil {
			logger.Fatal("Failed to initialize presence bridge", zap.Error(err))
		}
		if err := bridge.Start(ctx); err != nil {
			logger.Fatal("Failed to start presence bridge", zap.Error(err))
		}
	}

	var accumulator *services.RuntimeAccumulator
	if cfg.RabbitMQURL != "" {
		accumulator, err = services.NewRuntimeAccumulator(cfg, store, logger)
		if err != nil {
			logger.Fatal("Failed to initialize runtime accumulator", zap.Error(err))
		}
		go func() {
			if err := accumulator.Consume(ctx); err != nil {
				logger.Error("Runtime event consumer stopped", zap.Error(err))
			}
		}()
	}

	deviceID := models.NormalizeDeviceID(cfg.DeviceID)
	if deviceID != "" {
		if !models.IsValidDeviceID(deviceID) {
			logger.Fatal("Invalid device ID", zap.String("device_id", deviceID))
		}
		if !devices.Exists(ctx, deviceID) {
			logger.Fatal("Device not found", zap.String("device_id", deviceID))
		}

		if _, err := migrator.CheckAndMigrate(ctx, deviceID); err != nil {
			logger.Warn("Schema migration failed, continuing with current data", zap.Error(err))
		}

		result := sessions.ClaimSession(ctx, deviceID)
		if !result.Success {
			logger.Fatal("Could not claim device session",
				zap.String("message", result.Message),
				zap.String("blocked_by", result.BlockedBy))
		}

		wasRunning := false
		notifiedDead := false
		sub := commands.WatchLiveStatus(ctx, deviceID, func(running bool, status *models.LiveStatus) {
			if status == nil {
				return
			}

			if running != wasRunning {
				logger.Info("Pump state changed",
					zap.String("device_id", deviceID),
					zap.Bool("running", running),
					zap.String("mode", string(status.ActiveMode)),
					zap.Float64("rpm", status.CurrentRPM))
				wasRunning = running
			}

			// A stored non-NONE mode with a false derived state means the
			// staleness or offline override kicked in.
			overridden := status.ActiveMode != models.ModeNone && !running
			if overridden && !notifiedDead {
				notifier.Notify("Device " + deviceID + " stopped responding while a command was active.")
				notifiedDead = true
			} else if !overridden {
				notifiedDead = false
			}
		})
		defer sub.Cancel()
	}

	logger.Info("Frog Pump control agent started",
		zap.String("device_id", deviceID),
		zap.String("operator", cfg.OperatorEmail))

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("Starting cleanup")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer shutdownCancel()

	// The logout path: drop every lease we hold.
	sessions.ReleaseAllSessions(shutdownCtx)

	if accumulator != nil {
		if err := accumulator.Close(); err != nil {
			logger.Error("Error closing runtime accumulator", zap.Error(err))
		}
	}

	cleanupDone <- true
}
