// Command simulator emulates the Frog Pump board firmware against a
// real database instance: it seeds the device tree, heartbeats its
// connection, acknowledges commands after a short processing delay and
// reports completed runs to the runtime event queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"frogpump/config"
	"frogpump/log"
	"frogpump/models"
	"frogpump/services"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	deviceID   = flag.String("device", "FROG-AA00BB", "Device ID to simulate")
	broker     = flag.String("broker", "", "MQTT broker (host:port) for presence heartbeats; empty writes directly to the database")
	mqttUser   = flag.String("user", "", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
	rabbitURL  = flag.String("rabbit", "", "RabbitMQ URL for runtime events; empty disables publishing")
	exchange   = flag.String("exchange", "frogpump", "RabbitMQ exchange for runtime events")
	routingKey = flag.String("routing-key", "pump_runtime_queue", "Routing key for runtime events")
	ackDelay   = flag.Duration("ack-delay", 800*time.Millisecond, "Simulated command processing delay")
)

type simulator struct {
	deviceID string
	store    services.Store
	logger   *zap.Logger

	mqttClient  mqtt.Client
	amqpChannel *amqp.Channel

	mlPerRev      float64
	lastProcessed string // lastUpdated of the last command handled
}

func main() {
	flag.Parse()

	logger := log.GetInstance()
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file loaded", zap.Error(err))
	}

	cfg := &config.Config{
		FirebaseDbUrl:              os.Getenv("FIREBASE_DB_URL"),
		FirebaseServiceAccountJSON: os.Getenv("FIREBASE_SERVICE_ACCOUNT_JSON"),
	}
	if cfg.FirebaseDbUrl == "" || cfg.FirebaseServiceAccountJSON == "" {
		logger.Fatal("FIREBASE_DB_URL and FIREBASE_SERVICE_ACCOUNT_JSON are required")
	}

	if !models.IsValidDeviceID(*deviceID) {
		logger.Fatal("Invalid device ID", zap.String("device_id", *deviceID))
	}

	store, err := services.NewFirebaseStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase store", zap.Error(err))
	}

	sim := &simulator{
		deviceID: models.NormalizeDeviceID(*deviceID),
		store:    store,
		logger:   logger,
		mlPerRev: 1.5,
	}

	if *broker != "" {
		opts := mqtt.NewClientOptions().
			AddBroker("tcp://" + *broker).
			SetClientID("frogpump-sim-" + sim.deviceID).
			SetUsername(*mqttUser).
			SetPassword(*mqttPass).
			SetAutoReconnect(true)
		sim.mqttClient = mqtt.NewClient(opts)
		if token := sim.mqttClient.Connect(); token.Wait() && token.Error() != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
		}
		logger.Info("Publishing heartbeats over MQTT", zap.String("broker", *broker))
	}

	if *rabbitURL != "" {
		conn, err := amqp.Dial(*rabbitURL)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer conn.Close()
		sim.amqpChannel, err = conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open RabbitMQ channel", zap.Error(err))
		}
		logger.Info("Publishing runtime events", zap.String("exchange", *exchange))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Simulator shutting down")
		cancel()
	}()

	if err := sim.seed(ctx); err != nil {
		logger.Fatal("Failed to seed device tree", zap.Error(err))
	}

	logger.Info("Simulator online", zap.String("device_id", sim.deviceID))
	sim.run(ctx)

	// Leave an honest offline marker behind.
	offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer offCancel()
	sim.store.Update(offCtx, "devices/"+sim.deviceID+"/connection", map[string]interface{}{"online": false})
}

// seed resets the device tree to a known state, as the board does on
// power-up.
func (s *simulator) seed(ctx context.Context) error {
	now := time.Now()
	device := &models.Device{
		Identity: &models.Identity{
			MAC:      "AA:BB:CC:DD:EE:FF",
			Firmware: "v-SIMULATOR",
		},
		TubeConfig: &models.TubeConfig{
			TubeName:        "2mm",
			MLPerRev:        s.mlPerRev,
			CalibrationType: "basic",
			LastCalibrated:  now.UnixMilli(),
			AntiDrip:        true,
		},
		Connection: &models.Connection{
			Online:   true,
			IP:       "127.0.0.1",
			LastSeen: now.UnixMilli(),
		},
		LiveStatus: &models.LiveStatus{
			ActiveMode:   models.ModeNone,
			InputMode:    models.InputRPM,
			CurrentRPM:   0,
			Direction:    models.DirectionCW,
			Acknowledged: true,
			LastIssuedBy: "simulator",
			LastUpdated:  now.Format(time.RFC3339),
		},
	}
	return s.store.Set(ctx, "devices/"+s.deviceID, device)
}

func (s *simulator) run(ctx context.Context) {
	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()
	poll := time.NewTicker(1 * time.Second)
	defer poll.Stop()

	s.sendHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.sendHeartbeat(ctx)
		case <-poll.C:
			s.checkForCommand(ctx)
		}
	}
}

func (s *simulator) sendHeartbeat(ctx context.Context) {
	payload := &services.PresenceMessage{
		Online:   true,
		IP:       "127.0.0.1",
		LastSeen: time.Now().UnixMilli(),
	}

	if s.mqttClient != nil {
		body, _ := json.Marshal(payload)
		topic := "frogpump/" + s.deviceID + "/connection"
		if token := s.mqttClient.Publish(topic, 1, false, body); token.Wait() && token.Error() != nil {
			s.logger.Error("Failed to publish heartbeat", zap.Error(token.Error()))
		}
		return
	}

	err := s.store.Update(ctx, "devices/"+s.deviceID+"/connection", map[string]interface{}{
		"online":   payload.Online,
		"ip":       payload.IP,
		"lastSeen": payload.LastSeen,
	})
	if err != nil {
		s.logger.Error("Failed to write heartbeat", zap.Error(err))
	}
}

// checkForCommand acknowledges a pending command and schedules run
// completion for the timed modes.
func (s *simulator) checkForCommand(ctx context.Context) {
	var status models.LiveStatus
	if err := s.store.Get(ctx, "devices/"+s.deviceID+"/liveStatus", &status); err != nil {
		s.logger.Error("Failed to read live status", zap.Error(err))
		return
	}
	if status.Acknowledged || status.LastUpdated == s.lastProcessed {
		return
	}
	s.lastProcessed = status.LastUpdated

	s.logger.Info("Command received",
		zap.String("mode", string(status.ActiveMode)),
		zap.Float64("rpm", status.CurrentRPM))

	// Simulated motor spin-up before the acknowledgment lands.
	time.Sleep(*ackDelay)

	err := s.store.Update(ctx, "devices/"+s.deviceID+"/liveStatus", map[string]interface{}{
		"acknowledged": true,
	})
	if err != nil {
		s.logger.Error("Failed to acknowledge command", zap.Error(err))
		return
	}
	s.logger.Info("Command acknowledged")

	runSeconds := s.runSeconds(ctx, &status)
	if runSeconds <= 0 {
		return
	}

	rpm := status.CurrentRPM
	time.AfterFunc(time.Duration(runSeconds*float64(time.Second)), func() {
		s.completeRun(rpm, runSeconds)
	})
}

// runSeconds returns how long the commanded run lasts, or 0 for
// untimed modes.
func (s *simulator) runSeconds(ctx context.Context, status *models.LiveStatus) float64 {
	switch status.ActiveMode {
	case models.ModeRPM:
		var block models.RPMDispense
		if err := s.store.Get(ctx, "devices/"+s.deviceID+"/rpmDispense", &block); err != nil {
			s.logger.Error("Failed to read rpmDispense", zap.Error(err))
			return 0
		}
		return float64(block.OnTime) / 1000
	case models.ModeVolume:
		var block models.VolumeDispense
		if err := s.store.Get(ctx, "devices/"+s.deviceID+"/volumeDispense", &block); err != nil {
			s.logger.Error("Failed to read volumeDispense", zap.Error(err))
			return 0
		}
		return models.DispenseSeconds(block.TargetVolume, s.mlPerRev, status.CurrentRPM)
	default:
		return 0
	}
}

func (s *simulator) completeRun(rpm, runSeconds float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.store.Update(ctx, "devices/"+s.deviceID+"/liveStatus", map[string]interface{}{
		"activeMode":   string(models.ModeNone),
		"currentRPM":   0,
		"acknowledged": true,
		"lastUpdated":  time.Now().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Error("Failed to complete run", zap.Error(err))
		return
	}

	dispensed := models.FlowRate(rpm, s.mlPerRev) * runSeconds / 60

	s.logger.Info("Run completed",
		zap.Float64("runtime_seconds", runSeconds),
		zap.Float64("dispensed_ml", dispensed))

	if s.amqpChannel == nil {
		return
	}

	event := &models.RuntimeEvent{
		DeviceID:       s.deviceID,
		RuntimeSeconds: int64(runSeconds + 0.5),
		DispensedML:    dispensed,
	}
	body, _ := json.Marshal(event)

	err = s.amqpChannel.PublishWithContext(ctx, *exchange, *routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		s.logger.Error("Failed to publish runtime event", zap.Error(err))
	}
}
