package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"frogpump/config"
	"frogpump/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// presenceTopic is the wildcard the firmware publishes heartbeats on:
// frogpump/<device-id>/connection.
const presenceTopic = "frogpump/+/connection"

// PresenceMessage is the firmware's MQTT heartbeat payload, mirrored
// verbatim into the device's connection subtree.
type PresenceMessage struct {
	Online   bool   `json:"online"`
	IP       string `json:"ip"`
	LastSeen int64  `json:"lastSeen"`
}

// PresenceBridge mirrors firmware MQTT heartbeats into the connection
// subtree of the realtime database, so clients that only watch the
// database still see liveness from devices reporting over MQTT.
type PresenceBridge struct {
	client mqtt.Client
	store  Store
	logger *zap.Logger
}

func NewPresenceBridge(cfg *config.Config, store Store, logger *zap.Logger) (*PresenceBridge, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", cfg.MQTTBroker)).
		SetClientID("frogpump-presence-bridge").
		SetUsername(cfg.MQTTUser).
		SetPassword(cfg.MQTTPass).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("Connected to MQTT broker", zap.String("broker", cfg.MQTTBroker))

	return &PresenceBridge{
		client: client,
		store:  store,
		logger: logger,
	}, nil
}

// Start subscribes to the presence topic and mirrors heartbeats until
// the context is cancelled.
func (b *PresenceBridge) Start(ctx context.Context) error {
	if token := b.client.Subscribe(presenceTopic, 1, b.handleHeartbeat); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", presenceTopic, token.Error())
	}

	b.logger.Info("Presence bridge subscribed", zap.String("topic", presenceTopic))

	go func() {
		<-ctx.Done()
		b.client.Unsubscribe(presenceTopic)
		b.client.Disconnect(250)
		b.logger.Info("Presence bridge stopped")
	}()

	return nil
}

func (b *PresenceBridge) handleHeartbeat(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 3 {
		return
	}
	deviceID := parts[1]
	if !models.IsValidDeviceID(deviceID) {
		b.logger.Warn("Heartbeat from invalid device ID", zap.String("topic", msg.Topic()))
		return
	}

	var heartbeat PresenceMessage
	if err := json.Unmarshal(msg.Payload(), &heartbeat); err != nil {
		b.logger.Warn("Malformed presence payload",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return
	}
	if heartbeat.LastSeen == 0 {
		heartbeat.LastSeen = time.Now().UnixMilli()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := b.store.Update(ctx, devicePath(deviceID, "connection"), map[string]interface{}{
		"online":   heartbeat.Online,
		"ip":       heartbeat.IP,
		"lastSeen": heartbeat.LastSeen,
	})
	if err != nil {
		b.logger.Error("Failed to mirror heartbeat",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return
	}

	b.logger.Debug("Heartbeat mirrored",
		zap.String("device_id", deviceID),
		zap.Bool("online", heartbeat.Online))
}
