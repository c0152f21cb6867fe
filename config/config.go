package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	FirebaseDbUrl              string
	FirebaseServiceAccountJSON string

	// Operator identity supplied by the external auth provider.
	OperatorUID   string
	OperatorEmail string
	OperatorName  string

	// Device the control agent attaches to.
	DeviceID string

	// MQTT presence bridge
	MQTTBroker string
	MQTTUser   string
	MQTTPass   string

	// RabbitMQ runtime-event queue
	RabbitMQURL      string
	RabbitMQExchange string
	RabbitMQQueue    string

	// Telegram notifier (optional)
	TelegramBotToken string
	TelegramChatID   string

	// Live status poll cadence in seconds
	StatusPollSeconds int
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		FirebaseDbUrl:              getEnv("FIREBASE_DB_URL", ""),
		FirebaseServiceAccountJSON: getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),
		OperatorUID:                getEnv("OPERATOR_UID", ""),
		OperatorEmail:              getEnv("OPERATOR_EMAIL", ""),
		OperatorName:               getEnv("OPERATOR_NAME", ""),
		DeviceID:                   getEnv("DEVICE_ID", ""),
		MQTTBroker:                 getEnv("MQTT_BROKER", ""),
		MQTTUser:                   getEnv("MQTT_USER", ""),
		MQTTPass:                   getEnv("MQTT_PASS", ""),
		RabbitMQURL:                getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:           getEnv("RABBITMQ_EXCHANGE", "frogpump"),
		RabbitMQQueue:              getEnv("RABBITMQ_QUEUE", "pump_runtime_queue"),
		TelegramBotToken:           getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:             getEnv("TELEGRAM_CHAT_ID", ""),
		StatusPollSeconds:          getEnvInt("STATUS_POLL_SECONDS", 3),
	}

	if config.OperatorUID == "" && config.OperatorEmail == "" {
		return nil, fmt.Errorf("operator identity is required: set OPERATOR_UID or OPERATOR_EMAIL")
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
