package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"frogpump/config"
	"frogpump/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RuntimeAccumulator consumes run-completed events from the queue and
// folds them into the device's cumulative maintenance counters. The
// increments run as store transactions: multiple writers accumulating
// seconds concurrently must never lose an update.
type RuntimeAccumulator struct {
	config    *config.Config
	store     Store
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *zap.Logger
	reconnect chan bool
	isClosing bool
}

func NewRuntimeAccumulator(cfg *config.Config, store Store, logger *zap.Logger) (*RuntimeAccumulator, error) {
	service := &RuntimeAccumulator{
		config:    cfg,
		store:     store,
		logger:    logger,
		reconnect: make(chan bool),
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	return service, nil
}

// connect establishes the connection and declares the exchange, queue
// and bindings.
func (r *RuntimeAccumulator) connect() error {
	var err error

	r.logger.Info("Connecting to RabbitMQ", zap.String("url", r.config.RabbitMQURL))

	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		r.conn, err = amqp.Dial(r.config.RabbitMQURL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.channel, err = r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err = r.channel.Qos(10, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err = r.channel.ExchangeDeclare(
		r.config.RabbitMQExchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := r.channel.QueueDeclare(
		r.config.RabbitMQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = r.channel.QueueBind(
		queue.Name,
		r.config.RabbitMQQueue,
		r.config.RabbitMQExchange,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	r.logger.Info("Runtime event queue ready",
		zap.String("queue", queue.Name),
		zap.String("exchange", r.config.RabbitMQExchange))

	go r.handleReconnect()

	return nil
}

func (r *RuntimeAccumulator) handleReconnect() {
	closeErr := <-r.conn.NotifyClose(make(chan *amqp.Error))
	if r.isClosing {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for {
		r.logger.Info("Attempting to reconnect to RabbitMQ")
		if err := r.connect(); err == nil {
			r.logger.Info("Reconnected to RabbitMQ")
			r.reconnect <- true
			return
		}
		time.Sleep(5 * time.Second)
	}
}

// Consume processes runtime events until the context is cancelled.
func (r *RuntimeAccumulator) Consume(ctx context.Context) error {
	for {
		msgs, err := r.channel.Consume(
			r.config.RabbitMQQueue,
			"frogpump-runtime", // consumer tag
			false,              // manual ack
			false,              // exclusive
			false,              // no-local
			false,              // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer: %w", err)
		}

		r.logger.Info("Consuming runtime events", zap.String("queue", r.config.RabbitMQQueue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping runtime event consumer")
				return nil

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Message channel closed")
					time.Sleep(1 * time.Second)
					break consumeLoop
				}

				if err := r.processEvent(ctx, msg); err != nil {
					r.logger.Error("Failed to process runtime event",
						zap.Error(err),
						zap.String("message_id", msg.MessageId))
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}
}

func (r *RuntimeAccumulator) processEvent(ctx context.Context, msg amqp.Delivery) error {
	var event models.RuntimeEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		return fmt.Errorf("failed to unmarshal runtime event: %w", err)
	}

	if !models.IsValidDeviceID(event.DeviceID) {
		return fmt.Errorf("invalid device ID in runtime event: %q", event.DeviceID)
	}
	if event.RuntimeSeconds <= 0 {
		return fmt.Errorf("non-positive runtime in event for %s", event.DeviceID)
	}

	if err := r.Accumulate(ctx, &event); err != nil {
		return err
	}

	r.logger.Info("Runtime accumulated",
		zap.String("device_id", event.DeviceID),
		zap.Int64("runtime_seconds", event.RuntimeSeconds),
		zap.Float64("dispensed_ml", event.DispensedML))
	return nil
}

// Accumulate applies one event's seconds to the device's counters with
// an atomic read-modify-write.
func (r *RuntimeAccumulator) Accumulate(ctx context.Context, event *models.RuntimeEvent) error {
	return r.store.Transaction(ctx, devicePath(event.DeviceID, "maintenance"), func(current json.RawMessage) (interface{}, error) {
		var counters models.Maintenance
		if len(current) > 0 && string(current) != "null" {
			if err := json.Unmarshal(current, &counters); err != nil {
				return nil, fmt.Errorf("corrupt maintenance record: %w", err)
			}
		}
		counters.TubeRuntimeSeconds += event.RuntimeSeconds
		counters.TotalRuntimeSeconds += event.RuntimeSeconds
		return &counters, nil
	})
}

// Close shuts down the queue connection.
func (r *RuntimeAccumulator) Close() error {
	r.isClosing = true
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
