package services

import (
	"context"
	"encoding/json"

	"frogpump/models"

	"go.uber.org/zap"
)

// DeviceService answers read-only questions about a device's subtrees.
// Reads fail soft: a transport error is logged and reported as absence,
// since these lookups gate display and validation, not safety.
type DeviceService struct {
	store  Store
	logger *zap.Logger
}

func NewDeviceService(store Store, logger *zap.Logger) *DeviceService {
	return &DeviceService{store: store, logger: logger}
}

// Exists reports whether the device has any data in the store.
func (d *DeviceService) Exists(ctx context.Context, deviceID string) bool {
	if !models.IsValidDeviceID(deviceID) {
		return false
	}

	var raw json.RawMessage
	if err := d.store.Get(ctx, devicePath(deviceID, ""), &raw); err != nil {
		d.logger.Error("Error checking device existence",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return false
	}
	return len(raw) > 0 && string(raw) != "null"
}

// Info returns the device's identity record, or nil.
func (d *DeviceService) Info(ctx context.Context, deviceID string) *models.Identity {
	var raw json.RawMessage
	if err := d.store.Get(ctx, devicePath(deviceID, "identity"), &raw); err != nil {
		d.logger.Error("Error getting device info",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var identity models.Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return nil
	}
	return &identity
}

// Connection returns the device's liveness record, or nil.
func (d *DeviceService) Connection(ctx context.Context, deviceID string) *models.Connection {
	var raw json.RawMessage
	if err := d.store.Get(ctx, devicePath(deviceID, "connection"), &raw); err != nil {
		d.logger.Error("Error getting device connection",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return nil
	}
	return decodeConnection(raw)
}

// LiveStatus returns a one-shot read of the command/ack record, or nil.
func (d *DeviceService) LiveStatus(ctx context.Context, deviceID string) *models.LiveStatus {
	var raw json.RawMessage
	if err := d.store.Get(ctx, devicePath(deviceID, "liveStatus"), &raw); err != nil {
		d.logger.Error("Error getting device live status",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return nil
	}
	return decodeLiveStatus(raw)
}

// IsOnline reports the firmware's own liveness flag.
func (d *DeviceService) IsOnline(ctx context.Context, deviceID string) bool {
	return d.Connection(ctx, deviceID).IsOnline()
}
