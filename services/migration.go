package services

import (
	"context"
	"time"

	"frogpump/models"

	"go.uber.org/zap"
)

// Legacy schema nodes, predating the identity/tubeConfig/connection/
// liveStatus layout. Only the migrator knows about them.
type legacySettings struct {
	TubeName        string  `json:"tubeName"`
	MLPerRev        float64 `json:"mlPerRev"`
	CalibrationType string  `json:"calibrationType"`
	LastCalibrated  int64   `json:"lastCalibrated"`
	AntiDrip        bool    `json:"antiDrip"`
}

type legacyInfo struct {
	MAC      string `json:"mac"`
	Firmware string `json:"firmware"`
	IP       string `json:"ip"`
	LastSeen int64  `json:"lastSeen"`
}

type legacyStatus struct {
	PumpRunning bool    `json:"pumpRunning"`
	CurrentRPM  float64 `json:"currentRPM"`
	Direction   bool    `json:"direction"` // true meant CW
	Online      bool    `json:"online"`
}

type legacyControl struct {
	Direction string `json:"direction"`
}

type legacyMaintenance struct {
	LastTubeChange int64 `json:"lastTubeChange"`
	RuntimeSeconds int64 `json:"runtimeSeconds"`
}

type legacyDevice struct {
	Settings       *legacySettings        `json:"settings"`
	Info           *legacyInfo            `json:"info"`
	Status         *legacyStatus          `json:"status"`
	Control        *legacyControl         `json:"control"`
	Maintenance    *legacyMaintenance     `json:"maintenance"`
	TubeConfig     *models.TubeConfig     `json:"tubeConfig"`
	RPMDispense    *models.RPMDispense    `json:"rpmDispense"`
	VolumeDispense *models.VolumeDispense `json:"volumeDispense"`
}

// Migrator rewrites devices still on the legacy schema into the current
// layout with a single multi-path update, so readers never observe a
// half-migrated tree.
type Migrator struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewMigrator(store Store, logger *zap.Logger) *Migrator {
	return &Migrator{store: store, logger: logger, now: time.Now}
}

// CheckAndMigrate inspects a device and migrates it when the legacy
// settings node is present without a tubeConfig. Returns whether a
// migration ran.
func (m *Migrator) CheckAndMigrate(ctx context.Context, deviceID string) (bool, error) {
	if deviceID == "" {
		return false, nil
	}

	var data legacyDevice
	if err := m.store.Get(ctx, devicePath(deviceID, ""), &data); err != nil {
		m.logger.Error("Migration check failed",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return false, err
	}

	if data.Settings == nil || data.TubeConfig != nil {
		return false, nil
	}

	m.logger.Warn("Legacy schema detected, migrating", zap.String("device_id", deviceID))

	updates := m.buildUpdates(&data)
	if err := m.store.Update(ctx, devicePath(deviceID, ""), updates); err != nil {
		m.logger.Error("Migration failed",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return false, err
	}

	m.logger.Info("Migration completed", zap.String("device_id", deviceID))
	return true, nil
}

func (m *Migrator) buildUpdates(data *legacyDevice) map[string]interface{} {
	now := m.now()
	updates := map[string]interface{}{}

	// settings -> tubeConfig
	updates["tubeConfig"] = &models.TubeConfig{
		TubeName:        data.Settings.TubeName,
		MLPerRev:        data.Settings.MLPerRev,
		CalibrationType: orDefault(data.Settings.CalibrationType, "none"),
		LastCalibrated:  data.Settings.LastCalibrated,
		AntiDrip:        data.Settings.AntiDrip,
	}
	updates["settings"] = nil

	// info -> identity
	if data.Info != nil {
		updates["identity"] = &models.Identity{
			MAC:      orDefault(data.Info.MAC, "Unknown"),
			Firmware: orDefault(data.Info.Firmware, "v0.0.0"),
		}
	}

	// info + status -> connection
	conn := &models.Connection{IP: "0.0.0.0", LastSeen: now.UnixMilli()}
	if data.Info != nil {
		conn.IP = orDefault(data.Info.IP, "0.0.0.0")
		if data.Info.LastSeen != 0 {
			conn.LastSeen = data.Info.LastSeen
		}
	}
	if data.Status != nil {
		conn.Online = data.Status.Online
	}
	updates["connection"] = conn
	updates["info"] = nil

	if data.Maintenance != nil {
		updates["maintenance"] = &models.Maintenance{
			LastTubeChange:      data.Maintenance.LastTubeChange,
			TubeRuntimeSeconds:  data.Maintenance.RuntimeSeconds,
			TotalRuntimeSeconds: data.Maintenance.RuntimeSeconds,
		}
	}

	// status + control -> liveStatus
	mode := models.ModeNone
	rpm := 0.0
	if data.Status != nil {
		if data.Status.PumpRunning {
			mode = models.ModeStatus
		}
		rpm = data.Status.CurrentRPM
	}
	direction := models.DirectionCCW
	if (data.Control != nil && data.Control.Direction == string(models.DirectionCW)) ||
		(data.Status != nil && data.Status.Direction) {
		direction = models.DirectionCW
	}
	zero := 0.0
	updates["liveStatus"] = &models.LiveStatus{
		ActiveMode:      mode,
		InputMode:       models.InputRPM,
		CurrentRPM:      rpm,
		CurrentFlowRate: &zero,
		Direction:       direction,
		Acknowledged:    true,
		LastIssuedBy:    "migration",
		LastUpdated:     now.Format(time.RFC3339),
	}
	updates["status"] = nil
	updates["control"] = nil

	// Init missing parameter blocks
	if data.RPMDispense == nil {
		updates["rpmDispense"] = &models.RPMDispense{
			RPM:       100,
			OnTime:    5000,
			OffTime:   0,
			Direction: models.DirectionCW,
		}
	}
	if data.VolumeDispense == nil {
		updates["volumeDispense"] = &models.VolumeDispense{
			TargetVolume: 100,
			OffTime:      0,
			Direction:    models.DirectionCW,
		}
	}

	return updates
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
