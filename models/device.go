package models

import (
	"regexp"
	"strings"
)

// Device IDs are a fixed "FROG-" prefix followed by six uppercase hex
// characters, e.g. FROG-A1B2C3.
var deviceIDPattern = regexp.MustCompile(`^FROG-[A-F0-9]{6}$`)

// IsValidDeviceID reports whether id matches the device ID format.
func IsValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(strings.ToUpper(id))
}

// NormalizeDeviceID uppercases and trims a user-entered device ID.
func NormalizeDeviceID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Identity holds the immutable hardware facts of a device.
type Identity struct {
	DeviceName string `json:"deviceName,omitempty"`
	MAC        string `json:"mac"`
	Firmware   string `json:"firmware"`
}

// TubeConfig holds the pump calibration metadata.
type TubeConfig struct {
	TubeName        string  `json:"tubeName"`
	MLPerRev        float64 `json:"mlPerRev"`
	CalibrationType string  `json:"calibrationType"`
	LastCalibrated  int64   `json:"lastCalibrated"`
	AntiDrip        bool    `json:"antiDrip"`
}

// Calibrated reports whether the device has a usable calibration for
// volume-based dispensing.
func (c *TubeConfig) Calibrated() bool {
	return c != nil && c.MLPerRev > 0
}

// Connection reflects the device firmware's own liveness reporting.
// The firmware is the only writer of this subtree.
type Connection struct {
	Online   bool   `json:"online"`
	IP       string `json:"ip"`
	LastSeen int64  `json:"lastSeen"`
}

// IsOnline is nil-safe: an absent connection record means offline.
func (c *Connection) IsOnline() bool {
	return c != nil && c.Online
}

// Maintenance holds cumulative runtime counters.
type Maintenance struct {
	LastTubeChange      int64 `json:"lastTubeChange"`
	TubeRuntimeSeconds  int64 `json:"tubeRuntimeSeconds"`
	TotalRuntimeSeconds int64 `json:"totalRuntimeSeconds"`
}

// RuntimeEvent is published by the firmware when a run completes, and
// folded into the Maintenance counters by the runtime accumulator.
type RuntimeEvent struct {
	DeviceID       string  `json:"device_id"`
	RuntimeSeconds int64   `json:"runtime_seconds"`
	DispensedML    float64 `json:"dispensed_ml"`
}

// Device is the full subtree stored at devices/{id}. Absent nodes
// decode as nil pointers.
type Device struct {
	Identity       *Identity       `json:"identity,omitempty"`
	TubeConfig     *TubeConfig     `json:"tubeConfig,omitempty"`
	Connection     *Connection     `json:"connection,omitempty"`
	LiveStatus     *LiveStatus     `json:"liveStatus,omitempty"`
	Maintenance    *Maintenance    `json:"maintenance,omitempty"`
	Session        *Session        `json:"session,omitempty"`
	RPMDispense    *RPMDispense    `json:"rpmDispense,omitempty"`
	VolumeDispense *VolumeDispense `json:"volumeDispense,omitempty"`
}
