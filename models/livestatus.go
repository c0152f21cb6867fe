package models

import "time"

// Mode is the command mode stored in liveStatus.activeMode.
type Mode string

const (
	ModeNone   Mode = "NONE"   // pump idle
	ModeStatus Mode = "STATUS" // continuous run at a fixed RPM
	ModeRPM    Mode = "RPM"    // timed run, parameters in rpmDispense
	ModeVolume Mode = "VOLUME" // volume-targeted run, parameters in volumeDispense
)

// InputMode records which input the operator used to express speed.
// An empty value marshals as absent (the stored null).
type InputMode string

const (
	InputRPM  InputMode = "RPM"
	InputFlow InputMode = "FLOW"
)

// Direction of pump rotation.
type Direction string

const (
	DirectionCW  Direction = "CW"
	DirectionCCW Direction = "CCW"
)

// LiveStatus is the shared command/acknowledgment record at
// devices/{id}/liveStatus. The client writes the command fields with
// acknowledged=false; the device firmware is the only writer that flips
// acknowledged back to true.
type LiveStatus struct {
	ActiveMode      Mode      `json:"activeMode"`
	InputMode       InputMode `json:"inputMode,omitempty"`
	CurrentRPM      float64   `json:"currentRPM"`
	CurrentFlowRate *float64  `json:"currentFlowRate,omitempty"`
	Direction       Direction `json:"direction"`
	Acknowledged    bool      `json:"acknowledged"`
	LastIssuedBy    string    `json:"lastIssuedBy"`
	LastUpdated     string    `json:"lastUpdated"` // RFC 3339
}

// UpdatedAt parses the lastUpdated timestamp. A zero time is returned
// when the field is missing or malformed, which callers treat as stale.
func (s *LiveStatus) UpdatedAt() time.Time {
	if s == nil || s.LastUpdated == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.LastUpdated)
	if err != nil {
		return time.Time{}
	}
	return t
}

// RPMDispense is the parameter block for timed RPM runs. Times are in
// milliseconds.
type RPMDispense struct {
	RPM       float64   `json:"rpm"`
	OnTime    int64     `json:"onTime"`
	OffTime   int64     `json:"offTime"`
	Direction Direction `json:"direction"`
}

// VolumeDispense is the parameter block for volume-targeted runs.
type VolumeDispense struct {
	TargetVolume float64   `json:"targetVolume"` // mL
	OffTime      int64     `json:"offTime"`      // ms
	Direction    Direction `json:"direction"`
}
