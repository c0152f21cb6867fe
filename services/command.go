package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"frogpump/models"

	"go.uber.org/zap"
)

const (
	// LiveStatusStaleAfter is how old a liveStatus.lastUpdated may be
	// before the device is presumed dead and any stored activeMode is
	// overridden to "not running".
	LiveStatusStaleAfter = 30 * time.Minute

	defaultStatusPollInterval = 3 * time.Second
)

// CommandParams carries the operator's intent for a motor command.
// OnTime/OffTime are milliseconds; TargetVolume is mL.
type CommandParams struct {
	RPM          float64
	FlowRate     *float64 // set when the operator entered a flow, mL/min
	InputMode    models.InputMode
	Direction    models.Direction
	OnTime       int64
	OffTime      int64
	TargetVolume float64
}

// StatusSubscription is the cancellable handle returned by
// WatchLiveStatus.
type StatusSubscription struct {
	cancel context.CancelFunc
}

func (s *StatusSubscription) Cancel() {
	s.cancel()
}

// CommandChannel issues motor commands as writes to the device's
// liveStatus subtree and reconciles the firmware's asynchronous
// acknowledgment back into local state. Commands are applied
// optimistically: the local running view flips before the write
// resolves and rolls back when the store rejects it.
type CommandChannel struct {
	store        Store
	identity     IdentityProvider
	logger       *zap.Logger
	now          func() time.Time
	pollInterval time.Duration

	mu    sync.Mutex
	state map[string]*commandState
}

// commandState is the client-local optimistic view for one device.
type commandState struct {
	running bool // what the operator was just told
	pending bool // command written, acknowledgment not yet observed
}

func NewCommandChannel(store Store, identity IdentityProvider, logger *zap.Logger) *CommandChannel {
	return &CommandChannel{
		store:        store,
		identity:     identity,
		logger:       logger,
		now:          time.Now,
		pollInterval: defaultStatusPollInterval,
		state:        make(map[string]*commandState),
	}
}

// SetPollInterval overrides the live-status poll cadence.
func (c *CommandChannel) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// IssueCommand starts the pump in the given mode. For parameterized
// modes the parameter block is written and awaited first: the firmware
// reads parameters when it observes the mode flip, so the mode must
// never land before them.
func (c *CommandChannel) IssueCommand(ctx context.Context, deviceID string, mode models.Mode, params CommandParams) error {
	if deviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if mode == models.ModeNone {
		return fmt.Errorf("use IssueStop to stop the pump")
	}

	user := c.identity.CurrentUser()
	if user == nil {
		return fmt.Errorf("not authenticated")
	}

	prevRunning, prevPending := c.setOptimistic(deviceID, true)

	rollback := func(err error) error {
		c.restoreOptimistic(deviceID, prevRunning, prevPending)
		c.logger.Error("Error issuing command",
			zap.String("device_id", deviceID),
			zap.String("mode", string(mode)),
			zap.Error(err))
		return fmt.Errorf("failed to issue %s command: %w", mode, err)
	}

	switch mode {
	case models.ModeRPM:
		block := &models.RPMDispense{
			RPM:       params.RPM,
			OnTime:    params.OnTime,
			OffTime:   params.OffTime,
			Direction: params.Direction,
		}
		if err := c.store.Set(ctx, devicePath(deviceID, "rpmDispense"), block); err != nil {
			return rollback(err)
		}
	case models.ModeVolume:
		block := &models.VolumeDispense{
			TargetVolume: params.TargetVolume,
			OffTime:      params.OffTime,
			Direction:    params.Direction,
		}
		if err := c.store.Set(ctx, devicePath(deviceID, "volumeDispense"), block); err != nil {
			return rollback(err)
		}
	}

	// An unset input mode is stored as null, not as an empty string.
	var inputMode interface{}
	if params.InputMode != "" {
		inputMode = string(params.InputMode)
	}

	fields := map[string]interface{}{
		"activeMode":      string(mode),
		"inputMode":       inputMode,
		"currentRPM":      params.RPM,
		"currentFlowRate": params.FlowRate,
		"direction":       string(params.Direction),
		"acknowledged":    false,
		"lastIssuedBy":    user.UID,
		"lastUpdated":     c.now().Format(time.RFC3339),
	}
	if err := c.store.Update(ctx, devicePath(deviceID, "liveStatus"), fields); err != nil {
		return rollback(err)
	}

	c.logger.Info("Command issued",
		zap.String("device_id", deviceID),
		zap.String("mode", string(mode)),
		zap.Float64("rpm", params.RPM))
	return nil
}

// IssueStop commands the pump to stop. Only the mode and bookkeeping
// fields are patched; the last run's parameters stay in place.
func (c *CommandChannel) IssueStop(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID is required")
	}

	user := c.identity.CurrentUser()
	if user == nil {
		return fmt.Errorf("not authenticated")
	}

	prevRunning, prevPending := c.setOptimistic(deviceID, false)

	fields := map[string]interface{}{
		"activeMode":   string(models.ModeNone),
		"acknowledged": false,
		"lastIssuedBy": user.UID,
		"lastUpdated":  c.now().Format(time.RFC3339),
	}
	if err := c.store.Update(ctx, devicePath(deviceID, "liveStatus"), fields); err != nil {
		c.restoreOptimistic(deviceID, prevRunning, prevPending)
		c.logger.Error("Error issuing stop",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return fmt.Errorf("failed to issue stop: %w", err)
	}

	c.logger.Info("Stop issued", zap.String("device_id", deviceID))
	return nil
}

// IsRunning returns the optimistic local view for a device.
func (c *CommandChannel) IsRunning(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state[deviceID]; ok {
		return s.running
	}
	return false
}

// Pending reports whether a command is in flight and not yet
// acknowledged by the device.
func (c *CommandChannel) Pending(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state[deviceID]; ok {
		return s.pending
	}
	return false
}

// WatchLiveStatus subscribes to a device's liveStatus and connection
// subtrees and invokes fn with the derived running state and the raw
// snapshot on every poll. The Admin SDK has no streaming listener, so
// this polls; derived staleness is re-evaluated on each tick even when
// the stored record has not changed. Cancel the returned handle or the
// context to unsubscribe.
func (c *CommandChannel) WatchLiveStatus(ctx context.Context, deviceID string, fn func(running bool, status *models.LiveStatus)) *StatusSubscription {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		c.poll(ctx, deviceID, fn)
		for {
			select {
			case <-ctx.Done():
				c.logger.Debug("Live status watch stopped", zap.String("device_id", deviceID))
				return
			case <-ticker.C:
				c.poll(ctx, deviceID, fn)
			}
		}
	}()

	return &StatusSubscription{cancel: cancel}
}

func (c *CommandChannel) poll(ctx context.Context, deviceID string, fn func(bool, *models.LiveStatus)) {
	var rawStatus json.RawMessage
	if err := c.store.Get(ctx, devicePath(deviceID, "liveStatus"), &rawStatus); err != nil {
		c.logger.Error("Error reading live status",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return
	}
	status := decodeLiveStatus(rawStatus)

	var rawConn json.RawMessage
	if err := c.store.Get(ctx, devicePath(deviceID, "connection"), &rawConn); err != nil {
		c.logger.Error("Error reading connection",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return
	}
	conn := decodeConnection(rawConn)

	running := DeriveRunning(status, conn, c.now())

	// Reconcile the optimistic view: once the device acknowledges, the
	// stored record is ground truth and any "waiting" state clears.
	if status != nil && status.Acknowledged {
		c.mu.Lock()
		s := c.ensureStateLocked(deviceID)
		s.pending = false
		s.running = running
		c.mu.Unlock()
	}

	fn(running, status)
}

// DeriveRunning computes the display/control running state from the
// stored record: an offline device is never considered pumping, a
// record older than LiveStatusStaleAfter is treated as evidence the
// device silently died, otherwise any mode other than NONE counts as
// running. An absent connection record counts as offline.
func DeriveRunning(status *models.LiveStatus, conn *models.Connection, now time.Time) bool {
	if status == nil {
		return false
	}
	if !conn.IsOnline() {
		return false
	}
	updated := status.UpdatedAt()
	if updated.IsZero() || now.Sub(updated) > LiveStatusStaleAfter {
		return false
	}
	return status.ActiveMode != models.ModeNone
}

func (c *CommandChannel) setOptimistic(deviceID string, running bool) (prevRunning, prevPending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.ensureStateLocked(deviceID)
	prevRunning, prevPending = s.running, s.pending
	s.running = running
	s.pending = true
	return prevRunning, prevPending
}

func (c *CommandChannel) restoreOptimistic(deviceID string, running, pending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.ensureStateLocked(deviceID)
	s.running = running
	s.pending = pending
}

func (c *CommandChannel) ensureStateLocked(deviceID string) *commandState {
	s, ok := c.state[deviceID]
	if !ok {
		s = &commandState{}
		c.state[deviceID] = s
	}
	return s
}

func decodeLiveStatus(raw json.RawMessage) *models.LiveStatus {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var status models.LiveStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil
	}
	return &status
}

func decodeConnection(raw json.RawMessage) *models.Connection {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var conn models.Connection
	if err := json.Unmarshal(raw, &conn); err != nil {
		return nil
	}
	return &conn
}
