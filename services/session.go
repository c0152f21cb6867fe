package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"frogpump/models"

	"go.uber.org/zap"
)

const (
	// SessionTimeout is how long a session may go without a heartbeat
	// before any client may steal it.
	SessionTimeout = 5 * time.Minute

	// HeartbeatInterval is the cadence of lastActive refreshes while a
	// client holds a session.
	HeartbeatInterval = 60 * time.Second

	// clockSkewAllowance guards against sessions stamped in the future
	// by a client with a wrong clock.
	clockSkewAllowance = 60 * time.Second
)

// errSessionHeld aborts the claim transaction when another client holds
// a non-stale session.
var errSessionHeld = errors.New("session held by another user")

// IdentityProvider yields the operator identity issued by the external
// auth collaborator. Returning nil means "not authenticated".
type IdentityProvider interface {
	CurrentUser() *models.User
}

// StaticIdentity is an IdentityProvider over a fixed user, for headless
// agents configured through the environment.
type StaticIdentity models.User

func (s *StaticIdentity) CurrentUser() *models.User {
	return (*models.User)(s)
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Success   bool
	Message   string
	BlockedBy string
}

// SessionStatus is the read-only availability view used by listing UIs.
type SessionStatus struct {
	Available bool
	Message   string
	UserEmail string
}

// SessionManager serializes device control across clients with a
// heartbeat lease stored in the shared device tree. The database has no
// native locking primitive; the lease is an application-level mutex
// over "who may issue commands", not an access-control boundary.
//
// A manager tracks at most one heartbeat at a time: starting a
// heartbeat for a new device stops the previous one.
type SessionManager struct {
	store    Store
	identity IdentityProvider
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu              sync.Mutex
	heartbeatCancel context.CancelFunc
	heartbeatDevice string
}

func NewSessionManager(store Store, identity IdentityProvider, notifier Notifier, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		store:    store,
		identity: identity,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// GetDeviceSession reads the current session for a device. Transport
// errors are logged and reported as no session: the absence of a lock
// must never be misread as a lock held by someone else.
func (m *SessionManager) GetDeviceSession(ctx context.Context, deviceID string) *models.Session {
	if deviceID == "" {
		return nil
	}

	var raw json.RawMessage
	if err := m.store.Get(ctx, devicePath(deviceID, "session"), &raw); err != nil {
		m.logger.Error("Error getting device session",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return nil
	}
	return decodeSession(raw)
}

// IsSessionStale reports whether a session no longer counts as held:
// missing, inactive beyond SessionTimeout, or stamped more than the
// skew allowance in the future.
func (m *SessionManager) IsSessionStale(session *models.Session) bool {
	if session == nil || session.LastActive == 0 {
		return true
	}
	elapsed := m.now().UnixMilli() - session.LastActive
	return elapsed > SessionTimeout.Milliseconds() || elapsed < -clockSkewAllowance.Milliseconds()
}

// IsMySession reports whether the current identity owns the session.
// A case-insensitive email match is accepted as a secondary rule: the
// auth provider can issue a fresh uid to the same account across
// re-logins. This is a compatibility affordance, not a security check.
func (m *SessionManager) IsMySession(session *models.Session) bool {
	if session == nil {
		return false
	}
	user := m.identity.CurrentUser()
	if user == nil {
		return false
	}
	if session.ActiveUser == user.UID && user.UID != "" {
		return true
	}
	return session.UserEmail != "" && user.Email != "" &&
		strings.EqualFold(session.UserEmail, user.Email)
}

// ClaimSession attempts to take the control lease for a device. The
// check and write run inside one store transaction, so two clients
// racing for a stale session cannot both succeed. On success the
// heartbeat for the device is started.
func (m *SessionManager) ClaimSession(ctx context.Context, deviceID string) ClaimResult {
	if deviceID == "" {
		return ClaimResult{Message: "Invalid device ID"}
	}

	user := m.identity.CurrentUser()
	if user == nil {
		return ClaimResult{Message: "Not authenticated"}
	}

	now := m.now().UnixMilli()
	fresh := &models.Session{
		ActiveUser: user.UID,
		UserEmail:  user.Email,
		UserName:   user.Name(),
		LastActive: now,
		ClaimedAt:  now,
	}

	var blockedBy string
	err := m.store.Transaction(ctx, devicePath(deviceID, "session"), func(current json.RawMessage) (interface{}, error) {
		existing := decodeSession(current)
		if existing != nil && !m.IsSessionStale(existing) && !m.IsMySession(existing) {
			blockedBy = existing.UserEmail
			if blockedBy == "" {
				blockedBy = "another user"
			}
			return nil, errSessionHeld
		}
		// Absent, stale or already ours: full overwrite steals it.
		return fresh, nil
	})

	if err != nil {
		if errors.Is(err, errSessionHeld) {
			m.logger.Info("Session blocked",
				zap.String("device_id", deviceID),
				zap.String("blocked_by", blockedBy))
			return ClaimResult{
				Message:   fmt.Sprintf("Device is currently in use by %s", blockedBy),
				BlockedBy: blockedBy,
			}
		}

		m.logger.Error("Error claiming session",
			zap.String("device_id", deviceID),
			zap.Error(err))

		if errors.Is(err, ErrPermissionDenied) {
			return ClaimResult{Message: "Permission denied - device may be in use by another user"}
		}
		return ClaimResult{Message: "Failed to claim session"}
	}

	m.logger.Info("Session claimed",
		zap.String("device_id", deviceID),
		zap.String("user_email", user.Email))

	m.StartHeartbeat(deviceID)

	return ClaimResult{Success: true, Message: "Session claimed successfully"}
}

// ReleaseSession deletes the session only when the current identity
// owns it; a foreign lock is never removed by accident. The local
// heartbeat for the device is stopped either way.
func (m *SessionManager) ReleaseSession(ctx context.Context, deviceID string) bool {
	if deviceID == "" {
		return false
	}

	ok := true
	session := m.GetDeviceSession(ctx, deviceID)
	if session != nil && m.IsMySession(session) {
		if err := m.store.Delete(ctx, devicePath(deviceID, "session")); err != nil {
			m.logger.Error("Error releasing session",
				zap.String("device_id", deviceID),
				zap.Error(err))
			ok = false
		} else {
			m.logger.Info("Session released", zap.String("device_id", deviceID))
		}
	}

	m.mu.Lock()
	if m.heartbeatDevice == deviceID {
		m.stopHeartbeatLocked()
	}
	m.mu.Unlock()

	return ok
}

// ReleaseAllSessions deletes every session owned by the current uid.
// Intended for logout; per-device failures are logged, not aggregated.
func (m *SessionManager) ReleaseAllSessions(ctx context.Context) {
	user := m.identity.CurrentUser()
	if user == nil || user.UID == "" {
		return
	}

	var devices map[string]*models.Device
	if err := m.store.Get(ctx, "devices", &devices); err != nil {
		m.logger.Error("Error releasing all sessions", zap.Error(err))
		m.StopHeartbeat()
		return
	}

	var wg sync.WaitGroup
	released := 0
	for id, device := range devices {
		if device == nil || device.Session == nil || device.Session.ActiveUser != user.UID {
			continue
		}
		released++
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			if err := m.store.Delete(ctx, devicePath(deviceID, "session")); err != nil {
				m.logger.Error("Error releasing session on logout",
					zap.String("device_id", deviceID),
					zap.Error(err))
			}
		}(id)
	}
	wg.Wait()

	m.logger.Info("Released sessions on logout", zap.Int("count", released))
	m.StopHeartbeat()
}

// CanAccessDevice reports whether the current identity may take control
// of the device: no session, a stale session or our own session.
func (m *SessionManager) CanAccessDevice(ctx context.Context, deviceID string) bool {
	if deviceID == "" {
		return false
	}

	session := m.GetDeviceSession(ctx, deviceID)
	if session == nil {
		return true
	}
	if m.IsSessionStale(session) {
		return true
	}
	return m.IsMySession(session)
}

// GetSessionStatus returns the availability of a device for display.
func (m *SessionManager) GetSessionStatus(ctx context.Context, deviceID string) SessionStatus {
	session := m.GetDeviceSession(ctx, deviceID)

	if session == nil {
		return SessionStatus{Available: true, Message: "Available"}
	}
	if m.IsSessionStale(session) {
		return SessionStatus{Available: true, Message: "Available (session expired)"}
	}
	if m.IsMySession(session) {
		return SessionStatus{Available: true, Message: "Your session", UserEmail: session.UserEmail}
	}

	holder := session.UserName
	if holder == "" {
		holder = session.UserEmail
	}
	if holder == "" {
		holder = "another user"
	}
	return SessionStatus{
		Message:   fmt.Sprintf("In use by %s", holder),
		UserEmail: session.UserEmail,
	}
}

// StartHeartbeat begins refreshing the session for a device, stopping
// any heartbeat already running for another device. The first refresh
// is sent immediately, then every HeartbeatInterval.
func (m *SessionManager) StartHeartbeat(deviceID string) {
	m.mu.Lock()
	m.stopHeartbeatLocked()

	ctx, cancel := context.WithCancel(context.Background())
	m.heartbeatCancel = cancel
	m.heartbeatDevice = deviceID
	m.mu.Unlock()

	m.logger.Info("Heartbeat started", zap.String("device_id", deviceID))

	if !m.sendHeartbeat(ctx, deviceID) {
		return
	}

	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !m.sendHeartbeat(ctx, deviceID) {
					return
				}
			}
		}
	}()
}

// StopHeartbeat cancels the running heartbeat, if any.
func (m *SessionManager) StopHeartbeat() {
	m.mu.Lock()
	m.stopHeartbeatLocked()
	m.mu.Unlock()
}

func (m *SessionManager) stopHeartbeatLocked() {
	if m.heartbeatCancel == nil {
		return
	}
	m.heartbeatCancel()
	m.heartbeatCancel = nil
	m.heartbeatDevice = ""
	m.logger.Info("Heartbeat stopped")
}

// sendHeartbeat refreshes lastActive. Returns false when the heartbeat
// must stop: a permission rejection means another client's rules now
// own the session, so the lease was taken over.
func (m *SessionManager) sendHeartbeat(ctx context.Context, deviceID string) bool {
	err := m.store.Update(ctx, devicePath(deviceID, "session"), map[string]interface{}{
		"lastActive": m.now().UnixMilli(),
	})
	if err == nil {
		m.logger.Debug("Heartbeat sent", zap.String("device_id", deviceID))
		return true
	}

	m.logger.Error("Error sending heartbeat",
		zap.String("device_id", deviceID),
		zap.Error(err))

	if errors.Is(err, ErrPermissionDenied) {
		// Only the registered heartbeat may tear itself down. A stale
		// goroutine from an earlier registration (its ctx is already
		// cancelled, or the manager has moved on to another device)
		// must not cancel its replacement.
		m.mu.Lock()
		current := m.heartbeatDevice == deviceID && ctx.Err() == nil
		if current {
			m.stopHeartbeatLocked()
		}
		m.mu.Unlock()

		if current {
			m.notifier.Notify("Session expired. Another user may have connected.")
		}
		return false
	}

	// Transient failure: keep the lease, try again next tick.
	return true
}

// decodeSession turns a raw snapshot into a session, mapping an absent
// or malformed payload to nil.
func decodeSession(raw json.RawMessage) *models.Session {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil
	}
	return &session
}
