package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"frogpump/models"

	"go.uber.org/zap"
)

const testDeviceID = "FROG-A1B2C3"

var testNow = time.UnixMilli(1700000000000)

func newTestSessionManager(store Store) (*SessionManager, *recordingNotifier) {
	identity := &StaticIdentity{
		UID:         "uid-alice",
		Email:       "alice@example.com",
		DisplayName: "Alice",
	}
	notifier := &recordingNotifier{}
	m := NewSessionManager(store, identity, notifier, zap.NewNop())
	m.now = func() time.Time { return testNow }
	return m, notifier
}

func seedSession(store *fakeStore, deviceID string, session *models.Session) {
	store.seed(devicePath(deviceID, "session"), session)
}

func TestClaimSessionAvailable(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestSessionManager(store)
	defer m.StopHeartbeat()

	result := m.ClaimSession(context.Background(), testDeviceID)
	if !result.Success {
		t.Fatalf("ClaimSession failed: %q", result.Message)
	}
	if result.Message != "Session claimed successfully" {
		t.Errorf("unexpected message %q", result.Message)
	}

	var session models.Session
	if !store.snapshot(devicePath(testDeviceID, "session"), &session) {
		t.Fatal("no session written")
	}
	if session.ActiveUser != "uid-alice" || session.UserEmail != "alice@example.com" {
		t.Errorf("session owner = %q/%q", session.ActiveUser, session.UserEmail)
	}
	if session.UserName != "Alice" {
		t.Errorf("session userName = %q", session.UserName)
	}
	if session.ClaimedAt != testNow.UnixMilli() {
		t.Errorf("claimedAt = %d, want %d", session.ClaimedAt, testNow.UnixMilli())
	}
}

func TestClaimSessionBlocked(t *testing.T) {
	store := newFakeStore()
	seedSession(store, testDeviceID, &models.Session{
		ActiveUser: "uid-bob",
		UserEmail:  "bob@example.com",
		UserName:   "Bob",
		LastActive: testNow.Add(-1 * time.Minute).UnixMilli(),
	})
	m, _ := newTestSessionManager(store)

	result := m.ClaimSession(context.Background(), testDeviceID)
	if result.Success {
		t.Fatal("claim succeeded against a live foreign session")
	}
	if result.Message != "Device is currently in use by bob@example.com" {
		t.Errorf("unexpected message %q", result.Message)
	}
	if result.BlockedBy != "bob@example.com" {
		t.Errorf("blockedBy = %q", result.BlockedBy)
	}

	var session models.Session
	store.snapshot(devicePath(testDeviceID, "session"), &session)
	if session.ActiveUser != "uid-bob" {
		t.Errorf("foreign session was overwritten: owner = %q", session.ActiveUser)
	}
}

func TestClaimSessionStealsStale(t *testing.T) {
	store := newFakeStore()
	seedSession(store, testDeviceID, &models.Session{
		ActiveUser: "uid-bob",
		UserEmail:  "bob@example.com",
		LastActive: testNow.Add(-SessionTimeout - time.Second).UnixMilli(),
	})
	m, _ := newTestSessionManager(store)
	defer m.StopHeartbeat()

	result := m.ClaimSession(context.Background(), testDeviceID)
	if !result.Success {
		t.Fatalf("stale session was not stolen: %q", result.Message)
	}

	var session models.Session
	store.snapshot(devicePath(testDeviceID, "session"), &session)
	if session.ActiveUser != "uid-alice" {
		t.Errorf("session owner = %q, want uid-alice", session.ActiveUser)
	}
}

func TestClaimSessionClockSkew(t *testing.T) {
	tests := []struct {
		name       string
		lastActive int64
		wantClaim  bool
	}{
		{"slightly ahead within allowance", testNow.Add(30 * time.Second).UnixMilli(), false},
		{"far in the future", testNow.Add(2 * time.Minute).UnixMilli(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			seedSession(store, testDeviceID, &models.Session{
				ActiveUser: "uid-bob",
				UserEmail:  "bob@example.com",
				LastActive: tt.lastActive,
			})
			m, _ := newTestSessionManager(store)
			defer m.StopHeartbeat()

			result := m.ClaimSession(context.Background(), testDeviceID)
			if result.Success != tt.wantClaim {
				t.Errorf("claim success = %v, want %v (%q)", result.Success, tt.wantClaim, result.Message)
			}
		})
	}
}

func TestClaimSessionReclaimOwn(t *testing.T) {
	store := newFakeStore()
	seedSession(store, testDeviceID, &models.Session{
		ActiveUser: "uid-alice",
		UserEmail:  "alice@example.com",
		LastActive: testNow.Add(-30 * time.Second).UnixMilli(),
		ClaimedAt:  testNow.Add(-10 * time.Minute).UnixMilli(),
	})
	m, _ := newTestSessionManager(store)
	defer m.StopHeartbeat()

	result := m.ClaimSession(context.Background(), testDeviceID)
	if !result.Success {
		t.Fatalf("could not reclaim own session: %q", result.Message)
	}

	var session models.Session
	store.snapshot(devicePath(testDeviceID, "session"), &session)
	if session.ClaimedAt != testNow.UnixMilli() {
		t.Errorf("reclaim did not refresh claimedAt: %d", session.ClaimedAt)
	}
}

func TestClaimSessionEmailFallback(t *testing.T) {
	// A re-login can hand the same account a fresh uid; ownership then
	// falls back to the email comparison, case-insensitively.
	store := newFakeStore()
	seedSession(store, testDeviceID, &models.Session{
		ActiveUser: "uid-old-login",
		UserEmail:  "Alice@Example.COM",
		LastActive: testNow.Add(-30 * time.Second).UnixMilli(),
	})
	m, _ := newTestSessionManager(store)
	defer m.StopHeartbeat()

	result := m.ClaimSession(context.Background(), testDeviceID)
	if !result.Success {
		t.Fatalf("email fallback did not grant ownership: %q", result.Message)
	}
}

func TestClaimSessionUnauthenticated(t *testing.T) {
	store := newFakeStore()
	m := NewSessionManager(store, nilIdentity{}, &recordingNotifier{}, zap.NewNop())

	result := m.ClaimSession(context.Background(), testDeviceID)
	if result.Success || result.Message != "Not authenticated" {
		t.Errorf("result = %+v, want Not authenticated failure", result)
	}
	if len(store.callLog()) != 0 {
		t.Errorf("store touched without an identity: %v", store.callLog())
	}
}

func TestClaimSessionInvalidDeviceID(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestSessionManager(store)

	result := m.ClaimSession(context.Background(), "")
	if result.Success || result.Message != "Invalid device ID" {
		t.Errorf("result = %+v, want Invalid device ID failure", result)
	}
}

func TestClaimSessionSecondClaimerLoses(t *testing.T) {
	store := newFakeStore()

	first, _ := newTestSessionManager(store)
	defer first.StopHeartbeat()
	if result := first.ClaimSession(context.Background(), testDeviceID); !result.Success {
		t.Fatalf("first claim failed: %q", result.Message)
	}

	second := NewSessionManager(store, &StaticIdentity{
		UID:   "uid-bob",
		Email: "bob@example.com",
	}, &recordingNotifier{}, zap.NewNop())
	second.now = func() time.Time { return testNow }

	result := second.ClaimSession(context.Background(), testDeviceID)
	if result.Success {
		t.Fatal("both claimers succeeded on the same device")
	}
	if result.BlockedBy != "alice@example.com" {
		t.Errorf("blockedBy = %q", result.BlockedBy)
	}
}

func TestIsSessionStale(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestSessionManager(store)

	tests := []struct {
		name    string
		session *models.Session
		want    bool
	}{
		{"nil session", nil, true},
		{"zero lastActive", &models.Session{ActiveUser: "u"}, true},
		{"fresh", &models.Session{LastActive: testNow.Add(-time.Minute).UnixMilli()}, false},
		{"at the timeout boundary", &models.Session{LastActive: testNow.Add(-SessionTimeout).UnixMilli()}, false},
		{"just past the timeout", &models.Session{LastActive: testNow.Add(-SessionTimeout - time.Millisecond).UnixMilli()}, true},
		{"future beyond skew allowance", &models.Session{LastActive: testNow.Add(2 * time.Minute).UnixMilli()}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.IsSessionStale(tt.session); got != tt.want {
				t.Errorf("IsSessionStale = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeartbeatRefreshesLastActive(t *testing.T) {
	store := newFakeStore()
	seedSession(store, testDeviceID, &models.Session{
		ActiveUser: "uid-alice",
		UserEmail:  "alice@example.com",
		LastActive: testNow.Add(-2 * time.Minute).UnixMilli(),
		ClaimedAt:  testNow.Add(-10 * time.Minute).UnixMilli(),
	})
	m, _ := newTestSessionManager(store)
	defer m.StopHeartbeat()

	m.StartHeartbeat(testDeviceID)

	var session models.Session
	store.snapshot(devicePath(testDeviceID, "session"), &session)
	if session.LastActive != testNow.UnixMilli() {
		t.Errorf("lastActive = %d, want %d", session.LastActive, testNow.UnixMilli())
	}
	// The heartbeat only touches lastActive.
	if session.ClaimedAt != testNow.Add(-10*time.Minute).UnixMilli() {
		t.Errorf("heartbeat rewrote claimedAt: %d", session.ClaimedAt)
	}
}

func countCalls(log []string, call string) int {
	n := 0
	for _, c := range log {
		if c == call {
			n++
		}
	}
	return n
}

func TestHeartbeatSwitchesDevice(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestSessionManager(store)
	defer m.StopHeartbeat()

	other := "FROG-D4E5F6"
	m.StartHeartbeat(testDeviceID)
	m.StartHeartbeat(other)

	m.mu.Lock()
	device := m.heartbeatDevice
	m.mu.Unlock()
	if device != other {
		t.Errorf("heartbeat device = %q, want %q", device, other)
	}

	// The first device receives no further heartbeat writes after the
	// switch.
	firstCall := "update " + devicePath(testDeviceID, "session")
	before := countCalls(store.callLog(), firstCall)
	time.Sleep(50 * time.Millisecond)
	if after := countCalls(store.callLog(), firstCall); after != before {
		t.Errorf("heartbeats for the replaced device kept landing: %d -> %d", before, after)
	}
}

func TestStaleHeartbeatCannotCancelReplacement(t *testing.T) {
	store := newFakeStore()
	store.failOn("update", devicePath(testDeviceID, "session"),
		fmt.Errorf("%w: rules rejected write", ErrPermissionDenied))
	m, notifier := newTestSessionManager(store)
	defer m.StopHeartbeat()

	other := "FROG-D4E5F6"
	m.StartHeartbeat(other)

	// A goroutine left over from a previous registration observes its
	// write rejected only after its context was cancelled.
	staleCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if m.sendHeartbeat(staleCtx, testDeviceID) {
		t.Error("stale heartbeat asked to continue after a permission rejection")
	}

	m.mu.Lock()
	device := m.heartbeatDevice
	running := m.heartbeatCancel != nil
	m.mu.Unlock()
	if !running || device != other {
		t.Errorf("replacement heartbeat killed: device = %q, running = %v", device, running)
	}
	if got := notifier.all(); len(got) != 0 {
		t.Errorf("stale goroutine raised notices: %v", got)
	}
}

func TestHeartbeatStopsOnPermissionDenied(t *testing.T) {
	store := newFakeStore()
	store.failOn("update", devicePath(testDeviceID, "session"),
		fmt.Errorf("%w: rules rejected write", ErrPermissionDenied))
	m, notifier := newTestSessionManager(store)

	m.StartHeartbeat(testDeviceID)

	m.mu.Lock()
	stopped := m.heartbeatCancel == nil
	m.mu.Unlock()
	if !stopped {
		t.Error("heartbeat kept running after a permission rejection")
	}

	messages := notifier.all()
	if len(messages) != 1 || messages[0] != "Session expired. Another user may have connected." {
		t.Errorf("notifications = %v", messages)
	}
}

func TestHeartbeatSurvivesTransientError(t *testing.T) {
	store := newFakeStore()
	store.failOn("update", devicePath(testDeviceID, "session"),
		fmt.Errorf("transport flake"))
	m, notifier := newTestSessionManager(store)
	defer m.StopHeartbeat()

	m.StartHeartbeat(testDeviceID)

	m.mu.Lock()
	running := m.heartbeatCancel != nil
	m.mu.Unlock()
	if !running {
		t.Error("heartbeat gave up on a transient error")
	}
	if len(notifier.all()) != 0 {
		t.Errorf("unexpected notifications: %v", notifier.all())
	}
}

func TestReleaseSessionOwnerGuard(t *testing.T) {
	store := newFakeStore()
	seedSession(store, testDeviceID, &models.Session{
		ActiveUser: "uid-bob",
		UserEmail:  "bob@example.com",
		LastActive: testNow.UnixMilli(),
	})
	m, _ := newTestSessionManager(store)
	m.StartHeartbeat(testDeviceID)

	m.ReleaseSession(context.Background(), testDeviceID)

	var session models.Session
	if !store.snapshot(devicePath(testDeviceID, "session"), &session) {
		t.Fatal("foreign session was deleted")
	}
	if session.ActiveUser != "uid-bob" {
		t.Errorf("foreign session changed: %+v", session)
	}

	// The local heartbeat for the device stops even though the remote
	// record was not ours to delete.
	m.mu.Lock()
	stopped := m.heartbeatCancel == nil
	m.mu.Unlock()
	if !stopped {
		t.Error("release left the heartbeat running")
	}
}

func TestReleaseSessionDeletesOwn(t *testing.T) {
	store := newFakeStore()
	seedSession(store, testDeviceID, &models.Session{
		ActiveUser: "uid-alice",
		UserEmail:  "alice@example.com",
		LastActive: testNow.UnixMilli(),
	})
	m, _ := newTestSessionManager(store)

	if !m.ReleaseSession(context.Background(), testDeviceID) {
		t.Fatal("ReleaseSession reported failure")
	}

	var session models.Session
	if store.snapshot(devicePath(testDeviceID, "session"), &session) {
		t.Errorf("session still present: %+v", session)
	}
}

func TestReleaseAllSessions(t *testing.T) {
	store := newFakeStore()
	mine := []string{"FROG-A1B2C3", "FROG-D4E5F6"}
	for _, id := range mine {
		seedSession(store, id, &models.Session{
			ActiveUser: "uid-alice",
			UserEmail:  "alice@example.com",
			LastActive: testNow.UnixMilli(),
		})
	}
	seedSession(store, "FROG-0F0F0F", &models.Session{
		ActiveUser: "uid-bob",
		UserEmail:  "bob@example.com",
		LastActive: testNow.UnixMilli(),
	})
	m, _ := newTestSessionManager(store)

	m.ReleaseAllSessions(context.Background())

	var session models.Session
	for _, id := range mine {
		if store.snapshot(devicePath(id, "session"), &session) {
			t.Errorf("session for %s not released", id)
		}
	}
	if !store.snapshot(devicePath("FROG-0F0F0F", "session"), &session) {
		t.Error("logout deleted a foreign session")
	}
}

func TestGetSessionStatus(t *testing.T) {
	tests := []struct {
		name          string
		session       *models.Session
		wantAvailable bool
		wantMessage   string
	}{
		{
			name:          "no session",
			wantAvailable: true,
			wantMessage:   "Available",
		},
		{
			name: "expired session",
			session: &models.Session{
				ActiveUser: "uid-bob",
				UserEmail:  "bob@example.com",
				LastActive: testNow.Add(-10 * time.Minute).UnixMilli(),
			},
			wantAvailable: true,
			wantMessage:   "Available (session expired)",
		},
		{
			name: "own session",
			session: &models.Session{
				ActiveUser: "uid-alice",
				UserEmail:  "alice@example.com",
				LastActive: testNow.UnixMilli(),
			},
			wantAvailable: true,
			wantMessage:   "Your session",
		},
		{
			name: "held by named user",
			session: &models.Session{
				ActiveUser: "uid-bob",
				UserEmail:  "bob@example.com",
				UserName:   "Bob",
				LastActive: testNow.UnixMilli(),
			},
			wantMessage: "In use by Bob",
		},
		{
			name: "held by nameless user",
			session: &models.Session{
				ActiveUser: "uid-bob",
				UserEmail:  "bob@example.com",
				LastActive: testNow.UnixMilli(),
			},
			wantMessage: "In use by bob@example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			if tt.session != nil {
				seedSession(store, testDeviceID, tt.session)
			}
			m, _ := newTestSessionManager(store)

			status := m.GetSessionStatus(context.Background(), testDeviceID)
			if status.Available != tt.wantAvailable {
				t.Errorf("available = %v, want %v", status.Available, tt.wantAvailable)
			}
			if status.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", status.Message, tt.wantMessage)
			}
		})
	}
}

func TestCanAccessDevice(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestSessionManager(store)

	if !m.CanAccessDevice(context.Background(), testDeviceID) {
		t.Error("unclaimed device reported inaccessible")
	}

	seedSession(store, testDeviceID, &models.Session{
		ActiveUser: "uid-bob",
		UserEmail:  "bob@example.com",
		LastActive: testNow.UnixMilli(),
	})
	if m.CanAccessDevice(context.Background(), testDeviceID) {
		t.Error("device held by another user reported accessible")
	}
}

func TestGetDeviceSessionTransportErrorMeansNoSession(t *testing.T) {
	store := newFakeStore()
	store.failOn("get", devicePath(testDeviceID, "session"), fmt.Errorf("read failed"))
	m, _ := newTestSessionManager(store)

	if session := m.GetDeviceSession(context.Background(), testDeviceID); session != nil {
		t.Errorf("transport error produced a session: %+v", session)
	}
}
