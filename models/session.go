package models

// Session is the ephemeral control lease stored at devices/{id}/session.
// At most one non-stale session may exist per device; it is refreshed by
// the owning client's heartbeat and deleted on release or logout.
type Session struct {
	ActiveUser string `json:"activeUser"`
	UserEmail  string `json:"userEmail"`
	UserName   string `json:"userName"`
	LastActive int64  `json:"lastActive"` // epoch ms
	ClaimedAt  int64  `json:"claimedAt"`  // epoch ms
}

// User is the identity triple supplied by the external auth provider.
// The core never authenticates; it only compares identities.
type User struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Name returns the display name, falling back to the email address.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}
