package models

import "time"

// Status is the observable state of a QR login session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScanned   Status = "scanned" // reserved; no vendor signal maps to it yet
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
)

// Account is the vendor account attached to a confirmed session. Username
// falls back to a synthesized name when the profile fetch fails.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// LoginSession is one QR login flow. The vendor correlates the flow through
// DeviceID (a cookie value), not through ID, so DeviceID must stay stable for
// every handshake request of the session.
type LoginSession struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	DeviceID    string `json:"device_id"`
	LoginURL    string `json:"login_url"`
	LongPollURL string `json:"long_poll_url,omitempty"`

	AuthToken string   `json:"auth_token,omitempty"`
	User      *Account `json:"user,omitempty"`

	// AccessToken is the dashboard JWT minted once at confirmation, so
	// repeated polls return an identical payload.
	AccessToken string `json:"access_token,omitempty"`
}

// EffectiveStatus applies the lazy expiry rule: a session past its deadline
// reports Expired on observation no matter what the stored status says, even
// if a confirmation landed concurrently.
func (s *LoginSession) EffectiveStatus(now time.Time) Status {
	if now.After(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

// CloudCredentials is the authentication material a confirmed login yields.
// It outlives the short LoginSession record and is what the device API client
// signs requests with.
type CloudCredentials struct {
	UserID       string    `json:"user_id"`
	Ssecurity    string    `json:"ssecurity"`
	DeviceID     string    `json:"device_id"`
	ServiceToken string    `json:"service_token"`
	CUserID      string    `json:"c_user_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the credentials are past their vendor lifetime.
func (c *CloudCredentials) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
