package service

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"mihome/internal/auth/models"
	"mihome/pkg/platform/audit"
	"mihome/pkg/platform/sentinel"
)

// PasswordLogin authenticates with username and password against the
// vendor's serviceLoginAuth2 endpoint and yields the same confirmed session
// record a QR flow would. Vendor rejections propagate with the vendor's
// message; no session record is created on failure.
func (s *Service) PasswordLogin(ctx context.Context, username, password string) (*models.LoginSession, error) {
	deviceID := newDeviceID()

	bundle, err := s.fetchIndex(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("service login index: %w", err)
	}

	// The vendor's password field is the uppercase MD5 hex of the password.
	hash := strings.ToUpper(fmt.Sprintf("%x", md5.Sum([]byte(password))))

	form := url.Values{}
	form.Set("sid", serviceSID)
	form.Set("hash", hash)
	form.Set("callback", bundle.Callback)
	form.Set("qs", bundle.QS)
	form.Set("user", username)
	form.Set("_sign", bundle.Sign)
	form.Set("_json", "true")

	env, err := s.cloud.PostFormEnvelope(ctx, s.cfg.AccountBaseURL+"/pass/serviceLoginAuth2", deviceID, form, s.cfg.HandshakeTimeout)
	if err != nil {
		if re, ok := sentinel.AsRemote(err); ok {
			s.record(ctx, audit.ActionAuthFailed, "", username, re.Description)
		}
		return nil, err
	}

	var result struct {
		UserID    json.Number `json:"userId"`
		Ssecurity string      `json:"ssecurity"`
		Location  string      `json:"location"`
	}
	if err := env.Decode(&result); err != nil {
		return nil, err
	}
	if result.UserID.String() == "" || result.Ssecurity == "" || result.Location == "" {
		// Code 0 without the credential triple means the vendor wants a
		// second factor (captcha, SMS); the dashboard cannot continue.
		return nil, &sentinel.RemoteError{Code: -1, Description: "additional verification required"}
	}

	cookies, err := s.cloud.CollectCookies(ctx, result.Location, deviceID, s.cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("follow login redirect: %w", err)
	}

	userID := result.UserID.String()
	now := s.now()
	session := &models.LoginSession{
		ID:        uuid.NewString(),
		Status:    models.StatusConfirmed,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
		DeviceID:  deviceID,
		AuthToken: result.Ssecurity,
		User:      s.fetchAccount(ctx, deviceID, userID),
	}

	creds := &models.CloudCredentials{
		UserID:       userID,
		Ssecurity:    result.Ssecurity,
		DeviceID:     deviceID,
		ServiceToken: cookies["serviceToken"],
		CUserID:      cookies["cUserId"],
		ExpiresAt:    now.Add(s.cfg.CredentialTTL),
	}
	if err := s.credentials.Save(ctx, creds); err != nil {
		s.logger.Error("storing cloud credentials failed", "user_id", userID, "error", err)
	}

	if token, err := s.tokens.GenerateAccessToken(userID, session.ID, s.cfg.CredentialTTL); err == nil {
		session.AccessToken = token
	} else {
		s.logger.Error("minting dashboard token failed", "user_id", userID, "error", err)
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SessionsConfirmed.Inc()
	}
	s.record(ctx, audit.ActionSessionConfirmed, session.ID, userID, "password login")
	s.logger.Info("password login confirmed", "user_id", userID)
	return session, nil
}
