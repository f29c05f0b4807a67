package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"mihome/internal/auth/models"
	"mihome/pkg/platform/audit"
	"mihome/pkg/platform/sentinel"
)

const serviceSID = "xiaomiio"

// indexBundle is the query-signature bundle the vendor's service-login index
// returns; the QR issuance call depends on it, so the two calls are strictly
// sequential.
type indexBundle struct {
	QS       string `json:"qs"`
	Sign     string `json:"_sign"`
	Callback string `json:"callback"`
	Location string `json:"location"`
}

// PollResult is what a status check reports to the route layer.
type PollResult struct {
	Status      models.Status   `json:"status"`
	Token       string          `json:"token,omitempty"`
	User        *models.Account `json:"user,omitempty"`
	AccessToken string          `json:"accessToken,omitempty"`
}

// CreateSession runs the two-step handshake and returns a pending session.
// There is no partial session: any handshake failure propagates and nothing
// is stored, so the caller shows a QR-generation error instead of a broken
// code. No automatic retry.
func (s *Service) CreateSession(ctx context.Context) (*models.LoginSession, error) {
	deviceID := newDeviceID()

	bundle, err := s.fetchIndex(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("service login index: %w", err)
	}

	loginURL, longPollURL, err := s.fetchQRLoginURL(ctx, deviceID, bundle)
	if err != nil {
		return nil, fmt.Errorf("qr login url: %w", err)
	}

	now := s.now()
	session := &models.LoginSession{
		ID:          uuid.NewString(),
		Status:      models.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
		DeviceID:    deviceID,
		LoginURL:    loginURL,
		LongPollURL: longPollURL,
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	s.record(ctx, audit.ActionSessionCreated, session.ID, "", "")
	s.logger.Info("qr login session created", "session_id", session.ID)
	return session, nil
}

func (s *Service) fetchIndex(ctx context.Context, deviceID string) (*indexBundle, error) {
	indexURL := s.cfg.AccountBaseURL + "/pass/serviceLogin?sid=" + serviceSID + "&_json=true"
	env, err := s.cloud.FetchEnvelope(ctx, indexURL, deviceID, s.cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	var bundle indexBundle
	if err := env.Decode(&bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (s *Service) fetchQRLoginURL(ctx context.Context, deviceID string, bundle *indexBundle) (loginURL, longPollURL string, err error) {
	// serviceParam rides inside the index bundle's location URL.
	var serviceParam string
	if loc, perr := url.Parse(bundle.Location); perr == nil {
		serviceParam = loc.Query().Get("serviceParam")
	}

	params := url.Values{}
	params.Set("_qrsize", "240")
	params.Set("qs", bundle.QS)
	params.Set("bizDeviceType", "")
	params.Set("callback", bundle.Callback)
	params.Set("_json", "true")
	params.Set("theme", "")
	params.Set("sid", serviceSID)
	params.Set("needTheme", "false")
	params.Set("showActiveX", "false")
	params.Set("serviceParam", serviceParam)
	params.Set("_local", "zh_CN")
	params.Set("_sign", bundle.Sign)
	// Cache buster; the vendor rejects replayed QR issuance URLs.
	params.Set("_dc", strconv.FormatInt(s.now().UnixMilli(), 10))

	env, err := s.cloud.FetchEnvelope(ctx, s.cfg.AccountBaseURL+"/longPolling/loginUrl?"+params.Encode(), deviceID, s.cfg.HandshakeTimeout)
	if err != nil {
		return "", "", err
	}

	var payload struct {
		LoginURL string `json:"loginUrl"`
		LP       string `json:"lp"`
	}
	if err := env.Decode(&payload); err != nil {
		return "", "", err
	}
	return payload.LoginURL, payload.LP, nil
}

// PollStatus reports a session's state, resuming the long-poll when it is
// still pending. Expired and confirmed sessions are pure reads; a concurrent
// poll for the same id shares the in-flight check instead of duplicating it.
func (s *Service) PollStatus(ctx context.Context, id string) (*PollResult, error) {
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if session.EffectiveStatus(now) == models.StatusExpired {
		if session.Status != models.StatusExpired {
			session.Status = models.StatusExpired
			if err := s.sessions.Save(ctx, session); err != nil {
				s.logger.Warn("marking session expired failed", "session_id", session.ID, "error", err)
			}
			if s.metrics != nil {
				s.metrics.SessionsExpired.Inc()
			}
			s.record(ctx, audit.ActionSessionExpired, session.ID, "", "deadline passed")
		}
		return &PollResult{Status: models.StatusExpired}, nil
	}

	if session.Status == models.StatusConfirmed {
		return confirmedResult(session), nil
	}

	v, err, _ := s.polls.Do(session.ID, func() (any, error) {
		return s.checkPending(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PollResult), nil
}

// checkPending issues one long-poll and applies the polling failure policy:
// transport and parse hiccups stay pending (the UI just retries); an explicit
// vendor rejection is terminal.
func (s *Service) checkPending(ctx context.Context, session *models.LoginSession) (*PollResult, error) {
	if session.LongPollURL == "" {
		return &PollResult{Status: models.StatusPending}, nil
	}

	env, err := s.cloud.FetchEnvelope(ctx, session.LongPollURL, session.DeviceID, s.cfg.LongPollTimeout)
	if err != nil {
		if re, ok := sentinel.AsRemote(err); ok {
			return s.expireRejected(ctx, session, re)
		}
		s.logger.Debug("long poll hiccup, staying pending", "session_id", session.ID, "error", err)
		return &PollResult{Status: models.StatusPending}, nil
	}

	var confirmation struct {
		UserID    json.Number `json:"userId"`
		Ssecurity string      `json:"ssecurity"`
		Location  string      `json:"location"`
	}
	if err := env.Decode(&confirmation); err != nil {
		return &PollResult{Status: models.StatusPending}, nil
	}
	if confirmation.UserID.String() == "" || confirmation.Ssecurity == "" || confirmation.Location == "" {
		return &PollResult{Status: models.StatusPending}, nil
	}

	// The long poll may have been held open past the session deadline.
	if s.now().After(session.ExpiresAt) {
		session.Status = models.StatusExpired
		if err := s.sessions.Save(ctx, session); err != nil {
			s.logger.Warn("marking session expired failed", "session_id", session.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.SessionsExpired.Inc()
		}
		return &PollResult{Status: models.StatusExpired}, nil
	}

	return s.confirm(ctx, session, confirmation.UserID.String(), confirmation.Ssecurity, confirmation.Location)
}

func (s *Service) expireRejected(ctx context.Context, session *models.LoginSession, re *sentinel.RemoteError) (*PollResult, error) {
	session.Status = models.StatusExpired
	if err := s.sessions.Save(ctx, session); err != nil {
		s.logger.Warn("marking session expired failed", "session_id", session.ID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.SessionsExpired.Inc()
	}
	s.record(ctx, audit.ActionAuthFailed, session.ID, "", re.Description)
	s.logger.Info("vendor rejected login flow", "session_id", session.ID, "code", re.Code, "desc", re.Description)
	return &PollResult{Status: models.StatusExpired}, nil
}

// confirm finishes the handshake: follow the redirect to harvest the service
// token cookies, fetch the profile best-effort, persist credentials and mint
// the dashboard token.
func (s *Service) confirm(ctx context.Context, session *models.LoginSession, userID, ssecurity, location string) (*PollResult, error) {
	cookies, err := s.cloud.CollectCookies(ctx, location, session.DeviceID, s.cfg.HandshakeTimeout)
	if err != nil {
		// The confirmation signal will come around on the next poll.
		s.logger.Warn("confirmation redirect failed, staying pending", "session_id", session.ID, "error", err)
		return &PollResult{Status: models.StatusPending}, nil
	}

	account := s.fetchAccount(ctx, session.DeviceID, userID)

	creds := &models.CloudCredentials{
		UserID:       userID,
		Ssecurity:    ssecurity,
		DeviceID:     session.DeviceID,
		ServiceToken: cookies["serviceToken"],
		CUserID:      cookies["cUserId"],
		ExpiresAt:    s.now().Add(s.cfg.CredentialTTL),
	}
	if err := s.credentials.Save(ctx, creds); err != nil {
		s.logger.Error("storing cloud credentials failed", "session_id", session.ID, "error", err)
	}

	session.Status = models.StatusConfirmed
	session.AuthToken = ssecurity
	session.User = account
	if token, err := s.tokens.GenerateAccessToken(userID, session.ID, s.cfg.CredentialTTL); err == nil {
		session.AccessToken = token
	} else {
		s.logger.Error("minting dashboard token failed", "session_id", session.ID, "error", err)
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("store confirmed session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SessionsConfirmed.Inc()
	}
	s.record(ctx, audit.ActionSessionConfirmed, session.ID, userID, "")
	s.logger.Info("qr login confirmed", "session_id", session.ID, "user_id", userID)
	return confirmedResult(session), nil
}

// fetchAccount loads the display profile. Best-effort: on any failure the
// user record falls back to a synthesized name.
func (s *Service) fetchAccount(ctx context.Context, deviceID, userID string) *models.Account {
	account := &models.Account{ID: userID, Username: "User_" + userID}

	profileURL := s.cfg.AccountBaseURL + "/pass2/profile/home?bizFlag=&userId=" + url.QueryEscape(userID)
	env, err := s.cloud.FetchEnvelope(ctx, profileURL, deviceID, s.cfg.HandshakeTimeout)
	if err != nil {
		s.logger.Debug("account profile fetch failed", "user_id", userID, "error", err)
		return account
	}

	var payload struct {
		Data struct {
			Nickname string `json:"nickname"`
			Avatar   string `json:"avatar"`
		} `json:"data"`
	}
	if err := env.Decode(&payload); err != nil {
		return account
	}
	if payload.Data.Nickname != "" {
		account.Username = payload.Data.Nickname
	}
	account.Avatar = payload.Data.Avatar
	return account
}

func confirmedResult(session *models.LoginSession) *PollResult {
	return &PollResult{
		Status:      models.StatusConfirmed,
		Token:       session.AuthToken,
		User:        session.User,
		AccessToken: session.AccessToken,
	}
}
