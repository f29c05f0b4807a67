package service

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mihome/internal/auth/models"
	credstore "mihome/internal/auth/store/credentials"
	sessionstore "mihome/internal/auth/store/session"
	"mihome/internal/jwt_token"
	"mihome/internal/mijia"
	"mihome/internal/platform/config"
	"mihome/internal/platform/metrics"
	"mihome/pkg/platform/sentinel"
)

// fakeClock is a mutable time source tests advance past session deadlines.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// vendorStub simulates the account endpoints. The long-poll response is
// swappable per scenario and requests per path are counted.
type vendorStub struct {
	srv *httptest.Server

	mu       sync.Mutex
	longPoll http.HandlerFunc
	counts   map[string]*atomic.Int64
}

func newVendorStub(t *testing.T) *vendorStub {
	t.Helper()
	v := &vendorStub{counts: map[string]*atomic.Int64{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/pass/serviceLogin", func(w http.ResponseWriter, r *http.Request) {
		v.count("/pass/serviceLogin")
		fmt.Fprintf(w, `{"code":0,"qs":"%%3Fsid%%3Dxiaomiio","_sign":"sgn==","callback":"https://sts.example/sts","location":"https://account.example/fe/service/login?serviceParam=%%7B%%22checkSafe%%22%%3A1%%7D"}`)
	})
	mux.HandleFunc("/longPolling/loginUrl", func(w http.ResponseWriter, r *http.Request) {
		v.count("/longPolling/loginUrl")
		q := r.URL.Query()
		assert.Equal(t, "xiaomiio", q.Get("sid"))
		assert.Equal(t, "240", q.Get("_qrsize"))
		assert.Equal(t, "sgn==", q.Get("_sign"))
		assert.Equal(t, `{"checkSafe":1}`, q.Get("serviceParam"))
		assert.NotEmpty(t, q.Get("_dc"))
		fmt.Fprintf(w, `{"code":0,"loginUrl":"https://account.example/qr/abc","lp":"%s/longPolling/lp"}`, v.srv.URL)
	})
	mux.HandleFunc("/longPolling/lp", func(w http.ResponseWriter, r *http.Request) {
		v.count("/longPolling/lp")
		v.mu.Lock()
		h := v.longPoll
		v.mu.Unlock()
		if h == nil {
			w.Write([]byte(`{"code":0}`))
			return
		}
		h(w, r)
	})
	mux.HandleFunc("/sts", func(w http.ResponseWriter, r *http.Request) {
		v.count("/sts")
		http.SetCookie(w, &http.Cookie{Name: "serviceToken", Value: "svc-tok"})
		http.SetCookie(w, &http.Cookie{Name: "cUserId", Value: "cu-1"})
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/pass2/profile/home", func(w http.ResponseWriter, r *http.Request) {
		v.count("/pass2/profile/home")
		w.Write([]byte(`{"code":0,"data":{"nickname":"Alice","avatar":"https://img.example/a.png"}}`))
	})

	v.srv = httptest.NewServer(mux)
	t.Cleanup(v.srv.Close)
	return v
}

func (v *vendorStub) count(path string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.counts[path] == nil {
		v.counts[path] = &atomic.Int64{}
	}
	v.counts[path].Add(1)
}

func (v *vendorStub) requests(path string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.counts[path] == nil {
		return 0
	}
	return v.counts[path].Load()
}

func (v *vendorStub) setLongPoll(h http.HandlerFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.longPoll = h
}

type fixture struct {
	service     *Service
	clock       *fakeClock
	vendor      *vendorStub
	sessions    *sessionstore.InMemorySessionStore
	credentials *credstore.InMemoryCredentialsStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	vendor := newVendorStub(t)
	clock := newFakeClock()

	cfg := config.Config{
		AccountBaseURL:   vendor.srv.URL,
		HandshakeTimeout: 2 * time.Second,
		LongPollTimeout:  250 * time.Millisecond,
		SessionTTL:       5 * time.Minute,
		CredentialTTL:    30 * 24 * time.Hour,
	}

	log := slog.New(slog.DiscardHandler)
	sessions := sessionstore.New()
	credentials := credstore.New()
	tokens := jwttoken.NewJWTService("test-signing-key", "mihome-test")
	m := metrics.New(prometheus.NewRegistry())

	svc := New(cfg, mijia.NewTransport(log), sessions, credentials, tokens, log, m,
		WithClock(clock.Now),
	)
	return &fixture{service: svc, clock: clock, vendor: vendor, sessions: sessions, credentials: credentials}
}

func (f *fixture) confirmLongPoll() {
	f.vendor.setLongPoll(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `&&&START&&&{"code":0,"userId":4242,"ssecurity":"s1","location":"%s/sts"}`, f.vendor.srv.URL)
	})
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)

	session, err := f.service.CreateSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, session.Status)
	assert.Equal(t, "https://account.example/qr/abc", session.LoginURL)
	assert.NotEmpty(t, session.LongPollURL)
	assert.Len(t, session.DeviceID, DeviceIDLength)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), session.ExpiresAt)

	stored, err := f.sessions.FindByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.DeviceID, stored.DeviceID)
}

func TestCreateSession_HandshakeFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.vendor.srv.Close()

	_, err := f.service.CreateSession(context.Background())
	require.ErrorIs(t, err, sentinel.ErrTransport)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestPollStatus_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.PollStatus(context.Background(), "no-such-id")
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestPollStatus_PendingWhileUnconfirmed(t *testing.T) {
	f := newFixture(t)
	// default long-poll answer carries no credential triple
	session, err := f.service.CreateSession(context.Background())
	require.NoError(t, err)

	result, err := f.service.PollStatus(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, result.Status)
	assert.Empty(t, result.Token)
}

func TestPollStatus_ExpiresAfterDeadline(t *testing.T) {
	f := newFixture(t)
	session, err := f.service.CreateSession(context.Background())
	require.NoError(t, err)

	f.clock.Advance(5*time.Minute + time.Second)

	result, err := f.service.PollStatus(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, result.Status)

	// terminal: no vendor long-poll was issued
	assert.Zero(t, f.vendor.requests("/longPolling/lp"))

	stored, err := f.sessions.FindByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, stored.Status)
}

func TestPollStatus_Confirmation(t *testing.T) {
	f := newFixture(t)
	f.confirmLongPoll()

	session, err := f.service.CreateSession(context.Background())
	require.NoError(t, err)

	result, err := f.service.PollStatus(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusConfirmed, result.Status)
	assert.Equal(t, "s1", result.Token)
	require.NotNil(t, result.User)
	assert.Equal(t, "4242", result.User.ID)
	assert.Equal(t, "Alice", result.User.Username)
	assert.NotEmpty(t, result.AccessToken)

	creds, err := f.credentials.FindByUserID(context.Background(), "4242")
	require.NoError(t, err)
	assert.Equal(t, "svc-tok", creds.ServiceToken)
	assert.Equal(t, "cu-1", creds.CUserID)
	assert.Equal(t, session.DeviceID, creds.DeviceID)
}

func TestPollStatus_ConfirmedPollsArePureReads(t *testing.T) {
	f := newFixture(t)
	f.confirmLongPoll()

	session, err := f.service.CreateSession(context.Background())
	require.NoError(t, err)

	first, err := f.service.PollStatus(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusConfirmed, first.Status)
	polled := f.vendor.requests("/longPolling/lp")

	second, err := f.service.PollStatus(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, polled, f.vendor.requests("/longPolling/lp"))
}

func TestPollStatus_VendorRejectionIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.vendor.setLongPoll(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":70016,"description":"QR code expired"}`))
	})

	session, err := f.service.CreateSession(context.Background())
	require.NoError(t, err)

	result, err := f.service.PollStatus(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, result.Status)

	// the stored status is terminal: the next poll never reaches the vendor
	polled := f.vendor.requests("/longPolling/lp")
	result, err = f.service.PollStatus(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, result.Status)
	assert.Equal(t, polled, f.vendor.requests("/longPolling/lp"))
}

func TestPollStatus_LongPollTimeoutStaysPending(t *testing.T) {
	f := newFixture(t)
	f.vendor.setLongPoll(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second) // longer than the configured long-poll timeout
		w.Write([]byte(`{"code":0}`))
	})

	session, err := f.service.CreateSession(context.Background())
	require.NoError(t, err)

	result, err := f.service.PollStatus(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, result.Status)
}

func TestPollStatus_MalformedLongPollStaysPending(t *testing.T) {
	f := newFixture(t)
	f.vendor.setLongPoll(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway error</html>"))
	})

	session, err := f.service.CreateSession(context.Background())
	require.NoError(t, err)

	result, err := f.service.PollStatus(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, result.Status)
}

func TestPasswordLogin(t *testing.T) {
	f := newFixture(t)

	f.vendor.srv.Config.Handler.(*http.ServeMux).HandleFunc("/pass/serviceLoginAuth2", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "xiaomiio", r.PostFormValue("sid"))
		assert.Equal(t, "alice", r.PostFormValue("user"))
		wantHash := strings.ToUpper(fmt.Sprintf("%x", md5.Sum([]byte("hunter22"))))
		assert.Equal(t, wantHash, r.PostFormValue("hash"))
		fmt.Fprintf(w, `&&&START&&&{"code":0,"userId":4242,"ssecurity":"s1","location":"%s/sts"}`, f.vendor.srv.URL)
	})

	session, err := f.service.PasswordLogin(context.Background(), "alice", "hunter22")
	require.NoError(t, err)

	assert.Equal(t, models.StatusConfirmed, session.Status)
	assert.Equal(t, "s1", session.AuthToken)
	assert.NotEmpty(t, session.AccessToken)
	require.NotNil(t, session.User)
	assert.Equal(t, "Alice", session.User.Username)

	creds, err := f.credentials.FindByUserID(context.Background(), "4242")
	require.NoError(t, err)
	assert.Equal(t, "svc-tok", creds.ServiceToken)
}

func TestPasswordLogin_VendorRejection(t *testing.T) {
	f := newFixture(t)
	f.vendor.srv.Config.Handler.(*http.ServeMux).HandleFunc("/pass/serviceLoginAuth2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":70016,"description":"invalid credentials"}`))
	})

	_, err := f.service.PasswordLogin(context.Background(), "alice", "wrong")
	re, ok := sentinel.AsRemote(err)
	require.True(t, ok)
	assert.Equal(t, 70016, re.Code)
}

func TestPasswordLogin_SecondFactorRequired(t *testing.T) {
	f := newFixture(t)
	f.vendor.srv.Config.Handler.(*http.ServeMux).HandleFunc("/pass/serviceLoginAuth2", func(w http.ResponseWriter, r *http.Request) {
		// code 0 without the credential triple: the account needs extra verification
		w.Write([]byte(`{"code":0,"notificationUrl":"https://account.example/verify"}`))
	})

	_, err := f.service.PasswordLogin(context.Background(), "alice", "hunter22")
	re, ok := sentinel.AsRemote(err)
	require.True(t, ok)
	assert.Contains(t, re.Description, "verification")
}
