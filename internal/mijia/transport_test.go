package mijia

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mihome/pkg/platform/sentinel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestTransport_FetchEnvelope_SendsLoginHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	tr := NewTransport(testLogger())
	_, err := tr.FetchEnvelope(context.Background(), srv.URL, "abcdef0123456789", time.Second)
	require.NoError(t, err)

	assert.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "*/*", got.Get("Accept"))
	assert.Equal(t, "zh-CN,zh;q=0.9", got.Get("Accept-Language"))
	assert.Equal(t, "deviceId=abcdef0123456789; sdkVersion=3.4.1", got.Get("Cookie"))
}

func TestTransport_FetchEnvelope_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewTransport(testLogger())
	_, err := tr.FetchEnvelope(context.Background(), srv.URL, "dev", time.Second)
	require.ErrorIs(t, err, sentinel.ErrTransport)
}

func TestTransport_FetchEnvelope_VendorRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`&&&START&&&{"code":87001,"desc":"not signed in"}`))
	}))
	defer srv.Close()

	tr := NewTransport(testLogger())
	_, err := tr.FetchEnvelope(context.Background(), srv.URL, "dev", time.Second)

	re, ok := sentinel.AsRemote(err)
	require.True(t, ok)
	assert.Equal(t, 87001, re.Code)
	assert.Equal(t, "not signed in", re.Description)
}

func TestTransport_PostFormEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "alice", r.PostFormValue("user"))
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	tr := NewTransport(testLogger())
	form := map[string][]string{"user": {"alice"}}
	_, err := tr.PostFormEnvelope(context.Background(), srv.URL, "dev", form, time.Second)
	require.NoError(t, err)
}

func TestTransport_CollectCookies_WalksRedirectChain(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/sts", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "serviceToken", Value: "tok-1"})
		http.Redirect(w, r, srv.URL+"/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "cUserId", Value: "cu-1"})
		w.Write([]byte("ok"))
	})

	tr := NewTransport(testLogger())
	cookies, err := tr.CollectCookies(context.Background(), srv.URL+"/sts", "dev", time.Second)
	require.NoError(t, err)

	assert.Equal(t, "tok-1", cookies["serviceToken"])
	assert.Equal(t, "cu-1", cookies["cUserId"])
}

func TestTransport_CollectCookies_TooManyRedirects(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/loop", http.StatusFound)
	})

	tr := NewTransport(testLogger())
	_, err := tr.CollectCookies(context.Background(), srv.URL+"/loop", "dev", time.Second)
	require.ErrorIs(t, err, sentinel.ErrTransport)
}
