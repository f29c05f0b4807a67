// Package mijia implements the client side of the Mi Home cloud protocol:
// the browser-profile transport with device-cookie correlation, the response
// envelope, and the device/home/scene API client.
package mijia

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mihome/internal/platform/metrics"
	"mihome/pkg/platform/sentinel"
)

// DefaultUserAgent mirrors the mobile browser profile the vendor expects on
// login-flow requests.
const DefaultUserAgent = "Mozilla/5.0 (Linux; Android 6.0; Nexus 5 Build/MRA58N) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Mobile Safari/537.36 Edg/126.0.0.0"

const (
	acceptLanguage = "zh-CN,zh;q=0.9"
	sdkVersion     = "3.4.1"
	maxRedirects   = 10
)

// Transport issues outbound calls to the vendor's account endpoints. Every
// request carries the fixed browser headers plus the session's device cookie;
// the vendor correlates an unauthenticated login flow solely through that
// cookie, so it must never rotate mid-flow.
type Transport struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Transport.
type Option func(*Transport)

// WithUserAgent overrides the browser profile presented to the vendor.
func WithUserAgent(ua string) Option {
	return func(t *Transport) { t.userAgent = ua }
}

// WithMetrics records vendor call latency per endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// NewTransport builds a Transport. Redirects are never followed implicitly:
// the confirmation step needs the Set-Cookie headers of every hop, so the
// redirect chain is walked explicitly in CollectCookies.
func NewTransport(logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: DefaultUserAgent,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FetchEnvelope GETs rawurl with the login-flow headers and parses the
// vendor envelope. A non-zero envelope code surfaces as RemoteError.
func (t *Transport) FetchEnvelope(ctx context.Context, rawurl, deviceID string, timeout time.Duration) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", sentinel.ErrTransport)
	}
	t.setHeaders(req, deviceID)
	return t.doEnvelope(req)
}

// PostFormEnvelope POSTs a form body with the login-flow headers and parses
// the vendor envelope. Used by the credential login path.
func (t *Transport) PostFormEnvelope(ctx context.Context, rawurl, deviceID string, form url.Values, timeout time.Duration) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawurl, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", sentinel.ErrTransport)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	t.setHeaders(req, deviceID)
	return t.doEnvelope(req)
}

// CollectCookies GETs rawurl and walks the redirect chain by hand, folding
// every hop's Set-Cookie headers into one key->value map via the stdlib
// cookie parser. The service token is delivered this way after confirmation.
func (t *Transport) CollectCookies(ctx context.Context, rawurl, deviceID string, timeout time.Duration) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cookies := make(map[string]string)
	current := rawurl
	for hop := 0; hop < maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", sentinel.ErrTransport)
		}
		t.setHeaders(req, deviceID)

		resp, err := t.do(req)
		if err != nil {
			return nil, err
		}
		for _, c := range resp.Cookies() {
			cookies[c.Name] = c.Value
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc, err := resp.Location()
			if err != nil {
				return nil, fmt.Errorf("redirect without location: %w", sentinel.ErrTransport)
			}
			current = loc.String()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("unexpected status %d: %w", resp.StatusCode, sentinel.ErrTransport)
		}
		return cookies, nil
	}
	return nil, fmt.Errorf("redirect chain exceeded %d hops: %w", maxRedirects, sentinel.ErrTransport)
}

func (t *Transport) setHeaders(req *http.Request, deviceID string) {
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", acceptLanguage)
	req.Header.Set("Cookie", fmt.Sprintf("deviceId=%s; sdkVersion=%s", deviceID, sdkVersion))
}

func (t *Transport) doEnvelope(req *http.Request) (*Envelope, error) {
	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d from %s: %w", resp.StatusCode, req.URL.Path, sentinel.ErrTransport)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", sentinel.ErrTransport)
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		return nil, err
	}
	if err := env.Err(); err != nil {
		return nil, err
	}
	return env, nil
}

func (t *Transport) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.client.Do(req)
	if t.metrics != nil {
		t.metrics.ObserveVendorRequest(req.URL.Path, time.Since(start))
	}
	if err != nil {
		t.logger.Debug("vendor request failed", "url", req.URL.Path, "error", err)
		return nil, fmt.Errorf("%v: %w", err, sentinel.ErrTransport)
	}
	return resp, nil
}
