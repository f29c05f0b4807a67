package mijia

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mihome/internal/mijia/sign"
	"mihome/internal/platform/metrics"
	"mihome/pkg/platform/sentinel"
)

const (
	devicePageLimit  = 200
	sharedPageLimit  = 500
	deviceAPITimeout = 15 * time.Second
)

// Client calls the device/home/scene API with signed requests. Thin by
// design: the protocol weight lives in the transport, envelope and sign
// packages.
type Client struct {
	hc        *http.Client
	baseURL   string
	signer    sign.Signer
	userAgent string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientMetrics records device API latency and command counters.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a device API client against baseURL (the vendor's app
// gateway, e.g. https://api.io.mi.com/app).
func NewClient(baseURL string, signer sign.Signer, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		hc:        &http.Client{Timeout: deviceAPITimeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		signer:    signer,
		userAgent: DefaultUserAgent,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call issues one signed POST and unwraps the result into out (may be nil).
func (c *Client) call(ctx context.Context, creds sign.Credentials, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	signed, err := sign.Build(c.signer, creds, path, string(payload))
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("_nonce", signed.Nonce)
	form.Set("data", signed.Data)
	form.Set("signature", signed.Signature)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", sentinel.ErrTransport)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("x-xiaomi-protocal-flag-cli", "PROTOCAL-HTTP2")
	req.Header.Set("Cookie", signed.CookieHeader)

	start := time.Now()
	resp, err := c.hc.Do(req)
	if c.metrics != nil {
		c.metrics.ObserveVendorRequest(path, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("%v: %w", err, sentinel.ErrTransport)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s: %w", resp.StatusCode, path, sentinel.ErrTransport)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", sentinel.ErrTransport)
	}

	env, err := ParseEnvelope(raw)
	if err != nil {
		return err
	}
	if err := env.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return env.Result(out)
}

// Devices lists every device across the user's homes, paging through each
// home and folding duplicates by device id. Homes are fetched concurrently.
func (c *Client) Devices(ctx context.Context, creds sign.Credentials) ([]Device, error) {
	homes, err := c.Homes(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("list homes: %w", err)
	}

	var (
		mu      sync.Mutex
		devices []Device
		seen    = make(map[string]struct{})
	)
	appendDevices := func(batch []Device) {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range batch {
			if d.DID == "" {
				continue
			}
			if _, dup := seen[d.DID]; dup {
				continue
			}
			seen[d.DID] = struct{}{}
			devices = append(devices, d)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, home := range homes {
		g.Go(func() error {
			batch, err := c.homeDevices(gctx, creds, home)
			if err != nil {
				return err
			}
			appendDevices(batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Shared devices are not attached to a home of the user's own.
	shared, err := c.sharedDevices(ctx, creds)
	if err != nil {
		c.logger.Warn("listing shared devices failed", "error", err)
	} else {
		appendDevices(shared)
	}
	return devices, nil
}

func (c *Client) homeDevices(ctx context.Context, creds sign.Credentials, home Home) ([]Device, error) {
	var (
		devices  []Device
		startDID string
	)
	for {
		var page struct {
			DeviceInfo []Device `json:"device_info"`
			HasMore    bool     `json:"has_more"`
			NextDID    string   `json:"next_did"`
		}
		homeID, _ := home.ID.Int64()
		body := map[string]any{
			"home_owner":         home.UID,
			"home_id":            homeID,
			"limit":              devicePageLimit,
			"start_did":          startDID,
			"get_split_device":   true,
			"support_smart_home": true,
			"get_cariot_device":  true,
			"get_third_device":   true,
			"get_share_device":   true,
			"get_room_device":    true,
			"get_all_device":     true,
		}
		if err := c.call(ctx, creds, "/home/home_device_list", body, &page); err != nil {
			return nil, err
		}
		for i := range page.DeviceInfo {
			if page.DeviceInfo[i].HomeID == "" {
				page.DeviceInfo[i].HomeID = home.ID.String()
			}
		}
		devices = append(devices, page.DeviceInfo...)
		startDID = page.NextDID
		if !page.HasMore || startDID == "" {
			return devices, nil
		}
	}
}

func (c *Client) sharedDevices(ctx context.Context, creds sign.Credentials) ([]Device, error) {
	var page struct {
		DeviceInfo []Device `json:"device_info"`
	}
	body := map[string]any{
		"get_share_device": true,
		"get_split_device": true,
		"get_third_device": true,
		"limit":            sharedPageLimit,
	}
	if err := c.call(ctx, creds, "/home/home_device_list", body, &page); err != nil {
		return nil, err
	}
	return page.DeviceInfo, nil
}

// Homes lists the user's homes, shared ones included.
func (c *Client) Homes(ctx context.Context, creds sign.Credentials) ([]Home, error) {
	var result struct {
		HomeList []Home `json:"home_list"`
	}
	body := map[string]any{
		"fg":              true,
		"fetch_share":     true,
		"fetch_share_dev": true,
		"limit":           300,
		"app_ver":         7,
	}
	if err := c.call(ctx, creds, "/v2/homeroom/gethome_merged", body, &result); err != nil {
		return nil, err
	}
	return result.HomeList, nil
}

// Scenes lists the scenes configured for a home.
func (c *Client) Scenes(ctx context.Context, creds sign.Credentials, homeID string) ([]Scene, error) {
	var result struct {
		SceneInfoList []Scene `json:"scene_info_list"`
	}
	body := map[string]any{"home_id": homeID}
	if err := c.call(ctx, creds, "/appgateway/miot/appsceneservice/AppSceneService/GetSceneList", body, &result); err != nil {
		return nil, err
	}
	return result.SceneInfoList, nil
}

// RunScene triggers a scene as a user click.
func (c *Client) RunScene(ctx context.Context, creds sign.Credentials, sceneID string) error {
	body := map[string]any{
		"scene_id":    sceneID,
		"trigger_key": "user.click",
	}
	if err := c.call(ctx, creds, "/appgateway/miot/appsceneservice/AppSceneService/RunScene", body, nil); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.ScenesRun.Inc()
	}
	return nil
}

// GetProps reads miot-spec properties.
func (c *Client) GetProps(ctx context.Context, creds sign.Credentials, props []Property) ([]Property, error) {
	var result []Property
	body := map[string]any{"params": props}
	if err := c.call(ctx, creds, "/miotspec/prop/get", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SetProps writes miot-spec properties.
func (c *Client) SetProps(ctx context.Context, creds sign.Credentials, props []Property) ([]Property, error) {
	var result []Property
	body := map[string]any{"params": props}
	if err := c.call(ctx, creds, "/miotspec/prop/set", body, &result); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.DeviceCommands.Inc()
	}
	return result, nil
}

// RunAction invokes a miot-spec action on a device.
func (c *Client) RunAction(ctx context.Context, creds sign.Credentials, action Action) (map[string]any, error) {
	var result map[string]any
	body := map[string]any{"params": action}
	if err := c.call(ctx, creds, "/miotspec/action", body, &result); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.DeviceCommands.Inc()
	}
	return result, nil
}
