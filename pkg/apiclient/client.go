// Package apiclient calls the signed vault API the same way the mobile app
// does. Each attempt carries a fresh timestamp and signature, so a retry is
// never rejected as a replay of the previous attempt.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"zerokeep/pkg/audit"
	"zerokeep/pkg/gatekeeper"
	"zerokeep/pkg/telemetry"
	"zerokeep/pkg/vault"
)

const HeaderOwnerHash = "X-Owner-Hash"

// Error is returned for any non-2xx response that is not retried.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api status=%d body=%s", e.Status, strings.TrimSpace(e.Body))
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	APIKey     string
	Secret     string
	UserAgent  string
	DeviceID   string
	OwnerHash  string
	Retries    int
	RetryDelay time.Duration
	Now        func() time.Time
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: telemetry.InstrumentClient(&http.Client{Timeout: timeout}),
		Retries:    2,
		RetryDelay: 250 * time.Millisecond,
	}
}

// Headers returns the signed header set for one request body at ts.
func (c *Client) Headers(ts time.Time, body []byte) http.Header {
	stamp := strconv.FormatInt(ts.UnixMilli(), 10)
	h := http.Header{}
	h.Set(gatekeeper.HeaderAPIKey, c.APIKey)
	h.Set(gatekeeper.HeaderDeviceID, c.DeviceID)
	h.Set(gatekeeper.HeaderTimestamp, stamp)
	h.Set(gatekeeper.HeaderSignature, gatekeeper.Sign(c.Secret, c.APIKey, stamp, c.UserAgent, c.DeviceID, body))
	h.Set("User-Agent", c.UserAgent)
	if c.OwnerHash != "" {
		h.Set(HeaderOwnerHash, c.OwnerHash)
	}
	return h
}

func (c *Client) Save(ctx context.Context, rec vault.Record) error {
	if rec.OwnerHash == "" {
		rec.OwnerHash = c.OwnerHash
	}
	return c.call(ctx, http.MethodPost, "/api/v1/vault/save", rec, nil)
}

func (c *Client) Fetch(ctx context.Context) ([]vault.Record, error) {
	out := []vault.Record{}
	if err := c.call(ctx, http.MethodGet, "/api/v1/vault/fetch", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/vault/delete", map[string]string{"id": id}, nil)
}

func (c *Client) Reorder(ctx context.Context, items []vault.OrderItem) error {
	return c.call(ctx, http.MethodPatch, "/api/v1/vault/reorder", map[string]any{"items": items}, nil)
}

// Wipe asks for the v1 wipe, which the gateway refuses by policy.
func (c *Client) Wipe(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/v1/vault/wipe", map[string]any{}, nil)
}

func (c *Client) SendCrash(ctx context.Context, crash audit.Crash) error {
	return c.call(ctx, http.MethodPost, "/api/v1/logs", crash, nil)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}
	status, resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &Error{Status: status, Body: string(resp)}
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do retries transport errors and 5xx responses only.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	retries := max(c.Retries, 0)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx); err != nil {
				return 0, nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range c.Headers(c.now(), body) {
			req.Header[k] = v
		}

		resp, err := c.httpClient().Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			lastErr = &Error{Status: resp.StatusCode, Body: string(respBody)}
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func (c *Client) sleep(ctx context.Context) error {
	if c.RetryDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
