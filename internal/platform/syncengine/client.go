package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/skids/eyear/internal/errs"
	"github.com/skids/eyear/internal/platform/auth"
	"github.com/skids/eyear/internal/platform/syncqueue"
)

// ClientConfig configures the remote upload client.
type ClientConfig struct {
	BaseURL  string
	DeviceID string
	// Secret signs the per-cycle device token.
	Secret  []byte
	Issuer  string
	Timeout time.Duration
}

// Client uploads queue items to the district sync API. Uploads are PUT
// upserts keyed by the item's client-generated UUID, so a retry after a lost
// response cannot create a duplicate remotely.
type Client struct {
	baseURL  string
	deviceID string
	secret   []byte
	issuer   string
	http     *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "eyear"
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		deviceID: cfg.DeviceID,
		secret:   cfg.Secret,
		issuer:   cfg.Issuer,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

// deviceTokenTTL bounds a cycle; a stuck cycle's token expires with it.
const deviceTokenTTL = 10 * time.Minute

// MintCycleToken signs a fresh device token for one sync cycle.
func (c *Client) MintCycleToken() (string, error) {
	return auth.MintToken(c.secret, c.issuer, c.deviceID, []string{"device"}, deviceTokenTTL)
}

// Upload sends one queue item. The returned error carries the failure class:
// TransientNetworkError when the remote could not be reached at all,
// ValidationError on a 4xx rejection, ServerError on a 5xx. Timeouts return
// a plain error and are retried with backoff.
func (c *Client) Upload(ctx context.Context, token string, item *syncqueue.Item) error {
	url := fmt.Sprintf("%s/sync/%s/%s", c.baseURL, item.Type, item.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(item.Data))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", item.ID.String())
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &errs.ValidationError{
			Reason: fmt.Sprintf("remote rejected item (%d): %s", resp.StatusCode, bodySnippet(resp.Body)),
		}
	default:
		return &errs.ServerError{
			StatusCode: resp.StatusCode,
			Err:        errors.New(bodySnippet(resp.Body)),
		}
	}
}

// classifyTransport separates "network is down" from "network is slow".
// Only the former halts the cycle without charging an attempt.
func classifyTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("upload timed out: %w", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &errs.TransientNetworkError{Err: err}
}

func bodySnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
