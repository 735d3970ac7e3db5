package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	eventContentRemoval = "content_removal_required"
	userAgent           = "Empathy-Ledger-Webhook/1.0"
)

var (
	// ErrDestinationUnavailable marks transient failures (network errors,
	// 5xx) that the caller may retry with backoff.
	ErrDestinationUnavailable = errors.New("webhook: destination unavailable")
	// ErrRejected marks permanent 4xx responses that must not be retried.
	ErrRejected = errors.New("webhook: destination rejected command")
)

// RemovalCommand is the outbound order to take a distribution down before
// the compliance deadline. The engine only guarantees the command is issued
// and its outcome tracked; the destination's internals are its own.
type RemovalCommand struct {
	Event          string    `json:"event"`
	DistributionID string    `json:"distribution_id"`
	StoryID        string    `json:"story_id"`
	SiteID         string    `json:"site_id"`
	Reason         string    `json:"reason,omitempty"`
	Deadline       time.Time `json:"deadline"`
	Timestamp      time.Time `json:"timestamp"`
}

// Remover is what the revocation coordinator depends on.
type Remover interface {
	SendRemoval(ctx context.Context, cmd RemovalCommand, attempt int) error
}

// Client delivers signed removal commands to registered sites.
type Client struct {
	registry *Registry
	http     *http.Client
}

var _ Remover = (*Client)(nil)

// NewClient builds a delivery client with a bounded per-request timeout.
func NewClient(registry *Registry, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		registry: registry,
		http:     &http.Client{Timeout: timeout},
	}
}

// SignPayload computes the hex HMAC-SHA256 of the payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SendRemoval posts the command to the destination. A 2xx response is an
// acknowledgment; 4xx is permanent rejection; anything else is transient.
func (c *Client) SendRemoval(ctx context.Context, cmd RemovalCommand, attempt int) error {
	site, err := c.registry.Get(cmd.SiteID)
	if err != nil {
		return err
	}

	if cmd.Event == "" {
		cmd.Event = eventContentRemoval
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, site.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Empathy-Ledger-Event", cmd.Event)
	req.Header.Set("X-Empathy-Ledger-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if site.Secret != "" {
		req.Header.Set("X-Empathy-Ledger-Signature", "sha256="+SignPayload(payload, site.Secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrDestinationUnavailable, resp.StatusCode)
	}
}
