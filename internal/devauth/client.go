// ABOUTME: HTTP client for the controller's device authentication endpoint.
// ABOUTME: Exchanges device identity for a bearer token; failures never mutate stored state.

package devauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrAuthFailed wraps any non-2xx response or malformed body from the
// authentication endpoint. The caller keeps its previous credential.
var ErrAuthFailed = errors.New("device authentication failed")

// DeviceInfo identifies this device to the controller.
type DeviceInfo struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	Brand      string `json:"brand"`
	SDK        string `json:"sdk"`
	Resolution string `json:"resolution"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Client talks to the controller's HTTP registration endpoint.
type Client struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client for the given auth endpoint URL.
func New(url string, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger.With("component", "devauth"),
	}
}

// Authenticate posts the device identity and returns the issued token.
// Any failure is reported as ErrAuthFailed; there is no automatic retry.
func (c *Client) Authenticate(ctx context.Context, device DeviceInfo) (string, error) {
	body, err := json.Marshal(device)
	if err != nil {
		return "", fmt.Errorf("encoding device info: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a little of the body for the log line, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		c.logger.Warn("auth endpoint rejected device",
			"status", resp.StatusCode, "body", string(snippet))
		return "", fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	}

	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrAuthFailed, err)
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("%w: response carried no token", ErrAuthFailed)
	}

	c.logger.Info("device authenticated", "device_id", device.ID)
	return parsed.Token, nil
}
