// Package gateway talks to the cloud relay service that fronts the
// physical smart plugs. Commands are request/acknowledge: the caller gets
// a definite success or failure within the configured timeout, never a
// hang, and does not see the relay connection's internal lifecycle.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"

	"clinic-usage-backend/config"
)

// ErrCommandTimeout is returned when the relay service does not
// acknowledge a command within the configured deadline. Callers treat it
// as a best-effort failure: session finalization proceeds regardless.
var ErrCommandTimeout = errors.New("device command timed out")

// Action is a relay switch position.
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// Controller is the port the shutdown controller and assignment flow
// depend on.
type Controller interface {
	ControlDevice(ctx context.Context, credentialID, deviceID string, action Action) error
	RenameDevice(ctx context.Context, credentialID, deviceID, name string) error
}

// Client is an HTTP implementation of Controller against the cloud relay
// control API.
type Client struct {
	cfg    *config.GatewayConfig
	client *http.Client
}

// New creates a gateway client from configuration.
func New(cfg *config.GatewayConfig) *Client {
	var transport http.RoundTripper = &http.Transport{}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			log.Printf("Warning: Invalid proxy URL %q: %v. Gateway will not use a proxy.", cfg.HTTPProxy, err)
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

type commandRequest struct {
	Method       string `json:"method"`
	DeviceID     string `json:"deviceId"`
	CredentialID string `json:"credentialId"`
	Name         string `json:"name,omitempty"`
}

type commandResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ControlDevice switches a plug's relay on or off.
func (c *Client) ControlDevice(ctx context.Context, credentialID, deviceID string, action Action) error {
	return c.send(ctx, commandRequest{
		Method:       string(action),
		DeviceID:     deviceID,
		CredentialID: credentialID,
	})
}

// RenameDevice changes a plug's display name in the relay cloud.
func (c *Client) RenameDevice(ctx context.Context, credentialID, deviceID, name string) error {
	return c.send(ctx, commandRequest{
		Method:       "rename",
		DeviceID:     deviceID,
		CredentialID: credentialID,
		Name:         name,
	})
}

func (c *Client) send(ctx context.Context, cmd commandRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	jsonBody, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/device/command", bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return fmt.Errorf("%w: %s %s", ErrCommandTimeout, cmd.Method, cmd.DeviceID)
		}
		return fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned status %d for %s %s", resp.StatusCode, cmd.Method, cmd.DeviceID)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read relay response: %w", err)
	}

	var cmdResp commandResponse
	if err := json.Unmarshal(body, &cmdResp); err != nil {
		return fmt.Errorf("failed to unmarshal relay response: %w", err)
	}
	if !cmdResp.OK {
		return fmt.Errorf("relay rejected %s for device %s: %s", cmd.Method, cmd.DeviceID, cmdResp.Error)
	}
	return nil
}

func isClientTimeout(err error) bool {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Timeout()
	}
	return false
}
