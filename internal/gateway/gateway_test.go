package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-usage-backend/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.GatewayConfig{
		BaseURL: srv.URL,
		Headers: map[string]string{"Authorization": "Bearer test-token"},
		Timeout: 500 * time.Millisecond,
	}
	return New(cfg), srv
}

func TestControlDevice_Success(t *testing.T) {
	var got commandRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/device/command", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(commandResponse{OK: true})
	})

	err := client.ControlDevice(context.Background(), "cred-1", "shellyplus1pm-a8032ab12345", ActionOff)
	require.NoError(t, err)
	assert.Equal(t, "off", got.Method)
	assert.Equal(t, "shellyplus1pm-a8032ab12345", got.DeviceID)
	assert.Equal(t, "cred-1", got.CredentialID)
}

func TestControlDevice_Timeout(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	})

	err := client.ControlDevice(context.Background(), "cred-1", "dev-1", ActionOff)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandTimeout)
}

func TestControlDevice_RelayRejection(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(commandResponse{OK: false, Error: "device offline"})
	})

	err := client.ControlDevice(context.Background(), "cred-1", "dev-1", ActionOn)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCommandTimeout)
	assert.Contains(t, err.Error(), "device offline")
}

func TestControlDevice_HTTPError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := client.ControlDevice(context.Background(), "cred-1", "dev-1", ActionOff)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRenameDevice(t *testing.T) {
	var got commandRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(commandResponse{OK: true})
	})

	err := client.RenameDevice(context.Background(), "cred-1", "dev-1", "Laser Room 2")
	require.NoError(t, err)
	assert.Equal(t, "rename", got.Method)
	assert.Equal(t, "Laser Room 2", got.Name)
}
