// SPDX-License-Identifier: MIT

package cloud

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFixtureServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	origBaseURL := baseURL
	baseURL = srv.URL
	t.Cleanup(func() { baseURL = origBaseURL })

	c := NewClient(nil)
	c.httpClient = srv.Client()
	return c
}

func TestLoginStoresTokenOnSuccess(t *testing.T) {
	c := withFixtureServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params struct {
				CloudUserName string `json:"cloudUserName"`
				CloudPassword string `json:"cloudPassword"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "login", req.Method)
		assert.Equal(t, "user@example.com", req.Params.CloudUserName)
		assert.Equal(t, "hunter2", req.Params.CloudPassword)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error_code": 0,
			"result":     map[string]any{"token": "tok-123"},
		})
	})

	require.NoError(t, c.Login("user@example.com", "hunter2"))
	assert.Equal(t, "tok-123", c.token)
}

func TestLoginRejectsNonZeroErrorCode(t *testing.T) {
	c := withFixtureServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error_code": -20601})
	})

	err := c.Login("user@example.com", "wrong-password")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-20601")
	assert.Empty(t, c.token)
}

func TestLoginPropagatesTransportFailure(t *testing.T) {
	c := withFixtureServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	err := c.Login("user@example.com", "hunter2")
	require.Error(t, err)
}

func TestListDecodesAndBase64DecodesAliases(t *testing.T) {
	alias := base64.StdEncoding.EncodeToString([]byte("Bedroom Plug"))
	c := withFixtureServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Token  string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getDeviceList", req.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error_code": 0,
			"result": map[string]any{
				"deviceList": []map[string]any{
					{"deviceId": "dev1", "deviceModel": "P110(US)", "alias": alias},
				},
			},
		})
	})
	c.token = "tok-123"

	devices, err := c.List()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "dev1", devices[0].DeviceID)
	assert.Equal(t, "Bedroom Plug", devices[0].DecodedAlias)
}

func TestListRejectsUndecodableAlias(t *testing.T) {
	c := withFixtureServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error_code": 0,
			"result": map[string]any{
				"deviceList": []map[string]any{
					{"deviceId": "dev1", "alias": "not-valid-base64!!"},
				},
			},
		})
	})

	_, err := c.List()
	require.Error(t, err)
}

func TestNewClientGeneratesDistinctTerminalUUIDs(t *testing.T) {
	c1 := NewClient(nil)
	c2 := NewClient(nil)
	assert.NotEqual(t, c1.terminalUUID, c2.terminalUUID)
}
