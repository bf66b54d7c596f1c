// SPDX-License-Identifier: MIT

// Package cloud implements the TP-Link cloud account API and LAN UDP
// discovery protocol — the two collaborators spec.md §1 explicitly scopes
// out of the LAN client core ("treated as external collaborators,
// specified only at their interface"). It is grounded directly on the
// teacher's client.go and methods.go and never imported by the core tapo
// package, keeping the Non-goals boundary a real package boundary rather
// than just a convention.
package cloud

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// baseURL is a var rather than a const so tests can point it at a fixture
// server; production callers never change it.
var baseURL = "https://wap.tplinkcloud.com"

// Client is a TP-Link cloud account client: login once, then list the
// devices registered to that account (with their last-known IP, if any,
// and their alias/model, for handing off to the LAN core).
type Client struct {
	log          *zap.Logger
	terminalUUID uuid.UUID
	httpClient   *http.Client
	token        string
}

// NewClient creates a Client. A nil logger is replaced with zap.NewNop().
func NewClient(log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log:          log,
		terminalUUID: uuid.New(),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Device is one cloud-registered device record from getDeviceList.
type Device struct {
	DeviceType   string `json:"deviceType"`
	Role         int    `json:"role"`
	FwVer        string `json:"fwVer"`
	AppServerURL string `json:"appServerUrl"`
	DeviceRegion string `json:"deviceRegion"`
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	DeviceHwVer  string `json:"deviceHwVer"`
	Alias        string `json:"alias"`
	DeviceMAC    string `json:"deviceMac"`
	OemID        string `json:"oemId"`
	DeviceModel  string `json:"deviceModel"`
	HwID         string `json:"hwId"`
	FwID         string `json:"fwId"`
	IsSameRegion bool   `json:"isSameRegion"`
	Status       int    `json:"status"`

	// DecodedAlias is Alias base64-decoded, since the cloud API (like the
	// LAN API) returns device names base64-encoded.
	DecodedAlias string `json:"-"`
}

func (c *Client) post(cloudURL string, data []byte) ([]byte, error) {
	u, err := url.Parse(cloudURL)
	if err != nil {
		return nil, fmt.Errorf("parse cloud URL: %w", err)
	}
	params := url.Values{}
	params.Add("appName", "Kasa_Android")
	params.Add("termID", c.terminalUUID.String())
	params.Add("appVer", "1.4.4.607")
	params.Add("ospf", "Android+6.0.1")
	params.Add("netType", "wifi")
	params.Add("locale", "en_US")
	if c.token != "" {
		params.Add("token", c.token)
	}
	u.RawQuery = params.Encode()

	resp, err := c.httpClient.Post(u.String(), "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cloud POST: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cloud POST: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read cloud response: %w", err)
	}
	return body, nil
}

// Login authenticates against the TP-Link cloud with the account email and
// password, retaining the returned token for subsequent List calls.
func (c *Client) Login(email, password string) error {
	type loginParams struct {
		AppType       string `json:"appType"`
		CloudUserName string `json:"cloudUserName"`
		CloudPassword string `json:"cloudPassword"`
		TerminalUUID  string `json:"terminalUUID"`
	}
	type loginRequest struct {
		Method string      `json:"method"`
		URL    string      `json:"url"`
		Params loginParams `json:"params"`
	}
	req := loginRequest{
		Method: "login",
		URL:    baseURL,
		Params: loginParams{
			AppType:       "Kasa_Android",
			CloudUserName: email,
			CloudPassword: password,
			TerminalUUID:  c.terminalUUID.String(),
		},
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("marshal login request: %w", err)
	}
	resp, err := c.post(baseURL, body)
	if err != nil {
		return fmt.Errorf("cloud login: %w", err)
	}
	var loginResp struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &loginResp); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if loginResp.ErrorCode != 0 {
		return fmt.Errorf("cloud login rejected: error_code=%d", loginResp.ErrorCode)
	}
	c.token = loginResp.Result.Token
	c.log.Debug("cloud login succeeded")
	return nil
}

// List returns the devices registered to the logged-in account, with
// aliases base64-decoded.
func (c *Client) List() ([]Device, error) {
	type listRequest struct {
		Method string `json:"method"`
		Token  string `json:"token"`
	}
	body, err := json.Marshal(&listRequest{Method: "getDeviceList", Token: c.token})
	if err != nil {
		return nil, fmt.Errorf("marshal device list request: %w", err)
	}
	resp, err := c.post(baseURL, body)
	if err != nil {
		return nil, fmt.Errorf("cloud device list: %w", err)
	}
	var listResp struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			DeviceList []Device `json:"deviceList"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &listResp); err != nil {
		return nil, fmt.Errorf("decode device list response: %w", err)
	}
	devices := listResp.Result.DeviceList
	for i, d := range devices {
		decoded, err := base64.StdEncoding.DecodeString(d.Alias)
		if err != nil {
			return nil, fmt.Errorf("decode alias for device %s: %w", d.DeviceID, err)
		}
		devices[i].DecodedAlias = string(decoded)
	}
	return devices, nil
}
