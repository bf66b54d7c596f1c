// SPDX-License-Identifier: MIT

package cloud

import (
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDiscovererDefaultsTimeoutAndLogger(t *testing.T) {
	d := NewDiscoverer(nil)
	require.NotNil(t, d.log)
	assert.Equal(t, 5*time.Second, d.Timeout)
}

func TestNewDiscoverV1RequestStartsWithEmptyMaps(t *testing.T) {
	req := newDiscoverV1Request()
	assert.Empty(t, req.System.GetSysinfo)
	assert.Empty(t, req.CnCloud.GetInfo)
	assert.Empty(t, req.IOTCommonCloud.GetInfo)
	assert.Empty(t, req.CamIpcameraCloud.GetInfo)
}

func TestDiscoverV1XOREncodeDecodeRoundTrip(t *testing.T) {
	plain, err := json.Marshal(newDiscoverV1Request())
	require.NoError(t, err)

	encoded := make([]byte, len(plain))
	key := byte(discoverV1InitializationVector)
	for i := range plain {
		key ^= plain[i]
		encoded[i] = key
	}

	decoded := make([]byte, len(encoded))
	key = byte(discoverV1InitializationVector)
	for i := range encoded {
		decoded[i] = key ^ encoded[i]
		key = encoded[i]
	}

	assert.Equal(t, plain, decoded)
}

func TestDiscoverV2RequestHexDecodesTo16Bytes(t *testing.T) {
	raw, err := hex.DecodeString(discoverV2RequestHex)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}

func TestDiscoverResponseUnmarshalsIPAndMAC(t *testing.T) {
	raw := []byte(`{
		"result": {
			"device_id": "abc123",
			"owner": "owner1",
			"device_type": "SMARTPLUG",
			"device_model": "P110(US)",
			"ip": "192.168.1.50",
			"mac": "AA:BB:CC:DD:EE:FF",
			"is_support_iot_clout": true,
			"factory_default": false,
			"error_code": 0
		}
	}`)
	var resp DiscoverResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "abc123", resp.Result.DeviceID)
	assert.Equal(t, "P110(US)", resp.Result.DeviceModel)
	assert.True(t, resp.Result.IsSupportIOTCloud)
	assert.Equal(t, 0, resp.Result.ErrorCode)
}

func TestDiscoverResponseCarriesNonZeroErrorCode(t *testing.T) {
	raw := []byte(`{"result":{"device_id":"x","error_code":-1}}`)
	var resp DiscoverResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, -1, resp.Result.ErrorCode)
}
