// SPDX-License-Identifier: MIT

package cloud

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/insomniacslk/xjson"
	"go.uber.org/zap"
)

// discoverV1InitializationVector is the fixed XOR seed for the legacy
// (v1) Kasa/Tapo LAN discovery request.
const discoverV1InitializationVector = 0xab

// discoverV1Request is the cleartext payload XOR-encoded before being
// broadcast on port 9999.
type discoverV1Request struct {
	System           getSysinfo `json:"system"`
	CnCloud          getInfo    `json:"cnCloud"`
	IOTCommonCloud   getInfo    `json:"smartlife.iot.common.cloud"`
	CamIpcameraCloud getInfo    `json:"smartlife.cam.ipcamera.cloud"`
}

type getSysinfo struct {
	GetSysinfo map[string]string `json:"get_sysinfo"`
}

type getInfo struct {
	GetInfo map[string]string `json:"get_info"`
}

func newDiscoverV1Request() *discoverV1Request {
	return &discoverV1Request{
		System:           getSysinfo{GetSysinfo: map[string]string{}},
		CnCloud:          getInfo{GetInfo: map[string]string{}},
		IOTCommonCloud:   getInfo{GetInfo: map[string]string{}},
		CamIpcameraCloud: getInfo{GetInfo: map[string]string{}},
	}
}

// discoverV2Request is the fixed v2 probe TP-Link apps broadcast on port
// 20002; its payload does not vary so it is shipped as a literal.
const discoverV2RequestHex = "020000010000000000000000463cb5d3"

// DiscoverResponse is one device's answer to either discovery probe.
type DiscoverResponse struct {
	Result struct {
		DeviceID          string             `json:"device_id"`
		Owner             string             `json:"owner"`
		DeviceType        string             `json:"device_type"`
		DeviceModel       string             `json:"device_model"`
		IP                xjson.IP           `json:"ip"`
		MAC               xjson.HardwareAddr `json:"mac"`
		IsSupportIOTCloud bool               `json:"is_support_iot_clout"`
		FactoryDefault    bool               `json:"factory_default"`
		ErrorCode         int                `json:"error_code"`
	} `json:"result"`
}

// Discoverer broadcasts both the legacy v1 and current v2 LAN discovery
// probes and collects replies, the way the teacher's Client.Discover does.
type Discoverer struct {
	log     *zap.Logger
	Timeout time.Duration
}

// NewDiscoverer creates a Discoverer with a 5s default listen window.
func NewDiscoverer(log *zap.Logger) *Discoverer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Discoverer{log: log, Timeout: 5 * time.Second}
}

// Discover broadcasts six rounds of both probes 200ms apart and returns
// every distinct device_id that answered successfully, plus any replies
// that carried a non-zero error_code.
func (d *Discoverer) Discover() (map[string]DiscoverResponse, []DiscoverResponse, error) {
	reqV2, err := hex.DecodeString(discoverV2RequestHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode v2 probe: %w", err)
	}

	reqV1, err := json.Marshal(newDiscoverV1Request())
	if err != nil {
		return nil, nil, fmt.Errorf("marshal v1 probe: %w", err)
	}
	encReqV1 := make([]byte, len(reqV1))
	key := byte(discoverV1InitializationVector)
	for i := range reqV1 {
		key ^= reqV1[i]
		encReqV1[i] = key
	}

	pc, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, nil, fmt.Errorf("listen for discovery replies: %w", err)
	}
	defer pc.Close()

	addrV1, err := net.ResolveUDPAddr("udp4", "255.255.255.255:9999")
	if err != nil {
		return nil, nil, fmt.Errorf("resolve v1 broadcast address: %w", err)
	}
	addrV2, err := net.ResolveUDPAddr("udp4", "255.255.255.255:20002")
	if err != nil {
		return nil, nil, fmt.Errorf("resolve v2 broadcast address: %w", err)
	}
	if err := pc.SetReadDeadline(time.Now().Add(d.Timeout)); err != nil {
		return nil, nil, fmt.Errorf("set discovery read deadline: %w", err)
	}

	go func() {
		for i := 0; i < 6; i++ {
			if _, err := pc.WriteTo(encReqV1, addrV1); err != nil {
				d.log.Debug("discovery v1 broadcast failed", zap.Error(err))
				return
			}
			if _, err := pc.WriteTo(reqV2, addrV2); err != nil {
				d.log.Debug("discovery v2 broadcast failed", zap.Error(err))
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()

	found := make(map[string]DiscoverResponse)
	var errored []DiscoverResponse
	for {
		buf := make([]byte, 2048)
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				break
			}
			return nil, nil, fmt.Errorf("read discovery reply: %w", err)
		}
		if n <= 16 {
			continue
		}
		var resp DiscoverResponse
		if err := json.Unmarshal(buf[16:n], &resp); err != nil {
			d.log.Debug("discarding unparseable discovery reply", zap.Error(err))
			continue
		}
		if resp.Result.ErrorCode != 0 {
			errored = append(errored, resp)
			continue
		}
		found[resp.Result.DeviceID] = resp
	}
	return found, errored, nil
}
