// SPDX-License-Identifier: MIT

package tapo

import "encoding/json"

// DeviceInfo is the result of get_device_info, spec.md §3. Nickname
// arrives base64-encoded on the wire; this type exposes only the decoded
// value, the way the teacher's methods.go computes DecodedNickname as a
// derived field. The wire SSID is not exposed.
type DeviceInfo struct {
	DeviceID    string `json:"device_id"`
	Model       string `json:"model"`
	Type        string `json:"type"`
	FWVersion   string `json:"fw_ver"`
	HWVersion   string `json:"hw_ver"`
	MAC         string `json:"mac"`
	Nickname    string `json:"-"`
	DeviceOn    bool   `json:"device_on"`
	OnTime      int    `json:"on_time"`
	Overheated  bool   `json:"overheated"`
	RSSI        int    `json:"rssi"`
	SignalLevel int    `json:"signal_level"`

	// Optional fields, present only on capable models.
	Brightness      *int            `json:"brightness,omitempty"`
	Hue             *int            `json:"hue,omitempty"`
	Saturation      *int            `json:"saturation,omitempty"`
	ColorTemp       *int            `json:"color_temp,omitempty"`
	ChildNum        *int            `json:"child_num,omitempty"`
	LightingEffect  *LightingEffect `json:"lighting_effect,omitempty"`
}

// wireDeviceInfo is the raw shape used for unmarshalling before decoding
// base64 fields into DeviceInfo.
type wireDeviceInfo struct {
	DeviceID    string `json:"device_id"`
	Model       string `json:"model"`
	Type        string `json:"type"`
	FWVersion   string `json:"fw_ver"`
	HWVersion   string `json:"hw_ver"`
	MAC         string `json:"mac"`
	Nickname    string `json:"nickname"`
	SSID        string `json:"ssid"`
	DeviceOn    bool   `json:"device_on"`
	OnTime      int    `json:"on_time"`
	Overheated  bool   `json:"overheated"`
	RSSI        int    `json:"rssi"`
	SignalLevel int    `json:"signal_level"`

	Brightness     *int            `json:"brightness,omitempty"`
	Hue            *int            `json:"hue,omitempty"`
	Saturation     *int            `json:"saturation,omitempty"`
	ColorTemp      *int            `json:"color_temp,omitempty"`
	ChildNum       *int            `json:"child_num,omitempty"`
	LightingEffect *LightingEffect `json:"lighting_effect,omitempty"`
}

// LightingEffect mirrors set_lighting_effect's {name, enable, brightness,
// segments} record, spec.md §4.8.
type LightingEffect struct {
	Name       string `json:"name"`
	Enable     bool   `json:"enable"`
	Brightness *int   `json:"brightness,omitempty"`
	Segments   []int  `json:"segments,omitempty"`
}

// EnergyUsage is get_energy_usage's result, spec.md §4.8.
type EnergyUsage struct {
	TodayRuntime int  `json:"today_runtime"`
	MonthRuntime int  `json:"month_runtime"`
	TodayEnergy  int  `json:"today_energy"`
	MonthEnergy  int  `json:"month_energy"`
	CurrentPower *int `json:"current_power,omitempty"`
}

// EnergyInterval selects the granularity of get_energy_data, spec.md §4.8.
type EnergyInterval string

const (
	EnergyIntervalHourly  EnergyInterval = "hourly"
	EnergyIntervalDaily   EnergyInterval = "daily"
	EnergyIntervalMonthly EnergyInterval = "monthly"
)

// EnergyStats is get_energy_data's series result.
type EnergyStats struct {
	LocalTime string `json:"local_time"`
	Data      []int  `json:"data"`
}

// ChildDevice is one entry of get_child_device_list, spec.md §4.8.
type ChildDevice struct {
	DeviceID string `json:"device_id"`
	Nickname string `json:"-"`
	DeviceOn bool   `json:"device_on"`
	Category string `json:"category"`
}

type wireChildDevice struct {
	DeviceID string `json:"device_id"`
	Nickname string `json:"nickname"`
	DeviceOn bool   `json:"device_on"`
	Category string `json:"category"`
}

// decodeDeviceInfo unmarshals the raw wire JSON and base64-decodes the
// nickname field, per spec.md §3. The SSID is read but neither decoded nor
// copied into the result.
func decodeDeviceInfo(raw json.RawMessage) (*DeviceInfo, error) {
	var w wireDeviceInfo
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, WrapError(KindRemoteError, err, "decode device info")
	}
	nickname, err := base64DecodeLenient(w.Nickname)
	if err != nil {
		return nil, WrapError(KindRemoteError, err, "decode nickname")
	}
	info := &DeviceInfo{
		DeviceID:       w.DeviceID,
		Model:          w.Model,
		Type:           w.Type,
		FWVersion:      w.FWVersion,
		HWVersion:      w.HWVersion,
		MAC:            w.MAC,
		Nickname:       nickname,
		DeviceOn:       w.DeviceOn,
		OnTime:         w.OnTime,
		Overheated:     w.Overheated,
		RSSI:           w.RSSI,
		SignalLevel:    w.SignalLevel,
		Brightness:     w.Brightness,
		Hue:            w.Hue,
		Saturation:     w.Saturation,
		ColorTemp:      w.ColorTemp,
		ChildNum:       w.ChildNum,
		LightingEffect: w.LightingEffect,
	}
	return info, nil
}

func decodeChildDevices(raw json.RawMessage) ([]ChildDevice, error) {
	var wrapper struct {
		ChildDeviceList []wireChildDevice `json:"child_device_list"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, WrapError(KindRemoteError, err, "decode child device list")
	}
	out := make([]ChildDevice, 0, len(wrapper.ChildDeviceList))
	for _, w := range wrapper.ChildDeviceList {
		nickname, err := base64DecodeLenient(w.Nickname)
		if err != nil {
			return nil, WrapError(KindRemoteError, err, "decode child nickname")
		}
		out = append(out, ChildDevice{
			DeviceID: w.DeviceID,
			Nickname: nickname,
			DeviceOn: w.DeviceOn,
			Category: w.Category,
		})
	}
	return out, nil
}
