// SPDX-License-Identifier: MIT

package tapo

import "github.com/tapolan/tapo/internal/cryptoutil"

// base64Encode encodes s the way set_device_info expects nicknames.
func base64Encode(s string) string {
	return cryptoutil.Base64Encode([]byte(s))
}

// base64DecodeLenient decodes s if non-empty, returning "" for an empty
// input rather than erroring — several wire fields (nickname, SSID) are
// legitimately empty on a freshly-reset device.
func base64DecodeLenient(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	b, err := cryptoutil.Base64Decode(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
