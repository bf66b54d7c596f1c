// SPDX-License-Identifier: MIT

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithTimeoutPreservesBaseURLAndLogger(t *testing.T) {
	tr := New("192.0.2.1", 10*time.Second, nil)
	htr := tr.WithTimeout(15 * time.Second)

	assert.Equal(t, tr.BaseURL, htr.BaseURL)
	assert.Equal(t, 10*time.Second, tr.Client.Timeout)
	assert.Equal(t, 15*time.Second, htr.Client.Timeout)
	assert.NotSame(t, tr.Client, htr.Client)
}

func TestParseCookiesHandlesMalformedLines(t *testing.T) {
	cookies := ParseCookies([]string{"TP_SESSIONID=abc123; Path=/; HttpOnly"})
	assert.Equal(t, "abc123", CookieValue(cookies, "TP_SESSIONID"))
}

func TestCookieValueMissingReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", CookieValue(nil, "TP_SESSIONID"))
}
