// SPDX-License-Identifier: MIT

package passthrough

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapolan/tapo/internal/cryptoutil"
	"github.com/tapolan/tapo/internal/transport"
)

// fakeDevice plays the server side of the Passthrough handshake and the
// securePassthrough RPC envelope, so Session's client half can be
// exercised end to end without a real Tapo device.
type fakeDevice struct {
	sessionKey []byte // 32 bytes: [0:16]=AES key [16:32]=IV
	token      string
}

func (f *fakeDevice) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		var probe struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(body, &probe)

		switch probe.Method {
		case "handshake":
			var hr handshakeRequest
			if err := json.Unmarshal(body, &hr); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			block, _ := pem.Decode([]byte(hr.Params.Key))
			pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			pub := pubAny.(*rsa.PublicKey)

			sessionKey, _ := cryptoutil.Random(32)
			f.sessionKey = sessionKey
			encKey, err := cryptoutil.RSAEncryptBase64(sessionKey, pub)
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			http.SetCookie(w, &http.Cookie{Name: "TP_SESSIONID", Value: "fakecookie456"})
			resp := handshakeResponse{ErrorCode: 0}
			resp.Result.Key = encKey
			respBytes, _ := json.Marshal(resp)
			w.Write(respBytes)

		case "securePassthrough":
			var outer securePassthroughRequest
			_ = json.Unmarshal(body, &outer)
			ciphertext, _ := cryptoutil.Base64Decode(outer.Params.Request)
			plaintext, err := cryptoutil.AESCBCDecrypt(ciphertext, f.sessionKey[:16], f.sessionKey[16:])
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			var inner innerRequest
			_ = json.Unmarshal(plaintext, &inner)

			var innerResult json.RawMessage
			switch inner.Method {
			case "login_device":
				f.token = "fake-token-abc"
				innerResult = json.RawMessage(`{"token":"fake-token-abc"}`)
			case "get_device_info":
				innerResult = json.RawMessage(`{"device_on":true}`)
			default:
				innerResult = json.RawMessage(`{}`)
			}
			env := Envelope{ErrorCode: 0, Result: innerResult}
			envBytes, _ := json.Marshal(env)
			respCipher, _ := cryptoutil.AESCBCEncrypt(envBytes, f.sessionKey[:16], f.sessionKey[16:])

			outerResp := securePassthroughResponse{}
			outerResp.Result.Response = cryptoutil.Base64Encode(respCipher)
			respBytes, _ := json.Marshal(outerResp)
			w.Write(respBytes)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestSession(t *testing.T, fd *fakeDevice) (*Session, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fd.handler())
	tr := transport.New(strings.TrimPrefix(srv.URL, "http://"), 0, nil)
	return New(tr, 0, "terminal-uuid-1234", nil), srv
}

func TestHandshakeDerivesKeyAndIV(t *testing.T) {
	fd := &fakeDevice{}
	sess, srv := newTestSession(t, fd)
	defer srv.Close()

	err := sess.Handshake(context.Background())
	require.NoError(t, err)
	assert.False(t, sess.Expiry().IsZero())
	assert.Len(t, sess.key, 16)
	assert.Len(t, sess.iv, 16)
}

func TestLoginAndRequestRoundTrip(t *testing.T) {
	fd := &fakeDevice{}
	sess, srv := newTestSession(t, fd)
	defer srv.Close()

	require.NoError(t, sess.Handshake(context.Background()))
	require.NoError(t, sess.Login(context.Background(), "user@example.com", "hunter2", UsernameSHA1Hex))
	assert.Equal(t, "fake-token-abc", sess.token)

	result, err := sess.Request(context.Background(), "get_device_info", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"device_on":true}`, string(result))
}

func TestRemoteErrorRendersCode(t *testing.T) {
	err := &RemoteError{Code: -1012}
	assert.Contains(t, err.Error(), "-1012")
}

func TestSha1HexUsernameIsStableAndBase64(t *testing.T) {
	a := sha1HexUsername("user@example.com")
	b := sha1HexUsername("user@example.com")
	assert.Equal(t, a, b)
	_, err := cryptoutil.Base64Decode(a)
	assert.NoError(t, err)
}

func TestNewDefaultsTimeoutAndLogger(t *testing.T) {
	tr := transport.New("127.0.0.1:9999", 0, nil)
	sess := New(tr, 0, "", nil)
	assert.NotNil(t, sess)
	assert.Equal(t, transport.DefaultHandshakeTimeout, sess.timeout)
	assert.NotNil(t, sess.log)
	assert.True(t, sess.Expiry().IsZero())
}
