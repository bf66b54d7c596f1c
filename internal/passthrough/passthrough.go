// SPDX-License-Identifier: MIT

// Package passthrough implements TP-Link's earlier Passthrough LAN
// protocol: an RSA key-exchange handshake followed by AES-CBC-encrypted
// JSON wrapped in a securePassthrough envelope. Grounded directly on the
// teacher's passthrough_protocol.go, generalized to accept an injected
// transport.Transport (instead of building its own http.Client per call)
// so it shares timeout/cookie handling with the KLAP session.
package passthrough

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tapolan/tapo/internal/cryptoutil"
	"github.com/tapolan/tapo/internal/transport"
)

// Envelope mirrors the outer {error_code, result} shape every Passthrough
// response carries.
type Envelope struct {
	ErrorCode int             `json:"error_code"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type handshakeRequest struct {
	Method          string `json:"method"`
	RequestTimeMils int64  `json:"requestTimeMils"`
	Params          struct {
		Key string `json:"key"`
	} `json:"params"`
}

type handshakeResponse struct {
	ErrorCode int `json:"error_code"`
	Result    struct {
		Key string `json:"key"`
	} `json:"result"`
}

type securePassthroughRequest struct {
	Method string `json:"method"`
	Params struct {
		Request string `json:"request"`
	} `json:"params"`
}

type securePassthroughResponse struct {
	ErrorCode int `json:"error_code"`
	Result    struct {
		Response string `json:"response"`
	} `json:"result"`
}

type innerRequest struct {
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
	RequestTimeMils int64           `json:"requestTimeMils"`
	TerminalUUID    string          `json:"terminalUUID,omitempty"`
}

// UsernameEncoding selects how the login_device username parameter is
// built, per spec.md §9's open question: some firmware wants
// base64(sha1_hex(email)), other firmware wants base64(email) directly.
type UsernameEncoding int

const (
	UsernameSHA1Hex UsernameEncoding = iota
	UsernameRaw
)

// Session holds Passthrough's per-connection state: the AES key/IV
// recovered from the RSA handshake, the session cookie, and the login
// token.
type Session struct {
	log          *zap.Logger
	tr           *transport.Transport
	timeout      time.Duration
	terminalUUID string

	mu sync.Mutex

	key           []byte // 16 bytes
	iv            []byte // 16 bytes
	sessionCookie string
	token         string
	expiry        time.Time
}

// New creates a Passthrough session bound to the given transport.
// terminalUUID is stamped on every inner request, the way a real Tapo app
// identifies itself across reconnects; pass "" to omit it.
func New(tr *transport.Transport, timeout time.Duration, terminalUUID string, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout == 0 {
		timeout = transport.DefaultHandshakeTimeout
	}
	return &Session{tr: tr, timeout: timeout, terminalUUID: terminalUUID, log: log}
}

// Handshake performs the RSA key exchange (spec.md §4.3 phase 1).
func (s *Session) Handshake(ctx context.Context) error {
	kp, err := cryptoutil.GenerateRSAKeyPair()
	if err != nil {
		return fmt.Errorf("passthrough handshake: %w", err)
	}

	req := handshakeRequest{Method: "handshake", RequestTimeMils: time.Now().UnixMilli()}
	req.Params.Key = string(kp.PublicPEM)
	body, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("marshal handshake request: %w", err)
	}

	resp, err := s.tr.WithTimeout(s.timeout).PostJSON(ctx, "", "", "", body)
	if err != nil {
		return fmt.Errorf("passthrough handshake post: %w", err)
	}
	var hr handshakeResponse
	if err := json.Unmarshal(resp.Body, &hr); err != nil {
		return fmt.Errorf("unmarshal handshake response: %w", err)
	}
	if hr.ErrorCode != 0 {
		return fmt.Errorf("passthrough handshake rejected: error_code=%d", hr.ErrorCode)
	}

	sessionKey, err := cryptoutil.RSADecryptBase64(hr.Result.Key, kp.Private)
	if err != nil {
		return fmt.Errorf("decrypt session key: %w", err)
	}
	if len(sessionKey) != 32 {
		return fmt.Errorf("session key length %d, want 32", len(sessionKey))
	}
	cookie := transport.CookieValue(resp.Cookies, "TP_SESSIONID")
	if cookie == "" {
		return fmt.Errorf("no TP_SESSIONID cookie in handshake response")
	}

	s.mu.Lock()
	s.key = sessionKey[:16]
	s.iv = sessionKey[16:]
	s.sessionCookie = cookie
	s.expiry = time.Now().Add(30 * time.Minute)
	s.mu.Unlock()
	return nil
}

func sha1HexUsername(email string) string {
	digest := cryptoutil.SHA1([]byte(email))
	return cryptoutil.Base64Encode([]byte(fmt.Sprintf("%x", digest)))
}

// Login performs phase 2 (spec.md §4.3): AES-encrypted credentials wrapped
// in a securePassthrough envelope. It first tries the requested username
// encoding and, on any failure of that attempt, retries with the other encoding
// before giving up — spec.md §9 leaves the correct form
// firmware-dependent.
func (s *Session) Login(ctx context.Context, email, password string, preferred UsernameEncoding) error {
	tryLogin := func(enc UsernameEncoding) error {
		var username string
		if enc == UsernameSHA1Hex {
			username = sha1HexUsername(email)
		} else {
			username = cryptoutil.Base64Encode([]byte(email))
		}
		inner := map[string]string{
			"username": username,
			"password": cryptoutil.Base64Encode([]byte(password)),
		}
		params, err := json.Marshal(inner)
		if err != nil {
			return err
		}
		req := innerRequest{Method: "login_device", Params: params, RequestTimeMils: time.Now().UnixMilli(), TerminalUUID: s.terminalUUID}
		reqBytes, err := json.Marshal(&req)
		if err != nil {
			return err
		}
		result, err := s.call(ctx, s.tr.WithTimeout(s.timeout), reqBytes)
		if err != nil {
			return err
		}
		var lr struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(result, &lr); err != nil {
			return fmt.Errorf("unmarshal login response: %w", err)
		}
		if lr.Token == "" {
			return fmt.Errorf("empty token returned by device")
		}
		s.mu.Lock()
		s.token = lr.Token
		s.mu.Unlock()
		return nil
	}

	alt := UsernameRaw
	if preferred == UsernameRaw {
		alt = UsernameSHA1Hex
	}
	if err := tryLogin(preferred); err != nil {
		if err2 := tryLogin(alt); err2 != nil {
			return fmt.Errorf("login failed with both username encodings: %w / %w", err, err2)
		}
	}
	return nil
}

// Request sends one already-built RPC method+params pair over the
// session, returning the decrypted inner "result".
func (s *Session) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	req := innerRequest{Method: method, Params: params, RequestTimeMils: time.Now().UnixMilli(), TerminalUUID: s.terminalUUID}
	reqBytes, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return s.call(ctx, s.tr, reqBytes)
}

func (s *Session) call(ctx context.Context, tr *transport.Transport, innerJSON []byte) (json.RawMessage, error) {
	s.mu.Lock()
	key := append([]byte(nil), s.key...)
	iv := append([]byte(nil), s.iv...)
	cookie := s.sessionCookie
	token := s.token
	s.mu.Unlock()

	ciphertext, err := cryptoutil.AESCBCEncrypt(innerJSON, key, iv)
	if err != nil {
		return nil, fmt.Errorf("encrypt request: %w", err)
	}
	outer := securePassthroughRequest{Method: "securePassthrough"}
	outer.Params.Request = cryptoutil.Base64Encode(ciphertext)
	outerBytes, err := json.Marshal(&outer)
	if err != nil {
		return nil, fmt.Errorf("marshal securePassthrough request: %w", err)
	}

	query := ""
	if token != "" {
		query = "token=" + token
	}
	cookieHeader := ""
	if cookie != "" {
		cookieHeader = "TP_SESSIONID=" + cookie
	}
	resp, err := tr.PostJSON(ctx, "", query, cookieHeader, outerBytes)
	if err != nil {
		return nil, fmt.Errorf("passthrough post: %w", err)
	}
	var spr securePassthroughResponse
	if err := json.Unmarshal(resp.Body, &spr); err != nil {
		return nil, fmt.Errorf("unmarshal securePassthrough response: %w", err)
	}
	if spr.ErrorCode != 0 {
		return nil, &RemoteError{Code: spr.ErrorCode}
	}
	respCiphertext, err := cryptoutil.Base64Decode(spr.Result.Response)
	if err != nil {
		return nil, fmt.Errorf("base64-decode response: %w", err)
	}
	decrypted, err := cryptoutil.AESCBCDecrypt(respCiphertext, key, iv)
	if err != nil {
		return nil, fmt.Errorf("decrypt response: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(decrypted, &env); err != nil {
		return nil, fmt.Errorf("unmarshal inner envelope: %w", err)
	}
	if env.ErrorCode != 0 {
		return nil, &RemoteError{Code: env.ErrorCode}
	}
	return env.Result, nil
}

// Expiry returns the session's expiry instant.
func (s *Session) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

// RemoteError carries a non-zero error_code from either the outer
// securePassthrough envelope or the inner RPC envelope.
type RemoteError struct {
	Code int
}

func (e *RemoteError) Error() string { return fmt.Sprintf("passthrough error %d", e.Code) }
