// SPDX-License-Identifier: MIT

// Package klap implements TP-Link's KLAP LAN protocol: a two-round seed
// handshake followed by signed, sequenced, AES-CBC-encrypted request/
// response frames. Grounded on the teacher's klap_protocol.go (handshake
// request/response shapes, broken-cookie handling) with the encrypt/
// decrypt bodies it left unimplemented filled in per
// abgoyal-p110-reader/internal/tapo/klap.go's derivation and framing, which
// matches spec.md §4.4 exactly.
package klap

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tapolan/tapo/internal/cryptoutil"
	"github.com/tapolan/tapo/internal/transport"
)

const (
	seedSize = 16
	ivPrefix = 12
	sigSize  = 28
)

// Envelope is the decrypted JSON shape common to every KLAP response.
type Envelope struct {
	ErrorCode int             `json:"error_code"`
	Result    json.RawMessage `json:"result,omitempty"`
	Msg       string          `json:"msg,omitempty"`
}

// Session holds the per-connection KLAP cryptographic state. It is not
// safe for concurrent use; callers (the RequestPipeline) serialize access.
type Session struct {
	log     *zap.Logger
	tr      *transport.Transport
	timeout time.Duration

	mu sync.Mutex

	sessionCookie string
	key           []byte // 16 bytes
	ivBase        []byte // 28 bytes; first 12 feed the per-request IV
	sigKey        []byte // 28 bytes
	seq           int32
	expiry        time.Time
}

// New creates a KLAP session bound to the given transport.
func New(tr *transport.Transport, timeout time.Duration, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout == 0 {
		timeout = transport.DefaultHandshakeTimeout
	}
	return &Session{tr: tr, timeout: timeout, log: log}
}

// authHash computes sha256(sha1(email) || sha1(password)), spec.md §4.4.
func authHash(username, password string) []byte {
	return cryptoutil.SHA256Concat(cryptoutil.SHA1([]byte(username)), cryptoutil.SHA1([]byte(password)))
}

// Authenticate runs the two-round handshake and derives session key
// material. On a server-hash mismatch it returns a klap.AuthError without
// creating any session state.
func (s *Session) Authenticate(ctx context.Context, username, password string) error {
	localSeed, err := cryptoutil.Random(seedSize)
	if err != nil {
		return fmt.Errorf("generate local seed: %w", err)
	}
	ah := authHash(username, password)
	htr := s.tr.WithTimeout(s.timeout)

	remoteSeed, cookie, err := s.handshake1(ctx, htr, localSeed, ah)
	if err != nil {
		return err
	}
	if err := s.handshake2(ctx, htr, localSeed, remoteSeed, ah, cookie); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionCookie = cookie
	s.deriveKeys(localSeed, remoteSeed, ah)
	s.expiry = time.Now().Add(30 * time.Minute)
	return nil
}

// AuthError indicates the server-hash check in handshake1 failed: either
// the email or password is wrong.
type AuthError struct{}

func (AuthError) Error() string { return "Email or password incorrect" }

func (s *Session) handshake1(ctx context.Context, htr *transport.Transport, localSeed, ah []byte) (remoteSeed []byte, cookie string, err error) {
	resp, err := htr.PostBinary(ctx, "/handshake1", "", "", localSeed)
	if err != nil {
		return nil, "", fmt.Errorf("klap handshake1: %w", err)
	}
	if len(resp.Body) != 48 {
		return nil, "", fmt.Errorf("klap handshake1: unexpected response length %d", len(resp.Body))
	}
	remoteSeed = resp.Body[:16]
	serverHash := resp.Body[16:]
	expected := cryptoutil.SHA256Concat(localSeed, remoteSeed, ah)
	if !cryptoutil.ConstantTimeEqual(expected, serverHash) {
		return nil, "", AuthError{}
	}
	cookie = transport.CookieValue(resp.Cookies, "TP_SESSIONID")
	return remoteSeed, cookie, nil
}

func (s *Session) handshake2(ctx context.Context, htr *transport.Transport, localSeed, remoteSeed, ah []byte, cookie string) error {
	h2 := cryptoutil.SHA256Concat(remoteSeed, localSeed, ah)
	cookieHeader := ""
	if cookie != "" {
		cookieHeader = "TP_SESSIONID=" + cookie
	}
	_, err := htr.PostBinary(ctx, "/handshake2", "", cookieHeader, h2)
	if err != nil {
		return fmt.Errorf("klap handshake2: %w", err)
	}
	return nil
}

// deriveKeys computes (key, ivBase, sigKey, seq) per spec.md §4.4.
// Caller must hold s.mu.
func (s *Session) deriveKeys(localSeed, remoteSeed, ah []byte) {
	key := cryptoutil.SHA256Concat([]byte("lsk"), localSeed, remoteSeed, ah)
	iv := cryptoutil.SHA256Concat([]byte("iv"), localSeed, remoteSeed, ah)
	sig := cryptoutil.SHA256Concat([]byte("ldk"), localSeed, remoteSeed, ah)

	s.key = key[:16]
	s.ivBase = iv[:28]
	s.sigKey = sig[:sigSize]
	s.seq = int32(binary.BigEndian.Uint32(iv[28:32]))
}

// Seq returns the current sequence counter (for tests/observability).
func (s *Session) Seq() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Expiry returns the session's expiry instant.
func (s *Session) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

func (s *Session) perRequestIV(seq int32) []byte {
	iv := make([]byte, 16)
	copy(iv, s.ivBase[:ivPrefix])
	binary.BigEndian.PutUint32(iv[ivPrefix:], uint32(seq))
	return iv
}

func seqBytes(seq int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(seq))
	return b
}

// Request encrypts, signs, and sends one RPC payload, returning the
// decrypted response envelope's Result (or the full envelope, per spec.md
// §4.4, if Result is absent on a success).
func (s *Session) Request(ctx context.Context, payload []byte) (json.RawMessage, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	key := append([]byte(nil), s.key...)
	sigKey := append([]byte(nil), s.sigKey...)
	cookie := s.sessionCookie
	iv := s.perRequestIV(seq)
	s.mu.Unlock()

	ciphertext, err := cryptoutil.AESCBCEncrypt(payload, key, iv)
	if err != nil {
		return nil, fmt.Errorf("klap encrypt: %w", err)
	}
	sb := seqBytes(seq)
	signature := cryptoutil.SHA256Concat(sigKey, sb, ciphertext)
	wire := make([]byte, 0, len(signature)+len(ciphertext))
	wire = append(wire, signature...)
	wire = append(wire, ciphertext...)

	cookieHeader := ""
	if cookie != "" {
		cookieHeader = "TP_SESSIONID=" + cookie
	}
	resp, err := s.tr.PostBinary(ctx, "/request", fmt.Sprintf("seq=%d", seq), cookieHeader, wire)
	if err != nil {
		return nil, fmt.Errorf("klap request: %w", err)
	}
	if len(resp.Body) < 32 {
		return nil, fmt.Errorf("klap response too short: %d bytes", len(resp.Body))
	}
	respSig := resp.Body[:32]
	respCipher := resp.Body[32:]
	expectedSig := cryptoutil.SHA256Concat(sigKey, sb, respCipher)
	if !cryptoutil.ConstantTimeEqual(respSig, expectedSig) {
		return nil, fmt.Errorf("klap response signature mismatch")
	}
	plaintext, err := cryptoutil.AESCBCDecrypt(respCipher, key, iv)
	if err != nil {
		return nil, fmt.Errorf("klap decrypt: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("klap decode envelope: %w", err)
	}
	if env.ErrorCode != 0 {
		return nil, &RemoteError{Code: env.ErrorCode, Msg: env.Msg}
	}
	if len(env.Result) == 0 {
		// set-style calls commonly omit "result"; hand back the envelope
		// itself so callers get `{}` rather than nil.
		return plaintext, nil
	}
	return env.Result, nil
}

// RemoteError carries a non-zero decrypted error_code, mapped to a *tapo.Error
// by the caller (this package does not import the root package to avoid a
// cycle).
type RemoteError struct {
	Code int
	Msg  string
}

func (e *RemoteError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("klap error %d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("klap error %d", e.Code)
}
