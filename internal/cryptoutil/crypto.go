// SPDX-License-Identifier: MIT

// Package cryptoutil implements the stateless cryptographic primitives
// shared by the KLAP and Passthrough sessions: RSA keypair generation,
// RSA encrypt/decrypt with an OAEP-then-PKCS1v15 fallback, AES-128-CBC
// with PKCS#7 padding, and the hash/random/base64 helpers both protocols
// build their handshakes from.
//
// Grounded on the teacher's passthrough_protocol.go (RSA keygen + PKCS1v15
// decrypt, go-pkcs7 padding) and abgoyal-p110-reader/internal/tapo/klap.go
// (hand-rolled PKCS#7 pad/unpad, SHA-256 domain-separated key derivation).
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	pkcs7 "github.com/mergermarket/go-pkcs7"
)

// RSAKeySizeBits is the key size spec.md §4.1 mandates for the Passthrough
// handshake. Tapo firmware rejects larger keys.
const RSAKeySizeBits = 1024

// Error is returned for any failure in this package: bad key lengths,
// padding validation failures, or exhaustion of the OAEP/PKCS1v15 fallback.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("cryptoutil: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// KeyPair holds a generated RSA key and its PEM encodings.
type KeyPair struct {
	Private    *rsa.PrivateKey
	Public     *rsa.PublicKey
	PublicPEM  []byte
	PrivatePEM []byte
}

// GenerateRSAKeyPair creates a fresh 1024-bit RSA key pair, PEM-encoding
// the public half as a PKIX SubjectPublicKeyInfo block (what the Tapo
// handshake expects as the "key" parameter) and the private half as PKCS#1.
func GenerateRSAKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeySizeBits)
	if err != nil {
		return nil, wrap("generate key", err)
	}
	pub := &key.PublicKey
	pkix, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, wrap("marshal public key", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return &KeyPair{Private: key, Public: pub, PublicPEM: pubPEM, PrivatePEM: privPEM}, nil
}

// RSAEncryptBase64 encrypts data with the given public key and returns a
// base64 string. It attempts OAEP-SHA1 first; on failure it retries with
// PKCS#1 v1.5, since legacy Tapo firmware only understands the latter.
func RSAEncryptBase64(data []byte, pub *rsa.PublicKey) (string, error) {
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, data, nil)
	if err != nil {
		ct, err = rsa.EncryptPKCS1v15(rand.Reader, pub, data)
		if err != nil {
			return "", wrap("rsa encrypt (both OAEP and PKCS1v15 failed)", err)
		}
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// RSADecryptBase64 is the mirror of RSAEncryptBase64: it base64-decodes and
// attempts OAEP-SHA1 decryption, falling back to PKCS#1 v1.5.
func RSADecryptBase64(b64 string, priv *rsa.PrivateKey) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, wrap("base64 decode", err)
	}
	pt, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ct, nil)
	if err != nil {
		pt, err = rsa.DecryptPKCS1v15(rand.Reader, priv, ct)
		if err != nil {
			return nil, wrap("rsa decrypt (both OAEP and PKCS1v15 failed)", err)
		}
	}
	return pt, nil
}

// AESCBCEncrypt PKCS#7-pads plaintext and encrypts it with AES-128-CBC
// under the given 16-byte key and IV.
func AESCBCEncrypt(plaintext, key, iv []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, wrap("aes encrypt", fmt.Errorf("key must be 16 bytes, got %d", len(key)))
	}
	if len(iv) != 16 {
		return nil, wrap("aes encrypt", fmt.Errorf("iv must be 16 bytes, got %d", len(iv)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrap("aes new cipher", err)
	}
	padded, err := pkcs7.Pad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, wrap("pkcs7 pad", err)
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return ct, nil
}

// AESCBCDecrypt is the mirror of AESCBCEncrypt, validating PKCS#7 padding
// on the way out.
func AESCBCDecrypt(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, wrap("aes decrypt", fmt.Errorf("key must be 16 bytes, got %d", len(key)))
	}
	if len(iv) != 16 {
		return nil, wrap("aes decrypt", fmt.Errorf("iv must be 16 bytes, got %d", len(iv)))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, wrap("aes decrypt", fmt.Errorf("ciphertext length %d is not a non-zero multiple of the block size", len(ciphertext)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrap("aes new cipher", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	pt, err := pkcs7.Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, wrap("pkcs7 unpad", err)
	}
	return pt, nil
}

// SHA1 returns the raw 20-byte SHA-1 digest of data.
func SHA1(data []byte) []byte {
	h := sha1.Sum(data)
	return h[:]
}

// SHA256 returns the raw 32-byte SHA-256 digest of data.
func SHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// SHA256Concat hashes the concatenation of parts without an intermediate
// allocation, used throughout the KLAP key-derivation chain.
func SHA256Concat(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Random returns n cryptographically random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, wrap("random", err)
	}
	return b, nil
}

// Base64Encode/Base64Decode are thin wrappers kept for symmetry with
// spec.md §4.1's listed primitive surface.
func Base64Encode(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func Base64Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, wrap("base64 decode", err)
	}
	return b, nil
}

// ConstantTimeEqual reports whether a and b are byte-identical, used for
// the KLAP server-hash and signature checks instead of bytes.Equal to
// avoid leaking timing on auth-relevant comparisons.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
