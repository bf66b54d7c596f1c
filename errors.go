// SPDX-License-Identifier: MIT

package tapo

import (
	"fmt"
	"strings"
)

// Kind tags the taxonomy of errors this module can return, grounded on the
// typed-error-code pattern of egorse-ike's protocol.IkeError: a stable,
// comparable code paired with a human message.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransportRefused
	KindTransportUnreachable
	KindTimeout
	KindTransportReset
	KindAuthError
	KindSessionExpired
	KindDeviceBusy
	KindInvalidRequest
	KindRemoteError
	KindCryptoError
	KindProtocolUnsupported
	KindFeatureNotSupported
	KindUnknownDeviceModel
	KindQueueCleared
	KindCancelled
	KindNoProtocolAvailable
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindTransportRefused:
		return "TransportRefused"
	case KindTransportUnreachable:
		return "TransportUnreachable"
	case KindTimeout:
		return "Timeout"
	case KindTransportReset:
		return "TransportReset"
	case KindAuthError:
		return "AuthError"
	case KindSessionExpired:
		return "SessionExpired"
	case KindDeviceBusy:
		return "DeviceBusy"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindRemoteError:
		return "RemoteError"
	case KindCryptoError:
		return "CryptoError"
	case KindProtocolUnsupported:
		return "ProtocolUnsupported"
	case KindFeatureNotSupported:
		return "FeatureNotSupported"
	case KindUnknownDeviceModel:
		return "UnknownDeviceModel"
	case KindQueueCleared:
		return "QueueCleared"
	case KindCancelled:
		return "Cancelled"
	case KindNoProtocolAvailable:
		return "NoProtocolAvailable"
	case KindDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Error is the single error type surfaced by this module. Credentials and
// raw ciphertext never appear in Message or in wrapped Cause strings;
// callers may log Error values directly.
type Error struct {
	Kind    Kind
	Message string
	Code    int // remote error_code, populated for KindRemoteError
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Code != 0 {
		fmt.Fprintf(&b, "(%d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against another *Error by Kind alone,
// the way IkeErrorCode compares by code rather than by message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds an *Error, mirroring egorse-ike's ErrF constructor.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error that wraps a lower-level cause.
func WrapError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// RemoteErrorFromCode maps a decrypted error_code to a typed *Error per
// spec.md §4.4/§7.
func RemoteErrorFromCode(code int) *Error {
	switch code {
	case 0:
		return nil
	case -1012:
		return &Error{Kind: KindDeviceBusy, Message: "device reported busy", Code: code}
	case -1003:
		return &Error{Kind: KindInvalidRequest, Message: "malformed request", Code: code}
	case -1010:
		return &Error{Kind: KindInvalidRequest, Message: "invalid public key length", Code: code}
	case -1001:
		return &Error{Kind: KindSessionExpired, Message: "session error", Code: code}
	case -1501:
		return &Error{Kind: KindAuthError, Message: "invalid request or credentials", Code: code}
	case 1002:
		return &Error{Kind: KindSessionExpired, Message: "session expired", Code: code}
	case 1003:
		return &Error{Kind: KindRemoteError, Message: "communication error", Code: code}
	case 9999:
		return &Error{Kind: KindSessionExpired, Message: "session timeout", Code: code}
	default:
		return &Error{Kind: KindRemoteError, Message: "remote error", Code: code}
	}
}

// IsRetryable reports whether an operation that failed with err should be
// retried by the RequestPipeline/RetryEngine without operator intervention.
func IsRetryable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindTransportRefused, KindTransportUnreachable, KindTimeout, KindTransportReset,
		KindDeviceBusy, KindSessionExpired, KindProtocolUnsupported:
		return true
	default:
		return false
	}
}

// InvalidatesSession reports whether err should trigger session
// invalidation per the taxonomy table in spec.md §7.
func InvalidatesSession(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindAuthError, KindSessionExpired, KindCryptoError:
		return true
	default:
		return false
	}
}

// sessionErrorSubstrings are matched case-insensitively against plain error
// messages (e.g. from a remote msg field) to classify them as session
// errors, per spec.md §4.6 is_session_error.
var sessionErrorSubstrings = []string{
	"session expired",
	"invalid terminal uuid",
	"klap 1002",
	"klap -1012",
	"terminal uuid mismatch",
}

// IsSessionErrorMessage implements SessionManager.is_session_error.
func IsSessionErrorMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range sessionErrorSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
