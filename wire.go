// SPDX-License-Identifier: MIT

package tapo

import (
	"encoding/json"
	"errors"

	"github.com/tapolan/tapo/internal/klap"
	"github.com/tapolan/tapo/internal/passthrough"
	"github.com/tapolan/tapo/internal/transport"
)

// wireRequest is the inner {method, params} shape the KLAP transmit path
// encrypts directly. The Passthrough path does not use it: its session
// builds its own inner request (adding requestTimeMils and terminalUUID)
// and nests that inside securePassthrough.
type wireRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// marshalParams accepts either nil, a json.RawMessage, or any
// JSON-marshalable value and returns its RawMessage encoding.
func marshalParams(params interface{}) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// classifyWireError maps a protocol-layer error into this package's typed
// *Error taxonomy, per spec.md §7.
func classifyWireError(err error) error {
	if err == nil {
		return nil
	}
	var kre *klap.RemoteError
	if errors.As(err, &kre) {
		if e := RemoteErrorFromCode(kre.Code); e != nil {
			return e
		}
	}
	var pre *passthrough.RemoteError
	if errors.As(err, &pre) {
		if e := RemoteErrorFromCode(pre.Code); e != nil {
			return e
		}
	}
	var authErr klap.AuthError
	if errors.As(err, &authErr) {
		return WrapError(KindAuthError, err, "email or password incorrect")
	}
	var trErr *transport.Error
	if errors.As(err, &trErr) {
		switch trErr.Kind {
		case transport.ErrorKindTimeout:
			return WrapError(KindTimeout, err, "request timed out")
		case transport.ErrorKindRefused:
			return WrapError(KindTransportRefused, err, "connection refused")
		case transport.ErrorKindReset:
			return WrapError(KindTransportReset, err, "connection reset")
		case transport.ErrorKindUnreachable:
			return WrapError(KindTransportUnreachable, err, "host unreachable")
		case transport.ErrorKindServer:
			return WrapError(KindTransportUnreachable, err, "remote server error")
		}
	}
	return WrapError(KindRemoteError, err, "request failed")
}
