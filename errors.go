// Copyright 2026 The mitmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mitmcore

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// ErrorKind classifies a core failure per the taxonomy in the error
// handling design. Not every kind is client-visible.
type ErrorKind int

const (
	_ ErrorKind = iota
	ConfigInvalid
	CANotLoaded
	ListenerFailed
	DialTimeout
	DialRefused
	UpstreamProxyRejected
	PoolExhausted
	Overload
	TLSHandshakeFailed
	CertMintFailed
	MiddlewareTimeout
	InterceptorTimeout
	ClientAborted
	UpstreamAborted
	ProtocolViolation
	BodyTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigInvalid:
		return "CONFIG_INVALID"
	case CANotLoaded:
		return "CA_NOT_LOADED"
	case ListenerFailed:
		return "LISTENER_FAILED"
	case DialTimeout:
		return "DIAL_TIMEOUT"
	case DialRefused:
		return "DIAL_REFUSED"
	case UpstreamProxyRejected:
		return "UPSTREAM_PROXY_REJECTED"
	case PoolExhausted:
		return "POOL_EXHAUSTED"
	case Overload:
		return "OVERLOAD"
	case TLSHandshakeFailed:
		return "TLS_HANDSHAKE_FAILED"
	case CertMintFailed:
		return "CERT_MINT_FAILED"
	case MiddlewareTimeout:
		return "MIDDLEWARE_TIMEOUT"
	case InterceptorTimeout:
		return "INTERCEPTOR_TIMEOUT"
	case ClientAborted:
		return "CLIENT_ABORTED"
	case UpstreamAborted:
		return "UPSTREAM_ABORTED"
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case BodyTooLarge:
		return "BODY_TOO_LARGE"
	default:
		return "UNKNOWN"
	}
}

// StatusCode returns the HTTP status that should be shown to the client
// for this kind of failure, or 0 if the kind never reaches the client
// (fatal, start-time kinds).
func (k ErrorKind) StatusCode() int {
	switch k {
	case DialTimeout, DialRefused, UpstreamProxyRejected:
		return http.StatusBadGateway
	case PoolExhausted, Overload:
		return http.StatusServiceUnavailable
	case TLSHandshakeFailed:
		return http.StatusBadGateway
	case MiddlewareTimeout, InterceptorTimeout:
		return http.StatusInternalServerError
	case ProtocolViolation:
		return http.StatusBadRequest
	case BodyTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return 0
	}
}

// CoreError is the error type returned by every fallible operation in
// this module. It carries enough context to log and to map to a
// client-visible response without the caller needing to know the kind's
// semantics.
type CoreError struct {
	Kind    ErrorKind
	ID      string
	Offender string // middleware/interceptor name, when applicable
	Err     error
}

// NewError builds a CoreError, generating a correlation id for log
// correlation the same way every request context does.
func NewError(kind ErrorKind, err error) *CoreError {
	return &CoreError{Kind: kind, ID: uuid.NewString(), Err: err}
}

// WithOffender attaches the name of the middleware/interceptor responsible,
// used by MIDDLEWARE_TIMEOUT/INTERCEPTOR_TIMEOUT so logs point at the
// handler that overran its deadline.
func (e *CoreError) WithOffender(name string) *CoreError {
	e.Offender = name
	return e
}

func (e *CoreError) Error() string {
	if e.Offender != "" {
		return fmt.Sprintf("%s [%s] (%s): %v", e.Kind, e.ID, e.Offender, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Kind, e.ID, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// WriteClientResponse writes the short, text-only client-visible error
// body for kinds that are surfaced to the client; kinds with a zero status
// code are not written (the connection is simply reset/closed instead).
func (e *CoreError) WriteClientResponse(w http.ResponseWriter) {
	code := e.Kind.StatusCode()
	if code == 0 {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintf(w, "%s: %v\n", e.Kind, e.Err)
}
