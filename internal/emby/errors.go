// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package emby

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies Emby API failures. Timeout and SSL are
// specializations of connection; IsConnectionError matches all three.
type ErrorKind string

const (
	ErrKindConnection ErrorKind = "connection"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindSSL        ErrorKind = "ssl"
	ErrKindAuth       ErrorKind = "auth"
	ErrKindNotFound   ErrorKind = "not_found"
	ErrKindServer     ErrorKind = "server"
	ErrKindUnknown    ErrorKind = "unknown"
)

// Error is the single error type surfaced by the Emby client. Transport
// and HTTP-status failures are translated into it at the client boundary;
// callers never see raw transport errors.
type Error struct {
	Kind     ErrorKind
	Endpoint string
	Status   int // HTTP status, 0 for transport failures
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("emby %s: %s error (status %d)", e.Endpoint, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("emby %s: %s error: %v", e.Endpoint, e.Kind, e.Err)
	}
	return fmt.Sprintf("emby %s: %s error", e.Endpoint, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of err, or ErrKindUnknown for errors that
// did not originate from the Emby client.
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrKindUnknown
}

// IsConnectionError reports whether err is a connection-class failure
// (connection, timeout, or SSL). The session coordinator serves stale
// data for these and surfaces everything else.
func IsConnectionError(err error) bool {
	switch KindOf(err) {
	case ErrKindConnection, ErrKindTimeout, ErrKindSSL:
		return true
	default:
		return false
	}
}

// statusError maps a non-2xx HTTP status onto the taxonomy.
func statusError(endpoint string, status int) *Error {
	kind := ErrKindUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrKindAuth
	case status == http.StatusNotFound:
		kind = ErrKindNotFound
	case status >= 500:
		kind = ErrKindServer
	}
	return &Error{Kind: kind, Endpoint: endpoint, Status: status}
}

// transportError maps a transport-level failure onto the taxonomy.
func transportError(endpoint string, err error) *Error {
	kind := ErrKindConnection

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrKindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ErrKindTimeout
	case isTLSError(err):
		kind = ErrKindSSL
	}

	return &Error{Kind: kind, Endpoint: endpoint, Err: err}
}

func isTLSError(err error) bool {
	var (
		certErr     *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownErr  x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	return errors.As(err, &certErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &unknownErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}
