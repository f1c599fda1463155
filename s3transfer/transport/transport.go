// Package transport is the boundary between the transfer engine and the network.
// The engine only needs to open connections to an endpoint, optionally bound to
// a local network interface, and send HTTP requests over them.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Endpoint identifies the remote side of a connection.
type Endpoint struct {
	Scheme string
	// Host is host:port.
	Host string
}

// EndpointFromURL derives the endpoint of u, filling in the default port of the scheme.
func EndpointFromURL(u *url.URL) Endpoint {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}

	host := u.Host
	if u.Port() == "" {
		port := "443"
		if scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	return Endpoint{Scheme: scheme, Host: host}
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Host
}

// Connection is one pooled connection to an endpoint.
type Connection interface {
	// Send performs the request. The caller must close the response body.
	Send(ctx context.Context, req *http.Request) (*http.Response, error)
	Close() error
}

// Transport opens connections.
type Transport interface {
	// Connect opens a connection to endpoint. iface names the local network
	// interface to bind to; empty means unbound.
	Connect(ctx context.Context, endpoint Endpoint, iface string) (Connection, error)
}

// Kind classifies transport failures.
type Kind int

const (
	// KindConnect covers DNS resolution and TCP connect failures.
	KindConnect Kind = iota + 1
	// KindTLS covers handshake and certificate failures.
	KindTLS
	// KindReset is a connection dropped mid request.
	KindReset
	// KindTimeout is an I/O timeout.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindTLS:
		return "tls"
	case KindReset:
		return "reset"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind     Kind
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s failure (%s): %v", e.Kind, e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Handshake reports whether the failure happened before a connection was usable.
func (e *Error) Handshake() bool {
	return e.Kind == KindConnect || e.Kind == KindTLS
}

// Broken reports whether the connection the error happened on should not be reused.
func (e *Error) Broken() bool {
	return e.Kind == KindReset || e.Kind == KindTimeout
}

// Classify turns a network error into an *Error. Errors that are already
// classified are returned unchanged.
func Classify(endpoint string, err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	kind := KindReset
	var dnsErr *net.DNSError
	var opErr *net.OpError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		kind = KindConnect
	case isTLSError(err):
		kind = KindTLS
	case errors.As(err, &opErr) && opErr.Op == "dial":
		kind = KindConnect
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}

	return &Error{Kind: kind, Endpoint: endpoint, Err: err}
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var verifyErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}
