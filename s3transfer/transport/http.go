package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// HTTPOptions configures the default transport.
type HTTPOptions struct {
	// ConnectTimeout bounds TCP connect and TLS handshake.
	ConnectTimeout time.Duration

	// TLSConfig is used for https endpoints. Nil uses the system defaults.
	TLSConfig *tls.Config

	// ConnectRetries is the number of times a request that failed before a
	// response arrived is retried on a fresh connection.
	ConnectRetries int

	// RetryWaitMin and RetryWaitMax bound the backoff between those retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Resolver overrides DNS resolution. Nil uses net.DefaultResolver.
	Resolver *net.Resolver
}

// DefaultHTTPOptions returns the options used when none are given.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		ConnectTimeout: 3 * time.Second,
		ConnectRetries: 2,
		RetryWaitMin:   200 * time.Millisecond,
		RetryWaitMax:   2 * time.Second,
	}
}

// HTTPTransport opens single-socket HTTP connections. Endpoint hosts are
// resolved once and the addresses reused for every later connection.
type HTTPTransport struct {
	opts   HTTPOptions
	logger log.Logger

	mu    sync.Mutex
	addrs map[string][]string
}

// NewHTTPTransport ...
func NewHTTPTransport(opts HTTPOptions, logger log.Logger) *HTTPTransport {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	return &HTTPTransport{
		opts:   opts,
		logger: logger,
		addrs:  map[string][]string{},
	}
}

// Connect implements Transport.
func (t *HTTPTransport) Connect(ctx context.Context, endpoint Endpoint, iface string) (Connection, error) {
	host, port, err := net.SplitHostPort(endpoint.Host)
	if err != nil {
		return nil, &Error{Kind: KindConnect, Endpoint: endpoint.String(), Err: err}
	}

	addrs, err := t.resolve(ctx, host)
	if err != nil {
		return nil, &Error{Kind: KindConnect, Endpoint: endpoint.String(), Err: err}
	}

	localAddr, err := localAddrForInterface(iface)
	if err != nil {
		return nil, &Error{Kind: KindConnect, Endpoint: endpoint.String(), Err: err}
	}

	dialer := &net.Dialer{
		Timeout:   t.opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
		LocalAddr: localAddr,
	}

	var next uint32
	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		start := int(atomic.AddUint32(&next, 1) - 1)
		var lastErr error
		for i := 0; i < len(addrs); i++ {
			addr := net.JoinHostPort(addrs[(start+i)%len(addrs)], port)
			conn, err := dialer.DialContext(ctx, network, addr)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}

	var tlsConfig *tls.Config
	if t.opts.TLSConfig != nil {
		tlsConfig = t.opts.TLSConfig.Clone()
	}

	httpTransport := &http.Transport{
		DialContext:         dial,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: t.opts.ConnectTimeout,
		MaxConnsPerHost:     1,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	client := retryhttp.NewClient(t.logger)
	client.HTTPClient = &http.Client{Transport: httpTransport}
	client.RetryMax = t.opts.ConnectRetries
	client.RetryWaitMin = t.opts.RetryWaitMin
	client.RetryWaitMax = t.opts.RetryWaitMax
	client.CheckRetry = retryOnConnectionError(endpoint.String())
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	t.logger.Debugf("Opened connection to %s (interface: %q)", endpoint, iface)

	return &httpConnection{
		endpoint:  endpoint,
		client:    client,
		transport: httpTransport,
	}, nil
}

func (t *HTTPTransport) resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	t.mu.Lock()
	cached, ok := t.addrs[host]
	t.mu.Unlock()
	if ok {
		return cached, nil
	}

	addrs, err := t.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}

	t.mu.Lock()
	t.addrs[host] = addrs
	t.mu.Unlock()

	return addrs, nil
}

func localAddrForInterface(name string) (net.Addr, error) {
	if name == "" {
		return nil, nil
	}

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("network interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("addresses of network interface %s: %w", name, err)
	}

	var fallback net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.To4() != nil {
			return &net.TCPAddr{IP: ipNet.IP}, nil
		}
		if fallback == nil {
			fallback = ipNet.IP
		}
	}
	if fallback != nil {
		return &net.TCPAddr{IP: fallback}, nil
	}
	return nil, fmt.Errorf("network interface %s has no usable address", name)
}

// retryOnConnectionError retries requests that never got a response because the
// connection could not be established or was dropped. Responses are never
// retried here; status handling belongs to the caller.
func retryOnConnectionError(endpoint string) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err == nil {
			return false, nil
		}

		switch Classify(endpoint, err).Kind {
		case KindConnect, KindReset:
			return true, nil
		default:
			return false, nil
		}
	}
}

type httpConnection struct {
	endpoint  Endpoint
	client    *retryablehttp.Client
	transport *http.Transport
}

// Send implements Connection.
func (c *httpConnection) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if req.ContentLength == 0 {
		req.Body = nil
	}

	retryableReq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("prepare request: %w", err)
	}

	resp, err := c.client.Do(retryableReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Classify(c.endpoint.String(), err)
	}
	return resp, nil
}

// Close implements Connection.
func (c *httpConnection) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
