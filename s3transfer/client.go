// Package s3transfer moves large objects to and from S3 by splitting them
// into parts that are transferred in parallel over a bounded set of
// connections per endpoint.
package s3transfer

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/bitrise-io/go-s3transfer/s3transfer/governor"
	"github.com/bitrise-io/go-s3transfer/s3transfer/signing"
	"github.com/bitrise-io/go-s3transfer/s3transfer/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Client executes MetaRequests. It is safe for concurrent use.
type Client struct {
	cfg       Config
	transport transport.Transport
	signer    signing.Signer
	estimator *governor.Estimator
	logger    log.Logger

	mu        sync.Mutex
	governors map[transport.Endpoint]*governor.Governor
	closed    bool
	active    sync.WaitGroup

	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

// NewClient validates cfg and creates a Client. Without a Signer the AWS
// default credential chain is used, which requires a Region.
func NewClient(cfg Config) (*Client, error) {
	resolved, err := cfg.resolved()
	if err != nil {
		return nil, err
	}

	tr := resolved.Transport
	if tr == nil {
		opts := transport.DefaultHTTPOptions()
		opts.ConnectTimeout = resolved.ConnectTimeout
		opts.TLSConfig = resolved.TLS
		tr = transport.NewHTTPTransport(opts, resolved.Logger)
	}

	signer := resolved.Signer
	if signer == nil {
		if resolved.Region == "" {
			return nil, configError("Region", fmt.Errorf("required to sign with the default credential chain"))
		}
		v4, err := signing.NewDefaultSigner(context.Background(), resolved.Region, resolved.Logger)
		if err != nil {
			return nil, err
		}
		signer = v4
	}

	resolved.Logger.Debugf("Client: part size %d, %d connections per endpoint, interfaces %v",
		resolved.PartSize, resolved.ConnectionsPerEndpoint, resolved.NetworkInterfaces)

	return &Client{
		cfg:          resolved,
		transport:    tr,
		signer:       signer,
		estimator:    governor.NewEstimator(governor.DefaultWindow),
		logger:       resolved.Logger,
		governors:    map[transport.Endpoint]*governor.Governor{},
		shutdownDone: make(chan struct{}),
	}, nil
}

// Submit starts req. The request is cloned, so the caller may reuse it.
// Its context cancels the MetaRequest. The returned MetaRequest reports
// through opts.Callbacks.
func (c *Client) Submit(req *http.Request, opts RequestOptions) (*MetaRequest, error) {
	if err := validateSubmit(req, opts); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientShutdown
	}
	c.active.Add(1)
	c.mu.Unlock()

	template := req.Clone(context.Background())
	if template.URL.Scheme == "" {
		template.URL.Scheme = "http"
		if c.cfg.TLS != nil {
			template.URL.Scheme = "https"
		}
	}
	if template.URL.Host == "" {
		template.URL.Host = req.Host
	}

	var (
		recv *recvFile
		send *sendFile
		err  error
	)
	if opts.RecvFilePath != "" {
		recv, err = openRecvFile(opts.RecvFilePath)
	}
	if err == nil && opts.SendFilePath != "" {
		send, err = openSendFile(opts.SendFilePath)
	}
	if err != nil {
		if recv != nil {
			_ = recv.close(true)
		}
		c.release()
		return nil, err
	}

	m := newMetaRequest(c, c.governorFor(transport.EndpointFromURL(template.URL)), template, opts)
	m.recv, m.send = recv, send
	m.stopWatch = context.AfterFunc(req.Context(), m.Cancel)

	c.logger.Debugf("Submitted %s %s %s", opts.Type, req.Method, template.URL.Redacted())
	go m.run()
	return m, nil
}

func validateSubmit(req *http.Request, opts RequestOptions) error {
	if req == nil || req.URL == nil {
		return configError("request", fmt.Errorf("must have a URL"))
	}
	if req.URL.Host == "" && req.Host == "" {
		return configError("request", fmt.Errorf("%s has no host", req.URL.Redacted()))
	}

	switch opts.Type {
	case RequestTypeDefault:
	case RequestTypeGetObject:
		if req.Method != http.MethodGet {
			return configError("Type", fmt.Errorf("%s requires a GET request, got %s", opts.Type, req.Method))
		}
	case RequestTypePutObject:
		if req.Method != http.MethodPut {
			return configError("Type", fmt.Errorf("%s requires a PUT request, got %s", opts.Type, req.Method))
		}
	default:
		return configError("Type", fmt.Errorf("unknown request type %s", opts.Type))
	}

	if opts.RecvFilePath != "" && req.Method != http.MethodGet {
		return configError("RecvFilePath", fmt.Errorf("only supported for GET requests"))
	}
	if opts.SendFilePath != "" && opts.Type != RequestTypePutObject {
		return configError("SendFilePath", fmt.Errorf("only supported for %s requests", RequestTypePutObject))
	}
	return nil
}

func (c *Client) governorFor(endpoint transport.Endpoint) *governor.Governor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.governors[endpoint]; ok {
		return g
	}

	cfg := governor.DefaultConfig()
	cfg.Interfaces = c.cfg.NetworkInterfaces
	cfg.Connections = c.cfg.ConnectionsPerEndpoint
	cfg.TargetBytesPerSecond = c.cfg.targetBytesPerSecond()
	cfg.MaxConnectAttempts = c.cfg.MaxConnectAttempts

	g := governor.New(c.transport, endpoint, cfg, c.estimator, c.logger)
	c.governors[endpoint] = g
	return g
}

func (c *Client) release() {
	c.active.Done()
}

// Shutdown stops accepting MetaRequests. Running ones complete normally.
// ShutdownDone is closed once they all finished and the connections were
// closed. Calling Shutdown more than once has no further effect.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		go func() {
			c.active.Wait()

			c.mu.Lock()
			governors := make([]*governor.Governor, 0, len(c.governors))
			for _, g := range c.governors {
				governors = append(governors, g)
			}
			c.mu.Unlock()

			for _, g := range governors {
				g.Close()
			}
			c.logger.Debugf("Client shut down")
			close(c.shutdownDone)
		}()
	})
}

// ShutdownDone is closed once a Shutdown completed.
func (c *Client) ShutdownDone() <-chan struct{} {
	return c.shutdownDone
}

// Stats returns a snapshot of every endpoint, ordered by endpoint.
func (c *Client) Stats() []governor.Stats {
	c.mu.Lock()
	governors := make([]*governor.Governor, 0, len(c.governors))
	for _, g := range c.governors {
		governors = append(governors, g)
	}
	c.mu.Unlock()

	stats := make([]governor.Stats, len(governors))
	for i, g := range governors {
		stats[i] = g.Stats()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Endpoint < stats[j].Endpoint })
	return stats
}
