package s3transfer

import (
	"crypto/tls"
	"fmt"
	"math"
	"time"

	"github.com/bitrise-io/go-s3transfer/s3transfer/signing"
	"github.com/bitrise-io/go-s3transfer/s3transfer/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	// DefaultPartSize is used when Config.PartSize is 0.
	DefaultPartSize = 8 * units.MiB
	// DefaultConnectTimeout is used when Config.ConnectTimeout is 0.
	DefaultConnectTimeout = 3 * time.Second
	// DefaultThroughputPerVIPGbps is the rate one endpoint address is expected to serve.
	DefaultThroughputPerVIPGbps = 4.0
	// DefaultConnectionsPerVIP is the number of connections opened per expected address.
	DefaultConnectionsPerVIP = 10
	// DefaultMaxPartRetries ...
	DefaultMaxPartRetries = 4
	// DefaultHungThreshold ...
	DefaultHungThreshold = 30 * time.Second
	// DefaultMaxConnectAttempts ...
	DefaultMaxConnectAttempts = 3

	// maxUploadParts is the S3 limit on the parts of one multipart upload.
	maxUploadParts = 10000
)

// Config configures a Client.
type Config struct {
	// Region is used for request signing.
	Region string

	// PartSize is the size of ranged GET and upload parts.
	// Default: 8 MiB
	PartSize int64

	// ConnectTimeout bounds establishing a connection.
	// Default: 3 seconds
	ConnectTimeout time.Duration

	// TargetThroughputGbps is the aggregate rate the client aims for.
	// 0 means unmetered.
	TargetThroughputGbps float64

	// ThroughputPerVIPGbps and ConnectionsPerVIP derive the connection count
	// when ConnectionsPerEndpoint is 0.
	// Default: 4 Gbps and 10 connections
	ThroughputPerVIPGbps float64
	ConnectionsPerVIP    int

	// ConnectionsPerEndpoint bounds the connections to each endpoint.
	// 0 derives it from the throughput target.
	ConnectionsPerEndpoint int

	// NetworkInterfaces are the local interfaces connections are spread
	// across. Glob patterns such as "ens*" are expanded. Empty means unbound.
	NetworkInterfaces []string

	// TLS is used for https endpoints. Nil means requests without a scheme
	// are sent in plain text.
	TLS *tls.Config

	// MaxPartRetries is how often a failed part is retried.
	// Default: 4
	MaxPartRetries int

	// RetryWaitMin and RetryWaitMax bound the backoff between part retries.
	// Default: 100 milliseconds and 5 seconds
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// HungThreshold is how much longer than the average part an attempt may
	// run before it is canceled and retried.
	// Default: 30 seconds
	HungThreshold time.Duration

	// MaxConnectAttempts bounds consecutive connection failures before an
	// endpoint is given up on.
	// Default: 3
	MaxConnectAttempts int

	// Transport opens connections. Default: transport.HTTPTransport.
	Transport transport.Transport

	// Signer authorizes requests. Default: the AWS default credential chain.
	Signer signing.Signer

	// Logger ...
	Logger log.Logger

	interfaceLister transport.InterfaceLister
}

// DefaultConfig returns the configuration used for zero values.
func DefaultConfig() Config {
	return Config{
		PartSize:             DefaultPartSize,
		ConnectTimeout:       DefaultConnectTimeout,
		ThroughputPerVIPGbps: DefaultThroughputPerVIPGbps,
		ConnectionsPerVIP:    DefaultConnectionsPerVIP,
		MaxPartRetries:       DefaultMaxPartRetries,
		RetryWaitMin:         100 * time.Millisecond,
		RetryWaitMax:         5 * time.Second,
		HungThreshold:        DefaultHungThreshold,
		MaxConnectAttempts:   DefaultMaxConnectAttempts,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.PartSize < 0:
		return configError("PartSize", fmt.Errorf("must not be negative, got %d", c.PartSize))
	case c.ConnectTimeout < 0:
		return configError("ConnectTimeout", fmt.Errorf("must not be negative, got %s", c.ConnectTimeout))
	case c.TargetThroughputGbps < 0 || math.IsNaN(c.TargetThroughputGbps) || math.IsInf(c.TargetThroughputGbps, 0):
		return configError("TargetThroughputGbps", fmt.Errorf("must be a non-negative number, got %v", c.TargetThroughputGbps))
	case c.ThroughputPerVIPGbps < 0 || math.IsNaN(c.ThroughputPerVIPGbps):
		return configError("ThroughputPerVIPGbps", fmt.Errorf("must be a non-negative number, got %v", c.ThroughputPerVIPGbps))
	case c.ConnectionsPerVIP < 0:
		return configError("ConnectionsPerVIP", fmt.Errorf("must not be negative, got %d", c.ConnectionsPerVIP))
	case c.ConnectionsPerEndpoint < 0:
		return configError("ConnectionsPerEndpoint", fmt.Errorf("must not be negative, got %d", c.ConnectionsPerEndpoint))
	case c.MaxPartRetries < 0:
		return configError("MaxPartRetries", fmt.Errorf("must not be negative, got %d", c.MaxPartRetries))
	case c.RetryWaitMin < 0 || c.RetryWaitMax < 0:
		return configError("RetryWaitMin", fmt.Errorf("retry waits must not be negative"))
	case c.RetryWaitMax > 0 && c.RetryWaitMin > c.RetryWaitMax:
		return configError("RetryWaitMin", fmt.Errorf("%s exceeds RetryWaitMax %s", c.RetryWaitMin, c.RetryWaitMax))
	case c.HungThreshold < 0:
		return configError("HungThreshold", fmt.Errorf("must not be negative, got %s", c.HungThreshold))
	case c.MaxConnectAttempts < 0:
		return configError("MaxConnectAttempts", fmt.Errorf("must not be negative, got %d", c.MaxConnectAttempts))
	}

	if c.TLS != nil && c.TLS.MinVersion != 0 && c.TLS.MaxVersion != 0 && c.TLS.MinVersion > c.TLS.MaxVersion {
		return configError("TLS", fmt.Errorf("MinVersion %#x is above MaxVersion %#x", c.TLS.MinVersion, c.TLS.MaxVersion))
	}

	lister := c.interfaceLister
	if lister == nil {
		lister = transport.LocalInterfaces
	}
	if _, err := transport.ExpandInterfaces(c.NetworkInterfaces, lister); err != nil {
		return configError("NetworkInterfaces", err)
	}

	return nil
}

// resolved returns a copy with defaults filled in and interface globs expanded.
func (c Config) resolved() (Config, error) {
	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	defaults := DefaultConfig()
	if c.PartSize == 0 {
		c.PartSize = defaults.PartSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.ThroughputPerVIPGbps == 0 {
		c.ThroughputPerVIPGbps = defaults.ThroughputPerVIPGbps
	}
	if c.ConnectionsPerVIP == 0 {
		c.ConnectionsPerVIP = defaults.ConnectionsPerVIP
	}
	if c.RetryWaitMin == 0 {
		c.RetryWaitMin = defaults.RetryWaitMin
	}
	if c.RetryWaitMax == 0 {
		c.RetryWaitMax = defaults.RetryWaitMax
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		c.RetryWaitMax = c.RetryWaitMin
	}
	if c.HungThreshold == 0 {
		c.HungThreshold = defaults.HungThreshold
	}
	if c.MaxPartRetries == 0 {
		c.MaxPartRetries = defaults.MaxPartRetries
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = defaults.MaxConnectAttempts
	}
	if c.ConnectionsPerEndpoint == 0 {
		c.ConnectionsPerEndpoint = c.derivedConnections()
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}

	lister := c.interfaceLister
	if lister == nil {
		lister = transport.LocalInterfaces
	}
	ifaces, err := transport.ExpandInterfaces(c.NetworkInterfaces, lister)
	if err != nil {
		return Config{}, configError("NetworkInterfaces", err)
	}
	c.NetworkInterfaces = ifaces

	return c, nil
}

// derivedConnections sizes the pool for the throughput target:
// one group of ConnectionsPerVIP for every ThroughputPerVIPGbps of target.
func (c Config) derivedConnections() int {
	if c.TargetThroughputGbps == 0 {
		return c.ConnectionsPerVIP
	}
	vips := int(math.Ceil(c.TargetThroughputGbps / c.ThroughputPerVIPGbps))
	if vips < 1 {
		vips = 1
	}
	return vips * c.ConnectionsPerVIP
}

// targetBytesPerSecond converts the Gbps target.
func (c Config) targetBytesPerSecond() float64 {
	return c.TargetThroughputGbps * 1e9 / 8
}
