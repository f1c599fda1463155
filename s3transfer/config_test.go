package s3transfer

import (
	"crypto/tls"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantField string
	}{
		{name: "zero value", cfg: Config{}},
		{name: "defaults", cfg: DefaultConfig()},
		{name: "negative part size", cfg: Config{PartSize: -1}, wantField: "PartSize"},
		{name: "negative connect timeout", cfg: Config{ConnectTimeout: -time.Second}, wantField: "ConnectTimeout"},
		{name: "negative throughput", cfg: Config{TargetThroughputGbps: -1}, wantField: "TargetThroughputGbps"},
		{name: "NaN throughput", cfg: Config{TargetThroughputGbps: math.NaN()}, wantField: "TargetThroughputGbps"},
		{name: "infinite throughput", cfg: Config{TargetThroughputGbps: math.Inf(1)}, wantField: "TargetThroughputGbps"},
		{name: "negative connections", cfg: Config{ConnectionsPerEndpoint: -3}, wantField: "ConnectionsPerEndpoint"},
		{name: "negative retries", cfg: Config{MaxPartRetries: -1}, wantField: "MaxPartRetries"},
		{name: "retry wait bounds swapped", cfg: Config{RetryWaitMin: time.Second, RetryWaitMax: time.Millisecond}, wantField: "RetryWaitMin"},
		{name: "negative hung threshold", cfg: Config{HungThreshold: -1}, wantField: "HungThreshold"},
		{
			name:      "TLS versions swapped",
			cfg:       Config{TLS: &tls.Config{MinVersion: tls.VersionTLS13, MaxVersion: tls.VersionTLS12}},
			wantField: "TLS",
		},
		{
			name: "interface glob matches",
			cfg: Config{
				NetworkInterfaces: []string{"ens*"},
				interfaceLister:   func() ([]string, error) { return []string{"lo", "ens5", "ens6"}, nil },
			},
		},
		{
			name: "interface glob without match",
			cfg: Config{
				NetworkInterfaces: []string{"eth*"},
				interfaceLister:   func() ([]string, error) { return []string{"lo", "ens5"}, nil },
			},
			wantField: "NetworkInterfaces",
		},
		{
			name: "interface listing fails",
			cfg: Config{
				NetworkInterfaces: []string{"ens*"},
				interfaceLister:   func() ([]string, error) { return nil, errors.New("permission denied") },
			},
			wantField: "NetworkInterfaces",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestConfig_Resolved(t *testing.T) {
	cfg, err := Config{
		NetworkInterfaces: []string{"ens*", "lo"},
		interfaceLister:   func() ([]string, error) { return []string{"lo", "ens5", "ens6"}, nil },
	}.resolved()
	require.NoError(t, err)

	assert.Equal(t, int64(DefaultPartSize), cfg.PartSize)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, DefaultConnectionsPerVIP, cfg.ConnectionsPerEndpoint)
	assert.Equal(t, DefaultMaxConnectAttempts, cfg.MaxConnectAttempts)
	assert.Equal(t, DefaultHungThreshold, cfg.HungThreshold)
	assert.Equal(t, []string{"ens5", "ens6", "lo"}, cfg.NetworkInterfaces)
	assert.Equal(t, DefaultMaxPartRetries, cfg.MaxPartRetries)
	assert.NotNil(t, cfg.Logger)
}

func TestConfig_DerivedConnections(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		want   int
		target float64
	}{
		{name: "unmetered", cfg: Config{}, want: 10},
		{name: "below one VIP", cfg: Config{TargetThroughputGbps: 1}, want: 10, target: 125e6},
		{name: "exactly two VIPs", cfg: Config{TargetThroughputGbps: 8}, want: 20, target: 1e9},
		{name: "rounds up", cfg: Config{TargetThroughputGbps: 10}, want: 30, target: 1.25e9},
		{name: "custom VIP shape", cfg: Config{TargetThroughputGbps: 10, ThroughputPerVIPGbps: 5, ConnectionsPerVIP: 4}, want: 8, target: 1.25e9},
		{name: "explicit count wins", cfg: Config{TargetThroughputGbps: 100, ConnectionsPerEndpoint: 3}, want: 3, target: 12.5e9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.cfg.resolved()
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.ConnectionsPerEndpoint)
			assert.InDelta(t, tt.target, cfg.targetBytesPerSecond(), 1)
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv(EnvRegion, "")
	t.Setenv(envAWSRegion, "eu-west-1")
	t.Setenv(EnvPartSize, "16MiB")
	t.Setenv(EnvConnectTimeout, "5s")
	t.Setenv(EnvTargetThroughputGbps, "12.5")
	t.Setenv(EnvConnections, "40")
	t.Setenv(EnvNetworkInterfaces, "ens5, ens6")
	t.Setenv(EnvMaxPartRetries, "2")
	t.Setenv(EnvHungThreshold, "1m")

	cfg, err := LoadConfigFromEnv(env.NewRepository())
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, int64(16*units.MiB), cfg.PartSize)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 12.5, cfg.TargetThroughputGbps)
	assert.Equal(t, 40, cfg.ConnectionsPerEndpoint)
	assert.Equal(t, []string{"ens5", "ens6"}, cfg.NetworkInterfaces)
	assert.Equal(t, 2, cfg.MaxPartRetries)
	assert.Equal(t, time.Minute, cfg.HungThreshold)
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{key: EnvPartSize, value: "lots"},
		{key: EnvConnectTimeout, value: "5"},
		{key: EnvTargetThroughputGbps, value: "fast"},
		{key: EnvConnections, value: "many"},
		{key: EnvMaxPartRetries, value: "1.5"},
		{key: EnvHungThreshold, value: "never"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfigFromEnv(env.NewRepository())

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.key, cfgErr.Field)
		})
	}
}

func TestLoadConfigFromEnv_RegionPrecedence(t *testing.T) {
	t.Setenv(EnvRegion, "us-east-2")
	t.Setenv(envAWSRegion, "eu-west-1")

	cfg, err := LoadConfigFromEnv(env.NewRepository())
	require.NoError(t, err)
	assert.Equal(t, "us-east-2", cfg.Region)
}
