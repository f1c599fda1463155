package s3transfer

import (
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Environment variables read by LoadConfigFromEnv.
const (
	EnvRegion               = "S3TRANSFER_REGION"
	EnvPartSize             = "S3TRANSFER_PART_SIZE"
	EnvConnectTimeout       = "S3TRANSFER_CONNECT_TIMEOUT"
	EnvTargetThroughputGbps = "S3TRANSFER_TARGET_THROUGHPUT_GBPS"
	EnvConnections          = "S3TRANSFER_CONNECTIONS"
	EnvNetworkInterfaces    = "S3TRANSFER_NETWORK_INTERFACES"
	EnvMaxPartRetries       = "S3TRANSFER_MAX_PART_RETRIES"
	EnvHungThreshold        = "S3TRANSFER_HUNG_THRESHOLD"

	envAWSRegion = "AWS_REGION"
)

// LoadConfigFromEnv reads a Config from the environment. Unset variables
// keep their zero value, which NewClient replaces with the defaults.
// Part sizes accept human readable values such as "16MiB".
func LoadConfigFromEnv(envRepo env.Repository) (Config, error) {
	var cfg Config

	cfg.Region = strings.TrimSpace(envRepo.Get(EnvRegion))
	if cfg.Region == "" {
		cfg.Region = strings.TrimSpace(envRepo.Get(envAWSRegion))
	}

	if v := strings.TrimSpace(envRepo.Get(EnvPartSize)); v != "" {
		size, err := units.RAMInBytes(v)
		if err != nil {
			return Config{}, configError(EnvPartSize, err)
		}
		cfg.PartSize = size
	}

	if v := strings.TrimSpace(envRepo.Get(EnvConnectTimeout)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, configError(EnvConnectTimeout, err)
		}
		cfg.ConnectTimeout = d
	}

	if v := strings.TrimSpace(envRepo.Get(EnvTargetThroughputGbps)); v != "" {
		gbps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, configError(EnvTargetThroughputGbps, err)
		}
		cfg.TargetThroughputGbps = gbps
	}

	if v := strings.TrimSpace(envRepo.Get(EnvConnections)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, configError(EnvConnections, err)
		}
		cfg.ConnectionsPerEndpoint = n
	}

	if v := strings.TrimSpace(envRepo.Get(EnvNetworkInterfaces)); v != "" {
		for _, name := range strings.Split(v, ",") {
			cfg.NetworkInterfaces = append(cfg.NetworkInterfaces, strings.TrimSpace(name))
		}
	}

	if v := strings.TrimSpace(envRepo.Get(EnvMaxPartRetries)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, configError(EnvMaxPartRetries, err)
		}
		cfg.MaxPartRetries = n
	}

	if v := strings.TrimSpace(envRepo.Get(EnvHungThreshold)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, configError(EnvHungThreshold, err)
		}
		cfg.HungThreshold = d
	}

	return cfg, nil
}
