package webhook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/tinyc/internal/config"
)

// MaxBodyCeiling bounds max_body_size. A TINY program larger than this is
// not a program anyone meant to send.
const MaxBodyCeiling int64 = 64 << 20

// FromGlobalConfig builds the listener config from the webhooks section.
func FromGlobalConfig(wc config.WebhooksConfig) (Config, error) {
	out := Config{Listen: wc.Listen}
	for _, ep := range wc.Endpoints {
		converted, err := endpointFromConfig(ep)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: %w", ep.Path, err)
		}
		out.Endpoints = append(out.Endpoints, converted)
	}
	return out, nil
}

func endpointFromConfig(ep config.WebhookEndpoint) (EndpointConfig, error) {
	if ep.Secret == "" {
		return EndpointConfig{}, errors.New("no secret configured")
	}
	limit, err := ParseBodySize(ep.MaxBodySize)
	if err != nil {
		return EndpointConfig{}, fmt.Errorf("max_body_size %q: %w", ep.MaxBodySize, err)
	}
	header := strings.TrimSpace(ep.SignatureHeader)
	if header == "" {
		header = DefaultSignatureHeader
	}
	return EndpointConfig{
		Path:            ep.Path,
		Secret:          ep.Secret,
		SignatureHeader: header,
		MaxBodySize:     limit,
	}, nil
}

// ParseBodySize reads a size such as "256KiB", "1MB" or "4096". SI and IEC
// suffixes keep their usual meaning, so "1MB" is 1000000 bytes and "1MiB"
// is 1048576. Empty means DefaultMaxBodySize.
func ParseBodySize(size string) (int64, error) {
	size = strings.TrimSpace(size)
	if size == "" {
		return DefaultMaxBodySize, nil
	}
	if strings.HasPrefix(size, "-") {
		return 0, errors.New("size must be positive")
	}
	n, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, err
	}
	switch {
	case n == 0:
		return 0, errors.New("size must be positive")
	case n > uint64(MaxBodyCeiling):
		return 0, fmt.Errorf("size exceeds %s", humanize.IBytes(uint64(MaxBodyCeiling)))
	}
	return int64(n), nil
}
