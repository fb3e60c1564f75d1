package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/tesgw/internal/config"
)

// FromGlobalConfig converts config.WebhookConfig to webhook.Config, applying
// defaults and parsing the body size limit.
func FromGlobalConfig(wc *config.WebhookConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhook config is nil")
	}
	if wc.Secret == "" {
		return Config{}, fmt.Errorf("webhook: no secret configured")
	}

	maxBodySize, err := parseMaxBodySize(wc.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("webhook: invalid max_body_size %q: %w", wc.MaxBodySize, err)
	}

	path := wc.Path
	if path == "" {
		path = DefaultPath
	}

	return Config{
		Listen:      wc.Listen,
		Path:        path,
		Secret:      wc.Secret,
		MaxBodySize: maxBodySize,
	}, nil
}

// parseMaxBodySize parses size strings like "1MB", "512KB", "1048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"KB", 1024},
		{"MB", 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
