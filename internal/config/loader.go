package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// envBindings maps internal config keys to the environment variable names
// that operators set. The names are part of the tool's contract and are
// deliberately unprefixed so that an existing deployment keeps working.
var envBindings = map[string]string{
	"postgres.dsn":                "POSTGRES_DSN",
	"postgres.max_conns":          "POSTGRES_MAX_CONNS",
	"opensearch.url":              "OPENSEARCH_URL",
	"opensearch.index":            "OPENSEARCH_INDEX",
	"opensearch.user":             "OPENSEARCH_USER",
	"opensearch.password":         "OPENSEARCH_PASSWORD",
	"data.root":                   "DATA_ROOT",
	"embedding.url":               "EMBEDDING_URL",
	"embedding.model":             "EMBEDDING_MODEL",
	"embedding.batch_size":        "EMBED_BATCH_SIZE",
	"downloader.dataset_page_url": "ODP_PTGRXML_DATASET_PAGE_URL",
	"downloader.bulk_search_url":  "ODP_BULK_SEARCH_URL",
	"downloader.api_key":          "ODP_API_KEY",
	"downloader.http_timeout":     "ODP_HTTP_TIMEOUT",
	"cache.addr":                  "REDIS_ADDR",
	"cache.password":              "REDIS_PASSWORD",
	"cache.db":                    "REDIS_DB",
	"cache.ttl":                   "REDIS_TTL",
	"metrics.addr":                "METRICS_ADDR",
	"log.level":                   "LOG_LEVEL",
	"log.format":                  "LOG_FORMAT",
}

// newViper builds a Viper instance with every configuration key explicitly
// bound to its contractual environment variable.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s to %s: %w", key, env, err)
		}
	}
	return v, nil
}

// LoadFromEnv builds a Config entirely from environment variables, applies
// defaults for unset fields, and validates the result. There is no config
// file; the tool is configured 12-factor style.
func LoadFromEnv() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return unmarshalAndFinalize(v)
}

// unmarshalAndFinalize unmarshals viper state into a Config struct, applies
// defaults, and validates the result.
func unmarshalAndFinalize(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal configuration: %w", err)
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
