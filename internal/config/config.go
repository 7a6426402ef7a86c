// Package config defines the grantline configuration model and loads it
// 12-factor style from environment variables. This file holds the plain
// data types, derived-path helpers, and validation; loading lives in
// loader.go and defaults in defaults.go.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// PostgresConfig holds the relational store connection parameters.
type PostgresConfig struct {
	// DSN is a pgx-compatible connection string.
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// OpenSearchConfig holds the lexical index connection parameters.
type OpenSearchConfig struct {
	URL      string `mapstructure:"url"`
	Index    string `mapstructure:"index"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// DataConfig anchors the on-disk layout. All pipeline artifacts (downloaded
// archives, per-patent sidecars, chunk JSONL files, the embedding cache)
// live under Root.
type DataConfig struct {
	Root string `mapstructure:"root"`
}

// RawDir returns the directory holding downloaded weekly archives and the
// processed-weeks state file.
func (d DataConfig) RawDir() string {
	return filepath.Join(d.Root, "raw", "ptgrxml")
}

// ParsedDir returns the directory holding one-file-per-patent JSON sidecars.
func (d DataConfig) ParsedDir() string {
	return filepath.Join(d.Root, "parsed", "patents")
}

// DerivedDir returns the directory holding per-week chunk JSONL files.
func (d DataConfig) DerivedDir() string {
	return filepath.Join(d.Root, "derived", "chunks")
}

// EmbeddingCachePath returns the on-disk embedding cache location.
func (d DataConfig) EmbeddingCachePath() string {
	return filepath.Join(d.Root, "derived", "embedding_cache.json")
}

// EmbeddingConfig holds the embedding provider parameters.
type EmbeddingConfig struct {
	// URL is the base URL of an Ollama-compatible embeddings endpoint.
	URL       string `mapstructure:"url"`
	Model     string `mapstructure:"model"`
	BatchSize int    `mapstructure:"batch_size"`
}

// DownloaderConfig holds the USPTO Open Data Portal endpoints used for weekly
// batch discovery and download.
type DownloaderConfig struct {
	// DatasetPageURL is the HTML index page scraped for ipgYYYYMMDD.zip links.
	DatasetPageURL string `mapstructure:"dataset_page_url"`
	// BulkSearchURL is the ODP product search API used when the page scrape
	// yields nothing.
	BulkSearchURL string        `mapstructure:"bulk_search_url"`
	APIKey        string        `mapstructure:"api_key"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
}

// CacheConfig holds the optional Redis search-result cache parameters.
// The cache is disabled when Addr is empty.
type CacheConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Enabled reports whether a Redis address has been configured.
func (c CacheConfig) Enabled() bool { return c.Addr != "" }

// MetricsConfig holds the optional Prometheus listener parameters.
// The listener is disabled when Addr is empty.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Enabled reports whether a metrics listen address has been configured.
func (m MetricsConfig) Enabled() bool { return m.Addr != "" }

// LoggingConfig holds logger construction parameters.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the immutable top-level configuration record. It is loaded once
// at process start and passed explicitly to every component.
type Config struct {
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Data       DataConfig       `mapstructure:"data"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LoggingConfig    `mapstructure:"log"`
}

// Validate checks cross-field consistency after defaults have been applied.
// It returns the first problem found.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn must not be empty (POSTGRES_DSN)")
	}
	if c.Postgres.MaxConns < 1 {
		return fmt.Errorf("config: postgres.max_conns must be >= 1, got %d", c.Postgres.MaxConns)
	}
	if c.OpenSearch.URL == "" {
		return fmt.Errorf("config: opensearch.url must not be empty (OPENSEARCH_URL)")
	}
	if c.OpenSearch.Index == "" {
		return fmt.Errorf("config: opensearch.index must not be empty (OPENSEARCH_INDEX)")
	}
	if c.Data.Root == "" {
		return fmt.Errorf("config: data.root must not be empty (DATA_ROOT)")
	}
	if c.Embedding.URL == "" {
		return fmt.Errorf("config: embedding.url must not be empty (EMBEDDING_URL)")
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("config: embedding.model must not be empty (EMBEDDING_MODEL)")
	}
	if c.Embedding.BatchSize < 1 {
		return fmt.Errorf("config: embedding.batch_size must be >= 1, got %d", c.Embedding.BatchSize)
	}
	if c.Downloader.DatasetPageURL == "" && c.Downloader.BulkSearchURL == "" {
		return fmt.Errorf("config: at least one of downloader.dataset_page_url and downloader.bulk_search_url must be set")
	}
	if c.Downloader.HTTPTimeout <= 0 {
		return fmt.Errorf("config: downloader.http_timeout must be positive, got %s", c.Downloader.HTTPTimeout)
	}
	if c.Cache.Enabled() && c.Cache.TTL <= 0 {
		return fmt.Errorf("config: cache.ttl must be positive when cache.addr is set, got %s", c.Cache.TTL)
	}
	return nil
}
