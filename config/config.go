/*
   Copyright The Sentinel COG Service Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package config holds the TOML configuration surface of the service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultRootPath is the default filesystem path for service state:
	// the artifact store and the job status database live under it.
	DefaultRootPath = "/var/lib/cogserv/"

	// DefaultConfigPath is the default filesystem path for the service
	// configuration file.
	DefaultConfigPath = "/etc/cogserv/config.toml"

	// Credential environment variables for the Copernicus Data Space
	// Ecosystem. They are read at startup, never from the config file.
	usernameEnv = "CDSE_USERNAME"
	passwordEnv = "CDSE_PASSWORD"
)

type Config struct {
	// Address is the listen address of the HTTP API.
	Address string `toml:"address"`

	// RootPath is the directory holding the artifact store and the
	// status database.
	RootPath string `toml:"root_path"`

	// DefaultBucket is the logical bucket recorded for artifacts
	// written by this instance.
	DefaultBucket string `toml:"default_bucket"`

	Catalog CatalogConfig `toml:"catalog"`
	Convert ConvertConfig `toml:"convert"`
	Tiles   TileConfig    `toml:"tiles"`
}

// CatalogConfig configures the upstream imagery catalog.
type CatalogConfig struct {
	// TokenURL is the OAuth2 password-grant token endpoint.
	TokenURL string `toml:"token_url"`

	// ClientID is the public OAuth2 client id.
	ClientID string `toml:"client_id"`

	// QueryURL is the OData products endpoint used to resolve product
	// names to ids.
	QueryURL string `toml:"query_url"`

	// DownloadURL is the archive download endpoint; "{id}" is replaced
	// with the product id.
	DownloadURL string `toml:"download_url"`

	// Username and Password are filled from CDSE_USERNAME and
	// CDSE_PASSWORD.
	Username string `toml:"-"`
	Password string `toml:"-"`
}

// ConvertConfig bounds the conversion pipeline.
type ConvertConfig struct {
	// ProductType selects the archive layout to look for bands in,
	// "L1C" or "L2A".
	ProductType string `toml:"product_type"`

	// MaxConcurrent caps conversion jobs running at once.
	MaxConcurrent int `toml:"max_concurrent"`

	// TimeoutSeconds bounds one end to end conversion job.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// TileConfig tunes the tile server.
type TileConfig struct {
	// CacheSize caps the number of concurrently open raster readers.
	CacheSize int `toml:"cache_size"`

	// CacheTTLSeconds is how long an open reader is reused.
	CacheTTLSeconds int `toml:"cache_ttl_seconds"`

	// MinZoom is the zoom below which tiles are served transparent
	// without touching pixel data.
	MinZoom int `toml:"min_zoom"`

	// BlurZoom is the zoom from which rendered tiles are smoothed.
	BlurZoom int `toml:"blur_zoom"`
}

type configParser func(*Config) error

var parsers = []configParser{parseRootConfig, parseCatalogConfig, parseConvertConfig, parseTileConfig}

// NewConfig returns an initialized Config with default values set.
func NewConfig() *Config {
	cfg := &Config{}
	for _, p := range parsers {
		p(cfg)
	}
	return cfg
}

func NewConfigFromToml(cfgPath string) (*Config, error) {
	f, err := os.Open(cfgPath)
	if err != nil {
		if os.IsNotExist(err) && cfgPath == DefaultConfigPath {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to open config file %q: %w", cfgPath, err)
	}
	defer f.Close()

	cfg := NewConfig()
	if err = toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", cfgPath, err)
	}
	parseConfig(cfg)
	return cfg, nil
}

func parseConfig(cfg *Config) {
	for _, p := range parsers {
		p(cfg)
	}
}

func parseRootConfig(cfg *Config) error {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.RootPath == "" {
		cfg.RootPath = DefaultRootPath
	}
	if cfg.DefaultBucket == "" {
		cfg.DefaultBucket = "cogserv"
	}
	return nil
}

func parseCatalogConfig(cfg *Config) error {
	c := &cfg.Catalog
	if c.TokenURL == "" {
		c.TokenURL = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	}
	if c.ClientID == "" {
		c.ClientID = "cdse-public"
	}
	if c.QueryURL == "" {
		c.QueryURL = "https://catalogue.dataspace.copernicus.eu/odata/v1/Products"
	}
	if c.DownloadURL == "" {
		c.DownloadURL = "https://download.dataspace.copernicus.eu/odata/v1/Products({id})/$value"
	}
	if v := os.Getenv(usernameEnv); v != "" {
		c.Username = v
	}
	if v := os.Getenv(passwordEnv); v != "" {
		c.Password = v
	}
	return nil
}

func parseConvertConfig(cfg *Config) error {
	c := &cfg.Convert
	if c.ProductType == "" {
		c.ProductType = "L2A"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = int((30 * time.Minute).Seconds())
	}
	return nil
}

func parseTileConfig(cfg *Config) error {
	c := &cfg.Tiles
	if c.CacheSize <= 0 {
		c.CacheSize = 100
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 300
	}
	if c.MinZoom <= 0 {
		c.MinZoom = 4
	}
	if c.BlurZoom <= 0 {
		c.BlurZoom = 14
	}
	return nil
}

// ConvertTimeout returns the per job deadline as a duration.
func (c *Config) ConvertTimeout() time.Duration {
	return time.Duration(c.Convert.TimeoutSeconds) * time.Second
}

// TileCacheTTL returns the reader reuse window as a duration.
func (c *Config) TileCacheTTL() time.Duration {
	return time.Duration(c.Tiles.CacheTTLSeconds) * time.Second
}
