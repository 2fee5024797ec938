package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osmupload-go/internal/chunk"
	"github.com/wegman-software/osmupload-go/internal/conflict"
	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/osmapi"
	"github.com/wegman-software/osmupload-go/internal/upload"
)

// TokenEnv is read when no token is configured
const TokenEnv = "OSM_TOKEN"

// TagList is a list of changeset tags that keeps the order of a YAML mapping
type TagList feature.Tags

// UnmarshalYAML decodes a mapping of key: value pairs in document order
func (l *TagList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: tags must be a mapping", value.Line)
	}
	tags := make(feature.Tags, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: value of tag %q must be a scalar", v.Line, k.Value)
		}
		tags = tags.Set(k.Value, v.Value)
	}
	*l = TagList(tags)
	return nil
}

// ParseTag parses a "key=value" flag value
func ParseTag(s string) (feature.Tag, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return feature.Tag{}, fmt.Errorf("tag must look like key=value, got %q", s)
	}
	return feature.Tag{Key: strings.TrimSpace(k), Value: v}, nil
}

// Config holds the configuration of an upload
type Config struct {
	// API settings
	Endpoint string        `yaml:"endpoint"` // production, dev or a base URL
	Token    string        `yaml:"token"`    // OAuth2 bearer token
	Timeout  time.Duration `yaml:"timeout"`

	// Upload settings
	MaxFeaturesPerChunk int     `yaml:"max_features_per_chunk"`
	MaxRetries          int     `yaml:"max_retries"`
	DisableCompression  bool    `yaml:"disable_compression"`
	Tags                TagList `yaml:"tags"` // changeset tags

	// Conflict handling
	OnConflict       string `yaml:"on_conflict"`      // fail, local or remote
	AcceptAutomatic  bool   `yaml:"accept_automatic"` // take safe merges without asking
	ConflictScript   string `yaml:"conflict_script"`  // Lua policy, overrides the two above where it defines a callback
	FetchBatchSize   int    `yaml:"fetch_batch_size"`
	FetchConcurrency int    `yaml:"fetch_concurrency"`

	// Result settings
	ResultJSON  string `yaml:"result_json"` // path of the JSON id map, "-" for stdout
	ResultDB    bool   `yaml:"result_db"`   // store the id map in PostgreSQL
	DBHost      string `yaml:"db_host"`
	DBPort      int    `yaml:"db_port"`
	DBName      string `yaml:"db_name"`
	DBUser      string `yaml:"db_user"`
	DBPassword  string `yaml:"db_password"`
	DBSchema    string `yaml:"db_schema"`
	ResultTable string `yaml:"result_table"`

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"` // empty = no file logging
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Endpoint:            "production",
		Timeout:             2 * time.Minute,
		MaxFeaturesPerChunk: chunk.DefaultMaxFeatures,
		MaxRetries:          upload.DefaultMaxRetries,
		OnConflict:          "fail",
		AcceptAutomatic:     true,
		FetchBatchSize:      osmapi.MaxFetchIDs,
		FetchConcurrency:    4,
		DBHost:              "localhost",
		DBPort:              5432,
		DBName:              "osm",
		DBUser:              "postgres",
		DBSchema:            "public",
		ResultTable:         "osmupload_results",
		MetricsInterval:     30 * time.Second,
	}
}

// LoadFile reads a YAML configuration on top of the defaults. Unknown keys are an
// error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// ApplyEnv fills settings that may come from the environment
func (c *Config) ApplyEnv() {
	if c.Token == "" {
		c.Token = os.Getenv(TokenEnv)
	}
}

// ChangesetTags returns the configured changeset tags
func (c *Config) ChangesetTags() feature.Tags {
	return feature.Tags(c.Tags).Clone()
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if _, err := osmapi.ParseEndpoint(c.Endpoint); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxFeaturesPerChunk < 1 {
		return fmt.Errorf("max features per chunk must be at least 1")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.FetchBatchSize < 1 || c.FetchBatchSize > osmapi.MaxFetchIDs {
		return fmt.Errorf("fetch batch size must be between 1 and %d", osmapi.MaxFetchIDs)
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("fetch concurrency must be at least 1")
	}
	if _, err := conflict.ParseStrategy(c.OnConflict); err != nil {
		return err
	}
	if c.ResultDB && c.ResultTable == "" {
		return fmt.Errorf("result table is required when storing results in the database")
	}
	return nil
}
