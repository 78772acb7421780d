// Package config loads the hubdata configuration: dataset families, hubs,
// storage credentials and scan tuning. YAML and TOML files are accepted.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"hubdata/dataset"
	"hubdata/format"
	"hubdata/schema"
	"hubdata/storage"
)

type Config struct {
	LogLevel string                 `yaml:"log_level" toml:"log_level"`
	Families map[string][]FieldSpec `yaml:"families" toml:"families"`
	Hubs     map[string]HubConfig   `yaml:"hubs" toml:"hubs"`
	Storage  StorageConfig          `yaml:"storage" toml:"storage"`
	Scan     ScanConfig             `yaml:"scan" toml:"scan"`
	Proxy    ProxyConfig            `yaml:"proxy" toml:"proxy"`
	Refresh  RefreshConfig          `yaml:"refresh" toml:"refresh"`
}

// FieldSpec is one field of a family schema.
type FieldSpec struct {
	Name     string `yaml:"name" toml:"name"`
	Type     string `yaml:"type" toml:"type"`
	Nullable bool   `yaml:"nullable" toml:"nullable"`
	Origin   string `yaml:"origin" toml:"origin"` // content (default) or partition
}

type HubConfig struct {
	Root   string `yaml:"root" toml:"root"`
	Family string `yaml:"family" toml:"family"`
	// Formats restricts the accepted file formats; empty means the hub's
	// admin config or, failing that, every supported format.
	Formats []string `yaml:"formats" toml:"formats"`
	// ModelOutputDir is the directory under Root holding contributions;
	// default model-output. "." scans Root itself.
	ModelOutputDir string `yaml:"model_output_dir" toml:"model_output_dir"`
	// AdminConfig reads model_output_dir and file_format from
	// hub-config/admin.json under Root.
	AdminConfig bool `yaml:"admin_config" toml:"admin_config"`
}

type StorageConfig struct {
	S3 struct {
		Region    string `yaml:"region" toml:"region"`
		Endpoint  string `yaml:"endpoint" toml:"endpoint"`
		KeyID     string `yaml:"key_id" toml:"key_id"`
		Secret    string `yaml:"secret" toml:"secret"`
		Anonymous bool   `yaml:"anonymous" toml:"anonymous"`
		PathStyle bool   `yaml:"path_style" toml:"path_style"`
	} `yaml:"s3" toml:"s3"`

	GCS struct {
		CredentialsFile string `yaml:"credentials_file" toml:"credentials_file"`
		Anonymous       bool   `yaml:"anonymous" toml:"anonymous"`
	} `yaml:"gcs" toml:"gcs"`

	Azure struct {
		AccountName string `yaml:"account_name" toml:"account_name"`
		AccountKey  string `yaml:"account_key" toml:"account_key"`
	} `yaml:"azure" toml:"azure"`

	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type ScanConfig struct {
	Workers     int      `yaml:"workers" toml:"workers"`
	FileTimeout Duration `yaml:"file_timeout" toml:"file_timeout"`
	ListTimeout Duration `yaml:"list_timeout" toml:"list_timeout"`
	SampleRows  int      `yaml:"sample_rows" toml:"sample_rows"`
	NullValues  []string `yaml:"null_values" toml:"null_values"`
	BatchRows   int      `yaml:"batch_rows" toml:"batch_rows"`
}

type ProxyConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

type RefreshConfig struct {
	Schedule string `yaml:"schedule" toml:"schedule"`
}

// Duration reads Go duration strings such as "30s" from either format.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load reads path as TOML when it ends in .toml and as YAML otherwise, then
// applies defaults and environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Scan.Workers == 0 {
		c.Scan.Workers = 8
	}
	if c.Scan.FileTimeout == 0 {
		c.Scan.FileTimeout = Duration(30 * time.Second)
	}
	if c.Scan.ListTimeout == 0 {
		c.Scan.ListTimeout = Duration(60 * time.Second)
	}
	if c.Scan.SampleRows == 0 {
		c.Scan.SampleRows = 1000
	}
	if c.Scan.NullValues == nil {
		c.Scan.NullValues = slices.Clone(format.DefaultNullValues)
	}
	if c.Scan.BatchRows == 0 {
		c.Scan.BatchRows = 8192
	}
	if c.Proxy.Listen == "" {
		c.Proxy.Listen = ":5433"
	}
	if c.Refresh.Schedule == "" {
		c.Refresh.Schedule = "@every 5m"
	}
}

// applyEnv fills unset fields from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("HUBDATA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	s3 := &c.Storage.S3
	if s3.KeyID == "" && !s3.Anonymous {
		s3.KeyID = os.Getenv("AWS_ACCESS_KEY_ID")
		s3.Secret = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if s3.Region == "" {
		s3.Region = os.Getenv("AWS_REGION")
	}
}

// Validate checks that every hub names a known family and format and that
// the family schemas are well formed.
func (c *Config) Validate() error {
	if c.Scan.Workers < 0 {
		return fmt.Errorf("scan.workers must be positive, got %d", c.Scan.Workers)
	}
	if c.Scan.SampleRows < 0 || c.Scan.BatchRows < 0 {
		return fmt.Errorf("scan.sample_rows and scan.batch_rows must be positive")
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	for _, name := range sortedKeys(c.Hubs) {
		hub := c.Hubs[name]
		if hub.Root == "" {
			return fmt.Errorf("hub %s: root is required", name)
		}
		if _, ok := c.Families[hub.Family]; !ok {
			return fmt.Errorf("hub %s: %w: %s", name, schema.ErrUnknownFamily, hub.Family)
		}
		if _, err := format.ParseFormats(hub.Formats); err != nil {
			return fmt.Errorf("hub %s: %w", name, err)
		}
		if _, err := storage.ParseLocation(hub.Root); err != nil {
			return fmt.Errorf("hub %s: %w", name, err)
		}
	}
	return nil
}

// SlogLevel maps LogLevel to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Registry converts the configured families into schemas.
func (c *Config) Registry() (*schema.Registry, error) {
	var schemas []*schema.LogicalSchema
	for _, family := range sortedKeys(c.Families) {
		specs := c.Families[family]
		fields := make([]schema.Field, len(specs))
		for i, fs := range specs {
			t, err := schema.ParseSemanticType(fs.Type)
			if err != nil {
				return nil, fmt.Errorf("family %s field %s: %w", family, fs.Name, err)
			}
			origin := schema.Content
			if fs.Origin != "" {
				if origin, err = schema.ParseOrigin(fs.Origin); err != nil {
					return nil, fmt.Errorf("family %s field %s: %w", family, fs.Name, err)
				}
			}
			fields[i] = schema.Field{Name: fs.Name, Type: t, Nullable: fs.Nullable, Origin: origin}
		}
		ls, err := schema.New(family, fields)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, ls)
	}
	return schema.NewRegistry(schemas...)
}

// StorageOptions returns the backend options for storage.Open.
func (c *Config) StorageOptions() storage.Options {
	s := c.Storage
	return storage.Options{
		S3: storage.S3Options{
			Region:    s.S3.Region,
			Endpoint:  s.S3.Endpoint,
			KeyID:     s.S3.KeyID,
			Secret:    s.S3.Secret,
			Anonymous: s.S3.Anonymous,
			PathStyle: s.S3.PathStyle,
		},
		GCS: storage.GCSOptions{
			CredentialsFile: s.GCS.CredentialsFile,
			Anonymous:       s.GCS.Anonymous,
		},
		Azure: storage.AzureOptions{
			AccountName: s.Azure.AccountName,
			AccountKey:  s.Azure.AccountKey,
		},
		RequestsPerSecond: s.RequestsPerSecond,
		Burst:             s.Burst,
	}
}

// DatasetOptions returns the build options for the scan settings.
func (c *Config) DatasetOptions(logger *slog.Logger) dataset.Options {
	return dataset.Options{
		Workers:     c.Scan.Workers,
		FileTimeout: time.Duration(c.Scan.FileTimeout),
		ListTimeout: time.Duration(c.Scan.ListTimeout),
		SampleRows:  c.Scan.SampleRows,
		NullValues:  slices.Clone(c.Scan.NullValues),
		Logger:      logger,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
