// Package config provides configuration management for the packager service.
// It supports loading configuration from YAML files with environment-variable
// overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Format identifies the tabular output format of a datastore export.
type Format string

const (
	// FormatCSV is comma-separated output (the default).
	FormatCSV Format = "csv"
	// FormatTSV is tab-separated output.
	FormatTSV Format = "tsv"
	// FormatXLSX is a spreadsheet converted from CSV at finalisation.
	FormatXLSX Format = "xlsx"
)

// Default configuration values.
const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 8765
	DefaultWorkers           = 1
	DefaultRequestsPerWorker = 1000
	DefaultPageSize          = 5000
	DefaultSlowRequest       = 50000
	DefaultCacheTime         = 24 * time.Hour
	DefaultZipCommand        = "/usr/bin/zip -j {output} {input}"
	DefaultSMTPPort          = 25
	DefaultDynamicTerm       = "dynamicProperties"
	DefaultIDField           = "_id"
)

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("24h") or an integer number of seconds (the historical config
// format).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ExtensionField configures a JSON-bearing input column that expands into
// its own extension file (e.g. associatedMedia into the multimedia
// extension).
type ExtensionField struct {
	// Extension is the path of the GBIF extension XML this field expands into.
	Extension string `yaml:"extension"`

	// Fields maps each sub-field name to its default value, merged into
	// every decoded JSON object.
	Fields map[string]string `yaml:"fields"`

	// Mappings renames sub-fields to term names where they differ.
	Mappings map[string]string `yaml:"mappings"`

	// Formatters names a registered formatter for a sub-field.
	Formatters map[string]string `yaml:"formatters"`
}

// Config holds the full service configuration.
type Config struct {
	// Host and Port define the ingress listen address.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Secret is the shared secret checked on every ingress request.
	Secret string `yaml:"secret"`

	// Workers is the number of workers per pool.
	Workers int `yaml:"workers"`

	// RequestsPerWorker is how many tasks a worker processes before being
	// recycled. 0 means never recycle.
	RequestsPerWorker int `yaml:"requests_per_worker"`

	// PageSize is the maximum number of records requested from the
	// upstream catalog per page.
	PageSize int `yaml:"page_size"`

	// SlowRequest is the row-count threshold above which a datastore task
	// is routed to the slow pool.
	SlowRequest int `yaml:"slow_request"`

	// StoreDirectory holds finished ZIP archives.
	StoreDirectory string `yaml:"store_directory"`

	// TempDirectory is the root under which per-job workspaces are created.
	TempDirectory string `yaml:"temp_directory"`

	// CacheTime is how long a stored archive remains a valid cache hit.
	CacheTime Duration `yaml:"cache_time"`

	// ZipCommand is a shell command template with {input} and {output}
	// placeholders.
	ZipCommand string `yaml:"zip_command"`

	// SMTP settings for the notification email.
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPLogin    string `yaml:"smtp_login"`
	SMTPPassword string `yaml:"smtp_password"`

	// Email templates. Placeholders use {name} substitution.
	EmailSubject  string `yaml:"email_subject"`
	EmailFrom     string `yaml:"email_from"`
	EmailBody     string `yaml:"email_body"`
	EmailBodyHTML string `yaml:"email_body_html"`
	DOIBody       string `yaml:"doi_body"`
	DOIBodyHTML   string `yaml:"doi_body_html"`

	// StatsDB is the path of the sqlite statistics database.
	StatsDB string `yaml:"stats_db"`

	// AnonymizeEmails hashes email addresses before they reach storage.
	AnonymizeEmails bool `yaml:"anonymize_emails"`

	// Darwin Core Archive settings.
	DwCCoreExtension        string                    `yaml:"dwc_core_extension"`
	DwCAdditionalExtensions []string                  `yaml:"dwc_additional_extensions"`
	DwCDynamicTerm          string                    `yaml:"dwc_dynamic_term"`
	DwCIDField              string                    `yaml:"dwc_id_field"`
	DwCExtensionFields      map[string]ExtensionField `yaml:"dwc_extension_fields"`
}

// Default returns a Config populated with default values. The secret,
// directories and email templates must still be supplied by the operator.
func Default() *Config {
	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		Workers:           DefaultWorkers,
		RequestsPerWorker: DefaultRequestsPerWorker,
		PageSize:          DefaultPageSize,
		SlowRequest:       DefaultSlowRequest,
		CacheTime:         Duration(DefaultCacheTime),
		ZipCommand:        DefaultZipCommand,
		SMTPHost:          "localhost",
		SMTPPort:          DefaultSMTPPort,
		EmailSubject:      "Resource from {ckan_host}",
		EmailFrom:         "(nobody)",
		DwCDynamicTerm:    DefaultDynamicTerm,
		DwCIDField:        DefaultIDField,
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-sensitive values from the environment.
// Environment variables:
//   - PACKAGER_HOST, PACKAGER_PORT: ingress listen address
//   - PACKAGER_SECRET: shared secret
//   - PACKAGER_STATS_DB: sqlite database path
//   - PACKAGER_SMTP_LOGIN, PACKAGER_SMTP_PASSWORD: SMTP credentials
func (c *Config) applyEnv() {
	if host := os.Getenv("PACKAGER_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv("PACKAGER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
	if secret := os.Getenv("PACKAGER_SECRET"); secret != "" {
		c.Secret = secret
	}
	if db := os.Getenv("PACKAGER_STATS_DB"); db != "" {
		c.StatsDB = db
	}
	if login := os.Getenv("PACKAGER_SMTP_LOGIN"); login != "" {
		c.SMTPLogin = login
	}
	if password := os.Getenv("PACKAGER_SMTP_PASSWORD"); password != "" {
		c.SMTPPassword = password
	}
}

// Validate checks that required fields are set and coherent.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.StoreDirectory == "" {
		return fmt.Errorf("store_directory is required")
	}
	if c.TempDirectory == "" {
		return fmt.Errorf("temp_directory is required")
	}
	if c.StatsDB == "" {
		return fmt.Errorf("stats_db is required")
	}
	if c.SMTPHost == "" {
		return fmt.Errorf("smtp_host is required")
	}
	if !strings.Contains(c.ZipCommand, "{input}") || !strings.Contains(c.ZipCommand, "{output}") {
		return fmt.Errorf("zip_command must contain {input} and {output} placeholders")
	}
	for field, ext := range c.DwCExtensionFields {
		if ext.Extension == "" {
			return fmt.Errorf("dwc_extension_fields.%s: extension path is required", field)
		}
		for sub, name := range ext.Formatters {
			if _, ok := Formatter(name); !ok {
				return fmt.Errorf("dwc_extension_fields.%s.%s: unknown formatter %q", field, sub, name)
			}
		}
	}
	return nil
}

// Bootstrap creates the store and temp directories if they do not exist.
func (c *Config) Bootstrap() error {
	for _, dir := range []string{c.StoreDirectory, c.TempDirectory} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// ListenAddr returns the host:port the ingress listens on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DwCExtensionPaths returns the core extension path followed by the
// additional extension paths and any extension-field extensions, preserving
// order and dropping duplicates. The first entry is always the core.
func (c *Config) DwCExtensionPaths() []string {
	seen := map[string]bool{}
	var paths []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	add(c.DwCCoreExtension)
	for _, p := range c.DwCAdditionalExtensions {
		add(p)
	}
	for _, ext := range c.DwCExtensionFields {
		add(ext.Extension)
	}
	return paths
}
