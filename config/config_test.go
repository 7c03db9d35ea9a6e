package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "packager.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return `
secret: s3cret
store_directory: ` + filepath.Join(dir, "store") + `
temp_directory: ` + filepath.Join(dir, "tmp") + `
stats_db: ` + filepath.Join(dir, "stats.db") + `
smtp_host: mail.example.org
email_from: noreply@example.org
email_subject: "Resource from {ckan_host}"
email_body: "Download {zip_file_name}"
`
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML(t)))
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultPageSize, cfg.PageSize)
	assert.Equal(t, DefaultCacheTime, cfg.CacheTime.Std())
	assert.Equal(t, DefaultZipCommand, cfg.ZipCommand)
	assert.Equal(t, DefaultDynamicTerm, cfg.DwCDynamicTerm)
	assert.Equal(t, DefaultIDField, cfg.DwCIDField)
	assert.Equal(t, "s3cret", cfg.Secret)
}

func TestLoadOverrides(t *testing.T) {
	yaml := validYAML(t) + `
host: 0.0.0.0
port: 9000
workers: 4
page_size: 100
slow_request: 250
cache_time: 3600
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, 250, cfg.SlowRequest)
	assert.Equal(t, time.Hour, cfg.CacheTime.Std())
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr())
}

func TestDurationString(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML(t)+"cache_time: 48h\n"))
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.CacheTime.Std())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PACKAGER_SECRET", "env-secret")
	t.Setenv("PACKAGER_PORT", "8123")
	t.Setenv("PACKAGER_SMTP_LOGIN", "mailer")

	cfg, err := Load(writeConfig(t, validYAML(t)))
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Secret)
	assert.Equal(t, 8123, cfg.Port)
	assert.Equal(t, "mailer", cfg.SMTPLogin)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Secret = "" }},
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"missing store directory", func(c *Config) { c.StoreDirectory = "" }},
		{"missing temp directory", func(c *Config) { c.TempDirectory = "" }},
		{"missing stats db", func(c *Config) { c.StatsDB = "" }},
		{"missing smtp host", func(c *Config) { c.SMTPHost = "" }},
		{"zip command without placeholders", func(c *Config) { c.ZipCommand = "/usr/bin/zip archive" }},
		{"extension field without path", func(c *Config) {
			c.DwCExtensionFields = map[string]ExtensionField{"associatedMedia": {}}
		}},
		{"unknown formatter", func(c *Config) {
			c.DwCExtensionFields = map[string]ExtensionField{"associatedMedia": {
				Extension:  "multimedia.xml",
				Formatters: map[string]string{"format": "no_such_formatter"},
			}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML(t)))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBootstrapCreatesDirectories(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML(t)))
	require.NoError(t, err)
	require.NoError(t, cfg.Bootstrap())

	for _, dir := range []string{cfg.StoreDirectory, cfg.TempDirectory} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDwCExtensionPaths(t *testing.T) {
	cfg := Default()
	cfg.DwCCoreExtension = "occurrence.xml"
	cfg.DwCAdditionalExtensions = []string{"measurement.xml", "occurrence.xml"}
	cfg.DwCExtensionFields = map[string]ExtensionField{
		"associatedMedia": {Extension: "multimedia.xml"},
	}

	paths := cfg.DwCExtensionPaths()
	assert.Equal(t, "occurrence.xml", paths[0])
	assert.ElementsMatch(t, []string{"occurrence.xml", "measurement.xml", "multimedia.xml"}, paths)
	assert.Len(t, paths, 3)
}

func TestFormatterRegistry(t *testing.T) {
	format, ok := Formatter("image_mime")
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", format("jpeg"))
	assert.Equal(t, "", format(""))

	_, ok = Formatter("missing")
	assert.False(t, ok)
}
