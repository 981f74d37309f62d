// Package config loads openshelf configuration from file, environment, and
// defaults via viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	WebDAV  WebDAVConfig  `mapstructure:"webdav"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Log     LogConfig     `mapstructure:"log"`
}

// StorageConfig selects and roots the blob backend.
type StorageConfig struct {
	// Mode is local, webdav, or hybrid.
	Mode string `mapstructure:"mode"`
	// DataDir is the local blob root.
	DataDir string `mapstructure:"data_dir"`
}

// WebDAVConfig describes the remote endpoint.
type WebDAVConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MirrorConfig tunes the query mirror.
type MirrorConfig struct {
	IndexPath    string `mapstructure:"index_path"`
	ManifestPath string `mapstructure:"manifest_path"`
	MaxErrors    int    `mapstructure:"max_errors"`
}

// SyncConfig tunes the out-of-band sync engine.
type SyncConfig struct {
	DefaultCategory string   `mapstructure:"default_category"`
	SkipNames       []string `mapstructure:"skip_names"`
}

// LogConfig controls optional rotating file logging for the CLI.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads configuration. An empty path searches the working directory
// for openshelf.yaml; a missing file is fine and defaults apply.
// Every key is overridable through OPENSHELF_* environment variables
// (e.g. OPENSHELF_WEBDAV_URL).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OPENSHELF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key gets a default, even an empty one: AutomaticEnv only
	// surfaces variables for keys viper already knows about.
	v.SetDefault("storage.mode", "local")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("webdav.url", "")
	v.SetDefault("webdav.username", "")
	v.SetDefault("webdav.password", "")
	v.SetDefault("webdav.timeout", 15*time.Second)
	v.SetDefault("mirror.index_path", "")
	v.SetDefault("mirror.manifest_path", "")
	v.SetDefault("mirror.max_errors", 5)
	v.SetDefault("sync.default_category", "uncategorized")
	v.SetDefault("sync.skip_names", []string{"secrets.json", ".htpasswd"})
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("openshelf")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Mirror.IndexPath == "" {
		cfg.Mirror.IndexPath = filepath.Join(cfg.Storage.DataDir, "index.db")
	}
	return &cfg, nil
}
