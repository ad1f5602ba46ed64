package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full patload configuration tree.
type Config struct {
	Patstat  PatstatConfig  `mapstructure:"patstat"`
	Database DatabaseConfig `mapstructure:"database"`
	Download DownloadConfig `mapstructure:"download"`
	Load     LoadConfig     `mapstructure:"load"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// PatstatConfig holds portal credentials and endpoints.
type PatstatConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
	BaseURL  string `mapstructure:"base_url"`
}

// DatabaseConfig holds the destination database settings. URL is opaque
// to everything except the loader, which picks a driver from its scheme.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DownloadConfig holds settings for the download/resume engine.
type DownloadConfig struct {
	Dir        string        `mapstructure:"dir"`
	Suffix     string        `mapstructure:"suffix"`
	ChunkBytes int           `mapstructure:"chunk_bytes"`
	MaxRetries uint          `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LoadConfig holds settings for the schema/load engine.
type LoadConfig struct {
	ChunkSize         int      `mapstructure:"chunk_size"`
	SampleRows        int      `mapstructure:"sample_rows"`
	SkipTablePrefixes []string `mapstructure:"skip_table_prefixes"`
}

// PipelineConfig holds orchestration settings.
type PipelineConfig struct {
	Workers     int    `mapstructure:"workers"`
	StatePath   string `mapstructure:"state_path"`
	RestartFile string `mapstructure:"restart_file"`
}

// Load reads configuration from an optional yaml file, .env and the
// environment, applying defaults for everything unset.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("patstat.base_url", "https://publication.epo.org/raw-data")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 8)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("download.dir", "./data/archives")
	v.SetDefault("download.suffix", "")
	v.SetDefault("download.chunk_bytes", 1<<20)
	v.SetDefault("download.max_retries", 5)
	v.SetDefault("download.timeout", 60*time.Second)
	v.SetDefault("load.chunk_size", 5000)
	v.SetDefault("load.sample_rows", 100)
	v.SetDefault("load.skip_table_prefixes", []string{})
	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.state_path", "./data/patload-state.json")
	v.SetDefault("pipeline.restart_file", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("patstat.email", "PATSTAT_EMAIL")
	v.BindEnv("patstat.password", "PATSTAT_PASSWORD")
	v.BindEnv("database.url", "DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks invariants the pipeline relies on.
func (c *Config) Validate() error {
	if c.Patstat.Email == "" || c.Patstat.Password == "" {
		return fmt.Errorf("patstat credentials are required (PATSTAT_EMAIL, PATSTAT_PASSWORD)")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if c.Load.ChunkSize < 1 {
		return fmt.Errorf("load chunk_size must be >= 1, got %d", c.Load.ChunkSize)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	return nil
}
