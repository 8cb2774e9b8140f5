package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	ComfyUI struct {
		URL             string `mapstructure:"url"`
		RequestTimeout  int    `mapstructure:"request_timeout"`  // seconds, per HTTP call
		TransferTimeout int    `mapstructure:"transfer_timeout"` // seconds, asset fetch/upload
		PollInterval    int    `mapstructure:"poll_interval"`    // seconds, job status polling
		JobTimeout      int    `mapstructure:"job_timeout"`      // seconds, max wait for a job
	} `mapstructure:"comfyui"`
	Templates struct {
		Dir   string `mapstructure:"dir"`
		Watch bool   `mapstructure:"watch"`
	} `mapstructure:"templates"`
	Assets struct {
		TTLHours        int `mapstructure:"ttl_hours"`
		CleanupMinutes  int `mapstructure:"cleanup_minutes"`
	} `mapstructure:"assets"`
	Webhooks struct {
		MaxRetries        int     `mapstructure:"max_retries"`
		InitialRetryDelay float64 `mapstructure:"initial_retry_delay"` // seconds
		MaxRetryDelay     float64 `mapstructure:"max_retry_delay"`     // seconds
		Timeout           float64 `mapstructure:"timeout"`             // seconds, per attempt
		MaxLogEntries     int     `mapstructure:"max_log_entries"`
	} `mapstructure:"webhooks"`
	DB struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	// Defaults holds per-namespace parameter defaults from the config file,
	// the third tier of the precedence chain (call > runtime > file > env > hardcoded).
	Defaults map[string]map[string]interface{} `mapstructure:"defaults"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env are enough to start.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.ComfyUI.URL = strings.TrimRight(strings.TrimSpace(config.ComfyUI.URL), "/")

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("comfyui.url", "http://localhost:8188")
	viper.SetDefault("comfyui.request_timeout", 30)
	viper.SetDefault("comfyui.transfer_timeout", 60)
	viper.SetDefault("comfyui.poll_interval", 2)
	viper.SetDefault("comfyui.job_timeout", 300)
	viper.SetDefault("templates.dir", "./workflows")
	viper.SetDefault("templates.watch", true)
	viper.SetDefault("assets.ttl_hours", 24)
	viper.SetDefault("assets.cleanup_minutes", 30)
	viper.SetDefault("webhooks.max_retries", 3)
	viper.SetDefault("webhooks.initial_retry_delay", 1.0)
	viper.SetDefault("webhooks.max_retry_delay", 30.0)
	viper.SetDefault("webhooks.timeout", 10.0)
	viper.SetDefault("webhooks.max_log_entries", 1000)
	viper.SetDefault("db.enabled", false)
	viper.SetDefault("db.sslmode", "disable")
}
