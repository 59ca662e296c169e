package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Feed      FeedConfig      `mapstructure:"feed"`
	Emulation EmulationConfig `mapstructure:"emulation"`
	Log       LogConfig       `mapstructure:"log"`
}

type FeedConfig struct {
	// Venue connected to by the demo daemon.
	Venue string `mapstructure:"venue"`
	// Throttle is the downstream notification window per symbol.
	Throttle time.Duration `mapstructure:"throttle"`
	WS       WSConfig      `mapstructure:"ws"`
}

// WSConfig points at the live feed endpoint. An empty URL selects emulated
// mode.
type WSConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Heartbeat is the keepalive ping interval; a connection that stays
	// silent for two intervals is dropped as stale.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// EmulationConfig drives the synthetic tick generator. Prices are decimal
// strings to keep money values out of float parsing.
type EmulationConfig struct {
	Period  time.Duration     `mapstructure:"period"`
	StepPct string            `mapstructure:"step_pct"`
	Floor   string            `mapstructure:"floor"`
	Symbols map[string]string `mapstructure:"symbols"` // symbol -> base price
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	setDefaults(v)

	// Support environment variables with dot notation (e.g., FEED_WS_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.venue", "demo")
	v.SetDefault("feed.throttle", 250*time.Millisecond)
	v.SetDefault("feed.ws.timeout", 10*time.Second)
	v.SetDefault("feed.ws.heartbeat", 15*time.Second)
	v.SetDefault("emulation.period", time.Second)
	v.SetDefault("emulation.step_pct", "0.02")
	v.SetDefault("emulation.floor", "0.01")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "dev")
}
