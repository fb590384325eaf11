// Package config loads the server configuration: defaults, then an
// optional timetrace.yaml, then TIMETRACE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type RipeConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Probes  int    `mapstructure:"probes"`
}

type GeoConfig struct {
	CityDB    string `mapstructure:"city_db"`
	CountryDB string `mapstructure:"country_db"`
	ASNDB     string `mapstructure:"asn_db"`
	AnycastV4 string `mapstructure:"anycast_v4"`
	AnycastV6 string `mapstructure:"anycast_v6"`
}

type Config struct {
	// HTTPPort is the port the web server listens on.
	HTTPPort int `mapstructure:"http_port"`
	// DBPath is the file path to the SQLite database.
	DBPath string `mapstructure:"db_path"`

	// ProbeTool is the path to the external NTP/NTS measurement binary.
	ProbeTool string `mapstructure:"probe_tool"`
	// ProbeTimeout bounds every external call (probe tool, RIPE, DNS).
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// Workers drain the measurement queue; QueueSize bounds it.
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`

	// PacingInterval separates probes against children of one domain
	// name; PolitenessDelay precedes the NTS and version stages.
	PacingInterval  time.Duration `mapstructure:"pacing_interval"`
	PolitenessDelay time.Duration `mapstructure:"politeness_delay"`

	// RatePerSecond/RateBurst configure the per-client-IP limiter.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`

	// JitterWindow is how many stored offsets feed the jitter figure.
	JitterWindow int `mapstructure:"jitter_window"`

	// VantagePointV4/V6 override outbound-IP discovery.
	VantagePointV4 string `mapstructure:"vantage_point_v4"`
	VantagePointV6 string `mapstructure:"vantage_point_v6"`

	Ripe RipeConfig `mapstructure:"ripe"`
	Geo  GeoConfig  `mapstructure:"geo"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8000)
	v.SetDefault("db_path", "timetrace.db")
	v.SetDefault("probe_tool", "ntptool")
	v.SetDefault("probe_timeout", "10s")
	v.SetDefault("workers", 4)
	v.SetDefault("queue_size", 64)
	v.SetDefault("pacing_interval", "1200ms")
	v.SetDefault("politeness_delay", "1s")
	v.SetDefault("rate_per_second", 5.0)
	v.SetDefault("rate_burst", 5)
	v.SetDefault("jitter_window", 8)
	v.SetDefault("ripe.base_url", "https://atlas.ripe.net/api/v2")
	v.SetDefault("ripe.probes", 3)
}

// Load reads the configuration. path may name a config file; empty
// means "timetrace.yaml in the working directory, if present".
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TIMETRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("timetrace")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}
