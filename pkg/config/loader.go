package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"rattlive/pkg/parser"
	"rattlive/pkg/ratt"
	"rattlive/pkg/types"
	"rattlive/pkg/velo"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yml"

// Default returns the configuration used for every field a file omits.
func Default() Config {
	pages := ratt.DefaultStatusPages
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Upstream: UpstreamConfig{
			ArrivalURL: ratt.DefaultArrivalURL,
			StatusPages: StatusPages{
				Tram:    pages[types.LineTypeTram],
				Trolley: pages[types.LineTypeTrolley],
				Bus:     pages[types.LineTypeBus],
			},
			LinePageURL: ratt.DefaultLinePageURL,
			DataColor:   parser.DefaultDataColor,
			Timeout:     15 * time.Second,
			Timezone:    "Europe/Bucharest",
		},
		Fetch: FetchConfig{
			StationConcurrency: ratt.DefaultStationConcurrency,
			LineConcurrency:    ratt.DefaultLineConcurrency,
		},
		Reference: ReferenceConfig{
			StationsCSV: "stations.csv",
		},
		Cache: CacheConfig{
			ReferenceTTL: 24 * time.Hour,
			ArrivalsTTL:  30 * time.Second,
			BikeTTL:      time.Minute,
			Size:         1024,
			ServeStale:   true,
		},
		Velo: VeloConfig{URL: velo.DefaultURL},
		Warmup: WarmupConfig{
			Interval:   time.Hour,
			MaxElapsed: 5 * time.Minute,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies RATTLIVE_*
// environment overrides and validates the result. A missing file is only
// an error when required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments override the most commonly
// changed fields without a config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RATTLIVE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RATTLIVE_STATIONS_CSV"); v != "" {
		cfg.Reference.StationsCSV = v
	}
	if v := os.Getenv("RATTLIVE_LOKI_URL"); v != "" {
		cfg.Loki.URL = v
	}
	if v := os.Getenv("RATTLIVE_LOKI_USER"); v != "" {
		cfg.Loki.User = v
	}
	if v := os.Getenv("RATTLIVE_LOKI_PASSWORD"); v != "" {
		cfg.Loki.Password = v
	}
}

// Validate checks every field constraint of cfg.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Location loads the configured upstream timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Upstream.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", c.Upstream.Timezone, err)
	}
	return loc, nil
}
