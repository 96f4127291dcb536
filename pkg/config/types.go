package config

import (
	"time"

	"rattlive/pkg/types"
)

// ServerConfig contains the HTTP API listener configuration
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// StatusPages are the per-mode pages listing line ids
type StatusPages struct {
	Tram    string `yaml:"tram" validate:"omitempty,url"`
	Trolley string `yaml:"trolley" validate:"omitempty,url"`
	Bus     string `yaml:"bus" validate:"omitempty,url"`
}

// Map keys the configured pages by line type, skipping empty ones.
func (p StatusPages) Map() map[types.LineType]string {
	pages := make(map[types.LineType]string, 3)
	for mode, u := range map[types.LineType]string{
		types.LineTypeTram:    p.Tram,
		types.LineTypeTrolley: p.Trolley,
		types.LineTypeBus:     p.Bus,
	} {
		if u != "" {
			pages[mode] = u
		}
	}
	return pages
}

// UpstreamConfig describes the transit operator endpoints
type UpstreamConfig struct {
	ArrivalURL  string        `yaml:"arrivalURL" validate:"required,url"`
	StatusPages StatusPages   `yaml:"statusPages"`
	LinePageURL string        `yaml:"linePageURL" validate:"required,url"`
	DataColor   string        `yaml:"dataColor" validate:"required,hexcolor"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	UserAgent   string        `yaml:"userAgent"`
	Timezone    string        `yaml:"timezone" validate:"required,timezone"`
}

// FetchConfig sizes the concurrent fetch pools
type FetchConfig struct {
	StationConcurrency int `yaml:"stationConcurrency" validate:"gt=0,lte=100"`
	LineConcurrency    int `yaml:"lineConcurrency" validate:"gt=0,lte=100"`
}

// ReferenceConfig locates the curated reference data
type ReferenceConfig struct {
	StationsCSV string `yaml:"stationsCSV" validate:"required"`
}

// CacheConfig holds the per-kind TTLs of the result cache
type CacheConfig struct {
	ReferenceTTL time.Duration `yaml:"referenceTTL" validate:"gt=0"`
	ArrivalsTTL  time.Duration `yaml:"arrivalsTTL" validate:"gt=0"`
	BikeTTL      time.Duration `yaml:"bikeTTL" validate:"gt=0"`
	Size         int           `yaml:"size" validate:"gt=0"`
	ServeStale   bool          `yaml:"serveStale"`
}

// ReconcileConfig controls handling of unknown identities
type ReconcileConfig struct {
	RetainUnknown bool `yaml:"retainUnknown"`
}

// VeloConfig locates the bike-share feed
type VeloConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

// LokiConfig locates the Loki instance reconciliation diagnostics are
// shipped to. An empty URL disables shipping.
type LokiConfig struct {
	URL      string `yaml:"url" validate:"omitempty,url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// WarmupConfig controls the background refresh loop. A zero interval
// warms once and never refreshes.
type WarmupConfig struct {
	Interval   time.Duration `yaml:"interval" validate:"gte=0"`
	MaxElapsed time.Duration `yaml:"maxElapsed" validate:"gte=0"`
}

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Reference ReferenceConfig `yaml:"reference"`
	Cache     CacheConfig     `yaml:"cache"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Velo      VeloConfig      `yaml:"velo"`
	Loki      LokiConfig      `yaml:"loki"`
	Warmup    WarmupConfig    `yaml:"warmup"`
}
