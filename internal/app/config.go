package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/ppm/internal/domain/match"
	"github.com/xenking/ppm/internal/matchjob"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the match worker configuration, loadable from environment
// variables (PPM_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"Ops server listen address (health probes)"`
	DatabaseURL string `usage:"PostgreSQL connection URL (PPM_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Match       MatchConfig
	Worker      WorkerConfig
	Graceful    GracefulConfig
}

// MatchConfig holds the scoring table. Zero values fall back to the
// built-in weights.
type MatchConfig struct {
	ExactWeight            float64 `default:"1.0" usage:"Score of an exact SKU match"`
	SKUContainsQueryWeight float64 `default:"0.9" usage:"Score when the SKU contains the query"`
	QueryContainsSKUWeight float64 `default:"0.8" usage:"Score when the query contains the SKU"`
	NameWeight             float64 `default:"0.6" usage:"Score when the product name contains the query"`
	FoundThreshold         float64 `default:"0.9" usage:"Minimum score classified as found"`
	PartialThreshold       float64 `default:"0.6" usage:"Minimum score classified as partial_match"`
}

// Scoring converts the configuration into a match.Scoring.
func (c MatchConfig) Scoring() match.Scoring {
	return match.Scoring{
		Exact:            c.ExactWeight,
		SKUContainsQuery: c.SKUContainsQueryWeight,
		QueryContainsSKU: c.QueryContainsSKUWeight,
		Name:             c.NameWeight,
		FoundThreshold:   c.FoundThreshold,
		PartialThreshold: c.PartialThreshold,
	}
}

// WorkerConfig controls the job worker.
type WorkerConfig struct {
	PollInterval     time.Duration `default:"2s"  usage:"Wait between queue polls when idle" flag:"poll-interval"`
	ProgressInterval time.Duration `default:"1s"  usage:"How often job progress is stored" flag:"progress-interval"`
	StaleAfter       time.Duration `default:"10m" usage:"Requeue running jobs older than this on start" flag:"stale-after"`
	CatalogTTL       time.Duration `default:"30s" usage:"How long a loaded catalog snapshot is reused" flag:"catalog-ttl"`
	HeartbeatMaxAge  time.Duration `default:"1m"  usage:"Readiness fails when the worker loop is silent for longer" flag:"heartbeat-max-age"`
}

// Matchjob converts the configuration into a matchjob.Config.
func (c WorkerConfig) Matchjob() matchjob.Config {
	return matchjob.Config{
		PollInterval:     c.PollInterval,
		ProgressInterval: c.ProgressInterval,
		StaleAfter:       c.StaleAfter,
	}
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, applies platform defaults and validates the scoring table.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "PPM",
		Files:     []string{"config.yaml", "/etc/ppm/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, ac)
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration that cannot run.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set PPM_DATABASE_URL or DATABASE_URL")
	}
	if _, err := match.NewMatcher(c.Match.Scoring()); err != nil {
		return errors.Wrap(err, "match config")
	}
	return nil
}

// applyPlatformDefaults maps DATABASE_URL and PORT, as set by hosting
// platforms, onto the PPM_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
