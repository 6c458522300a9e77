package kvadapter

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "KVADAPTER_"

// Config holds the adapter options. Engine tuning knobs are passed
// through to the engine untouched.
type Config struct {
	Engine     string `yaml:"engine" env:"ENGINE"`
	Path       string `yaml:"path" env:"PATH"`
	Collection string `yaml:"collection" env:"COLLECTION"`

	Verbose         bool `yaml:"verbose" env:"VERBOSE"`
	SimulateDelayMs int  `yaml:"simulateDelayMs" env:"SIMULATE_DELAY_MS"`

	DeferWrites            bool       `yaml:"deferWrites" env:"DEFER_WRITES"`
	DeferredFlushThreshold int        `yaml:"deferredFlushThreshold" env:"DEFERRED_FLUSH_THRESHOLD"`
	SyncPolicy             SyncPolicy `yaml:"syncPolicy" env:"SYNC_POLICY"`

	CacheSizeMB int `yaml:"cacheSizeMB" env:"CACHE_SIZE_MB"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Engine:                 "goleveldb",
		Path:                   "./tmp",
		Collection:             "usertable",
		DeferredFlushThreshold: DefaultDeferredFlushThreshold,
		SyncPolicy:             NoSync,
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path if
// path is not empty, then the KVADAPTER_* environment, and validates the
// result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Trace(err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Annotatef(err, "parse %s", path)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, errors.Annotate(err, "parse env")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid option.
func (c Config) Validate() error {
	if c.Engine == "" {
		return errors.NotValidf("empty engine")
	}
	if c.Collection == "" {
		return errors.NotValidf("empty collection")
	}
	if c.SimulateDelayMs < 0 {
		return errors.NotValidf("simulateDelayMs %d", c.SimulateDelayMs)
	}
	if c.DeferredFlushThreshold < 0 {
		return errors.NotValidf("deferredFlushThreshold %d", c.DeferredFlushThreshold)
	}
	if c.CacheSizeMB < 0 {
		return errors.NotValidf("cacheSizeMB %d", c.CacheSizeMB)
	}
	if _, ok := syncPolicyNames[c.SyncPolicy]; !ok {
		return errors.NotValidf("sync policy %d", int(c.SyncPolicy))
	}
	return nil
}
