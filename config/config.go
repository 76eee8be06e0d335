package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/ridedispatch/core/dispatch"
	"github.com/kilianp07/ridedispatch/core/dispatch/logging"
	"github.com/kilianp07/ridedispatch/core/metrics"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/infra/kafka"
	"github.com/kilianp07/ridedispatch/infra/mqtt"
	"github.com/kilianp07/ridedispatch/infra/postgres"
	"github.com/kilianp07/ridedispatch/infra/redisqueue"
	"github.com/kilianp07/ridedispatch/infra/ws"
)

// EnvPrefix marks environment overrides. RD_HTTP__ADDR sets http.addr.
const EnvPrefix = "RD_"

type Config struct {
	MQTT     mqtt.Config       `json:"mqtt"`
	WS       ws.Config         `json:"ws"`
	Postgres postgres.Config   `json:"postgres"`
	Redis    redisqueue.Config `json:"redis"`
	Kafka    kafka.Config      `json:"kafka"`
	Dispatch dispatch.Config   `json:"dispatch"`
	OfferLog logging.Config    `json:"offer_log"`
	Metrics  metrics.Config    `json:"metrics"`
	HTTP     HTTPConfig        `json:"http"`
	Sentry   SentryConfig      `json:"sentry"`
	Seed     SeedConfig        `json:"seed"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `json:"addr"`
	// AdminToken guards cancel, points adjustment and the audit log. Empty
	// leaves them open.
	AdminToken string `json:"admin_token"`
}

func (c *HTTPConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

// SeedConfig lists reference data upserted at startup. Seeding never
// changes an existing puller's points balance.
type SeedConfig struct {
	Blocks  []model.Block  `json:"blocks"`
	Pullers []model.Puller `json:"pullers"`
}

func (c SeedConfig) Validate() error {
	seen := map[string]bool{}
	for _, b := range c.Blocks {
		if b.ID == "" {
			return fmt.Errorf("seed: block without id")
		}
		if seen[b.ID] {
			return fmt.Errorf("seed: duplicate block %s", b.ID)
		}
		seen[b.ID] = true
	}
	for _, p := range c.Pullers {
		if p.ID == "" {
			return fmt.Errorf("seed: puller without id")
		}
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads path, applies RD_ environment overrides, fills defaults and
// validates every section. An empty path loads defaults and environment
// only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) SetDefaults() {
	c.MQTT.SetDefaults()
	c.WS.SetDefaults()
	c.Redis.SetDefaults()
	c.Kafka.SetDefaults()
	c.Dispatch.SetDefaults()
	c.OfferLog.SetDefaults()
	c.HTTP.SetDefaults()
}

func (c Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"mqtt", c.MQTT.Validate},
		{"postgres", c.Postgres.Validate},
		{"redis", c.Redis.Validate},
		{"kafka", c.Kafka.Validate},
		{"dispatch", c.Dispatch.Validate},
		{"offer_log", c.OfferLog.Validate},
		{"seed", c.Seed.Validate},
	}
	var errs []error
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.name, err))
		}
	}
	return errors.Join(errs...)
}
