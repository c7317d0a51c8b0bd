package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/postgres"

	"gopkg.in/yaml.v3"
)

const (
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
	StorageMemory   = "memory"
)

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type GRPC struct {
	Addr         string        `yaml:"addr"`
	CallTimeout  time.Duration `yaml:"callTimeout"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Reflection   bool          `yaml:"reflection"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // guzosync-realtime
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	Level     string `yaml:"level"`     // debug|info|warn|error
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Postgres struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ApplicationName   string        `yaml:"applicationName"`
	EnsureSchema      bool          `yaml:"ensureSchema"`
}

func (p Postgres) ToPGConfig() postgres.Config {
	return postgres.Config{
		DSN:               p.DSN,
		MaxConns:          p.MaxConns,
		MinConns:          p.MinConns,
		MaxConnLifetime:   p.MaxConnLifetime,
		MaxConnIdleTime:   p.MaxConnIdleTime,
		HealthCheckPeriod: p.HealthCheckPeriod,
		ApplicationName:   p.ApplicationName,
	}
}

type Redis struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	SnapshotTTL time.Duration `yaml:"snapshotTTL"`
}

// Storage.Backend выбирает, где живут снапшоты позиций.
// Каталог и чат всегда в postgres, если задан dsn, иначе в памяти.
type Storage struct {
	Backend string `yaml:"backend"` // postgres|redis|memory
}

type Auth struct {
	PublicKeyPath string        `yaml:"publicKeyPath"` // RS256
	Secret        string        `yaml:"secret"`        // HS256, можно через JWT_SECRET
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ClockSkew     time.Duration `yaml:"clockSkew"`
}

func (a Auth) Validate() error {
	if a.PublicKeyPath == "" && a.Secret == "" {
		return errors.New("auth.publicKeyPath or auth.secret is required")
	}
	if a.ClockSkew < 0 || a.ClockSkew > time.Minute {
		return errors.New("auth.clockSkew must be in [0..1m]")
	}
	return nil
}

type Realtime struct {
	SendTimeout    time.Duration `yaml:"sendTimeout"`
	Concurrency    int           `yaml:"concurrency"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	ReadLimit      int64         `yaml:"readLimit"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
}

type Proximity struct {
	DefaultRadius float64       `yaml:"defaultRadius"` // метры
	MaxRadius     float64       `yaml:"maxRadius"`
	Cooldown      time.Duration `yaml:"cooldown"` // 0: алерт на каждое обновление
	ActiveWindow  time.Duration `yaml:"activeWindow"`
}

type ETA struct {
	DefaultSpeedKmh   float64       `yaml:"defaultSpeedKmh"`
	DirectionsURL     string        `yaml:"directionsURL"` // пусто: только прямая
	DirectionsAPIKey  string        `yaml:"directionsAPIKey"`
	DirectionsProfile string        `yaml:"directionsProfile"`
	DirectionsTimeout time.Duration `yaml:"directionsTimeout"`
	DirectionsRetries int           `yaml:"directionsRetries"`
}

type Scheduler struct {
	FleetInterval time.Duration `yaml:"fleetInterval"`
	ETAInterval   time.Duration `yaml:"etaInterval"`
	BatchSize     int           `yaml:"batchSize"`
	StopsAhead    int           `yaml:"stopsAhead"`
	Backoff       time.Duration `yaml:"backoff"`
}

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	GRPC      GRPC      `yaml:"grpc"`
	Logging   Logging   `yaml:"logging"`
	Postgres  Postgres  `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	Storage   Storage   `yaml:"storage"`
	Auth      Auth      `yaml:"auth"`
	Realtime  Realtime  `yaml:"realtime"`
	Proximity Proximity `yaml:"proximity"`
	ETA       ETA       `yaml:"eta"`
	Scheduler Scheduler `yaml:"scheduler"`
}

// LoadConfig читает файл из CONFIG_PATH (по умолчанию ./config/config.yaml).
func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if s := os.Getenv("JWT_SECRET"); s != "" {
		cfg.Auth.Secret = s
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
		if c.Postgres.DSN != "" {
			c.Storage.Backend = StoragePostgres
		}
	}
	switch c.Storage.Backend {
	case StoragePostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for storage.backend=postgres")
		}
	case StorageRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for storage.backend=redis")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.backend: unknown %q", c.Storage.Backend)
	}

	if c.Proximity.DefaultRadius < 0 || c.Proximity.MaxRadius < 0 {
		return errors.New("proximity radii must be >= 0")
	}
	if c.Proximity.MaxRadius > 0 && c.Proximity.DefaultRadius > c.Proximity.MaxRadius {
		return errors.New("proximity.defaultRadius must not exceed proximity.maxRadius")
	}

	// установка дефолтов, если значения не указаны
	setDur(&c.HTTP.ReadTimeout, 10*time.Second)
	setDur(&c.HTTP.IdleTimeout, 60*time.Second)
	setDur(&c.HTTP.RequestTimeout, 30*time.Second)
	setDur(&c.HTTP.ShutdownTimeout, 10*time.Second)

	if c.Logging.Service == "" {
		c.Logging.Service = "guzosync-realtime"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}

	setDur(&c.Realtime.SendTimeout, 5*time.Second)
	setDur(&c.Realtime.PingInterval, 15*time.Second)
	setDur(&c.Realtime.WriteTimeout, 5*time.Second)
	if c.Realtime.Concurrency <= 0 {
		c.Realtime.Concurrency = 32
	}
	if c.Realtime.ReadLimit <= 0 {
		c.Realtime.ReadLimit = 1 << 20
	}

	if c.Proximity.DefaultRadius == 0 {
		c.Proximity.DefaultRadius = 500
	}
	if c.Proximity.MaxRadius == 0 {
		c.Proximity.MaxRadius = 10000
	}
	setDur(&c.Proximity.ActiveWindow, 5*time.Minute)

	if c.ETA.DefaultSpeedKmh <= 0 {
		c.ETA.DefaultSpeedKmh = 25
	}
	if c.ETA.DirectionsProfile == "" {
		c.ETA.DirectionsProfile = "driving"
	}
	setDur(&c.ETA.DirectionsTimeout, 3*time.Second)

	setDur(&c.Scheduler.FleetInterval, 5*time.Second)
	setDur(&c.Scheduler.ETAInterval, 30*time.Second)
	setDur(&c.Scheduler.Backoff, 5*time.Second)
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 10
	}
	if c.Scheduler.StopsAhead <= 0 {
		c.Scheduler.StopsAhead = 3
	}
	return nil
}

func setDur(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}
