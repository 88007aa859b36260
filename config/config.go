package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/akii1234/yogya-sub001/internal/postgres"

	"github.com/pion/webrtc/v3"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "./config/config.yaml"

type GRPC struct {
	Addr string `yaml:"addr"` // пусто: gRPC не поднимаем
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Tracing: спаны нужны для trace_id в логах, экспортёра пока нет.
type Tracing struct {
	SampleRatio float64 `yaml:"sampleRatio"` // 0..1
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // coordinator
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	Level     string `yaml:"level"`     // debug|info|warn|error
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Storage struct {
	Driver string `yaml:"driver"` // memory|postgres|sqlite
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Postgres struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ApplicationName   string        `yaml:"applicationName"`
	Migrate           bool          `yaml:"migrate"`
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

type SQLite struct {
	Path string `yaml:"path"`
}

type Auth struct {
	Alg           string        `yaml:"alg"`           // RS256|HS256
	PublicKeyPath string        `yaml:"publicKeyPath"` // для RS256
	Secret        string        `yaml:"secret"`        // для HS256, лучше через ${JWT_SECRET}
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ClockSkew     time.Duration `yaml:"clockSkew"` // [0..1m]
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type WebRTC struct {
	ICEServers []ICEServer `yaml:"iceServers"`
}

func (w WebRTC) ToICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(w.ICEServers))
	for _, s := range w.ICEServers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}

type Rooms struct {
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	EmptyGrace    time.Duration `yaml:"emptyGrace"`
	MaxChatLength int           `yaml:"maxChatLength"`
	StoreTimeout  time.Duration `yaml:"storeTimeout"`
}

type WS struct {
	AuthTimeout    time.Duration `yaml:"authTimeout"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	SendQueue      int           `yaml:"sendQueue"`
	ReadLimit      int64         `yaml:"readLimit"`
	AllowedOrigins []string      `yaml:"allowedOrigins"` // пусто: любые
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Metrics  Metrics  `yaml:"metrics"`
	Logging  Logging  `yaml:"logging"`
	Tracing  Tracing  `yaml:"tracing"`
	Storage  Storage  `yaml:"storage"`
	Postgres Postgres `yaml:"postgres"`
	SQLite   SQLite   `yaml:"sqlite"`
	Auth     Auth     `yaml:"auth"`
	WebRTC   WebRTC   `yaml:"webrtc"`
	Rooms    Rooms    `yaml:"rooms"`
	WS       WS       `yaml:"ws"`
}

// LoadConfig читает YAML. если path пустой, берём CONFIG_PATH, затем ./config/config.yaml.
// ${VAR} в файле подставляются из окружения.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
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

	// установка дефолтов, если значения не указаны
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 15 * time.Second
	}
	if c.HTTP.IdleTimeout <= 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}

	if c.Logging.Service == "" {
		c.Logging.Service = "coordinator"
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

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case "":
		c.Storage.Driver = DriverMemory
	case DriverMemory:
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for storage.driver=postgres")
		}
	case DriverSQLite:
		if c.SQLite.Path == "" {
			c.SQLite.Path = "./coordinator.db"
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if len(c.WebRTC.ICEServers) == 0 {
		c.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	if c.Rooms.IdleTimeout <= 0 {
		c.Rooms.IdleTimeout = 10 * time.Minute
	}
	if c.Rooms.EmptyGrace < 0 {
		return errors.New("rooms.emptyGrace must be >= 0")
	}
	if c.Rooms.MaxChatLength <= 0 {
		c.Rooms.MaxChatLength = 4000
	}
	if c.Rooms.StoreTimeout <= 0 {
		c.Rooms.StoreTimeout = 5 * time.Second
	}

	if c.WS.AuthTimeout <= 0 {
		c.WS.AuthTimeout = 10 * time.Second
	}
	if c.WS.PingInterval <= 0 {
		c.WS.PingInterval = 15 * time.Second
	}
	if c.WS.WriteTimeout <= 0 {
		c.WS.WriteTimeout = 5 * time.Second
	}
	if c.WS.SendQueue <= 0 {
		c.WS.SendQueue = 64
	}
	if c.WS.ReadLimit <= 0 {
		c.WS.ReadLimit = 1 << 20
	}
	return nil
}

func (a *Auth) validate() error {
	a.Alg = strings.ToUpper(strings.TrimSpace(a.Alg))
	switch a.Alg {
	case "RS256":
		if a.PublicKeyPath == "" {
			return errors.New("auth.publicKeyPath is required for RS256")
		}
	case "HS256":
		if a.Secret == "" {
			return errors.New("auth.secret is required for HS256")
		}
	case "":
		return errors.New("auth.alg is required")
	default:
		return fmt.Errorf("auth.alg %q is not supported", a.Alg)
	}
	if a.ClockSkew < 0 || a.ClockSkew > time.Minute {
		return errors.New("auth.clockSkew must be in [0..1m]")
	}
	return nil
}
