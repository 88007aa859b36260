package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimal = `
http:
  addr: ":8080"
auth:
  alg: hs256
  secret: s3cret
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Fatalf("default driver = %q", cfg.Storage.Driver)
	}
	if cfg.Auth.Alg != "HS256" {
		t.Fatalf("alg must be normalised, got %q", cfg.Auth.Alg)
	}
	if cfg.WS.AuthTimeout != 10*time.Second || cfg.WS.PingInterval != 15*time.Second || cfg.WS.SendQueue != 64 {
		t.Fatalf("ws defaults not applied: %+v", cfg.WS)
	}
	if cfg.Rooms.IdleTimeout != 10*time.Minute || cfg.Rooms.EmptyGrace != 0 || cfg.Rooms.MaxChatLength != 4000 {
		t.Fatalf("rooms defaults not applied: %+v", cfg.Rooms)
	}
	ice := cfg.WebRTC.ToICEServers()
	if len(ice) != 1 || ice[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("default ice servers: %+v", ice)
	}
	if cfg.Tracing.SampleRatio != 1 {
		t.Fatalf("tracing defaults: %+v", cfg.Tracing)
	}
	if cfg.Metrics.Path != "/metrics" || cfg.Logging.Service != "coordinator" {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Metrics, cfg.Logging)
	}
}

func TestParse_Durations(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
rooms:
  emptyGrace: 30s
ws:
  authTimeout: 2s
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Rooms.EmptyGrace != 30*time.Second || cfg.WS.AuthTimeout != 2*time.Second {
		t.Fatalf("durations not parsed: %+v %+v", cfg.Rooms, cfg.WS)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no http addr", "auth: {alg: HS256, secret: x}", "http.addr"},
		{"no alg", `http: {addr: ":1"}`, "auth.alg"},
		{"hs256 without secret", `{http: {addr: ":1"}, auth: {alg: HS256}}`, "auth.secret"},
		{"rs256 without key", `{http: {addr: ":1"}, auth: {alg: RS256}}`, "auth.publicKeyPath"},
		{"skew too big", `{http: {addr: ":1"}, auth: {alg: HS256, secret: x, clockSkew: 5m}}`, "clockSkew"},
		{"postgres without dsn", minimal + "storage: {driver: postgres}", "postgres.dsn"},
		{"unknown driver", minimal + "storage: {driver: mongo}", "storage.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadConfig_FromEnvPathWithExpansion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
http:
  addr: ":8080"
auth:
  alg: HS256
  secret: ${TEST_JWT_SECRET}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("TEST_JWT_SECRET", "from-env")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Fatalf("secret not expanded: %q", cfg.Auth.Secret)
	}
}

func TestShippedConfigParses(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev")
	if _, err := LoadConfig("config.yaml"); err != nil {
		t.Fatalf("config.yaml must stay valid: %v", err)
	}
}
