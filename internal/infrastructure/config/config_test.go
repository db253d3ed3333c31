package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
fleet:
  site_id: "test-fleet"
  heartbeat_timeout: 90s
  sweep_interval: 15s
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Fleet.SiteID != "test-fleet" {
		t.Errorf("Fleet.SiteID = %q, want %q", cfg.Fleet.SiteID, "test-fleet")
	}
	if cfg.Fleet.HeartbeatTimeout != 90*time.Second {
		t.Errorf("Fleet.HeartbeatTimeout = %v, want 90s", cfg.Fleet.HeartbeatTimeout)
	}
	if cfg.Fleet.SweepInterval != 15*time.Second {
		t.Errorf("Fleet.SweepInterval = %v, want 15s", cfg.Fleet.SweepInterval)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}
}

func TestLoad_Defaults(t *testing.T) {
	// Minimal config: fleet timing must come from defaults.
	content := `
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Fleet.HeartbeatTimeout != 120*time.Second {
		t.Errorf("default HeartbeatTimeout = %v, want 120s", cfg.Fleet.HeartbeatTimeout)
	}
	if cfg.Fleet.SweepInterval != 30*time.Second {
		t.Errorf("default SweepInterval = %v, want 30s", cfg.Fleet.SweepInterval)
	}
	if cfg.Fleet.DedupWindow != 5*time.Second {
		t.Errorf("default DedupWindow = %v, want 5s", cfg.Fleet.DedupWindow)
	}
	if cfg.Fleet.CommandRetention != 10*time.Minute {
		t.Errorf("default CommandRetention = %v, want 10m", cfg.Fleet.CommandRetention)
	}
	if cfg.Fleet.AutoProvisionOnHeartbeat {
		t.Error("AutoProvisionOnHeartbeat should default to false")
	}
	if cfg.Fleet.RetryOnFailure {
		t.Error("RetryOnFailure should default to false")
	}
	if cfg.Fleet.DeviceRetention != 0 {
		t.Errorf("default DeviceRetention = %v, want 0", cfg.Fleet.DeviceRetention)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("default API.Port = %d, want 8080", cfg.API.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	content := `
database:
  path: "/tmp/from-file.db"
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	t.Setenv("ROADHAWK_DATABASE_PATH", "/tmp/from-env.db")
	t.Setenv("ROADHAWK_MQTT_HOST", "broker.example.com")
	t.Setenv("ROADHAWK_API_PORT", "9090")

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.MQTT.Broker.Host != "broker.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want env override", cfg.MQTT.Broker.Host)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config passes",
			mutate:  func(_ *Config) {},
			wantErr: "",
		},
		{
			name:    "missing site id",
			mutate:  func(c *Config) { c.Fleet.SiteID = "" },
			wantErr: "fleet.site_id",
		},
		{
			name:    "zero heartbeat timeout",
			mutate:  func(c *Config) { c.Fleet.HeartbeatTimeout = 0 },
			wantErr: "fleet.heartbeat_timeout",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *Config) { c.Fleet.SweepInterval = 0 },
			wantErr: "fleet.sweep_interval",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "" },
			wantErr: "security.jwt.secret",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "short" },
			wantErr: "at least 32 characters",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Security.JWT.Secret = "test-secret-key-at-least-32-chars!"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestTimeoutGetters(t *testing.T) {
	cfg := defaultConfig()
	if cfg.GetReadTimeout() != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 30s", cfg.GetReadTimeout())
	}
	if cfg.GetWriteTimeout() != 30*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 30s", cfg.GetWriteTimeout())
	}
	if cfg.GetIdleTimeout() != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 60s", cfg.GetIdleTimeout())
	}
}
