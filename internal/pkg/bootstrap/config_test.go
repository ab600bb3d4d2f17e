package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type appConfig struct {
	InfraConfig `yaml:",inline"`
	Reservation struct {
		DefaultMinutes int `yaml:"default_minutes"`
	} `yaml:"reservation"`
}

const sampleYAML = `
service:
  name: reservation-service
  port: 8090
log:
  level: debug
tracing:
  jaeger_endpoint: http://jaeger:14268/api/traces
reservation:
  default_minutes: 20
`

func TestLoadConfigWithInlineInfra(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	var cfg appConfig
	require.NoError(t, LoadConfig(path, &cfg))
	assert.Equal(t, "reservation-service", cfg.Service.Name)
	assert.Equal(t, 8090, cfg.Service.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 20, cfg.Reservation.DefaultMinutes)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	t.Setenv("CONFIG_PATH", path)

	var cfg appConfig
	require.NoError(t, LoadConfig("", &cfg))
	assert.Equal(t, 8090, cfg.Service.Port)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	var cfg appConfig
	assert.NoError(t, LoadConfig("", &cfg), "no path keeps defaults")

	assert.Error(t, LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), &cfg))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("service: [oops"), 0o600))
	assert.Error(t, LoadConfig(bad, &cfg))
}

func TestApplyEnvOverridesAndDefaults(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("JAEGER_ENDPOINT", "http://collector:14268/api/traces")
	t.Setenv("NACOS_SERVER_ADDRS", "")

	cfg := InfraConfig{Service: ServiceConfig{Name: "reservation-service", Port: 8090}}
	cfg.ApplyEnv()

	assert.Equal(t, 9191, cfg.Service.Port)
	assert.Equal(t, "http://collector:14268/api/traces", cfg.Tracing.JaegerEndpoint)
	assert.False(t, cfg.Nacos.Enabled())
	assert.Equal(t, 10*time.Second, cfg.Service.ShutdownTimeout)
	assert.Equal(t, "reservation-service", cfg.Log.Service)
}
