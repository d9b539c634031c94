package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"APP_ENV", "HTTP_PORT", "STORAGE_BACKEND", "QUEUE_MAX_RETRIES", "API_BASE_URL", "CORS_ORIGINS"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.StorageBackend)
	assert.Equal(t, 5, cfg.QueueMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.APITimeout)
	assert.Equal(t, "fieldtrack-agent", cfg.ControlIssuer)
	assert.Len(t, cfg.CORSOrigins, 2)
	assert.False(t, cfg.Production())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://attendance.example.com/api/")
	t.Setenv("API_TIMEOUT", "5s")
	t.Setenv("METRICS_ENABLED", "no")
	t.Setenv("QUEUE_MAX_RETRIES", "3")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("STALE_TRACKING_AFTER", "not-a-duration")

	cfg := Load()
	assert.Equal(t, "https://attendance.example.com/api", cfg.APIBaseURL)
	assert.Equal(t, 5*time.Second, cfg.APITimeout)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, 3, cfg.QueueMaxRetries)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 30*time.Minute, cfg.StaleTrackingAfter)
}

func TestValidate(t *testing.T) {
	valid := App{EmployeeID: "E1", APIBaseURL: "http://x", StorageBackend: "memory", QueueMaxRetries: 5}
	require.NoError(t, valid.Validate())

	cases := map[string]func(*App){
		"missing employee": func(a *App) { a.EmployeeID = "" },
		"missing api":      func(a *App) { a.APIBaseURL = "" },
		"unknown backend":  func(a *App) { a.StorageBackend = "mongo" },
		"zero retries":     func(a *App) { a.QueueMaxRetries = 0 },
		"prod without key": func(a *App) { a.Env = "production" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCloudinaryConfigured(t *testing.T) {
	cfg := App{CloudinaryCloudName: "demo", CloudinaryAPIKey: "k"}
	assert.False(t, cfg.CloudinaryConfigured())
	cfg.CloudinaryAPISecret = "s"
	assert.True(t, cfg.CloudinaryConfigured())
}
