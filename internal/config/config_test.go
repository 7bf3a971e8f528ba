package config_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-oauth-flows/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPort(t *testing.T) {
	t.Setenv("PORT", "9090")
	require.Equal(t, ":9090", config.New().GetPort())

	t.Setenv("PORT", ":7070")
	require.Equal(t, ":7070", config.New().GetPort())
}

func TestDebounceWindow(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 500 * time.Millisecond},
		{"400", 400 * time.Millisecond},
		{"650ms", 650 * time.Millisecond},
		{"50ms", 300 * time.Millisecond},
		{"5s", 750 * time.Millisecond},
		{"nonsense", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("DEBOUNCE_WINDOW", tt.value)
			assert.Equal(t, tt.expected, config.New().GetDebounceWindow())
		})
	}
}

func TestProxyTimeout(t *testing.T) {
	t.Setenv("PROXY_TIMEOUT", "")
	require.Equal(t, 20*time.Second, config.New().GetProxyTimeout())
	t.Setenv("PROXY_TIMEOUT", "2m")
	require.Equal(t, 30*time.Second, config.New().GetProxyTimeout())
}

func TestAllowedOrigins(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	origins := config.New().GetAllowedOrigins()
	require.True(t, origins.IsAllowedOrigin("https://a.example"))
	require.True(t, origins.IsAllowedOrigin("https://b.example"))
	require.False(t, origins.IsAllowedOrigin("https://c.example"))
	require.Equal(t, "https://a.example, https://b.example", origins.String())
}

func TestStoreBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	require.Equal(t, config.StoreRedis, config.New().GetStoreBackend())
	t.Setenv("STORE_BACKEND", "etcd")
	require.Equal(t, config.StoreBolt, config.New().GetStoreBackend())

	t.Setenv("FOLDER", "/tmp/flows")
	require.Equal(t, "/tmp/flows/flows.db", config.New().GetBoltPath())
}
