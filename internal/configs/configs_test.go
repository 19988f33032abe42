package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("PORT", "")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 9400, cfg.Port)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadConfigInvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigPortRange(t *testing.T) {
	for _, port := range []string{"80", "70000"} {
		t.Setenv("PORT", port)

		_, err := LoadConfig()
		require.Error(t, err, "port %s", port)
	}
}

func TestLoadConfigAllowedOrigins(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com ,,")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}
