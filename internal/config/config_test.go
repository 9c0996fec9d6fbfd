// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "warden", cfg.Logger.ServiceName)
	assert.True(t, cfg.Monitor.AutoKill, "auto-kill must default to on")
	assert.False(t, cfg.Gateway.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Gateway.RequestTimeout)
	assert.Empty(t, cfg.Database.URL, "default store is in-memory")
	assert.Equal(t, "127.0.0.1:8471", cfg.Ingress.Addr)
	assert.Equal(t, 64, cfg.Bus.BufferSize)
}

func TestNewConfigFromViper_Overrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("monitor.auto_kill", false)
	v.Set("gateway.enabled", true)
	v.Set("gateway.url", "ws://agent-host:18789/gateway")
	v.Set("gateway.token", "sekrit")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.False(t, cfg.Monitor.AutoKill)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, "ws://agent-host:18789/gateway", cfg.Gateway.URL)
	assert.Equal(t, "sekrit", cfg.Gateway.Token)
}

func TestNewConfigFromViper_TokenFromEnv(t *testing.T) {
	t.Setenv("WARDEN_GATEWAY_TOKEN", "from-env")

	v := viper.New()
	SetDefaults(v)
	v.Set("gateway.enabled", true)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Gateway.Token)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "gateway enabled without url",
			mutate: func(c *Config) {
				c.Gateway.Enabled = true
				c.Gateway.URL = ""
			},
			wantErr: "gateway.url",
		},
		{
			name: "non-positive request timeout",
			mutate: func(c *Config) {
				c.Gateway.RequestTimeout = 0
			},
			wantErr: "request_timeout",
		},
		{
			name: "empty ingress addr",
			mutate: func(c *Config) {
				c.Ingress.Addr = ""
			},
			wantErr: "ingress.addr",
		},
		{
			name: "negative bus buffer",
			mutate: func(c *Config) {
				c.Bus.BufferSize = -1
			},
			wantErr: "buffer_size",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}
