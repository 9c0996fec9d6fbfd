package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/warden/internal/config"
	"go.uber.org/zap/zaptest"
)

func TestBuild_MemoryStoreWithoutDatabase(t *testing.T) {
	cfg := config.NewDefaultConfig()

	c, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Shutdown()

	assert.NotNil(t, c.Store)
	assert.NotNil(t, c.Bus)
	assert.NotNil(t, c.Policy)
	assert.NotNil(t, c.Intel)
	assert.NotNil(t, c.KillSwitch)
	assert.NotNil(t, c.Monitor)
	assert.NotNil(t, c.Ingress)
	assert.Nil(t, c.Gateway, "gateway stays unwired while disabled")
}

func TestBuild_GatewayEnabled(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Gateway.Enabled = true
	cfg.Gateway.URL = "ws://127.0.0.1:18789/gateway"
	cfg.Gateway.Token = "tok"
	cfg.Gateway.RequestTimeout = time.Second
	cfg.Gateway.ReconnectEvery = time.Second

	c, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Shutdown()

	assert.NotNil(t, c.Gateway)
}

func TestBuild_BadPolicyPathFails(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Policy.Path = "/nonexistent/policy.json"

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestShutdown_Idempotent(t *testing.T) {
	cfg := config.NewDefaultConfig()

	c, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	c.Shutdown()
	c.Shutdown()
}
