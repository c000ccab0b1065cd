package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/config"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/httpapi"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.HubURL = "http://hub.test/"
	cfg.Store.Path = filepath.Join(t.TempDir(), "hub.db")
	return cfg
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, appName)
	assert.Contains(t, out, httpapi.Version)
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server, cfg.Server)

	cfg.Auth.PublishSecret = "a-sufficiently-long-secret"
	require.NoError(t, config.Save(path, cfg))

	out, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "listen: :3000")
	assert.NotContains(t, out, "a-sufficiently-long-secret")
}

func TestTokenCommand(t *testing.T) {
	t.Run("requires_secret", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		_, err := execute(t, "token", "--publisher", "blog", "--config", path)
		assert.Error(t, err)
	})

	t.Run("mints_valid_token", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		cfg := config.Default()
		cfg.Auth.PublishSecret = "a-sufficiently-long-secret"
		require.NoError(t, config.Save(path, cfg))

		out, err := execute(t, "token", "--publisher", "blog", "--config", path)
		require.NoError(t, err)

		var resp httpapi.TokenResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, "blog", resp.Publisher)
		assert.WithinDuration(t, time.Now().Add(24*time.Hour), resp.ExpiresAt, time.Minute)

		claims, err := httpapi.NewJWTAuth(cfg.Auth.PublishSecret, 0).ValidateToken(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, "blog", claims.Publisher)
	})
}

func TestDaemon(t *testing.T) {
	for _, driver := range []string{config.DriverMemory, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Store.Driver = driver
			cfg.GRPCHealth.Listen = "127.0.0.1:0"

			d, err := newDaemon(cfg)
			require.NoError(t, err)
			require.NoError(t, d.start(context.Background(), cfg))
			defer d.shutdown(context.Background())

			resp, err := http.Get("http://" + d.addr() + "/health")
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			conn, err := grpc.NewClient(d.healthListener.Addr().String(),
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			require.NoError(t, err)
			defer conn.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			check, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
			require.NoError(t, err)
			assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check.Status)
		})
	}
}

func TestDaemon_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "mongo"
	_, err := newDaemon(cfg)
	assert.Error(t, err)
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}
