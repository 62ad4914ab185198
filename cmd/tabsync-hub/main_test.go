package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tabsync/internal/httpapi"
	"github.com/agentworkforce/tabsync/internal/persistence"
)

func TestResolveStateDSNPrefersExplicitDSN(t *testing.T) {
	got, err := resolveStateDSN(" postgres://db/tabs ", "memory", "", "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/tabs", got)
}

func TestResolveStateDSNProfiles(t *testing.T) {
	cases := []struct {
		profile string
		dataDir string
		want    string
	}{
		{profile: "", want: ""},
		{profile: "custom", want: ""},
		{profile: "memory", want: "memory://"},
		{profile: "durable-local", dataDir: "data", want: "sqlite://data/state.db"},
		{profile: "local-durable", want: "sqlite://.tabsync/state.db"},
		{profile: "file", dataDir: "/var/lib/tabsync", want: "/var/lib/tabsync"},
	}
	for _, tc := range cases {
		got, err := resolveStateDSN("", tc.profile, tc.dataDir, "")
		require.NoError(t, err, tc.profile)
		assert.Equal(t, tc.want, got, tc.profile)
	}
}

func TestResolveStateDSNProductionNeedsPostgres(t *testing.T) {
	_, err := resolveStateDSN("", "production", "", "")
	require.Error(t, err)

	got, err := resolveStateDSN("", "prod", "", "postgres://db/tabs")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/tabs", got)

	_, err = resolveStateDSN("", "cloud", "", "")
	assert.Error(t, err)
}

func TestResolvedProfilesBuildBackends(t *testing.T) {
	dir := t.TempDir()
	for _, profile := range []string{"memory", "durable-local", "file"} {
		dsn, err := resolveStateDSN("", profile, dir, "")
		require.NoError(t, err)
		backend, err := persistence.BuildBackendFromDSN(dsn, zerolog.Nop())
		require.NoError(t, err, profile)
		require.NoError(t, backend.Close())
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, addr, httpapi.NewServer(persistence.NewMemoryBackend()), zerolog.Nop())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout):
		t.Fatal("serve did not return after cancel")
	}
}
