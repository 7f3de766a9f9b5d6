package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/bakery/internal/health"
	"github.com/vladislavdragonenkov/bakery/internal/version"
)

// freeAddr возвращает свободный локальный адрес для тестового сервера.
func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().String()
}

func waitServing(t *testing.T, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := freeAddr(t)
	srv := startMetricsServer(ctx, addr, log.WithField("test", "metrics"), healthcheck.NewHandler(version.Get().Version))
	require.NotNil(t, srv)
	base := "http://" + addr
	waitServing(t, base+"/livez")

	for _, path := range []string{"/metrics", "/healthz", "/livez", "/readyz"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health healthcheck.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, healthcheck.StatusHealthy, health.Status)
	assert.Equal(t, version.Get().Version, health.Version)
}

func TestStartMetricsServer_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addr := freeAddr(t)
	startMetricsServer(ctx, addr, log.WithField("test", "metrics-stop"), healthcheck.NewHandler(""))
	url := fmt.Sprintf("http://%s/livez", addr)
	waitServing(t, url)

	cancel()
	assert.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
		}
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartMetricsServer_ReadyzReflectsStorage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := healthcheck.NewHandler("")
	handler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", func(context.Context) error {
		return errors.New("connection refused")
	}))
	addr := freeAddr(t)
	startMetricsServer(ctx, addr, log.WithField("test", "readyz"), handler)
	waitServing(t, "http://"+addr+"/livez")

	resp, err := http.Get("http://" + addr + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShutdownHTTP(t *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "shutdown-nil"))

	addr := freeAddr(t)
	srv := &http.Server{Addr: addr, Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
	go func() { _ = srv.ListenAndServe() }()
	waitServing(t, "http://"+addr+"/")

	shutdownHTTP(srv, log.WithField("test", "shutdown"))
	_, err := http.Get("http://" + addr + "/")
	assert.Error(t, err)
}
