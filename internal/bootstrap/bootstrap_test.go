package bootstrap_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/bootstrap"
	"github.com/drfirst/go-dispensary/internal/config"
)

func TestOpenStores_Embedded(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []config.Config{
		{StoreDriver: config.DriverMemory},
		{StoreDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "dispensary.db")},
	} {
		t.Run(cfg.StoreDriver, func(t *testing.T) {
			stores, err := bootstrap.OpenStores(ctx, cfg, zap.NewNop())
			require.NoError(t, err)
			defer stores.Close()

			assert.True(t, stores.Embedded)
			assert.Nil(t, stores.Pool)
			assert.NoError(t, stores.Inventory.Ping(ctx))
			assert.NotNil(t, stores.Notifications)
		})
	}
}

func TestOpenStores_UnknownDriver(t *testing.T) {
	_, err := bootstrap.OpenStores(context.Background(), config.Config{StoreDriver: "mongo"}, zap.NewNop())
	assert.Error(t, err)
}

func TestOpsServer(t *testing.T) {
	ready := errors.New("database down")
	srv := bootstrap.OpsServer("outbox-relay", "0",
		func(context.Context) error { return ready },
		func(context.Context) (any, error) { return map[string]int{"pending": 3}, nil })

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)

	rec := get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database down")

	ready = nil
	assert.Equal(t, http.StatusOK, get("/ready").Code)

	var stats map[string]int
	require.NoError(t, json.Unmarshal(get("/stats").Body.Bytes(), &stats))
	assert.Equal(t, 3, stats["pending"])

	assert.Equal(t, http.StatusOK, get("/metrics").Code)
}
