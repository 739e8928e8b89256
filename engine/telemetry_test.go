package engine_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"sync.odk-x.org/engine/engine"
	"sync.odk-x.org/engine/remote"
)

func TestSyncRunsWithoutErrorWhenTelemetryAttached(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/myApp/tables/t1":
			json.NewEncoder(w).Encode(remote.TableInfo{TableID: "t1", SchemaETag: "s1", DataETag: "d1"})
		case "/myApp/tables/t1/ref/s1":
			json.NewEncoder(w).Encode(remote.DefinitionDoc{TableID: "t1", SchemaETag: "s1"})
		default:
			json.NewEncoder(w).Encode(remote.DiffPage{DataETag: "d1"})
		}
	})

	tel, err := engine.NewTelemetry(t.Context(), "odkxsync-test", "test", true)
	require.NoError(t, err)
	t.Cleanup(func() { tel.Shutdown(t.Context()) })

	e = e.WithTelemetry(tel)
	require.NoError(t, e.Sync(t.Context(), "t1", engine.SyncOptions{}))
}

func TestStatusHandlerServesRequestsWithTelemetryAttached(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {})

	tel, err := engine.NewTelemetry(t.Context(), "odkxsync-test", "test", true)
	require.NoError(t, err)
	t.Cleanup(func() { tel.Shutdown(t.Context()) })

	e = e.WithTelemetry(tel)

	statusSrv := httptest.NewServer(e.StatusHandler(slog.New(slog.DiscardHandler)))
	t.Cleanup(statusSrv.Close)

	resp, err := http.Get(statusSrv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
}
