package engine_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync.odk-x.org/engine/attachments"
	"sync.odk-x.org/engine/engine"
	"sync.odk-x.org/engine/model"
	"sync.odk-x.org/engine/remote"
	"sync.odk-x.org/engine/storage"
)

// TestSyncWithExternalSourceReconcilesPushesAndClosesWithAPull drives
// one full Sync cycle against a table with a single configured
// external source, covering resolve -> pull -> reconcile -> push ->
// attachment push -> closing pull in one pass. Pull/push/reconcile's
// own package tests cover their internals in more depth; this
// exercises the wiring between them.
func TestSyncWithExternalSourceReconcilesPushesAndClosesWithAPull(t *testing.T) {
	dataETag := "etag0"
	var alterRowsSeen int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/myApp/tables/t1":
			json.NewEncoder(w).Encode(remote.TableInfo{TableID: "t1", SchemaETag: "s1", DataETag: dataETag})
		case r.Method == http.MethodGet && r.URL.Path == "/myApp/tables/t1/ref/s1":
			json.NewEncoder(w).Encode(remote.DefinitionDoc{
				TableID: "t1", SchemaETag: "s1",
				Columns: []remote.DefinitionColumn{
					{ElementKey: "externalId", ElementType: "string"},
					{ElementKey: "name", ElementType: "string"},
				},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/myApp/tables/t1/ref/s1/diff":
			json.NewEncoder(w).Encode(remote.DiffPage{DataETag: dataETag})
		case r.Method == http.MethodPut:
			alterRowsSeen++
			var req remote.AlterRowsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			resp := remote.AlterRowsResponse{}
			for _, row := range req.Rows {
				resp.Rows = append(resp.Rows, struct {
					ID      string `json:"id"`
					RowETag string `json:"rowETag"`
					Outcome string `json:"outcome"`
				}{ID: row.ID, RowETag: row.RowETag + "-pushed", Outcome: ""})
			}
			json.NewEncoder(w).Encode(resp)
			dataETag = "etag1"
		default:
			json.NewEncoder(w).Encode(map[string]any{"files": []any{}})
		}
	}))
	t.Cleanup(srv.Close)

	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := remote.New(srv.URL, "myApp", "", "")
	require.NoError(t, err)

	e, err := engine.New(engine.Dependencies{DB: db, Connection: conn, AttachmentStore: attachments.NewMemoryStore()})
	require.NoError(t, err)

	def, err := e.ResolveDefinition(t.Context(), "t1")
	require.NoError(t, err)
	require.NoError(t, storage.NewProvisioner(db).ProvisionExternal(t.Context(), def, "ext", []string{"externalId", "name"}))

	_, err = db.Exec(`insert into "t1_ext_staging" (externalId, name) values (?, ?)`, "ext1", "Alice")
	require.NoError(t, err)

	err = e.Sync(t.Context(), "t1", engine.SyncOptions{
		Sources: []engine.ExternalSource{
			{Prefix: "ext", ExternalIDColumn: "externalId", Mode: model.SyncModeFull, Principal: "localSync"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, alterRowsSeen)

	var state string
	require.NoError(t, db.QueryRow(`select state from "t1_ext" where externalId = ?`, "ext1").Scan(&state))
	assert.Equal(t, "sync_attachments", state, "a successfully pushed row advances to sync_attachments")

	var statusCount int
	require.NoError(t, db.QueryRow(`select count(*) from status_table where table_name = ?`, "t1").Scan(&statusCount))
	assert.GreaterOrEqual(t, statusCount, 1, "the closing pull must record a status_table entry")
}
