package remote_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync.odk-x.org/engine/errs"
	"sync.odk-x.org/engine/remote"
)

func newTestConnection(t *testing.T, handler http.HandlerFunc) *remote.Connection {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn, err := remote.New(srv.URL, "myApp", "alice", "secret")
	require.NoError(t, err)
	return conn
}

func TestConnectionTableInfoSendsBasicAuthAndDecodesBody(t *testing.T) {
	var gotPath string
	var gotUser, gotPass string
	conn := newTestConnection(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		json.NewEncoder(w).Encode(remote.TableInfo{TableID: "t1", SchemaETag: "s1", DataETag: "d1", AppID: "myApp"})
	})

	info, err := conn.TableInfo(t.Context(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "/myApp/tables/t1", gotPath)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.Equal(t, "t1", info.TableID)
	assert.Equal(t, "d1", info.DataETag)
}

func TestConnectionNon2xxSurfacesTransportError(t *testing.T) {
	conn := newTestConnection(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		w.Write([]byte("schemaETag mismatch"))
	})

	_, err := conn.TableInfo(t.Context(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransport)

	var tr *errs.Transport
	require.ErrorAs(t, err, &tr)
	assert.Equal(t, http.StatusPreconditionFailed, tr.Status)
	assert.Contains(t, tr.Body, "schemaETag mismatch")
}

func TestConnectionDiffPassesCursorAndFetchLimit(t *testing.T) {
	var gotQuery string
	conn := newTestConnection(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(remote.DiffPage{
			Rows:           []remote.RowDoc{{ID: "row1", RowETag: "r1"}},
			DataETag:       "d2",
			Cursor:         "cursor2",
			HasMoreResults: true,
		})
	})

	page, err := conn.Diff(t.Context(), "t1", "s1", "d1", "cursor1", 500)
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "cursor=cursor1")
	assert.Contains(t, gotQuery, "data_etag=d1")
	assert.Contains(t, gotQuery, "fetchLimit=500")
	assert.True(t, page.HasMoreResults)
	assert.Equal(t, "cursor2", page.Cursor)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "row1", page.Rows[0].ID)
}

func TestConnectionAlterRowsEncodesPayloadAndDecodesOutcomes(t *testing.T) {
	var gotBody remote.AlterRowsRequest
	conn := newTestConnection(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, http.MethodPut, r.Method)
		fmt.Fprint(w, `{"rows":[{"id":"row1","rowETag":"r2","outcome":"IN_CONFLICT"}]}`)
	})

	resp, err := conn.AlterRows(t.Context(), "t1", "s1", remote.AlterRowsRequest{
		DataETag: "d1",
		Rows:     []remote.RowDoc{{ID: "row1", RowETag: "r1"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "d1", gotBody.DataETag)
	require.Len(t, gotBody.Rows, 1)
	assert.Equal(t, "row1", gotBody.Rows[0].ID)

	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "IN_CONFLICT", resp.Rows[0].Outcome)
}

func TestConnectionAttachmentManifestDecodesFiles(t *testing.T) {
	conn := newTestConnection(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/myApp/tables/t1/ref/s1/attachments/row1/manifest", r.URL.Path)
		fmt.Fprint(w, `{"files":[{"filename":"a.jpg","md5hash":"abc"}]}`)
	})

	files, err := conn.AttachmentManifest(t.Context(), "t1", "s1", "row1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.jpg", files[0].Filename)
	assert.Equal(t, "abc", files[0].MD5Hash)
}
