// Package remote is the Connection to one ODK-X Sync Server app
// namespace and its typed RPC surface (§6). It is a thin collaborator
// over net/http; the REST transport itself is explicitly out of scope
// as a deliverable, but every component above needs a concrete shape
// to call.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"sync.odk-x.org/engine/errs"
)

// Connection owns the base URL, app namespace, and basic-auth
// principal shared by every RPC this package exposes.
type Connection struct {
	BaseURL  *url.URL
	AppID    string
	Username string
	Password string
	client   *http.Client
}

// New builds a Connection for the given server base URL and app
// namespace.
func New(baseURL, appID, username, password string) (*Connection, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	return &Connection{
		BaseURL:  u,
		AppID:    appID,
		Username: username,
		Password: password,
		client:   &http.Client{},
	}, nil
}

func (c *Connection) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u, err := c.BaseURL.JoinPath(c.AppID, path)
	if err != nil {
		return nil, fmt.Errorf("remote: join path %s: %w", path, err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	return req, nil
}

// do sends req and decodes a JSON response body into T. A non-2xx
// response is surfaced as *errs.Transport immediately — per §7 there
// is no automatic retry at this layer.
func do[T any](c *Connection, req *http.Request) (*T, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read body %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errs.Transport{Path: req.URL.Path, Status: resp.StatusCode, Body: string(raw)}
	}

	var out T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("remote: decode body %s: %w", req.URL.Path, err)
		}
	}
	return &out, nil
}

// TableInfo is the response of GET tables/{id}.
type TableInfo struct {
	TableID    string `json:"tableId"`
	SchemaETag string `json:"schemaETag"`
	DataETag   string `json:"dataETag"`
	AppID      string `json:"appId"`
}

func (c *Connection) TableInfo(ctx context.Context, tableID string) (*TableInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "tables/"+tableID, nil, nil)
	if err != nil {
		return nil, err
	}
	return do[TableInfo](c, req)
}

// Tables lists every table exposed by this app namespace.
type TableList struct {
	Tables []TableInfo `json:"tables"`
}

func (c *Connection) Tables(ctx context.Context) (*TableList, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "tables", nil, nil)
	if err != nil {
		return nil, err
	}
	return do[TableList](c, req)
}

// DefinitionDoc is the wire shape of tables/{id}/ref/{etag}: a flat
// column list the caller assembles into a model.Definition arena.
type DefinitionDoc struct {
	TableID    string            `json:"tableId"`
	SchemaETag string            `json:"schemaETag"`
	Columns    []DefinitionColumn `json:"orderedColumns"`
}

type DefinitionColumn struct {
	ElementKey  string            `json:"elementKey"`
	ElementName string            `json:"elementName"`
	ElementType string            `json:"elementType"`
	ParentKey   string            `json:"parentKey,omitempty"`
	ListChildElementKeys []string `json:"listChildElementKeys,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

func (c *Connection) Definition(ctx context.Context, tableID, schemaETag string) (*DefinitionDoc, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("tables/%s/ref/%s", tableID, schemaETag), nil, nil)
	if err != nil {
		return nil, err
	}
	return do[DefinitionDoc](c, req)
}

// DiffPage is one page of tables/{id}/ref/{etag}/diff.
type DiffPage struct {
	Rows           []RowDoc `json:"rows"`
	DataETag       string   `json:"dataETag"`
	Cursor         string   `json:"cursor"`
	HasMoreResults bool     `json:"hasMoreResults"`
}

// RowDoc is the wire shape of a single row revision.
type RowDoc struct {
	ID                     string                 `json:"id"`
	RowETag                string                 `json:"rowETag"`
	DataETagAtModification string                 `json:"dataETagAtModification"`
	Deleted                bool                   `json:"deleted"`
	CreateUser             string                 `json:"createUser"`
	LastUpdateUser         string                 `json:"lastUpdateUser"`
	FormID                 string                 `json:"formId"`
	Locale                 string                 `json:"locale"`
	SavepointType          string                 `json:"savepointType"`
	SavepointTimestamp     string                 `json:"savepointTimestamp"`
	SavepointCreator       string                 `json:"savepointCreator"`
	OrderedColumns         []OrderedColumnDoc     `json:"orderedColumns"`
	FilterScope            FilterScopeDoc         `json:"filterScope"`
}

type OrderedColumnDoc struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

type FilterScopeDoc struct {
	DefaultAccess   string `json:"defaultAccess"`
	RowOwner        string `json:"rowOwner"`
	GroupReadOnly   string `json:"groupReadOnly"`
	GroupModify     string `json:"groupModify"`
	GroupPrivileged string `json:"groupPrivileged"`
}

// Diff fetches one page of the cursor-paginated row diff.
func (c *Connection) Diff(ctx context.Context, tableID, schemaETag, dataETag, cursor string, fetchLimit int) (*DiffPage, error) {
	q := url.Values{}
	q.Set("data_etag", dataETag)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if fetchLimit > 0 {
		q.Set("fetchLimit", strconv.Itoa(fetchLimit))
	}
	q.Set("getFullLog", "true")

	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("tables/%s/ref/%s/diff", tableID, schemaETag), q, nil)
	if err != nil {
		return nil, err
	}
	return do[DiffPage](c, req)
}

// AlterRowsRequest is the payload of PUT tables/{id}/ref/{etag}/rows.
type AlterRowsRequest struct {
	Rows     []RowDoc `json:"rows"`
	DataETag string   `json:"dataETag"`
}

// AlterRowsResponse is the per-row outcome of an alter-rows call.
type AlterRowsResponse struct {
	Rows []struct {
		ID      string `json:"id"`
		RowETag string `json:"rowETag"`
		Outcome string `json:"outcome"`
	} `json:"rows"`
}

func (c *Connection) AlterRows(ctx context.Context, tableID, schemaETag string, payload AlterRowsRequest) (*AlterRowsResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("remote: encode alter-rows payload: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, fmt.Sprintf("tables/%s/ref/%s/rows", tableID, schemaETag), nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return do[AlterRowsResponse](c, req)
}

// AttachmentManifestEntry is one file of a row's attachment manifest.
type AttachmentManifestEntry struct {
	Filename string `json:"filename"`
	MD5Hash  string `json:"md5hash"`
}

type attachmentManifestDoc struct {
	Files []AttachmentManifestEntry `json:"files"`
}

func (c *Connection) AttachmentManifest(ctx context.Context, tableID, schemaETag, rowID string) ([]AttachmentManifestEntry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("tables/%s/ref/%s/attachments/%s/manifest", tableID, schemaETag, rowID), nil, nil)
	if err != nil {
		return nil, err
	}
	doc, err := do[attachmentManifestDoc](c, req)
	if err != nil {
		return nil, err
	}
	return doc.Files, nil
}

// TableManifest lists a table's app/html/js manifest files.
func (c *Connection) TableManifest(ctx context.Context, tableID string) ([]AttachmentManifestEntry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "manifest/2/"+tableID, nil, nil)
	if err != nil {
		return nil, err
	}
	doc, err := do[attachmentManifestDoc](c, req)
	if err != nil {
		return nil, err
	}
	return doc.Files, nil
}

// GetFile fetches a raw app- or table-level static file.
func (c *Connection) GetFile(ctx context.Context, relPath string) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "files/2/"+relPath, nil, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("remote: get file %s: %w", relPath, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &errs.Transport{Path: req.URL.Path, Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, resp.Header.Get("Content-Type"), nil
}

// PutFile uploads an app- or table-level static file.
func (c *Connection) PutFile(ctx context.Context, relPath, contentType string, data []byte) error {
	req, err := c.newRequest(ctx, http.MethodPost, "files/2/"+relPath, nil, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	_, err = do[struct{}](c, req)
	return err
}
