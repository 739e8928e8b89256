package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"sync.odk-x.org/engine/errs"
)

// DownloadAttachments batch-fetches the named files for rowID via the
// multipart download RPC and returns their bytes keyed by filename.
func (c *Connection) DownloadAttachments(ctx context.Context, tableID, schemaETag, rowID string, filenames []string) (map[string][]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range filenames {
		fw, err := w.CreateFormField("filename")
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write([]byte(f)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("tables/%s/ref/%s/attachments/%s/download", tableID, schemaETag, rowID), nil, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: download attachments for %s: %w", rowID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &errs.Transport{Path: req.URL.Path, Status: resp.StatusCode, Body: string(raw)}
	}

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse download response content-type: %w", err)
	}
	reader := multipart.NewReader(resp.Body, params["boundary"])

	out := map[string][]byte{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("remote: read download part for %s: %w", rowID, err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, err
		}
		out[part.FileName()] = data
	}
	return out, nil
}

// UploadAttachments batch-pushes local files for rowID via the
// multipart upload RPC. The server expects the non-standard
// `Content-Disposition: file;` header on each part rather than the
// usual `form-data; name=...`.
func (c *Connection) UploadAttachments(ctx context.Context, tableID, schemaETag, rowID string, files map[string][]byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for filename, data := range files {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{fmt.Sprintf(`file; filename="%s"`, filename)}
		pw, err := w.CreatePart(header)
		if err != nil {
			return err
		}
		if _, err := pw.Write(data); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("tables/%s/ref/%s/attachments/%s/upload", tableID, schemaETag, rowID), nil, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: upload attachments for %s: %w", rowID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return &errs.Transport{Path: req.URL.Path, Status: resp.StatusCode, Body: string(raw)}
	}
	return nil
}
