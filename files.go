package dashsync

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

// MaxUploadSize is the largest attachment the upload endpoint accepts.
const MaxUploadSize = 25 * 1024 * 1024

// FilesClient uploads message attachments.
type FilesClient struct{ client *Client }

// Upload sends data as a multipart form to the upload endpoint. The result
// can be attached to a SendMessageRequest as is.
func (f *FilesClient) Upload(ctx context.Context, name string, data []byte) (*UploadResult, error) {
	if name == "" {
		return nil, &ValidationError{Fields: map[string]string{"file": "file name is required"}}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Fields: map[string]string{"file": "file is empty"}}
	}
	if len(data) > MaxUploadSize {
		return nil, &ValidationError{Fields: map[string]string{"file": "file exceeds maximum size of 25 MB"}}
	}
	mimeType := guessMimeType(name)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(name)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.client.baseURL+"/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	env, err := f.client.send(req, "POST /upload")
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[UploadResult](env.Data)
	if err != nil {
		return nil, err
	}
	if res.URL == "" {
		return nil, fmt.Errorf("upload response has no file_url")
	}
	if res.Name == "" {
		res.Name = filepath.Base(name)
	}
	if res.Size == 0 {
		res.Size = int64(len(data))
	}
	if res.Type == "" {
		res.Type = mimeType
	}
	return res, nil
}

// UploadFile uploads a local file; the name is taken from the path.
func (f *FilesClient) UploadFile(ctx context.Context, path string) (*UploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return f.Upload(ctx, filepath.Base(path), data)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".webm": "video/webm",
		".m4a": "audio/mp4", ".ogg": "audio/ogg", ".opus": "audio/opus",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
