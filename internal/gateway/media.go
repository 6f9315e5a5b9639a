package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// MediaClient talks to the object storage service used for message
// attachments and avatars.
type MediaClient struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewMediaClient creates a media storage client for the given base URL.
func NewMediaClient(baseURL string, logger *zap.Logger) *MediaClient {
	return &MediaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// ObjectPath builds the storage path for an outgoing attachment,
// scoped by sender and the draft's client timestamp.
func ObjectPath(senderID string, createdAt int64, name string) string {
	return fmt.Sprintf("media/%s/%d/%s", senderID, createdAt, name)
}

// UploadBytes stores data under objectPath and returns the public
// remote URL. The content type is sniffed from the data itself.
func (c *MediaClient) UploadBytes(ctx context.Context, objectPath string, data []byte) (string, error) {
	u := c.baseURL + "/v1/media/" + objectPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mimetype.Detect(data).String())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Method: http.MethodPut, URL: u, Code: resp.StatusCode}
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload %s: server returned empty url", objectPath)
	}
	return out.URL, nil
}

// DownloadBytes fetches a remote object, reading at most maxBytes.
func (c *MediaClient) DownloadBytes(ctx context.Context, remoteURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", remoteURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: http.MethodGet, URL: remoteURL, Code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read download: %w", err)
	}
	return data, nil
}

// DeleteRemote removes a remote object.
func (c *MediaClient) DeleteRemote(ctx context.Context, remoteURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, remoteURL, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", remoteURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: http.MethodDelete, URL: remoteURL, Code: resp.StatusCode}
	}
	return nil
}
