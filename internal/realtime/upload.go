package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/auditmarket/chat/internal/model"
)

// UploadResponse is the body returned by /api/chat/upload.
type UploadResponse struct {
	URL         string `json:"url"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

var imageExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true,
}

func (c *Client) httpBaseURL() (string, error) {
	if c.opts.HTTPBaseURL != "" {
		return strings.TrimSuffix(c.opts.HTTPBaseURL, "/"), nil
	}
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("realtime: parse url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

// Upload posts r as multipart fields file and roomId and returns the stored URL.
// It does not need an open socket.
func (c *Client) Upload(ctx context.Context, roomID, filename string, r io.Reader) (*UploadResponse, error) {
	base, err := c.httpBaseURL()
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("realtime.Upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("realtime.Upload: read file: %w", err)
	}
	if err := mw.WriteField("roomId", roomID); err != nil {
		return nil, fmt.Errorf("realtime.Upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("realtime.Upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/chat/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("realtime.Upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.mu.Lock()
	token, userID := c.token, c.userID
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("realtime.Upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: resp.Status}
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			httpErr.Message = errResp.Error
			httpErr.Code = errResp.Code
		}
		return nil, fmt.Errorf("realtime.Upload: %w", httpErr)
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("realtime.Upload: decode: %w", err)
	}
	if out.URL == "" {
		return nil, fmt.Errorf("realtime.Upload: empty url in response")
	}
	return &out, nil
}

// SendFile uploads r and then sends an image or file message pointing at it.
func (c *Client) SendFile(ctx context.Context, roomID, filename string, r io.Reader) (model.ChatMessage, error) {
	up, err := c.Upload(ctx, roomID, filename, r)
	if err != nil {
		return model.ChatMessage{}, err
	}
	typ := model.MessageTypeFile
	if imageExt[strings.ToLower(filepath.Ext(filename))] {
		typ = model.MessageTypeImage
	}
	name := up.FileName
	if name == "" {
		name = filepath.Base(filename)
	}
	return c.SendMessage(roomID, name, typ, WithMetadata(map[string]any{
		"url":      up.URL,
		"fileName": name,
		"fileSize": up.FileSize,
	}))
}
