package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes bounds the body read back from the removal service.
const maxResponseBytes = 128 << 20

// Doer is the subset of *http.Client used by HTTPRemover.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
	Client   Doer
}

// HTTPRemover calls a rembg compatible server (`rembg s`), posting the image
// as the multipart field "file" and reading the cut-out back from the body.
type HTTPRemover struct {
	endpoint string
	client   Doer
}

func NewHTTPRemover(cfg HTTPConfig) (*HTTPRemover, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("remover endpoint is required")
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPRemover{
		endpoint: endpoint,
		client:   client,
	}, nil
}

func (r *HTTPRemover) Remove(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image payload")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build remover request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "image/png")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call remover: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read remover response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("remover returned status=%d body=%q", resp.StatusCode, truncate(out, 200))
	}
	if len(out) == 0 {
		return nil, errors.New("remover returned an empty body")
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
