package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TextBlock is one extracted passage of a document, page-numbered when the
// extractor knows the page.
type TextBlock struct {
	Text string `json:"text"`
	Page int    `json:"page"`
}

// DocumentExtractor turns a document file into text blocks.
type DocumentExtractor interface {
	Extract(ctx context.Context, path string) ([]TextBlock, error)
}

// OCRClient posts the document to an OCR HTTP service as a multipart upload.
type OCRClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewOCRClient(baseURL string, timeout time.Duration) (*OCRClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("classify: OCR base URL is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OCRClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *OCRClient) Extract(ctx context.Context, path string) ([]TextBlock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ocr http %d", resp.StatusCode)
	}

	var out struct {
		Blocks []TextBlock `json:"blocks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}
