package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

const defaultAPITimeout = 60 * time.Second

// TesseractAPI posts images to a tesseract HTTP wrapper. The service answers
// with {"text": ...}, {"data": {"text": ...}} or a plain text body.
type TesseractAPI struct {
	URL        string
	Field      string
	httpClient *http.Client
}

// NewTesseractAPI constructs an HTTP recognizer. An empty field defaults to "file".
func NewTesseractAPI(url, field string) (*TesseractAPI, error) {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if url == "" {
		return nil, errors.New("TESSERACT_API_URL is required")
	}
	if strings.TrimSpace(field) == "" {
		field = "file"
	}
	return &TesseractAPI{
		URL:        url,
		Field:      field,
		httpClient: &http.Client{Timeout: defaultAPITimeout},
	}, nil
}

type apiResponse struct {
	Text *string `json:"text"`
	Data *struct {
		Text *string `json:"text"`
	} `json:"data"`
}

// Recognize uploads the image as multipart form data.
func (t *TesseractAPI) Recognize(ctx context.Context, image []byte, filename, lang string) (string, error) {
	if filename == "" {
		filename = "image.png"
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(t.Field, filepath.Base(filename))
	if err != nil {
		return "", fmt.Errorf("tesseract api form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", fmt.Errorf("tesseract api form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("tesseract api form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if lang != "" {
		req.Header.Set("X-Language", lang)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tesseract api request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("tesseract api read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("tesseract api http status %d", resp.StatusCode)
	}
	return parseAPIBody(raw), nil
}

func parseAPIBody(raw []byte) string {
	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Text != nil {
			return strings.TrimSpace(*parsed.Text)
		}
		if parsed.Data != nil && parsed.Data.Text != nil {
			return strings.TrimSpace(*parsed.Data.Text)
		}
	}
	return strings.TrimSpace(string(raw))
}

var _ Recognizer = (*TesseractAPI)(nil)
