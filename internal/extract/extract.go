// Package extract turns staged contract files into plain text.
//
// Libraries used: github.com/ledongthuc/pdf (PDF), github.com/nguyenthenguyen/docx
// (DOCX), github.com/richardlehane/mscfb with golang.org/x/text (legacy DOC).
// Images go through an ocr.Recognizer.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"contract-backend/internal/ocr"
)

// FileSeparator joins the text of consecutive files in ExtractMany.
const FileSeparator = "\n\n---\n\n"

const defaultOCRTimeout = 90 * time.Second

// AllowedExtensions is the set of file kinds the pipeline accepts.
var AllowedExtensions = []string{".pdf", ".doc", ".docx", ".jpg", ".jpeg", ".png"}

var zipMagic = []byte("PK\x03\x04")

var whitespaceRun = regexp.MustCompile(`\s+`)

// Extractor dispatches on file extension. OCR may be nil, in which case
// images fail with ErrOcrUnavailable.
type Extractor struct {
	OCR        ocr.Recognizer
	OCRLang    string
	OCRTimeout time.Duration
}

// New constructs an Extractor.
func New(recognizer ocr.Recognizer, lang string) *Extractor {
	return &Extractor{OCR: recognizer, OCRLang: lang, OCRTimeout: defaultOCRTimeout}
}

// Allowed reports whether name has an accepted extension.
func Allowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Extract reads the file at path and returns its text.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.Base(path)
	if !Allowed(name) {
		return "", newError(ErrUnsupportedFormat, name, fmt.Errorf("extension %q", filepath.Ext(name)))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", newError(ErrCorruptDocument, name, err)
	}
	return e.ExtractBytes(ctx, data, name)
}

// ExtractBytes extracts text from an in-memory payload named fileName.
func (e *Extractor) ExtractBytes(ctx context.Context, data []byte, fileName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		text, err = extractPDF(data)
	case ".docx":
		text, err = extractDOCX(data)
	case ".doc":
		if bytes.HasPrefix(data, zipMagic) {
			text, err = extractDOCX(data)
		} else {
			text, err = extractDOC(data)
		}
	case ".jpg", ".jpeg", ".png":
		return e.extractImage(ctx, data, fileName)
	default:
		return "", newError(ErrUnsupportedFormat, fileName, nil)
	}
	if err != nil {
		return "", newError(ErrCorruptDocument, fileName, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", newError(ErrEmptyDocument, fileName, nil)
	}
	return text, nil
}

// ExtractMany extracts every path in order. Any failure aborts the batch.
func (e *Extractor) ExtractMany(ctx context.Context, paths []string) (string, error) {
	parts := make([]string, 0, len(paths))
	for _, path := range paths {
		text, err := e.Extract(ctx, path)
		if err != nil {
			return "", err
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, FileSeparator), nil
}

func (e *Extractor) extractImage(ctx context.Context, data []byte, fileName string) (string, error) {
	if e == nil || e.OCR == nil {
		return "", newError(ErrOcrUnavailable, fileName, nil)
	}
	timeout := e.OCRTimeout
	if timeout <= 0 {
		timeout = defaultOCRTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := e.OCR.Recognize(callCtx, data, fileName, e.OCRLang)
	if err != nil {
		return "", newError(ErrOcrFailed, fileName, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", newError(ErrOcrFailed, fileName, fmt.Errorf("recognizer returned no text"))
	}
	return text, nil
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}
