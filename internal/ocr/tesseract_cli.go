package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// TesseractCLI runs a local tesseract binary, streaming the image on stdin.
type TesseractCLI struct {
	Path string
}

// NewTesseractCLI resolves the binary on PATH.
func NewTesseractCLI(path string) (*TesseractCLI, error) {
	if strings.TrimSpace(path) == "" {
		path = "tesseract"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("tesseract binary %q: %w", path, err)
	}
	return &TesseractCLI{Path: resolved}, nil
}

// Recognize invokes `tesseract stdin stdout -l <lang>`.
func (t *TesseractCLI) Recognize(ctx context.Context, image []byte, filename, lang string) (string, error) {
	_ = filename
	args := []string{"stdin", "stdout"}
	if lang != "" {
		args = append(args, "-l", lang)
	}
	cmd := exec.CommandContext(ctx, t.Path, args...)
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return "", fmt.Errorf("tesseract exec: %w: %s", err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

var _ Recognizer = (*TesseractCLI)(nil)
