package ocr

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// fakeTesseract writes a shell script that records its argv and stdin next
// to itself, then runs body.
func fakeTesseract(t *testing.T, body string) (bin, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	dir = t.TempDir()
	bin = filepath.Join(dir, "tesseract")
	script := "#!/bin/sh\n" +
		`printf '%s\n' "$@" > "` + filepath.Join(dir, "args") + "\"\n" +
		`cat > "` + filepath.Join(dir, "stdin") + "\"\n" +
		body + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return bin, dir
}

func TestTesseractCLIStreamsImageAndLanguage(t *testing.T) {
	bin, dir := fakeTesseract(t, `printf '  Договор поставки\n'`)
	cli, err := NewTesseractCLI(bin)
	if err != nil {
		t.Fatalf("NewTesseractCLI: %v", err)
	}

	text, err := cli.Recognize(context.Background(), []byte("PNGDATA"), "scan.png", "rus")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != "Договор поставки" {
		t.Fatalf("unexpected text %q", text)
	}
	args, _ := os.ReadFile(filepath.Join(dir, "args"))
	if got := strings.Fields(string(args)); strings.Join(got, " ") != "stdin stdout -l rus" {
		t.Fatalf("unexpected args %q", got)
	}
	stdin, _ := os.ReadFile(filepath.Join(dir, "stdin"))
	if string(stdin) != "PNGDATA" {
		t.Fatalf("image not streamed on stdin, got %q", stdin)
	}
}

func TestTesseractCLIOmitsEmptyLanguage(t *testing.T) {
	bin, dir := fakeTesseract(t, `echo ok`)
	cli, err := NewTesseractCLI(bin)
	if err != nil {
		t.Fatalf("NewTesseractCLI: %v", err)
	}
	if _, err := cli.Recognize(context.Background(), []byte("x"), "scan.png", ""); err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	args, _ := os.ReadFile(filepath.Join(dir, "args"))
	if got := strings.Fields(string(args)); strings.Join(got, " ") != "stdin stdout" {
		t.Fatalf("unexpected args %q", got)
	}
}

func TestTesseractCLIReportsStderr(t *testing.T) {
	bin, _ := fakeTesseract(t, `echo "Failed loading language 'xyz'" >&2; exit 1`)
	cli, err := NewTesseractCLI(bin)
	if err != nil {
		t.Fatalf("NewTesseractCLI: %v", err)
	}
	_, err = cli.Recognize(context.Background(), []byte("x"), "scan.png", "xyz")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "Failed loading language 'xyz'") {
		t.Fatalf("stderr should be part of the error, got %v", err)
	}
}

func TestNewTesseractCLIMissingBinary(t *testing.T) {
	if _, err := NewTesseractCLI(filepath.Join(t.TempDir(), "no-such-tesseract")); err == nil {
		t.Fatalf("expected lookup error")
	}
}
