package local

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"contract-backend/internal/shared/storage/object"
)

func TestPutOpenDelete(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())

	n, err := store.Put(ctx, "reports/a1.xlsx", "application/octet-stream", strings.NewReader("report"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != int64(len("report")) {
		t.Fatalf("written = %d", n)
	}

	rc, err := store.Open(ctx, "reports/a1.xlsx")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "report" {
		t.Fatalf("body = %q", body)
	}

	if err := store.Delete(ctx, "reports/a1.xlsx"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "reports/a1.xlsx"); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if _, err := store.Open(ctx, "reports/a1.xlsx"); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	store := New(t.TempDir())
	for _, key := range []string{"../x", "/etc/passwd", "", "a/../../x"} {
		if _, err := store.Put(context.Background(), key, "", strings.NewReader("x")); !errors.Is(err, object.ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}
