// Package staging writes validated uploads into a per-job workspace directory
// that the pipeline later reads and removes.
package staging

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"contract-backend/internal/extract"
	"contract-backend/internal/shared/telemetry"
)

// PriorityKeyword moves matching file names to the front of a workspace.
const PriorityKeyword = "договор"

var (
	ErrTooLarge       = errors.New("file too large")
	ErrUnsupported    = errors.New("unsupported file type")
	ErrEmptyArchive   = errors.New("archive has no supported files")
	ErrCorruptArchive = errors.New("archive is corrupt or unreadable")
	ErrNoUploads      = errors.New("no files uploaded")
	ErrOutsideRoot    = errors.New("path is outside the staging root")
)

var unsafeNameChars = regexp.MustCompile(`[^\p{L}\p{N}._-]`)

// Upload is one incoming file.
type Upload struct {
	Name   string
	Reader io.Reader
}

// Workspace is a staged job directory and the files written into it.
type Workspace struct {
	Dir   string
	Files []string
}

// Stager owns the staging root.
type Stager struct {
	root         string
	maxFileBytes int64
}

// New creates the root directory if needed.
func New(root string, maxFileBytes int64) (*Stager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("staging root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Stager{root: abs, maxFileBytes: maxFileBytes}, nil
}

func (s *Stager) Root() string { return s.root }

// Stage writes uploads into a fresh root/<jobID>-<random> directory, so a
// superseded run never cleans up the files of a later upload. ZIP archives
// are unpacked keeping only supported entries. On error nothing is left on disk.
func (s *Stager) Stage(ctx context.Context, jobID string, uploads []Upload) (Workspace, error) {
	if len(uploads) == 0 {
		return Workspace{}, ErrNoUploads
	}
	dirName := SanitizeName(jobID)
	if dirName == "" || dirName == "." || dirName == ".." {
		return Workspace{}, fmt.Errorf("invalid job id %q", jobID)
	}
	dir, err := os.MkdirTemp(s.root, dirName+"-")
	if err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}

	ws := Workspace{Dir: dir}
	fail := func(err error) (Workspace, error) {
		_ = s.Remove(dir)
		return Workspace{}, err
	}
	var items []pending
	for _, up := range uploads {
		found, err := s.collect(up)
		if err != nil {
			return fail(fmt.Errorf("%s: %w", up.Name, err))
		}
		items = append(items, found...)
	}
	sort.SliceStable(items, func(i, j int) bool { return priorityLess(items[i].name, items[j].name) })

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		rc, err := item.open()
		if err != nil {
			return fail(fmt.Errorf("%s: %w", item.name, err))
		}
		// The sequence prefix keeps priority order on disk after sanitizing.
		name, err := s.writeFile(dir, fmt.Sprintf("%03d_%s", i+1, SanitizeName(item.name)), rc)
		rc.Close()
		if err != nil {
			return fail(fmt.Errorf("%s: %w", item.name, err))
		}
		ws.Files = append(ws.Files, name)
	}
	telemetry.Info("staging.staged", map[string]any{
		"job_id": jobID,
		"files":  len(ws.Files),
	})
	return ws, nil
}

type pending struct {
	name string
	open func() (io.ReadCloser, error)
}

func (s *Stager) collect(up Upload) ([]pending, error) {
	if up.Reader == nil {
		return nil, errors.New("upload has no content")
	}
	if strings.EqualFold(filepath.Ext(up.Name), ".zip") {
		data, err := s.readLimited(up.Reader)
		if err != nil {
			return nil, err
		}
		return zipEntries(data)
	}
	if !extract.Allowed(up.Name) {
		return nil, ErrUnsupported
	}
	r := up.Reader
	return []pending{{
		name: baseName(up.Name),
		open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
	}}, nil
}

func zipEntries(data []byte) ([]pending, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	var out []pending
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		if !extract.Allowed(baseName(f.Name)) {
			continue
		}
		f := f
		out = append(out, pending{name: baseName(f.Name), open: f.Open})
	}
	if len(out) == 0 {
		return nil, ErrEmptyArchive
	}
	return out, nil
}

// writeFile copies r into dir under a non-colliding name.
func (s *Stager) writeFile(dir, original string, r io.Reader) (string, error) {
	name := uniqueName(dir, original)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	src := r
	if s.maxFileBytes > 0 {
		src = io.LimitReader(r, s.maxFileBytes+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr == nil && s.maxFileBytes > 0 && n > s.maxFileBytes {
		copyErr = ErrTooLarge
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(path)
		return "", copyErr
	}
	return name, nil
}

func (s *Stager) readLimited(r io.Reader) ([]byte, error) {
	if s.maxFileBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxFileBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// Remove deletes a workspace. Paths outside the root are refused; a missing
// directory is not an error.
func (s *Stager) Remove(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	if !s.Contains(dir) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	return os.RemoveAll(dir)
}

// Contains reports whether dir is strictly inside the staging root.
func (s *Stager) Contains(dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ListFiles returns the regular files in dir with a supported extension, in
// priority order. Unexpected entries are ignored.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !extract.Allowed(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	SortByPriority(names)
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// SortByPriority puts names containing PriorityKeyword first, then sorts by name.
func SortByPriority(names []string) {
	sort.SliceStable(names, func(i, j int) bool { return priorityLess(names[i], names[j]) })
}

func priorityLess(a, b string) bool {
	ka, kb := hasKeyword(a), hasKeyword(b)
	if ka != kb {
		return ka
	}
	return a < b
}

func hasKeyword(name string) bool {
	return strings.Contains(strings.ToLower(name), PriorityKeyword)
}

// SanitizeName keeps letters and digits of any script, dot, underscore and dash.
func SanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(baseName(name), "_")
}

func baseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func uniqueName(dir, name string) string {
	if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, os.ErrNotExist) {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := stem + "_" + strconv.Itoa(i) + ext
		if _, err := os.Stat(filepath.Join(dir, candidate)); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
