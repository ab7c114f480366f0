// Package counterparty annotates a contract with counterparty risk checks.
//
// StubChecker is a deterministic placeholder: statuses are derived from a hash
// of the check key and the identifier, not from any registry. A real lookup
// can replace it behind the Checker interface.
package counterparty

import (
	"context"
	"hash/crc32"
	"time"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusOK      Status = "OK"
	StatusRisk    Status = "Risk"
	StatusWarning Status = "Warning"
)

// Annotation is one row of the counterparty table.
type Annotation struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Source    string    `json:"source"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker returns a fixed-shape list of annotations; it never fails.
type Checker interface {
	Check(ctx context.Context, identifier string) []Annotation
}

type catalogEntry struct {
	key    string
	name   string
	source string
}

var catalog = []catalogEntry{
	{key: "fssp", name: "ФССП", source: "ФССП (заглушка)"},
	{key: "fns_gir_bo", name: "ФНС (ГИР БО)", source: "ФНС ГИР БО (заглушка)"},
	{key: "court_cases", name: "Судебные дела", source: "Судебные дела (заглушка)"},
	{key: "mass_address", name: "Массовый адрес", source: "ЕГРЮЛ (заглушка)"},
	{key: "mass_director", name: "Массовый директор", source: "ЕГРЮЛ (заглушка)"},
	{key: "debt", name: "Наличие задолженности", source: "Налоговая (заглушка)"},
	{key: "zero_reporting", name: "Нулевая отчётность", source: "ФНС (заглушка)"},
	{key: "unreliability", name: "Признаки ненадёжности", source: "Сводный отчёт (заглушка)"},
}

// Keys returns the catalog keys in order.
func Keys() []string {
	out := make([]string, len(catalog))
	for i, e := range catalog {
		out[i] = e.key
	}
	return out
}

// StubChecker implements Checker with hash-bucketed statuses.
type StubChecker struct {
	Now func() time.Time
}

// NewStubChecker returns a StubChecker stamped with the wall clock.
func NewStubChecker() *StubChecker {
	return &StubChecker{Now: time.Now}
}

// Check annotates identifier against every catalog entry. An empty identifier
// marks every entry Warning.
func (c *StubChecker) Check(ctx context.Context, identifier string) []Annotation {
	_ = ctx
	now := time.Now
	if c != nil && c.Now != nil {
		now = c.Now
	}
	checkedAt := now().UTC()
	out := make([]Annotation, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, Annotation{
			Key:       e.key,
			Name:      e.name,
			Status:    stubStatus(e.key, identifier),
			Source:    e.source,
			CheckedAt: checkedAt,
		})
	}
	return out
}

func stubStatus(key, identifier string) Status {
	if identifier == "" {
		return StatusWarning
	}
	h := crc32.ChecksumIEEE([]byte(key + lastN(identifier, 4)))
	switch {
	case h%5 == 0:
		return StatusRisk
	case h%7 == 0:
		return StatusWarning
	default:
		return StatusOK
	}
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ Checker = (*StubChecker)(nil)
