// Package report renders a finished contract analysis as an XLSX workbook and
// stores it in the object store.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"contract-backend/internal/counterparty"
	"contract-backend/internal/shared/storage/object"
	"contract-backend/internal/summarize"
)

const (
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	sheetName   = "Отчёт"
	dateLayout  = "02.01.2006 15:04"
	emptyCell   = "—"
)

// Input is everything the report shows.
type Input struct {
	AnalysisID   string
	Title        string
	SummaryText  string
	SummaryItems []summarize.Item
	Counterparty []counterparty.Annotation
	FileNames    []string
	FormedAt     time.Time
}

// Key is the object-store key of an analysis report.
func Key(analysisID string) string {
	return "reports/" + analysisID + ".xlsx"
}

// Render builds the workbook: requisites, summary items, counterparty table,
// sources and formation date.
func Render(in Input) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}
	w := &sheetWriter{f: f, row: 1}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"F5F5F5"}, Pattern: 1},
	})
	if err != nil {
		return nil, err
	}
	wrap, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})
	if err != nil {
		return nil, err
	}

	title := in.Title
	if strings.TrimSpace(title) == "" {
		title = "Анализ договора"
	}
	formed := in.FormedAt
	if formed.IsZero() {
		formed = time.Now()
	}

	w.styled(bold, "Отчёт по анализу договора")
	w.next()
	w.pair("Реквизиты", title)
	w.pair("Дата формирования", formed.Format(dateLayout))
	if len(in.FileNames) > 0 {
		w.pair("Файлы", strings.Join(in.FileNames, ", "))
	}
	w.next()

	w.styled(bold, "Выжимка договора")
	w.next()
	w.header(header, "№", "Тема", "Содержание")
	if len(in.SummaryItems) == 0 {
		w.row3(1, emptyCell, orEmpty(in.SummaryText), wrap)
	}
	for i, item := range in.SummaryItems {
		w.row3(i+1, orEmpty(item.Label), item.Value, wrap)
	}
	w.next()

	w.styled(bold, "Проверка контрагента")
	w.next()
	w.header(header, "Пункт", "Статус", "Источник", "Дата проверки")
	var sources []string
	seen := map[string]bool{}
	for _, a := range in.Counterparty {
		checked := emptyCell
		if !a.CheckedAt.IsZero() {
			checked = a.CheckedAt.Format(dateLayout)
		}
		w.values(a.Name, string(a.Status), a.Source, checked)
		if a.Source != "" && !seen[a.Source] {
			seen[a.Source] = true
			sources = append(sources, a.Source)
		}
	}
	w.next()

	w.pair("Источники", orEmpty(strings.Join(sources, ", ")))
	w.pair("Сформировано", formed.Format(dateLayout))

	if w.err != nil {
		return nil, w.err
	}
	_ = f.SetColWidth(sheetName, "A", "A", 22)
	_ = f.SetColWidth(sheetName, "B", "B", 30)
	_ = f.SetColWidth(sheetName, "C", "C", 70)
	_ = f.SetColWidth(sheetName, "D", "D", 18)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

type sheetWriter struct {
	f   *excelize.File
	row int
	err error
}

func (w *sheetWriter) set(col int, v any) string {
	cell, err := excelize.CoordinatesToCellName(col, w.row)
	if err != nil {
		w.err = errors.Join(w.err, err)
		return ""
	}
	if err := w.f.SetCellValue(sheetName, cell, v); err != nil {
		w.err = errors.Join(w.err, err)
	}
	return cell
}

func (w *sheetWriter) next() { w.row++ }

func (w *sheetWriter) styled(style int, text string) {
	cell := w.set(1, text)
	if cell != "" {
		_ = w.f.SetCellStyle(sheetName, cell, cell, style)
	}
}

func (w *sheetWriter) pair(label, value string) {
	w.set(1, label)
	w.set(2, value)
	w.next()
}

func (w *sheetWriter) header(style int, titles ...string) {
	var first, last string
	for i, t := range titles {
		cell := w.set(i+1, t)
		if i == 0 {
			first = cell
		}
		last = cell
	}
	if first != "" && last != "" {
		_ = w.f.SetCellStyle(sheetName, first, last, style)
	}
	w.next()
}

func (w *sheetWriter) row3(n int, label, value string, style int) {
	w.set(1, n)
	w.set(2, label)
	if cell := w.set(3, value); cell != "" {
		_ = w.f.SetCellStyle(sheetName, cell, cell, style)
	}
	w.next()
}

func (w *sheetWriter) values(vals ...string) {
	for i, v := range vals {
		w.set(i+1, v)
	}
	w.next()
}

func orEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return emptyCell
	}
	return s
}

// Writer renders reports into an object store.
type Writer struct {
	Store object.ObjectStore
}

func NewWriter(store object.ObjectStore) *Writer {
	return &Writer{Store: store}
}

// Write renders in and stores it under Key(in.AnalysisID).
func (w *Writer) Write(ctx context.Context, in Input) (string, error) {
	if w == nil || w.Store == nil {
		return "", errors.New("report store not configured")
	}
	data, err := Render(in)
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	key := Key(in.AnalysisID)
	if _, err := w.Store.Put(ctx, key, ContentType, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return key, nil
}

// Delete removes a stored report.
func (w *Writer) Delete(ctx context.Context, key string) error {
	if w == nil || w.Store == nil || strings.TrimSpace(key) == "" {
		return nil
	}
	return w.Store.Delete(ctx, key)
}
