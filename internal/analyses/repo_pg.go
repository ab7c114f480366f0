package analyses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"contract-backend/internal/shared/telemetry"
)

// PGRepo implements Repo using Postgres through the pgx database/sql driver.
type PGRepo struct {
	DB *sql.DB
}

const selectColumns = `
SELECT id, user_id, title, status, processing_step, summary_text, summary_items,
       counterparty_check, staged_path, file_names, report_key, attempts, created_at, updated_at
FROM contract_analyses`

// Create inserts a new analysis.
func (r *PGRepo) Create(ctx context.Context, analysis Analysis) error {
	const query = `
INSERT INTO contract_analyses (
	id, user_id, title, status, processing_step, summary_text, summary_items,
	counterparty_check, staged_path, file_names, report_key, attempts, created_at, updated_at
)
VALUES ($1, $2, $3, $4, NULL, '', $5, $6, NULL, $7, '', 0, $8, $8)`
	if analysis.Status == "" {
		analysis.Status = StatusDraft
	}
	items, err := marshalJSONB(analysis.SummaryItems)
	if err != nil {
		return err
	}
	checks, err := marshalJSONB(analysis.Counterparty)
	if err != nil {
		return err
	}
	files, err := marshalJSONB(analysis.FileNames)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query,
		analysis.ID,
		analysis.UserID,
		analysis.Title,
		string(analysis.Status),
		items,
		checks,
		files,
		analysis.CreatedAt,
	)
	return err
}

// GetByID returns an analysis by ID.
func (r *PGRepo) GetByID(ctx context.Context, analysisID string) (Analysis, error) {
	row := r.DB.QueryRowContext(ctx, selectColumns+`
WHERE id = $1
LIMIT 1`, analysisID)
	a, err := scanAnalysis(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Analysis{}, ErrNotFound
		}
		return Analysis{}, err
	}
	return a, nil
}

// ListByUser returns analyses for a user ordered newest first.
func (r *PGRepo) ListByUser(ctx context.Context, userID, search string, limit, offset int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.DB.QueryContext(ctx, selectColumns+`
WHERE user_id = $1
  AND ($2::text = '' OR title ILIKE $2 ESCAPE '\')
ORDER BY created_at DESC
LIMIT $3 OFFSET $4`, userID, titlePattern(search), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// titlePattern turns a search string into an ILIKE pattern, or "" for no filter.
func titlePattern(search string) string {
	search = strings.TrimSpace(search)
	if search == "" {
		return ""
	}
	return "%" + likeEscaper.Replace(search) + "%"
}

func (r *PGRepo) SetStaged(ctx context.Context, analysisID, stagedPath string, fileNames []string) error {
	files, err := marshalJSONB(fileNames)
	if err != nil {
		return err
	}
	const query = `
UPDATE contract_analyses
SET staged_path = $2, file_names = $3, updated_at = NOW()
WHERE id = $1 AND status = 'draft'`
	res, err := r.DB.ExecContext(ctx, query, analysisID, stagedPath, files)
	if err != nil {
		return err
	}
	return r.expectOne(ctx, res, analysisID)
}

// ClaimForProcessing relies on the row lock taken by UPDATE so that only one
// concurrent caller sees the draft row.
func (r *PGRepo) ClaimForProcessing(ctx context.Context, analysisID string, maxAttempts int) (Analysis, error) {
	row := r.DB.QueryRowContext(ctx, `
UPDATE contract_analyses
SET status = 'processing', processing_step = 'extracting', attempts = attempts + 1, updated_at = NOW()
WHERE id = $1
  AND status = 'draft'
  AND staged_path IS NOT NULL
  AND ($2 <= 0 OR attempts < $2)
RETURNING id, user_id, title, status, processing_step, summary_text, summary_items,
          counterparty_check, staged_path, file_names, report_key, attempts, created_at, updated_at`,
		analysisID, maxAttempts)
	a, err := scanAnalysis(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Analysis{}, err
	}

	current, getErr := r.GetByID(ctx, analysisID)
	if getErr != nil {
		return Analysis{}, getErr
	}
	if current.Status == StatusDraft && current.Staged() && maxAttempts > 0 && current.Attempts >= maxAttempts {
		return Analysis{}, ErrAttemptsExhausted
	}
	return Analysis{}, ErrNotClaimable
}

func (r *PGRepo) UpdateStep(ctx context.Context, analysisID string, attempt int, step Step) error {
	if !step.Valid() {
		return ErrInvalidTransition
	}
	const query = `
UPDATE contract_analyses
SET processing_step = $3, updated_at = NOW()
WHERE id = $1 AND status = 'processing' AND attempts = $2`
	res, err := r.DB.ExecContext(ctx, query, analysisID, attempt, string(step))
	if err != nil {
		return err
	}
	return r.expectRun(ctx, res, analysisID)
}

func (r *PGRepo) Touch(ctx context.Context, analysisID string, attempt int) error {
	const query = `
UPDATE contract_analyses
SET updated_at = NOW()
WHERE id = $1 AND status = 'processing' AND attempts = $2`
	res, err := r.DB.ExecContext(ctx, query, analysisID, attempt)
	if err != nil {
		return err
	}
	return r.expectRun(ctx, res, analysisID)
}

func (r *PGRepo) Complete(ctx context.Context, analysisID string, attempt int, result Result) error {
	items, err := marshalJSONB(result.SummaryItems)
	if err != nil {
		return err
	}
	checks, err := marshalJSONB(result.Counterparty)
	if err != nil {
		return err
	}
	const query = `
UPDATE contract_analyses
SET status = 'ready', processing_step = NULL, staged_path = NULL,
    title = $3, summary_text = $4, summary_items = $5, counterparty_check = $6, updated_at = NOW()
WHERE id = $1 AND status = 'processing' AND attempts = $2`
	res, err := r.DB.ExecContext(ctx, query, analysisID, attempt, result.Title, result.SummaryText, items, checks)
	if err != nil {
		return err
	}
	return r.expectRun(ctx, res, analysisID)
}

func (r *PGRepo) Fail(ctx context.Context, analysisID string, attempt int) error {
	const query = `
UPDATE contract_analyses
SET status = 'draft', processing_step = NULL, staged_path = NULL, updated_at = NOW()
WHERE id = $1 AND status = 'processing' AND attempts = $2`
	res, err := r.DB.ExecContext(ctx, query, analysisID, attempt)
	if err != nil {
		return err
	}
	return r.expectRun(ctx, res, analysisID)
}

func (r *PGRepo) SetReportKey(ctx context.Context, analysisID, key string) error {
	const query = `
UPDATE contract_analyses
SET report_key = $2, updated_at = NOW()
WHERE id = $1`
	res, err := r.DB.ExecContext(ctx, query, analysisID, key)
	if err != nil {
		return err
	}
	return r.expectOne(ctx, res, analysisID)
}

func (r *PGRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]Analysis, error) {
	rows, err := r.DB.QueryContext(ctx, `
DELETE FROM contract_analyses
WHERE created_at < $1
RETURNING id, user_id, title, status, processing_step, summary_text, summary_items,
          counterparty_check, staged_path, file_names, report_key, attempts, created_at, updated_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (r *PGRepo) ResetStale(ctx context.Context, cutoff time.Time) ([]Analysis, error) {
	// The CTE captures the pre-reset staged_path so callers can remove workspaces.
	rows, err := r.DB.QueryContext(ctx, `
WITH stale AS (
	SELECT id, user_id, title, status, processing_step, summary_text, summary_items,
	       counterparty_check, staged_path, file_names, report_key, attempts, created_at, updated_at
	FROM contract_analyses
	WHERE status = 'processing' AND updated_at < $1
	FOR UPDATE
), reset AS (
	UPDATE contract_analyses c
	SET status = 'draft', processing_step = NULL, staged_path = NULL, updated_at = NOW()
	FROM stale
	WHERE c.id = stale.id
)
SELECT id, user_id, title, status, processing_step, summary_text, summary_items,
       counterparty_check, staged_path, file_names, report_key, attempts, created_at, updated_at
FROM stale`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// AddMessages inserts messages in one transaction; seq keeps their order.
func (r *PGRepo) AddMessages(ctx context.Context, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	const query = `
INSERT INTO analysis_messages (id, analysis_id, role, content, created_at)
VALUES ($1, $2, $3, $4, $5)`
	for _, m := range messages {
		if _, err := tx.ExecContext(ctx, query, m.ID, m.AnalysisID, m.Role, m.Content, m.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (r *PGRepo) ListMessages(ctx context.Context, analysisID string) ([]Message, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT id, analysis_id, role, content, created_at
FROM analysis_messages
WHERE analysis_id = $1
ORDER BY seq`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.AnalysisID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// expectOne maps a zero-row update to ErrNotFound or ErrInvalidTransition.
func (r *PGRepo) expectOne(ctx context.Context, res sql.Result, analysisID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM contract_analyses WHERE id = $1)`, analysisID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// expectRun is expectOne for updates fenced on the claimed attempt.
func (r *PGRepo) expectRun(ctx context.Context, res sql.Result, analysisID string) error {
	err := r.expectOne(ctx, res, analysisID)
	if errors.Is(err, ErrInvalidTransition) {
		return ErrRunSuperseded
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (Analysis, error) {
	var (
		a           Analysis
		status      string
		step        sql.NullString
		items       []byte
		checks      []byte
		staged      sql.NullString
		files       []byte
		title       sql.NullString
		summaryText sql.NullString
		reportKey   sql.NullString
	)
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&title,
		&status,
		&step,
		&summaryText,
		&items,
		&checks,
		&staged,
		&files,
		&reportKey,
		&a.Attempts,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Analysis{}, err
	}
	a.Status = Status(status)
	a.Title = title.String
	a.SummaryText = summaryText.String
	a.ReportKey = reportKey.String
	if step.Valid && step.String != "" {
		a.Step = stepPtr(Step(step.String))
	}
	if staged.Valid && staged.String != "" {
		a.StagedPath = stringPtr(staged.String)
	}
	if err := unmarshalJSONB(items, &a.SummaryItems); err != nil {
		telemetry.Warn("analysis.decode_failed", map[string]any{"analysis_id": a.ID, "column": "summary_items", "error": err})
	}
	if err := unmarshalJSONB(checks, &a.Counterparty); err != nil {
		telemetry.Warn("analysis.decode_failed", map[string]any{"analysis_id": a.ID, "column": "counterparty_check", "error": err})
	}
	if err := unmarshalJSONB(files, &a.FileNames); err != nil {
		telemetry.Warn("analysis.decode_failed", map[string]any{"analysis_id": a.ID, "column": "file_names", "error": err})
	}
	return a, nil
}

func scanRows(rows *sql.Rows) ([]Analysis, error) {
	var out []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Analysis{}
	}
	return out, nil
}

func marshalJSONB(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	if string(payload) == "null" {
		return []byte("[]"), nil
	}
	return payload, nil
}

func unmarshalJSONB(raw []byte, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

var (
	_ Repo        = (*PGRepo)(nil)
	_ MessageRepo = (*PGRepo)(nil)
)
