package analyses

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"contract-backend/internal/report"
	"contract-backend/internal/shared/server/middleware"
	"contract-backend/internal/shared/server/respond"
	"contract-backend/internal/staging"
)

// ReportOpener reads stored report artifacts.
type ReportOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc     *Service
	Reports ReportOpener
	polls   *pollLimiter
}

// NewHandler constructs a Handler. reports may be nil.
func NewHandler(svc *Service, reports ReportOpener) *Handler {
	return &Handler{Svc: svc, Reports: reports, polls: newPollLimiter(pollLimitWindow, nil)}
}

// RegisterRoutes attaches analysis routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyses", h.createAnalysis)
	rg.GET("/analyses", h.listAnalyses)
	rg.POST("/analyses/:id/files", h.uploadFiles)
	rg.POST("/analyses/:id/start", h.startAnalysis)
	rg.GET("/analyses/:id", h.getAnalysis)
	rg.GET("/analyses/:id/report", h.downloadReport)
	rg.GET("/analyses/:id/messages", h.listMessages)
	rg.POST("/analyses/:id/messages", h.askQuestion)
}

func (h *Handler) createAnalysis(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	analysis, err := h.Svc.Create(h.ctx(c), userID)
	if err != nil {
		h.fail(c, err, "failed to create analysis")
		return
	}
	c.Set(middleware.AnalysisIDKey, analysis.ID)
	c.Set(middleware.StatusTransitionKey, "->draft")
	respond.JSON(c, http.StatusCreated, gin.H{
		"analysisId": analysis.ID,
		"status":     analysis.Status,
	})
}

func (h *Handler) uploadFiles(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	analysisID := c.Param("id")
	c.Set(middleware.AnalysisIDKey, analysisID)

	form, err := c.MultipartForm()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "multipart form with files is required", nil)
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["file"]
	}
	if len(headers) == 0 {
		respond.Error(c, http.StatusBadRequest, "validation_error", "no files uploaded", []map[string]string{
			{"field": "files", "issue": "required"},
		})
		return
	}

	uploads, closeAll, err := openUploads(headers)
	defer closeAll()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "failed to read upload", nil)
		return
	}

	analysis, err := h.Svc.Stage(h.ctx(c), userID, analysisID, uploads)
	if err != nil {
		h.fail(c, err, "failed to stage files")
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{
		"analysisId": analysis.ID,
		"status":     analysis.Status,
		"fileNames":  analysis.FileNames,
	})
}

func openUploads(headers []*multipart.FileHeader) ([]staging.Upload, func(), error) {
	var files []multipart.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	uploads := make([]staging.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, err
		}
		files = append(files, f)
		uploads = append(uploads, staging.Upload{Name: fh.Filename, Reader: f})
	}
	return uploads, closeAll, nil
}

func (h *Handler) startAnalysis(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	analysisID := c.Param("id")
	c.Set(middleware.AnalysisIDKey, analysisID)

	analysis, err := h.Svc.Start(h.ctx(c), userID, analysisID)
	if err != nil {
		h.fail(c, err, "failed to start analysis")
		return
	}
	c.Set(middleware.StatusTransitionKey, "draft->queued")
	respond.JSON(c, http.StatusAccepted, gin.H{
		"analysisId": analysis.ID,
		"status":     analysis.Status,
		"queued":     true,
	})
}

func (h *Handler) getAnalysis(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	analysisID := c.Param("id")
	c.Set(middleware.AnalysisIDKey, analysisID)

	if !h.polls.Allow(userID, analysisID) {
		c.Header("Retry-After", strconv.Itoa(h.polls.RetryAfterSeconds()))
		respond.Error(c, http.StatusTooManyRequests, "rate_limited", "polling too frequently", nil)
		return
	}

	analysis, err := h.Svc.Get(h.ctx(c), userID, analysisID)
	if err != nil {
		h.fail(c, err, "failed to fetch analysis")
		return
	}
	respond.JSON(c, http.StatusOK, pollView(analysis))
}

// pollView exposes the state machine, and the results once the job is ready.
func pollView(a Analysis) gin.H {
	resp := gin.H{
		"id":             a.ID,
		"status":         a.Status,
		"processingStep": a.Step,
	}
	if a.Status == StatusReady {
		resp["title"] = a.Title
		resp["summaryText"] = a.SummaryText
		resp["summaryItems"] = a.SummaryItems
		resp["counterpartyCheck"] = a.Counterparty
		resp["reportAvailable"] = a.ReportKey != ""
	}
	return resp
}

func (h *Handler) listAnalyses(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	limit := queryInt(c, "limit", 20)
	if limit < 0 {
		limit = 0
	}
	if limit > 100 {
		limit = 100
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	items, err := h.Svc.List(h.ctx(c), userID, c.Query("search"), limit, offset)
	if err != nil {
		h.fail(c, err, "failed to list analyses")
		return
	}

	resp := make([]gin.H, 0, len(items))
	for _, a := range items {
		item := gin.H{
			"analysisId":     a.ID,
			"status":         a.Status,
			"processingStep": a.Step,
			"createdAt":      a.CreatedAt,
		}
		if a.Status == StatusReady {
			item["title"] = a.Title
		}
		resp = append(resp, item)
	}
	respond.JSON(c, http.StatusOK, respond.Page[gin.H]{Items: resp, Limit: limit, Offset: offset})
}

func (h *Handler) downloadReport(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	analysisID := c.Param("id")
	c.Set(middleware.AnalysisIDKey, analysisID)

	analysis, err := h.Svc.Get(h.ctx(c), userID, analysisID)
	if err != nil {
		h.fail(c, err, "failed to fetch analysis")
		return
	}
	if analysis.Status != StatusReady || analysis.ReportKey == "" || h.Reports == nil {
		respond.Error(c, http.StatusNotFound, "not_found", "report not available", nil)
		return
	}
	body, err := h.Reports.Open(h.ctx(c), analysis.ReportKey)
	if err != nil {
		respond.Error(c, http.StatusNotFound, "not_found", "report not available", nil)
		return
	}
	defer body.Close()

	c.Header("Content-Disposition", `attachment; filename="analysis-`+analysis.ID+`.xlsx"`)
	c.DataFromReader(http.StatusOK, -1, report.ContentType, body, nil)
}

type askRequest struct {
	Content string `json:"content"`
}

func (h *Handler) askQuestion(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	analysisID := c.Param("id")
	c.Set(middleware.AnalysisIDKey, analysisID)

	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	turns, err := h.Svc.Ask(h.ctx(c), userID, analysisID, req.Content)
	if err != nil {
		h.fail(c, err, "failed to answer question")
		return
	}
	respond.JSON(c, http.StatusCreated, gin.H{"messages": turns})
}

func (h *Handler) listMessages(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	analysisID := c.Param("id")
	c.Set(middleware.AnalysisIDKey, analysisID)

	messages, err := h.Svc.Conversation(h.ctx(c), userID, analysisID)
	if err != nil {
		h.fail(c, err, "failed to load messages")
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) ctx(c *gin.Context) context.Context {
	return WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
}

func (h *Handler) fail(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
	case errors.Is(err, ErrAttemptsExhausted):
		respond.Error(c, http.StatusConflict, "attempts_exhausted", "analysis retry limit reached", nil)
	case errors.Is(err, ErrNotClaimable):
		respond.Error(c, http.StatusConflict, "conflict", "analysis must be a draft with uploaded files", nil)
	case errors.Is(err, ErrInvalidTransition):
		respond.Error(c, http.StatusConflict, "conflict", "analysis is not a draft", nil)
	case errors.Is(err, staging.ErrTooLarge):
		respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", err.Error(), nil)
	case errors.Is(err, staging.ErrUnsupported),
		errors.Is(err, staging.ErrEmptyArchive),
		errors.Is(err, staging.ErrCorruptArchive),
		errors.Is(err, staging.ErrNoUploads):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, ErrInvalidQuestion):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), []map[string]string{
			{"field": "content", "issue": "length"},
		})
	case errors.Is(err, ErrNotReady):
		respond.Error(c, http.StatusConflict, "conflict", "analysis is not ready", nil)
	case errors.Is(err, ErrAnswerUnavailable):
		respond.Error(c, http.StatusBadGateway, "upstream_error", "model did not answer, please retry", nil)
	case errors.Is(err, ErrChatNotConfigured):
		respond.Error(c, http.StatusServiceUnavailable, "unavailable", "follow-up questions are not configured", nil)
	case errors.Is(err, ErrJobQueueNotConfigured):
		respond.Error(c, http.StatusServiceUnavailable, "unavailable", "analysis queue is not configured", nil)
	case errors.Is(err, context.DeadlineExceeded):
		respond.Error(c, http.StatusGatewayTimeout, "timeout", fallback, nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}
