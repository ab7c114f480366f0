// Package settings holds the immutable pipeline configuration snapshot shared
// by the extractor, summarizer and orchestrator.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"contract-backend/internal/chunker"
	"contract-backend/internal/shared/config"
)

// Snapshot is built once at startup and passed by value into each component.
type Snapshot struct {
	MaxCharsPerRequest int           `validate:"gt=0"`
	ChunkSize          int           `validate:"gt=0"`
	ChunkOverlap       int           `validate:"gte=0"`
	MaxMergeInputChars int           `validate:"gt=0"`
	ChunkConcurrency   int           `validate:"gte=1,lte=16"`
	CallTimeout        time.Duration `validate:"gt=0"`

	Provider       string `validate:"required,oneof=openai gemini"`
	Model          string `validate:"required"`
	SystemPrompt   string `validate:"required"`
	MergePrompt    string `validate:"required"`
	FollowUpPrompt string `validate:"required"`

	OCRLanguage string

	StagingRoot     string `validate:"required"`
	MaxFileBytes    int64  `validate:"gt=0"`
	RetentionMonths int    `validate:"gte=1"`
	MaxAttempts     int    `validate:"gte=0"`
}

var validate = validator.New()

// DefaultModels is used when LLM_MODEL is unset for the active provider.
var DefaultModels = map[string]string{
	"openai": "gpt-4o-mini",
	"gemini": "gemini-1.5-flash",
}

// Defaults mirrors the production defaults of the contract pipeline.
func Defaults() Snapshot {
	return Snapshot{
		MaxCharsPerRequest: 35000,
		ChunkSize:          32000,
		ChunkOverlap:       2000,
		MaxMergeInputChars: 30000,
		ChunkConcurrency:   2,
		CallTimeout:        60 * time.Second,
		Provider:           "openai",
		Model:              DefaultModels["openai"],
		SystemPrompt:       DefaultSystemPrompt,
		MergePrompt:        DefaultMergePrompt,
		FollowUpPrompt:     DefaultFollowUpPrompt,
		OCRLanguage:        "rus+eng",
		StagingRoot:        "./data/staging",
		MaxFileBytes:       20 * 1024 * 1024,
		RetentionMonths:    6,
	}
}

// FromConfig overlays environment configuration on Defaults and validates the result.
func FromConfig(cfg config.Config) (Snapshot, error) {
	s := Defaults()
	if cfg.MaxCharsPerRequest > 0 {
		s.MaxCharsPerRequest = cfg.MaxCharsPerRequest
	}
	if cfg.ChunkSize > 0 {
		s.ChunkSize = cfg.ChunkSize
	}
	if cfg.ChunkOverlap >= 0 {
		s.ChunkOverlap = cfg.ChunkOverlap
	}
	if cfg.MaxMergeChars > 0 {
		s.MaxMergeInputChars = cfg.MaxMergeChars
	}
	if cfg.ChunkConcurrency > 0 {
		s.ChunkConcurrency = cfg.ChunkConcurrency
	}
	if cfg.CallTimeoutSeconds > 0 {
		s.CallTimeout = time.Duration(cfg.CallTimeoutSeconds) * time.Second
	}
	if p := strings.TrimSpace(cfg.LLMProvider); p != "" {
		s.Provider = strings.ToLower(p)
	}
	s.Model = strings.TrimSpace(cfg.LLMModel)
	if s.Model == "" {
		s.Model = DefaultModels[s.Provider]
	}
	if prompt := strings.TrimSpace(cfg.SystemPrompt); prompt != "" {
		s.SystemPrompt = prompt
	}
	if lang := strings.TrimSpace(cfg.TesseractLang); lang != "" {
		s.OCRLanguage = lang
	}
	if root := strings.TrimSpace(cfg.StagingDir); root != "" {
		s.StagingRoot = root
	}
	if cfg.MaxFileBytes > 0 {
		s.MaxFileBytes = cfg.MaxFileBytes
	}
	if cfg.RetentionMonths > 0 {
		s.RetentionMonths = cfg.RetentionMonths
	}
	if cfg.MaxAttempts > 0 {
		s.MaxAttempts = cfg.MaxAttempts
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Validate checks field constraints and clamps the chunk overlap into [0, ChunkSize-1].
func (s *Snapshot) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	s.ChunkOverlap = chunker.ClampOverlap(s.ChunkSize, s.ChunkOverlap)
	return nil
}
