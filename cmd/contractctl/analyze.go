package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"contract-backend/internal/analyses"
	"contract-backend/internal/extract"
	"contract-backend/internal/staging"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze the contract files of a local folder",
	Long:  "Stages every supported file (and .zip archive) of --dir as a new analysis, runs the pipeline in-process and prints the resulting job as JSON.",
	RunE:  runAnalyze,
}

var (
	analyzeDir    string
	analyzeUserID string
)

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeDir, "dir", "d", "", "Folder with contract files (required)")
	analyzeCmd.Flags().StringVarP(&analyzeUserID, "user-id", "u", "contractctl", "Owner recorded on the analysis")
	_ = analyzeCmd.MarkFlagRequired("dir")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	paths, err := listFiles(analyzeDir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files in %s", analyzeDir)
	}

	app, err := buildApp()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	ctx := analyses.WithRequestID(cmd.Context(), "contractctl")
	svc := app.AnalysesService
	job, err := svc.Create(ctx, analyzeUserID)
	if err != nil {
		return fmt.Errorf("create analysis: %w", err)
	}

	uploads, closeAll, err := openFiles(paths)
	defer closeAll()
	if err != nil {
		return err
	}
	if _, err := svc.Stage(ctx, analyzeUserID, job.ID, uploads); err != nil {
		return fmt.Errorf("stage files: %w", err)
	}
	if err := app.Pipeline.ProcessAnalysis(ctx, job.ID); err != nil {
		return fmt.Errorf("process analysis: %w", err)
	}

	result, err := svc.Get(ctx, analyzeUserID, job.ID)
	if err != nil {
		return fmt.Errorf("fetch analysis: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if result.Status != analyses.StatusReady {
		return fmt.Errorf("analysis %s finished as %s", result.ID, result.Status)
	}
	return nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !stageable(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// stageable skips OS clutter and unsupported files so one stray file does
// not fail the whole upload.
func stageable(name string) bool {
	return extract.Allowed(name) || strings.EqualFold(filepath.Ext(name), ".zip")
}

func openFiles(paths []string) ([]staging.Upload, func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	uploads := make([]staging.Upload, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, closeAll, fmt.Errorf("open %s: %w", p, err)
		}
		files = append(files, f)
		uploads = append(uploads, staging.Upload{Name: filepath.Base(p), Reader: f})
	}
	return uploads, closeAll, nil
}
