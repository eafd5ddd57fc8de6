package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"uniclon/internal/logging"
	"uniclon/internal/phash"
	"uniclon/internal/uniqueness"
	"uniclon/internal/workers"
)

// Auditor supplies the quality metrics of the copies a batch produced.
type Auditor interface {
	Metrics(ctx context.Context, source string, copies []string) ([]uniqueness.CopyMetrics, []uniqueness.ManifestRow, error)
}

// ReportAuditor reads the quality report and manifest the transcode script
// writes. When FFmpegPath is set, copies without a pHash diff are compared
// against the source directly.
type ReportAuditor struct {
	QCReportPath string
	ManifestPath string
	SummaryPath  string
	FFmpegPath   string
}

// NewReportAuditor uses the default file names under checksDir and outputDir.
func NewReportAuditor(checksDir, outputDir, ffmpegPath string) *ReportAuditor {
	return &ReportAuditor{
		QCReportPath: filepath.Join(checksDir, "uniclon_report.csv"),
		ManifestPath: filepath.Join(outputDir, "manifest.csv"),
		SummaryPath:  filepath.Join(checksDir, "phash_summary.csv"),
		FFmpegPath:   ffmpegPath,
	}
}

// Metrics returns uniqueness.ErrNoReport when neither file has a row for any
// of copies.
func (a *ReportAuditor) Metrics(ctx context.Context, source string, copies []string) ([]uniqueness.CopyMetrics, []uniqueness.ManifestRow, error) {
	qc, err := uniqueness.LoadQCReport(a.QCReportPath)
	if err != nil && !errors.Is(err, uniqueness.ErrNoReport) {
		return nil, nil, fmt.Errorf("quality report: %w", err)
	}

	manifest, err := uniqueness.LoadManifest(a.ManifestPath)
	if err != nil && !errors.Is(err, uniqueness.ErrNoReport) {
		logging.Warn("Manifest %s unreadable: %v", a.ManifestPath, err)
	}
	manifest = uniqueness.AnnotateMetaHash(manifest)

	collected := uniqueness.Collect(copies, qc, manifest)
	if len(collected) == 0 {
		return nil, manifest, uniqueness.ErrNoReport
	}

	if a.FFmpegPath != "" {
		a.fillPHash(ctx, source, copies, collected)
	}
	return collected, manifest, nil
}

// fillPHash compares copies lacking a pHash diff against the source, a few
// at a time, and records the results in the summary file.
func (a *ReportAuditor) fillPHash(ctx context.Context, source string, copies []string, collected []uniqueness.CopyMetrics) {
	paths := make(map[string]string, len(copies))
	for _, c := range copies {
		paths[filepath.Base(c)] = c
	}

	diffs := make([]int, len(collected))
	found := make([]bool, len(collected))
	sem := make(chan struct{}, workers.ForCPU(4))
	var wg sync.WaitGroup
	for i, m := range collected {
		path, ok := paths[m.CopyName]
		if m.PHashDiff.Valid || !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			diff, err := phash.CompareVideos(ctx, a.FFmpegPath, source, path)
			if err != nil {
				logging.Warn("pHash compare failed for %s: %v", m.CopyName, err)
				return
			}
			diffs[i], found[i] = diff, true
		}()
	}
	wg.Wait()

	for i := range collected {
		if !found[i] {
			continue
		}
		m := &collected[i]
		m.PHashDiff = sql.NullFloat64{Float64: float64(diffs[i]), Valid: true}
		m.Normalize()
		if a.SummaryPath == "" {
			continue
		}
		if err := phash.UpdateSummary(a.SummaryPath, m.CopyName, diffs[i]); err != nil {
			logging.Warn("pHash summary not updated: %v", err)
		}
	}
}
