package uniqueness

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoReport means there were no usable metrics for the batch.
var ErrNoReport = errors.New("uniqueness: no quality report")

// Status is the quality verdict of one copy.
type Status string

const (
	StatusOK         Status = "ok"
	StatusLowQuality Status = "low_quality"
	StatusError      Status = "error"
)

// CopyMetrics are the measured values of one rendered copy. Absent or
// unparseable values are invalid rather than zero.
type CopyMetrics struct {
	CopyName          string
	SSIM              sql.NullFloat64
	PSNR              sql.NullFloat64
	PHashDiff         sql.NullFloat64
	BitrateKbps       sql.NullFloat64
	TargetBitrateKbps sql.NullFloat64
	Status            Status
}

// InvalidMetrics reports whether the copy failed or lacks a positive SSIM,
// PSNR or bitrate. A present pHash diff must also be positive.
func (m CopyMetrics) InvalidMetrics() bool {
	if strings.EqualFold(string(m.Status), string(StatusError)) {
		return true
	}
	for _, v := range []sql.NullFloat64{m.SSIM, m.PSNR, m.BitrateKbps} {
		if !v.Valid || v.Float64 <= 0 {
			return true
		}
	}
	return m.PHashDiff.Valid && m.PHashDiff.Float64 <= 0
}

// Normalize folds unknown statuses to ok and marks copies with invalid
// metrics as errors.
func (m *CopyMetrics) Normalize() {
	switch s := Status(strings.ToLower(strings.TrimSpace(string(m.Status)))); s {
	case StatusOK, StatusLowQuality, StatusError:
		m.Status = s
	default:
		m.Status = StatusOK
	}
	if m.InvalidMetrics() {
		m.Status = StatusError
	}
}

// ManifestRow is one line of the render manifest: the copy's metrics plus
// the metadata the external script stamped on it.
type ManifestRow struct {
	CopyMetrics
	Profile      string
	Encoder      string
	Software     string
	CreationTime string
	Seed         string
	MetaHash     string
}

var (
	nameColumns    = []string{"copy", "file", "filename"}
	statusColumns  = []string{"status", "verdict"}
	ssimColumns    = []string{"ssim"}
	psnrColumns    = []string{"psnr"}
	phashColumns   = []string{"phash", "phash_diff", "phash_delta"}
	bitrateColumns = []string{"bitrate", "bitrate_kbps"}
	targetColumns  = []string{"target_bitrate", "bitrate_target"}
)

// table is a CSV file with case-insensitive column lookup.
type table struct {
	columns map[string]int
	rows    [][]string
}

func readTable(path string) (*table, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s not found", ErrNoReport, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoReport, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrNoReport, path, err)
	}

	t := &table{columns: make(map[string]int, len(header))}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := t.columns[key]; !dup {
			t.columns[key] = i
		}
	}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrNoReport, path, err)
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

// get returns the first non-empty value among the aliased columns.
func (t *table) get(row []string, aliases ...string) string {
	for _, a := range aliases {
		i, ok := t.columns[a]
		if !ok || i >= len(row) {
			continue
		}
		if v := strings.TrimSpace(row[i]); v != "" {
			return v
		}
	}
	return ""
}

func (t *table) float(row []string, aliases ...string) sql.NullFloat64 {
	return parseFloat(t.get(row, aliases...))
}

func parseFloat(text string) sql.NullFloat64 {
	switch text {
	case "", "NA", "N/A", "None", "nan", "NaN":
		return sql.NullFloat64{}
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64)
	if err != nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func (t *table) metrics(row []string) (CopyMetrics, bool) {
	name := t.get(row, nameColumns...)
	if name == "" {
		return CopyMetrics{}, false
	}
	return CopyMetrics{
		CopyName:          filepath.Base(name),
		Status:            Status(t.get(row, statusColumns...)),
		SSIM:              t.float(row, ssimColumns...),
		PSNR:              t.float(row, psnrColumns...),
		PHashDiff:         t.float(row, phashColumns...),
		BitrateKbps:       t.float(row, bitrateColumns...),
		TargetBitrateKbps: t.float(row, targetColumns...),
	}, true
}

// LoadQCReport reads the quality-check CSV keyed by copy file name. Column
// names are matched case-insensitively with the usual aliases (copy, file or
// filename; status or verdict; phash or phash_diff; bitrate or bitrate_kbps).
func LoadQCReport(path string) (map[string]CopyMetrics, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]CopyMetrics, len(t.rows))
	for _, row := range t.rows {
		m, ok := t.metrics(row)
		if !ok {
			continue
		}
		m.Normalize()
		out[m.CopyName] = m
	}
	return out, nil
}

// LoadManifest reads the render manifest in file order.
func LoadManifest(path string) ([]ManifestRow, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}
	out := make([]ManifestRow, 0, len(t.rows))
	for _, row := range t.rows {
		m, ok := t.metrics(row)
		if !ok {
			continue
		}
		out = append(out, ManifestRow{
			CopyMetrics:  m,
			Profile:      t.get(row, "profile"),
			Encoder:      t.get(row, "encoder"),
			Software:     t.get(row, "software"),
			CreationTime: t.get(row, "creation_time"),
			Seed:         t.get(row, "seed"),
		})
	}
	return out, nil
}

// Collect assembles the metrics of the named copies. Manifest values win; QC
// values fill the gaps and supply the status. Copies found in neither source
// are left out.
func Collect(copies []string, qc map[string]CopyMetrics, manifest []ManifestRow) []CopyMetrics {
	byName := make(map[string]CopyMetrics, len(manifest))
	for _, row := range manifest {
		byName[row.CopyName] = row.CopyMetrics
	}

	var out []CopyMetrics
	for _, c := range copies {
		name := filepath.Base(c)
		m, fromManifest := byName[name]
		q, fromQC := qc[name]
		switch {
		case fromManifest && fromQC:
			m.SSIM = orElse(m.SSIM, q.SSIM)
			m.PSNR = orElse(m.PSNR, q.PSNR)
			m.PHashDiff = orElse(m.PHashDiff, q.PHashDiff)
			m.BitrateKbps = orElse(m.BitrateKbps, q.BitrateKbps)
			m.TargetBitrateKbps = orElse(m.TargetBitrateKbps, q.TargetBitrateKbps)
			m.Status = q.Status
		case fromQC:
			m = q
		case !fromManifest:
			continue
		}
		m.CopyName = name
		m.Normalize()
		out = append(out, m)
	}
	return out
}

func orElse(v, fallback sql.NullFloat64) sql.NullFloat64 {
	if v.Valid {
		return v
	}
	return fallback
}
