package phash

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"uniclon/internal/filesystem"
)

// UpdateSummary records diff for name in a two-column CSV (file, phash_diff),
// keeping existing rows and sorting by file name.
func UpdateSummary(path, name string, diff int) error {
	entries, err := readSummary(path)
	if err != nil {
		return err
	}
	entries[filepath.Base(name)] = diff

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"file", "phash_diff"})
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		_ = w.Write([]string{n, strconv.Itoa(entries[n])})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return filesystem.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// ReadSummary loads the summary written by UpdateSummary. A missing file is
// an empty summary.
func ReadSummary(path string) (map[string]int, error) {
	return readSummary(path)
}

func readSummary(path string) (map[string]int, error) {
	entries := map[string]int{}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open summary: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary header: %w", err)
	}
	nameCol, diffCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "file", "filename":
			nameCol = i
		case "phash_diff":
			diffCol = i
		}
	}
	if nameCol < 0 || diffCol < 0 {
		return entries, nil
	}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read summary: %w", err)
		}
		if nameCol >= len(row) || diffCol >= len(row) {
			continue
		}
		name := strings.TrimSpace(row[nameCol])
		v, err := strconv.ParseFloat(strings.TrimSpace(row[diffCol]), 64)
		if name == "" || err != nil {
			continue
		}
		entries[name] = int(v)
	}
	return entries, nil
}
