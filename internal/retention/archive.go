package retention

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
)

// archive writes records to a timestamped file under e.archiveDir in the
// format cfg.ArchiveFormat requests, returning the file path and the
// number of records written. Parquet is accepted in PolicyConfig (the
// original's ArchiveFormat enum includes it) but has no writer here: the
// pack carries no Parquet encoder, and adding one via cgo (arrow/parquet-go)
// would be a heavier dependency than a control-plane archive step
// warrants, so it returns errs.UnsupportedFormat instead of silently
// falling back to another format.
func (e *Engine) archive(records []any, cfg PolicyConfig, dataType DataType) (string, int, error) {
	if len(records) == 0 {
		return "", 0, nil
	}
	if err := os.MkdirAll(e.archiveDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("retention: create archive dir: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s.%s", dataType, timestamp, cfg.ArchiveFormat)
	path := filepath.Join(e.archiveDir, filename)

	var writeErr error
	switch cfg.ArchiveFormat {
	case FormatJSON:
		writeErr = writeJSONArchive(records, path, false)
	case FormatCompressedJSON:
		writeErr = writeJSONArchive(records, path, true)
	case FormatCSV:
		writeErr = writeCSVArchive(records, path, false)
	case FormatCompressedCSV:
		writeErr = writeCSVArchive(records, path, true)
	case FormatParquet:
		writeErr = &errs.UnsupportedFormat{Format: string(cfg.ArchiveFormat)}
	default:
		writeErr = &errs.UnsupportedFormat{Format: string(cfg.ArchiveFormat)}
	}
	if writeErr != nil {
		return "", 0, writeErr
	}

	if _, err := os.Stat(path); err != nil {
		return "", 0, fmt.Errorf("retention: stat archive: %w", err)
	}
	return path, len(records), nil
}

// Restore reads back an archive file written by archive and returns one
// map[string]any per record, keyed by the field names archive wrote
// (json tags for JSON formats, CSV header columns for CSV formats). The
// format is inferred from path's suffix, the same one archive used to name
// the file. Values come back untyped: JSON archives yield encoding/json's
// generic values (numbers as float64, timestamps as strings), and CSV
// archives yield every value as the string archive wrote, so the original
// Go field types are not restored.
func Restore(path string) ([]map[string]any, error) {
	switch {
	case strings.HasSuffix(path, "."+string(FormatCompressedJSON)):
		return readJSONArchive(path, true)
	case strings.HasSuffix(path, "."+string(FormatJSON)):
		return readJSONArchive(path, false)
	case strings.HasSuffix(path, "."+string(FormatCompressedCSV)):
		return readCSVArchive(path, true)
	case strings.HasSuffix(path, "."+string(FormatCSV)):
		return readCSVArchive(path, false)
	default:
		return nil, &errs.UnsupportedFormat{Format: filepath.Ext(path)}
	}
}

func openArchiveReader(path string, compressed bool) (io.ReadCloser, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("retention: open archive file: %w", err)
	}
	if !compressed {
		return f, func() error { return nil }, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("retention: open gzip archive: %w", err)
	}
	return gz, f.Close, nil
}

func readJSONArchive(path string, compressed bool) ([]map[string]any, error) {
	r, closeUnderlying, err := openArchiveReader(path, compressed)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	defer closeUnderlying()

	var rows []map[string]any
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("retention: decode json archive: %w", err)
	}
	return rows, nil
}

// readCSVArchive parses a CSV archive back into rows keyed by its header.
// CSV has no type information, so every value comes back as the string
// writeCSVArchive produced via fmt.Sprint -- callers comparing against
// the pre-archive records must stringify the same way.
func readCSVArchive(path string, compressed bool) ([]map[string]any, error) {
	r, closeUnderlying, err := openArchiveReader(path, compressed)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	defer closeUnderlying()

	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("retention: read csv archive: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := make([]map[string]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writeJSONArchive(records []any, path string, compress bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("retention: create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if compress {
		gz := gzip.NewWriter(f)
		defer gz.Close()
		enc = json.NewEncoder(gz)
	}
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("retention: encode json archive: %w", err)
	}
	return nil
}

// writeCSVArchive flattens each record to a map via its JSON tags (the
// same tags sqlx uses for `db`-tagged sibling columns are mirrored on the
// model's `json` tags), takes the header from the union of keys across
// every row sorted for determinism, and writes one CSV row per record.
// There's no third-party CSV writer in the pack carrying richer DataFrame
// semantics (the original falls back to Python's stdlib csv module when
// pandas isn't installed); encoding/csv is the direct equivalent here.
func writeCSVArchive(records []any, path string, compress bool) error {
	rows := make([]map[string]any, len(records))
	headerSet := map[string]bool{}
	for i, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("retention: marshal record for csv: %w", err)
		}
		row := map[string]any{}
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("retention: unmarshal record for csv: %w", err)
		}
		rows[i] = row
		for k := range row {
			headerSet[k] = true
		}
	}
	header := make([]string, 0, len(headerSet))
	for k := range headerSet {
		header = append(header, k)
	}
	sort.Strings(header)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("retention: create archive file: %w", err)
	}
	defer f.Close()

	var w *csv.Writer
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(f)
		defer gz.Close()
		w = csv.NewWriter(gz)
	} else {
		w = csv.NewWriter(f)
	}

	if err := w.Write(header); err != nil {
		return fmt.Errorf("retention: write csv header: %w", err)
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, col := range header {
			record[i] = fmt.Sprint(row[col])
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("retention: write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
