// Package transform implements the transformation stage of the pipeline.
// A fixed pool of CPU-bound workers parses raw CSV payloads into normalized
// record batches. Transformation is a pure function of the payload bytes, so
// output never depends on worker identity or scheduling order.
package transform

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openhealthdata/provider-etl/internal/extractor"
)

// ParseError is returned when a payload cannot be parsed as the expected
// container format at all. Individual malformed records do not produce a
// ParseError; they are skipped and recorded on the batch instead.
type ParseError struct {
	// RecordIndex is the zero-based data row the failure was detected at,
	// or -1 for container-level failures.
	RecordIndex int
	Reason      string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.RecordIndex < 0 {
		return fmt.Sprintf("parse error: %s", e.Reason)
	}
	return fmt.Sprintf("parse error at record %d: %s", e.RecordIndex, e.Reason)
}

// Record is one normalized record, mapping column name to a typed value.
type Record map[string]any

// SkippedRow records a malformed row that was dropped from a batch.
type SkippedRow struct {
	Index  int
	Reason string
}

// Batch is an ordered sequence of normalized records for one dataset.
type Batch struct {
	Dataset string
	Table   string

	// Seq establishes the commit order of batches within the dataset.
	Seq int64

	Columns []string
	Records []Record
	Skipped []SkippedRow

	RetrievedAt  time.Time
	LastModified time.Time

	// Attempts is carried over from extraction for the run metadata.
	Attempts int
}

// Result is the outcome of transforming one payload: exactly one of Batch or
// Err is set.
type Result struct {
	Dataset  string
	Attempts int

	Batch *Batch
	Err   error
}

// Transform parses and normalizes a raw payload into a record batch.
//
// Column names are snake_cased and stripped to [a-z0-9_]. Malformed rows are
// skipped and recorded; the payload fails outright only if it cannot be read
// as CSV at all.
func Transform(p *extractor.Payload) (*Batch, error) {
	if !utf8.Valid(p.Body) {
		return nil, &ParseError{RecordIndex: -1, Reason: "payload is not valid UTF-8 text"}
	}

	r := csv.NewReader(bytes.NewReader(p.Body))
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		reason := "payload is empty"
		if !errors.Is(err, io.EOF) {
			reason = fmt.Sprintf("payload is not valid CSV: %v", err)
		}
		return nil, &ParseError{RecordIndex: -1, Reason: reason}
	}

	columns := normalizeColumns(header)

	batch := &Batch{
		Dataset:      p.Descriptor.ID,
		Table:        p.Descriptor.Table,
		Seq:          p.Seq,
		Columns:      columns,
		RetrievedAt:  p.RetrievedAt,
		LastModified: p.LastModified,
		Attempts:     p.Attempts,
	}

	for i := 0; ; i++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The reader recovers from row-level errors such as a wrong
			// field count; record the row and keep going.
			batch.Skipped = append(batch.Skipped, SkippedRow{Index: i, Reason: err.Error()})
			continue
		}
		if len(row) != len(columns) {
			batch.Skipped = append(batch.Skipped, SkippedRow{
				Index:  i,
				Reason: fmt.Sprintf("expected %d fields, got %d", len(columns), len(row)),
			})
			continue
		}

		record := make(Record, len(columns))
		for j, col := range columns {
			record[col] = inferValue(row[j])
		}
		batch.Records = append(batch.Records, record)
	}

	if len(batch.Skipped) > 0 {
		slog.Debug("Skipped malformed rows", "dataset", batch.Dataset, "skipped", len(batch.Skipped))
	}

	return batch, nil
}

// normalizeColumns snake_cases the header names and deduplicates collisions
// by appending a numeric suffix.
func normalizeColumns(header []string) []string {
	columns := make([]string, 0, len(header))
	seen := make(map[string]int, len(header))

	for i, name := range header {
		col := normalizeColumn(name)
		if col == "" {
			col = fmt.Sprintf("column_%d", i+1)
		}
		if n, ok := seen[col]; ok {
			seen[col] = n + 1
			col = fmt.Sprintf("%s_%d", col, n+1)
		}
		if _, ok := seen[col]; !ok {
			seen[col] = 1
		}
		columns = append(columns, col)
	}

	return columns
}

func normalizeColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")

	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			lastUnderscore = false
		case c == '_':
			if !lastUnderscore {
				b.WriteRune('_')
			}
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

// inferValue converts a CSV cell to an int64 or float64 when the conversion
// round-trips losslessly, and keeps the original string otherwise.
func inferValue(s string) any {
	if s == "" {
		return ""
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(i, 10) == s {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && strconv.FormatFloat(f, 'g', -1, 64) == s {
		return f
	}

	return s
}
