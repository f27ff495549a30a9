// Package source provides tabular data adapters for the replay controllers.
package source

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tathienbao/replay-engine/internal/replay"
	"github.com/tathienbao/replay-engine/internal/types"
)

// CSVSource is a fully loaded CSV file. Numeric cells are parsed to int64 or
// float64; everything else stays a string.
type CSVSource struct {
	columns  []string
	rows     []map[string]any
	tsColumn string
	stamps   []time.Time
	hasStamp []bool
}

// LoadCSV reads a CSV file with a header row. When tsColumn is non-empty its
// values become the time index; rows that fail to parse carry no timestamp.
func LoadCSV(path, tsColumn string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv %s: %w", path, types.ErrNoData)
	}

	header := records[0]
	s := &CSVSource{
		columns:  header,
		rows:     make([]map[string]any, 0, len(records)-1),
		tsColumn: tsColumn,
	}
	if tsColumn != "" {
		s.stamps = make([]time.Time, 0, len(records)-1)
		s.hasStamp = make([]bool, 0, len(records)-1)
	}

	for _, record := range records[1:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i >= len(record) {
				break
			}
			row[col] = parseCell(record[i])
		}
		s.rows = append(s.rows, row)

		if tsColumn != "" {
			ts, ok := replay.ParseTime(row[tsColumn])
			s.stamps = append(s.stamps, ts)
			s.hasStamp = append(s.hasStamp, ok)
		}
	}
	return s, nil
}

// Len returns the number of data rows.
func (s *CSVSource) Len() int { return len(s.rows) }

// Row returns the row at index i. Callers must not mutate it.
func (s *CSVSource) Row(i int) map[string]any { return s.rows[i] }

// Timestamp returns the parsed time index of row i when a timestamp column
// was configured.
func (s *CSVSource) Timestamp(i int) (time.Time, bool) {
	if s.tsColumn == "" {
		return time.Time{}, false
	}
	return s.stamps[i], s.hasStamp[i]
}

// Columns returns the header columns.
func (s *CSVSource) Columns() []string { return s.columns }

func parseCell(cell string) any {
	if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}
