package source

import (
	"sort"
	"time"

	"github.com/tathienbao/replay-engine/internal/replay"
)

// MemorySource wraps in-memory rows as a replayable source. Useful for tests
// and programmatic feeds.
type MemorySource struct {
	columns  []string
	rows     []map[string]any
	tsColumn string
}

// NewMemorySource builds a source over rows. The column schema is the union
// of keys across rows, sorted. When tsColumn is non-empty it names the time
// index column.
func NewMemorySource(rows []map[string]any, tsColumn string) *MemorySource {
	seen := make(map[string]bool)
	for _, row := range rows {
		for col := range row {
			seen[col] = true
		}
	}
	columns := make([]string, 0, len(seen))
	for col := range seen {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	return &MemorySource{columns: columns, rows: rows, tsColumn: tsColumn}
}

// Len returns the number of rows.
func (s *MemorySource) Len() int { return len(s.rows) }

// Row returns the row at index i. Callers must not mutate it.
func (s *MemorySource) Row(i int) map[string]any { return s.rows[i] }

// Timestamp returns the time index of row i when a timestamp column is set.
func (s *MemorySource) Timestamp(i int) (time.Time, bool) {
	if s.tsColumn == "" {
		return time.Time{}, false
	}
	v, ok := s.rows[i][s.tsColumn]
	if !ok {
		return time.Time{}, false
	}
	return replay.ParseTime(v)
}

// Columns returns the column schema.
func (s *MemorySource) Columns() []string { return s.columns }
