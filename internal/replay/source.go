// Package replay streams rows from time-ordered tabular sources under
// configurable pacing policies. Controllers own their iterators and callback
// tables; callbacks are always invoked outside the controller lock.
package replay

import (
	"strconv"
	"time"
)

// TabularSource is the contract a data adapter must satisfy to be replayed.
// Rows are addressed by a 0-based index and returned as column -> value maps.
type TabularSource interface {
	// Len returns the number of rows.
	Len() int
	// Row returns the row at index i as a column -> value map.
	Row(i int) map[string]any
	// Timestamp returns the time index of row i, if the source has one.
	Timestamp(i int) (time.Time, bool)
	// Columns returns the column schema, used to tag emitted data points.
	Columns() []string
}

// DataPoint is one emitted row: the source columns plus the reserved keys.
type DataPoint map[string]any

// Reserved data point keys added by controllers.
const (
	// KeyTimestamp duplicates the row timestamp for convenience.
	KeyTimestamp = "_timestamp"
	// KeySource names the controller (or source, for multi-source merges)
	// that produced the point.
	KeySource = "_source"
	// KeyIndex carries the original row index.
	KeyIndex = "index"
)

// Timestamp returns the reserved timestamp of the data point, if present.
func (d DataPoint) Timestamp() (time.Time, bool) {
	ts, ok := d[KeyTimestamp].(time.Time)
	return ts, ok
}

// Source returns the reserved source tag of the data point.
func (d DataPoint) Source() string {
	s, _ := d[KeySource].(string)
	return s
}

// TimestampExtractor pulls an event time out of a raw row. Returning false
// means the row has no usable timestamp.
type TimestampExtractor func(row map[string]any) (time.Time, bool)

// Callback receives each emitted data point, in registration order.
type Callback func(DataPoint)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// ParseTime converts a raw column value into a time.Time. It accepts
// time.Time values, Unix-second integers and the common textual layouts.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	case int64:
		return time.Unix(t, 0), true
	case int:
		return time.Unix(int64(t), 0), true
	case float64:
		return time.Unix(int64(t), 0), true
	case string:
		if unix, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(unix, 0), true
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// wellKnownTimeColumns are probed, in order, when no extractor or timestamp
// index is available.
var wellKnownTimeColumns = []string{"timestamp", "time", "date", "datetime"}

func timeFromRow(row map[string]any) (time.Time, bool) {
	for _, col := range wellKnownTimeColumns {
		if v, ok := row[col]; ok {
			if ts, ok := ParseTime(v); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
