package replay

import (
	"fmt"
	"maps"
	"time"

	"github.com/tathienbao/replay-engine/internal/types"
)

// DefaultSourceName tags data points from an unnamed single-source controller.
const DefaultSourceName = "default"

// Controller replays a single tabular source. Emitted points carry the source
// columns plus the reserved index, source and timestamp keys.
type Controller struct {
	base

	source TabularSource
	rows   []DataPoint // materialized upfront unless MemoryOptimized
	cursor int
}

// NewController builds a controller over src. An empty name falls back to
// DefaultSourceName.
func NewController(name string, src TabularSource, cfg Config) (*Controller, error) {
	if src == nil {
		return nil, fmt.Errorf("replay controller: %w: source is nil", types.ErrInvalidConfig)
	}
	if name == "" {
		name = DefaultSourceName
	}
	c := &Controller{source: src}
	c.init(name, cfg)
	c.base.next = c.nextRow
	c.base.rewind = c.rewindRows
	c.rewindRows()
	return c, nil
}

// Len returns the number of rows in the underlying source.
func (c *Controller) Len() int { return c.source.Len() }

func (c *Controller) rewindRows() {
	c.cursor = 0
	c.rows = nil
	if c.cfg.MemoryOptimized {
		return
	}
	n := c.source.Len()
	c.rows = make([]DataPoint, 0, n)
	for i := 0; i < n; i++ {
		c.rows = append(c.rows, c.materialize(i))
	}
}

// nextRow advances the cursor. Called with the base lock held.
func (c *Controller) nextRow() (DataPoint, time.Time, bool, bool) {
	i := c.cursor
	if i >= c.source.Len() {
		return nil, time.Time{}, false, false
	}
	c.cursor++
	c.position = c.cursor

	var dp DataPoint
	if c.rows != nil {
		dp = c.rows[i]
	} else {
		dp = c.materialize(i)
	}
	ts, hasTS := dp.Timestamp()
	return dp, ts, hasTS, true
}

// materialize builds the emitted point for row i: a copy of the source row
// with the reserved keys set. Row values are left untouched.
func (c *Controller) materialize(i int) DataPoint {
	row := c.source.Row(i)
	dp := make(DataPoint, len(row)+3)
	maps.Copy(dp, row)
	dp[KeyIndex] = i
	dp[KeySource] = c.name

	if ts, ok := c.rowTimestamp(i, row); ok {
		dp[KeyTimestamp] = ts
	}
	return dp
}

func (c *Controller) rowTimestamp(i int, row map[string]any) (time.Time, bool) {
	if col := c.cfg.TimestampColumn; col != "" {
		if v, ok := row[col]; ok {
			if ts, ok := ParseTime(v); ok {
				return ts, true
			}
		}
		return time.Time{}, false
	}
	if ts, ok := c.source.Timestamp(i); ok {
		return ts, true
	}
	return timeFromRow(row)
}
