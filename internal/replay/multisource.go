package replay

import (
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/tathienbao/replay-engine/internal/types"
)

// MultiSourceController merges several tabular sources into one chronologically
// ordered stream. Each emitted point is tagged with the name of the source it
// came from.
type MultiSourceController struct {
	base

	sources []*sourceCursor // kept sorted by name for deterministic ties
}

// sourceCursor tracks one source's position and its preloaded head row.
type sourceCursor struct {
	name      string
	src       TabularSource
	extractor TimestampExtractor
	tsColumn  string

	pos   int
	head  DataPoint
	ts    time.Time
	hasTS bool
	live  bool
}

// NewMultiSourceController builds an empty merge controller. Sources are added
// with AddSource before the first Start.
func NewMultiSourceController(name string, cfg Config) *MultiSourceController {
	if name == "" {
		name = "multi"
	}
	m := &MultiSourceController{}
	m.init(name, cfg)
	m.base.next = m.nextMerged
	m.base.rewind = m.rewindSources
	return m
}

// AddSource registers a named source. The extractor, when non-nil, overrides
// the source's own time index. Adding is only allowed before replay begins,
// and names must be unique.
func (m *MultiSourceController) AddSource(name string, src TabularSource, extractor TimestampExtractor) error {
	if name == "" {
		return fmt.Errorf("multi-source replay: %w: source name is empty", types.ErrInvalidConfig)
	}
	if src == nil {
		return fmt.Errorf("multi-source replay: %w: source %q is nil", types.ErrInvalidConfig, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != types.StatusInitialized {
		return fmt.Errorf("multi-source replay: %w: cannot add %q in state %s",
			types.ErrInvalidState, name, m.status.String())
	}
	for _, c := range m.sources {
		if c.name == name {
			return fmt.Errorf("multi-source replay: %w: %q", types.ErrDuplicateSource, name)
		}
	}

	cur := &sourceCursor{
		name:      name,
		src:       src,
		extractor: extractor,
		tsColumn:  m.cfg.TimestampColumn,
	}
	cur.load()
	m.sources = append(m.sources, cur)
	sort.Slice(m.sources, func(i, j int) bool { return m.sources[i].name < m.sources[j].name })
	m.logger.Info("replay source added", "source", name, "rows", src.Len())
	return nil
}

// SourceNames returns the registered source names in merge tie-break order.
func (m *MultiSourceController) SourceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.sources))
	for i, c := range m.sources {
		names[i] = c.name
	}
	return names
}

// Len returns the total row count across all sources.
func (m *MultiSourceController) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, c := range m.sources {
		total += c.src.Len()
	}
	return total
}

func (m *MultiSourceController) rewindSources() {
	for _, c := range m.sources {
		c.pos = 0
		c.load()
	}
}

// nextMerged picks the live cursor with the smallest head timestamp; ties go
// to the lexicographically smaller source name. Rows without a timestamp are
// only emitted once no timestamped candidate remains. Called with the base
// lock held.
func (m *MultiSourceController) nextMerged() (DataPoint, time.Time, bool, bool) {
	var pick *sourceCursor
	for _, c := range m.sources {
		if !c.live || !c.hasTS {
			continue
		}
		if pick == nil || c.ts.Before(pick.ts) {
			pick = c
		}
	}
	if pick == nil {
		for _, c := range m.sources {
			if c.live {
				pick = c
				break
			}
		}
	}
	if pick == nil {
		return nil, time.Time{}, false, false
	}

	dp, ts, hasTS := pick.head, pick.ts, pick.hasTS
	pick.pos++
	pick.load()
	m.position++
	return dp, ts, hasTS, true
}

// load materializes the cursor's head row, or marks the cursor exhausted.
func (c *sourceCursor) load() {
	if c.pos >= c.src.Len() {
		c.head, c.ts, c.hasTS, c.live = nil, time.Time{}, false, false
		return
	}
	row := c.src.Row(c.pos)
	dp := make(DataPoint, len(row)+3)
	maps.Copy(dp, row)
	dp[KeyIndex] = c.pos
	dp[KeySource] = c.name

	ts, hasTS := c.timestamp(row)
	if hasTS {
		dp[KeyTimestamp] = ts
	}
	c.head, c.ts, c.hasTS, c.live = dp, ts, hasTS, true
}

func (c *sourceCursor) timestamp(row map[string]any) (time.Time, bool) {
	if c.extractor != nil {
		return c.extractor(row)
	}
	if c.tsColumn != "" {
		if v, ok := row[c.tsColumn]; ok {
			return ParseTime(v)
		}
		return time.Time{}, false
	}
	if ts, ok := c.src.Timestamp(c.pos); ok {
		return ts, true
	}
	return timeFromRow(row)
}
