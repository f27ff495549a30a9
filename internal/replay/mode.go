package replay

// Mode is the pacing policy used to space emissions in wall-clock time.
type Mode int

const (
	// ModeBacktest emits rows with no delay.
	ModeBacktest Mode = iota
	// ModeStepped emits one row per explicit Step call.
	ModeStepped
	// ModeRealtime delays each row by the timestamp delta to its predecessor.
	ModeRealtime
	// ModeAccelerated delays by the timestamp delta divided by the speed factor.
	ModeAccelerated
)

func (m Mode) String() string {
	switch m {
	case ModeBacktest:
		return "BACKTEST"
	case ModeStepped:
		return "STEPPED"
	case ModeRealtime:
		return "REALTIME"
	case ModeAccelerated:
		return "ACCELERATED"
	default:
		return "UNKNOWN"
	}
}

// worker reports whether the mode drives emissions from a worker goroutine.
func (m Mode) worker() bool {
	return m != ModeStepped
}
