package httpapi

// Config defines HTTP control API settings.
type Config struct {
	Addr string
	// HistorySize bounds the signal history kept for stream replay.
	HistorySize int
	// WorkingDir is the default directory for tasks started without one.
	WorkingDir string
}
