package logger

import (
	"log/slog"
	"os"
)

// New returns the process logger. MIHOME_LOG_FORMAT=json switches to JSON
// output for log shippers; the default text handler is for local runs.
func New() *slog.Logger {
	var handler slog.Handler
	if os.Getenv("MIHOME_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	return slog.New(handler)
}
