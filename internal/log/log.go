package log

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs a JSON slog handler on stdout as the default logger. Unknown
// levels fall back to INFO.
func Setup(level string) {
	var lvl slog.Level

	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
