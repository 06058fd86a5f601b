package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger installs the global slog default logger from the configured
// format and level strings.
//
// format "json" selects the JSONHandler (production); anything else selects
// the human-readable TextHandler. level is one of "debug", "info", "warn",
// "error" (case-insensitive) and defaults to "info". Source locations are
// added only at debug level.
//
// The logger is installed as the process default so slog.Info/Warn/Error
// calls anywhere in the application use it without threading a *slog.Logger
// through every constructor.
func SetupLogger(format, level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}
