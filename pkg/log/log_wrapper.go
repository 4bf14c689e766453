package log

import (
	"fmt"
	"io"

	"golang.org/x/exp/slog"
)

// Setup installs the default handler. Debug output is JSON so it can be
// piped into tooling; otherwise a text handler at warning level is used.
func Setup(w io.Writer, debug bool) {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource: false,
			Level:     slog.LevelDebug,
		})))
		return
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))
}

func Infof(format string, args ...any) {
	slog.Default().Info(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	slog.Default().Error(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	slog.Default().Warn(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	slog.Default().Debug(fmt.Sprintf(format, args...))
}
