package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the standard library logger to emit structured JSON and
// returns the underlying slog.Logger for richer logging within the service.
// All log lines include the service name and environment when provided.
func Setup(service, env string) *slog.Logger {
	return SetupWithSink(service, env, "")
}

// SetupWithSink behaves like Setup and additionally mirrors log output into a
// size-rotated file when logFile is non-empty. Rotated archives are retained
// for a month and compressed.
func SetupWithSink(service, env, logFile string) *slog.Logger {
	var out io.Writer = os.Stdout
	if logFile = strings.TrimSpace(logFile); logFile != "" {
		sink := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    64, // megabytes
			MaxBackups: 8,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, sink)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
