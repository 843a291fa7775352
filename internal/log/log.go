// Package log configures corral's structured logging.
//
// Records fan out to two sinks: stderr (warnings and errors unless verbose)
// and a daily-rotated JSON file under the debug directory that always
// receives every level. Components attach group and container attributes
// with ForGroup and ForContainer so a single sandbox can be traced across
// the pool, the transport, and the router.
//
// Attributes whose key names a secret (token, api_key, and similar) are
// masked in both sinks.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger
var fileWriter *FileWriter

// Options configures the logger.
type Options struct {
	// Verbose enables debug/info output to stderr.
	Verbose bool
	// JSONFormat uses JSON output format for stderr.
	JSONFormat bool
	// DebugDir is the directory for JSON log files. Empty disables file logging.
	DebugDir string
	// Component prefixes the debug file names so the daemon and one-off
	// commands do not share a file. Defaults to "corral".
	Component string
	// RetentionDays is how many days of log files to keep (0 = keep all).
	RetentionDays int
	// Stderr is the writer for stderr output (defaults to os.Stderr).
	Stderr io.Writer
}

// Init initializes the global logger with the given options.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	stderrLevel := slog.LevelWarn
	if opts.Verbose {
		stderrLevel = slog.LevelDebug
	}
	stderrOpts := &slog.HandlerOptions{Level: stderrLevel, ReplaceAttr: redact}

	var handlers []slog.Handler
	if opts.JSONFormat {
		handlers = append(handlers, slog.NewJSONHandler(stderr, stderrOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, stderrOpts))
	}

	if opts.DebugDir != "" {
		component := opts.Component
		if component == "" {
			component = "corral"
		}
		if opts.RetentionDays > 0 {
			Cleanup(opts.DebugDir, opts.RetentionDays)
		}

		fw, err := NewFileWriter(opts.DebugDir, component)
		if err != nil {
			return err
		}
		Close()
		fileWriter = fw

		handlers = append(handlers, slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{
			Level:       slog.LevelDebug,
			ReplaceAttr: redact,
		}))
	}

	logger = slog.New(&multiHandler{handlers: handlers}).With(slog.Int("pid", os.Getpid()))
	slog.SetDefault(logger)
	return nil
}

// Close closes the file writer if one was created.
func Close() {
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}

var secretKeys = []string{"token", "api_key", "apikey", "secret", "password", "authorization"}

// redact masks string attributes whose key names a secret, keeping the
// last four characters.
func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, Mask(a.Value.String()))
		}
	}
	return a
}

// Mask hides all but the last four characters of v.
func Mask(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m *multiHandler) each(fn func(slog.Handler) slog.Handler) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = fn(h)
	}
	return &multiHandler{handlers: out}
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

// With returns a logger with additional context.
func With(args ...any) *slog.Logger {
	return logger.With(args...)
}

// ForGroup returns a logger tagged with a group folder.
func ForGroup(folder string) *slog.Logger {
	return logger.With(slog.String("group", folder))
}

// ForContainer returns a logger tagged with a group folder and the short
// form of a container id.
func ForContainer(folder, containerID string) *slog.Logger {
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}
	return logger.With(slog.String("group", folder), slog.String("container_id", containerID))
}

// SetOutput sets the output writer (for testing).
func SetOutput(w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug, ReplaceAttr: redact})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func init() {
	logger = slog.Default()
}
