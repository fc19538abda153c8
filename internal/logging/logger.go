package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// consoleHandler renders records as fixed-width, colorized lines. Most log
// output comes from the raft processing goroutine, so lines are built in a
// local buffer and written with a single Write call.
type consoleHandler struct {
	out    io.Writer
	level  slog.Leveler
	source bool
	attrs  []slog.Attr
}

func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if out == nil {
		out = os.Stdout
	}
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &consoleHandler{
		out:    out,
		level:  opts.Level,
		source: opts.AddSource,
	}
}

func Init(levelName string) {
	handler := NewConsoleHandler(os.Stdout, &slog.HandlerOptions{
		Level:     ParseLevel(levelName),
		AddSource: true,
	})
	slog.SetDefault(slog.New(handler))
}

func (h *consoleHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	if h.level == nil {
		return true
	}
	return lvl >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	if !h.Enabled(nil, r.Level) {
		return nil
	}

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s ", time.Now().Format("2006-01-02 15:04:05.000"))

	const reset = "\033[0m"
	fmt.Fprintf(&buf, "%s%-5s%s ", colorForLevel(r.Level), levelName(r.Level), reset)

	if h.source {
		if file, line := resolveCaller(); file != "" {
			fmt.Fprintf(&buf, "%-25s ", fmt.Sprintf("%s:%d", filepath.Base(file), line))
		}
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&buf, " %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&buf, " %s=%v", a.Key, a.Value.Any())
		return true
	})

	buf.WriteByte('\n')

	_, err := h.out.Write(buf.Bytes())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *consoleHandler) WithGroup(_ string) slog.Handler { return h }

func levelName(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "DEBUG"
	case l == slog.LevelInfo:
		return "INFO"
	case l == slog.LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

func ParseLevel(l string) slog.Level {
	switch strings.ToLower(l) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func colorForLevel(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "\033[36m"
	case l == slog.LevelInfo:
		return "\033[32m"
	case l == slog.LevelWarn:
		return "\033[33m"
	default:
		return "\033[31m"
	}
}

// resolveCaller walks the stack and returns the first frame outside this package.
func resolveCaller() (string, int) {
	const maxDepth = 32
	var pcs [maxDepth]uintptr

	n := runtime.Callers(5, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	sep := string(os.PathSeparator)
	for {
		f, more := frames.Next()
		if !more {
			break
		}
		if strings.Contains(f.File, sep+"internal"+sep+"logging"+sep) {
			continue
		}
		return f.File, f.Line
	}

	return "", 0
}
