// Package logger provides a single logging facility for the whole probe
// daemon. It wraps the standard log/slog package with a plain-text handler
// and per-component loggers, plus size-based file rotation.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	// Log is the process-wide base logger. All component loggers derive
	// from it via Get.
	Log *slog.Logger

	logLevel   slog.Level
	logDir     string
	logFiles   map[string]io.WriteCloser
	fileMutex  sync.RWMutex
	maxLogSize int64
)

// plainTextHandler renders records as "timestamp [LEVEL] [module] message
// key=value ...", one line per record.
type plainTextHandler struct {
	w      io.WriteCloser
	level  slog.Level
	module string
}

// rotatedFile wraps an *os.File and rotates it to a timestamped backup once
// it exceeds maxSize bytes.
type rotatedFile struct {
	file      *os.File
	filePath  string
	fileSize  int64
	maxSize   int64
	fileMutex sync.Mutex
}

func (rf *rotatedFile) Write(p []byte) (int, error) {
	rf.fileMutex.Lock()
	defer rf.fileMutex.Unlock()

	if rf.fileSize+int64(len(p)) > rf.maxSize {
		if err := rf.rotate(); err != nil {
			n, _ := rf.file.Write(p)
			rf.fileSize += int64(n)
			return n, nil
		}
	}

	n, err := rf.file.Write(p)
	rf.fileSize += int64(n)
	return n, err
}

func (rf *rotatedFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return err
	}

	timestamp := time.Now().Format("20060102_150405")
	dir := filepath.Dir(rf.filePath)
	name := filepath.Base(rf.filePath)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", base, timestamp, ext))

	if err := os.Rename(rf.filePath, backupPath); err != nil {
		return err
	}

	f, err := os.OpenFile(rf.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	rf.file = f
	rf.fileSize = 0
	return nil
}

func (rf *rotatedFile) Close() error {
	rf.fileMutex.Lock()
	defer rf.fileMutex.Unlock()
	return rf.file.Close()
}

func (h *plainTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *plainTextHandler) Handle(_ context.Context, r slog.Record) error {
	timeStr := r.Time.Format("2006-01-02 15:04:05.000000")
	levelStr := strings.ToUpper(r.Level.String())
	module := h.module

	var otherAttrs []string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "module" {
			return true
		} else if a.Key != slog.TimeKey && a.Key != slog.MessageKey {
			otherAttrs = append(otherAttrs, fmt.Sprintf("%s=%s", a.Key, fmt.Sprint(a.Value.Any())))
		}
		return true
	})

	output := fmt.Sprintf("%s [%s] [%s] %s", timeStr, levelStr, module, r.Message)
	if len(otherAttrs) > 0 {
		output += " " + strings.Join(otherAttrs, " ")
	}
	output += "\n"

	switch w := h.w.(type) {
	case *rotatedFile:
		_, err := w.Write([]byte(output))
		return err
	default:
		_, err := io.WriteString(h.w, output)
		return err
	}
}

func (h *plainTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newH := &plainTextHandler{w: h.w, level: h.level, module: h.module}
	for _, a := range attrs {
		if a.Key == "module" {
			newH.module = fmt.Sprint(a.Value.Any())
		}
	}
	return newH
}

func (h *plainTextHandler) WithGroup(_ string) slog.Handler {
	return h
}

func init() {
	logFiles = make(map[string]io.WriteCloser)
}

// Init sets up the logging system: level filter, output directory, and
// rotation threshold. It must be called once before any component logger
// is used for file output; Get falls back to stdout until then.
func Init(levelStr, dir string, maxFileSizeMB int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	logDir = dir
	maxLogSize = int64(maxFileSizeMB) * 1024 * 1024

	switch strings.ToLower(levelStr) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logPath := filepath.Join(filepath.Clean(dir), "dbpulse.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	rotated := &rotatedFile{
		file:     logFile,
		filePath: logPath,
		maxSize:  maxLogSize,
	}
	if info, err := logFile.Stat(); err == nil {
		rotated.fileSize = info.Size()
	}
	logFiles["main"] = rotated

	Log = slog.New(&plainTextHandler{w: rotated, level: logLevel})

	return nil
}

// Get returns a logger tagged with the given component name (e.g.
// "scheduler", "probe", "dialect", "certprobe", "metrics", "http").
func Get(module string) *slog.Logger {
	if Log == nil {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("module", module)
	}
	return Log.With("module", module)
}

// Close flushes and closes all log files. Safe to call even if Init was
// never called.
func Close() error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	var lastErr error
	for name, f := range logFiles {
		if err := f.Close(); err != nil {
			lastErr = err
		}
		delete(logFiles, name)
	}
	return lastErr
}

// GetLevel returns the currently configured logging level.
func GetLevel() slog.Level {
	return logLevel
}

// GetLogDir returns the directory logs are being written to.
func GetLogDir() string {
	return logDir
}
