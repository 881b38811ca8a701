// Package util provides logging, host inspection and crypto helpers shared
// by the netgamedist commands.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/config"
)

// AppName tags every log line and names the log files.
const AppName = "netgamedist"

// LogTail keeps the most recent log output in memory for the API.
type LogTail struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

// NewLogTail creates a tail holding up to size bytes.
func NewLogTail(size int) (*LogTail, error) {
	buf, err := circbuf.NewBuffer(int64(size))
	if err != nil {
		return nil, fmt.Errorf("failed to create log tail: %w", err)
	}
	return &LogTail{buf: buf}, nil
}

// Write implements io.Writer.
func (t *LogTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Write(p)
}

// Lines returns up to n of the most recent complete lines, oldest first.
func (t *LogTail) Lines(n int) []string {
	t.mu.Lock()
	data := string(t.buf.Bytes())
	wrapped := t.buf.TotalWritten() > t.buf.Size()
	t.mu.Unlock()

	lines := strings.Split(strings.TrimRight(data, "\n"), "\n")
	// the first line is cut once the buffer has wrapped
	if wrapped && len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// InitLogger initializes the zerolog global logger with file and console
// output. When cfg.TailBytes is positive the returned tail mirrors the
// file output.
func InitLogger(cfg config.LoggingConfig) (*LogTail, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	logFileName := fmt.Sprintf("%s_%s.log", AppName, time.Now().Format("2006-01-02"))
	logFilePath := filepath.Join(cfg.Directory, logFileName)

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	// File writer (JSON format for machine parsing)
	writers := []io.Writer{logFile}

	var tail *LogTail
	if cfg.TailBytes > 0 {
		tail, err = NewLogTail(cfg.TailBytes)
		if err != nil {
			return nil, err
		}
		writers = append(writers, tail)
	}

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", AppName).
		Caller().
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	go cleanOldLogs(cfg.Directory, cfg.MaxBackups)

	return tail, nil
}

// cleanOldLogs removes the oldest log files beyond maxBackups.
func cleanOldLogs(directory string, maxBackups int) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}

	var logFiles []os.DirEntry
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".log" {
			logFiles = append(logFiles, entry)
		}
	}
	if len(logFiles) <= maxBackups {
		return
	}

	// names embed the date, so lexical order is age order
	sort.Slice(logFiles, func(i, j int) bool { return logFiles[i].Name() < logFiles[j].Name() })
	for i := 0; i < len(logFiles)-maxBackups; i++ {
		path := filepath.Join(directory, logFiles[i].Name())
		os.Remove(path)
		log.Debug().Str("file", path).Msg("removed old log file")
	}
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
