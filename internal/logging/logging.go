// Package logging sets up per-job rotating log files.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/samekhi/hive/internal/config"
)

// Rotation parameters shared by every job log.
const (
	maxSizeMB  = 2
	maxBackups = 5
)

// ForJob returns a logger writing to <private_root>/logs/<job>.log with
// rotation, tagged with host and pid. When stdout is a terminal the same
// events are mirrored there in console form.
func ForJob(job string) zerolog.Logger {
	writers := []io.Writer{&lumberjack.Logger{
		Filename:   config.LogPath(job),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).With().
		Timestamp().
		Str("host", config.Hostname()).
		Int("pid", os.Getpid()).
		Logger()
}

// Truncate caps a log field value, marking the cut the way the stage logs
// always have.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...<truncated>"
}
