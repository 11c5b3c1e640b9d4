// Package logging provides Conductor's three-layer structured logging:
// a system log for every component event, a per-agent session log, and a
// one-line-per-task summary feed for offline analytics. Ported from
// original_source/conductor/logger.py onto github.com/hashicorp/go-hclog.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
)

// NewSystemLogger builds the main Conductor system logger. It emits
// structured JSON to w (typically the file OpenSystemLog returns) with the given minimum
// level. Callers pass the logger into every component constructor; nothing
// in this codebase reaches for a package-level logger.
func NewSystemLogger(w io.Writer, level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "conductor",
		Level:      hclog.LevelFromString(level),
		Output:     w,
		JSONFormat: true,
	})
}

// OpenSystemLog opens (creating parent directories as needed) the system
// log file at path for appending. The file is never rotated. Callers are
// responsible for closing the returned file on shutdown.
func OpenSystemLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
