package main

import (
	"path/filepath"

	"github.com/gotlougit/filetransfer/internal/logging"
)

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.Debug
	case "warn":
		return logging.Warn
	case "error":
		return logging.Error
	default:
		return logging.Info
	}
}

func filenameOf(path string) string {
	return filepath.Base(path)
}
