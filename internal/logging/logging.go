// Package logging configures logrus output for the proxy and provides
// Gin middleware for request logging and panic recovery.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Configure sets the global logrus level and output. When logDir is
// non-empty the log is written to a rotated file under that directory,
// otherwise it goes to stderr.
func Configure(level, logDir string) error {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	parsed, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)

	if logDir == "" {
		log.SetOutput(os.Stderr)
		return nil
	}

	if err = os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "proxy.log"),
		MaxSize:    20, // MiB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return nil
}
