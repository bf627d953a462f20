package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls log level and output format.
type Config struct {
	Level  string
	Format string // "json" or "text"
}

// New builds a structured logger for the service. Unknown levels fall back
// to info rather than failing startup.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}

	logger.SetOutput(os.Stdout)
	return logger
}
