package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns the process logger. JSON output is used unless pretty is set,
// in which case a colourless text formatter is used for local runs.
func New(level string, pretty bool) *logrus.Logger {
	logger := logrus.New()
	SetLogLevel(logger, level)
	if pretty {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// SetLogLevel maps a configured level name onto logger. Unknown names fall
// back to info.
func SetLogLevel(logger *logrus.Logger, level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
}
