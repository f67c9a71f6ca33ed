package config

import (
	"fmt"
	"os"

	"github.com/colefreeman/cole-ws/internal/domain/exception"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the JSON logger used by every binary.
func NewLogger(level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level == "" {
		return logger, nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logger, fmt.Errorf("%w: LOG_LEVEL: %v", exception.ErrConfiguration, err)
	}
	logger.SetLevel(parsed)
	return logger, nil
}
