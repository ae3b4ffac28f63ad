package utils

import (
	"go.uber.org/zap"
)

// NewLogger builds the service logger. Development mode gets the human
// readable console encoder, everything else the JSON production config.
func NewLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	return logger
}
