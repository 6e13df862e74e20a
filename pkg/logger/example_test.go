package logger_test

import (
	"errors"

	"github.com/wonny/aegis-macro/backend/pkg/config"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// Example_basic demonstrates basic logger usage
func Example_basic() {
	cfg := &config.Config{
		Env:       "development",
		LogLevel:  "info",
		LogFormat: "console",
	}

	// Create logger (SSOT)
	log := logger.New(cfg)

	log.Info("run started")
	log.Warnf("source %s retry %d of %d", "fred", 2, 3)

	// Component-scoped logger
	collectorLog := log.WithModule("collector").WithRun("01J0EXAMPLE")
	collectorLog.WithFields(map[string]interface{}{
		"series": "UNRATE",
		"rows":   24,
	}).Info("upserted")

	collectorLog.WithError(errors.New("context deadline exceeded")).Error("source failed")
}
