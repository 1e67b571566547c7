package mssql

import (
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-orchestrator/internal/config"
	"github.com/katasec/dstream-orchestrator/internal/logging"
)

// configureLogger builds the root logger from the config and installs it for every package
func configureLogger(cfg *config.Config) hclog.Logger {
	logger := logging.New(logging.Options{
		Name:  "dstream",
		Level: cfg.LogLevel,
		JSON:  cfg.LogJSON,
	})
	logging.SetLogger(logger)
	return logger
}
