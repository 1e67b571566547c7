package logging

import (
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu         sync.RWMutex
	rootLogger hclog.Logger
)

// Options controls how the root logger is built
type Options struct {
	Name  string
	Level string
	JSON  bool
}

// New builds an hclog logger writing to stderr.
func New(opts Options) hclog.Logger {
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: opts.JSON,
	})
}

// SetLogger replaces the root logger returned by GetLogger
func SetLogger(logger hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	rootLogger = logger
}

// GetLogger returns the root logger, creating an info level logger on first use
func GetLogger() hclog.Logger {
	mu.RLock()
	l := rootLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if rootLogger == nil {
		rootLogger = New(Options{Name: "dstream-orchestrator", Level: "info"})
	}
	return rootLogger
}
