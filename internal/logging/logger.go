package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	rootLogger hclog.Logger
	once       sync.Once
)

// Options controls how the root logger is built
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Setup builds the root logger. Only the first call has any effect.
func Setup(opts Options) hclog.Logger {
	once.Do(func() {
		rootLogger = New(opts)
	})
	return rootLogger
}

// New returns a standalone logger, used by Setup and by tests
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            "dstream-lake",
		Level:           hclog.LevelFromString(strings.ToLower(opts.Level)),
		Output:          out,
		JSONFormat:      opts.JSON,
		IncludeLocation: false,
	})
}

// GetLogger returns the root logger, building a default one if Setup was never called
func GetLogger() hclog.Logger {
	return Setup(Options{Level: "info"})
}
