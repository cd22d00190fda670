// Package logging owns the single process-wide log sink. Only one sink is
// active at a time: Init replaces whatever was configured before and Reset
// restores the logrus defaults.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/config"
)

var (
	mu   sync.Mutex
	sink io.Closer
)

// Init installs the sink described by cfg.
func Init(cfg *config.Logging) error {
	mu.Lock()
	defer mu.Unlock()
	if cfg == nil {
		cfg = &config.Logging{}
	}
	lvl := log.InfoLevel
	if cfg.Level != "" {
		var err error
		lvl, err = log.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
	}

	var out io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log output %q: %w", cfg.Output, err)
		}
		out = f
		closer = f
	}

	closeSink()
	sink = closer

	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(out)
	log.SetLevel(lvl)
	log.SetReportCaller(cfg.ReportCaller)
	return nil
}

// SetLevel changes the level of the active sink.
func SetLevel(lvl log.Level) {
	mu.Lock()
	defer mu.Unlock()
	log.SetLevel(lvl)
}

// Reset closes the active sink and restores the logrus defaults.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	closeSink()
	log.SetFormatter(&log.TextFormatter{})
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
	log.SetReportCaller(false)
}

func closeSink() {
	if sink == nil {
		return
	}
	if err := sink.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log output: %v\n", err)
	}
	sink = nil
}
