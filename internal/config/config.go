// Package config parses the flags and environment variables recognized by
// the repliq binaries (spec §6's configuration table), in the manner of
// pkg/flags.ConfigureAndParse: register flags, parse, set the log level, and
// hand back a typed Config.
package config

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Config holds every setting spec §6 names as "recognized configuration".
type Config struct {
	Addr               string
	AdminAddr          string
	LogLevel           string
	StreamID           string
	BehindCurrentTime  time.Duration
	RestartBackoffMin  time.Duration
	RestartBackoffMax  time.Duration
	RestartBackoffStep float64
	SaveOffsetAfterN   int
	SaveOffsetAfterDur time.Duration
	ReplayParallelism  int
}

// RestartBackoff converts the three restart-backoff.* settings, plus a fixed
// 0.1 jitter fraction, into the wait.Backoff shape used by replication/consumer and projection for
// reconnect and restart scheduling.
func (c Config) RestartBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: c.RestartBackoffMin,
		Cap:      c.RestartBackoffMax,
		Factor:   c.RestartBackoffStep,
		Jitter:   0.1,
		Steps:    1000000000,
	}
}

// defaults mirror spec §6's stated defaults.
func defaults() Config {
	return Config{
		Addr:               ":7070",
		AdminAddr:          ":9990",
		LogLevel:           log.InfoLevel.String(),
		BehindCurrentTime:  500 * time.Millisecond,
		RestartBackoffMin:  200 * time.Millisecond,
		RestartBackoffMax:  5 * time.Second,
		RestartBackoffStep: 1.1,
		SaveOffsetAfterN:   1,
		SaveOffsetAfterDur: time.Second,
		ReplayParallelism:  4,
	}
}

// ParseAndConfigureLogging registers every recognized flag on fs, parses
// args, applies the resulting log level to logrus's global logger, and
// returns the populated Config. Call once per binary, after any
// binary-specific flags have been added to fs.
func ParseAndConfigureLogging(fs *pflag.FlagSet, args []string) (Config, error) {
	c := defaults()

	fs.StringVar(&c.Addr, "addr", c.Addr, "address the replication gRPC server listens on")
	fs.StringVar(&c.AdminAddr, "admin-addr", c.AdminAddr, "address the admin HTTP server (metrics, ping, ready) listens on")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level, must be one of: panic, fatal, error, warn, info, debug")
	fs.StringVar(&c.StreamID, "stream-id", c.StreamID, "identifies the event stream to replicate")
	fs.DurationVar(&c.BehindCurrentTime, "behind-current-time", c.BehindCurrentTime, "tail lag window for live events; stored in Config.BehindCurrentTime, which no bundled journal reads")
	fs.DurationVar(&c.RestartBackoffMin, "restart-backoff.min", c.RestartBackoffMin, "minimum delay before a failed stream or source is restarted")
	fs.DurationVar(&c.RestartBackoffMax, "restart-backoff.max", c.RestartBackoffMax, "maximum delay before a failed stream or source is restarted")
	fs.Float64Var(&c.RestartBackoffStep, "restart-backoff.factor", c.RestartBackoffStep, "multiplier applied to the restart backoff delay on each consecutive failure")
	fs.IntVar(&c.SaveOffsetAfterN, "saveOffset-afterEnvelopes", c.SaveOffsetAfterN, "number of envelopes between offset saves, for at-least-once projections")
	fs.DurationVar(&c.SaveOffsetAfterDur, "saveOffset-afterDuration", c.SaveOffsetAfterDur, "maximum delay between offset saves, for at-least-once projections")
	fs.IntVar(&c.ReplayParallelism, "replay.parallelism", c.ReplayParallelism, "maximum number of entities replayed concurrently")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid log-level %q: %w", c.LogLevel, err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	return c, nil
}
