// Package isoloir implements an anonymized ballot pipeline: ballots are
// double-encrypted under two independent threshold policies, collected by an
// ingestion stage that shuffles them before forwarding, and recovered one
// layer at a time into a reception stage that tracks tallying progress.
package isoloir

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logout = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// Logger is a globally available logger instance.
var Logger = zerolog.New(logout).
	With().Timestamp().Logger().
	With().Caller().Logger().
	Level(zerolog.DebugLevel)

// PromCollectors gathers the metrics of the components so an http surface can
// register them.
var PromCollectors []prometheus.Collector
