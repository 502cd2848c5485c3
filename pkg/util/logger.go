package util

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is a nop global logger
var Logger = log.NewNopLogger()

// NewLogger returns a logfmt logger writing to w. Debug messages are
// dropped unless debug is set and everything below error is dropped when
// quiet is set.
func NewLogger(w io.Writer, debug, quiet bool) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(w))
	switch {
	case quiet:
		return level.NewFilter(l, level.AllowError())
	case debug:
		return level.NewFilter(log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), level.AllowDebug())
	default:
		return level.NewFilter(l, level.AllowInfo())
	}
}

// LoggerWithMapping returns a Logger that has information about the mapping
// file in its details.
func LoggerWithMapping(key string, l log.Logger) log.Logger {
	return log.With(l, "mapping", key)
}
