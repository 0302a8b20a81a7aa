// Package mainboilerplate collects the small pieces every psad-style
// command-line entrypoint repeats: logging setup, go-flags error handling,
// and config struct groups for the environment variables spec §6 defines.
// It mirrors the teacher's own mainboilerplate package, referenced by
// examples/word-count/wordcountctl/main.go as mbp.LogConfig/mbp.Must/
// mbp.MustParseArgs, though that package's source wasn't part of the
// retrieved pack -- its shape here is authored fresh from that usage site
// plus the teacher's logrus conventions used throughout the rest of the
// module.
package mainboilerplate

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// LogConfig configures logrus's global logger the way the teacher's own
// services do (structured fields, configurable level).
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
}

// Configure applies cfg to logrus's global logger.
func (cfg LogConfig) Configure() {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{})
	}
}

// Must aborts the process with a fatal log entry if err is non-nil,
// following the teacher's "must" helper convention used throughout its
// command wiring (fail fast on setup errors, never on request-path
// errors).
func Must(err error, message string, args ...interface{}) {
	if err == nil {
		return
	}
	log.WithError(err).Fatal(fmt.Sprintf(message, args...))
}

// MustParseArgs parses os.Args[1:] with parser, exiting 0 on
// --help and 1 on any other parse error (go-flags' flags.Default options
// print the error or usage text before this exit).
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
