// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options select level, format and an optional rotating log file.
type Options struct {
	Level  string // debug | info | warn | error
	Format string // text | json
	File   string
}

// Setup applies opts to the standard logger. An unknown level falls back to
// info. The returned closer releases the log file, if any.
func Setup(opts Options) io.Closer {
	level, err := log.ParseLevel(opts.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if opts.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	var closer io.Closer = nopCloser{}
	if opts.File == "" {
		log.SetOutput(os.Stderr)
	} else {
		w := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    64, // MB
			MaxBackups: 3,
			MaxAge:     14,
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stderr, w))
		closer = w
	}
	if err != nil && opts.Level != "" {
		log.WithField("level", opts.Level).Warn("Unknown log level, using info")
	}
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
