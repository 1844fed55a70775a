// Package log builds the process-wide *logrus.Logger every other
// package takes by constructor injection (spec.md §9: "a uniform
// stringify to fragments, then emit framing logger" — logrus's
// structured fields are that framing).
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger writing text-formatted entries to stderr at the
// given level. An unparseable level falls back to logrus.InfoLevel.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
