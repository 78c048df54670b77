package webguard

import (
	"time"

	"github.com/oarkflow/log"
)

// logger is the package-wide application logger. Security events go to the
// EventLog; this carries operational messages only.
var logger = log.Logger{
	Level:      log.InfoLevel,
	TimeField:  "ts",
	TimeFormat: time.RFC3339,
	Writer:     &log.ConsoleWriter{},
}

// SetLogger replaces the package logger, e.g. to redirect output in an
// embedding application.
func SetLogger(l log.Logger) {
	logger = l
}
