// Package sigzonelog sets up the process-wide logger the way the rest of
// the daemon expects it: short file/line prefixes, rotated through
// lumberjack when a log file is configured.
package sigzonelog

import (
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the standard logger for daemon operation. A logfile is
// mandatory for the server binary; the CLI uses SetupCLI instead.
func Setup(logfile string) error {
	log.SetFlags(log.Lshortfile | log.Ltime)

	if logfile == "" {
		log.Fatalf("sigzonelog.Setup: no log.file configured")
	}

	log.SetOutput(&lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     14,
	})

	return nil
}

// SetupCLI configures logging for sigzonectl: timestamps and file/line
// info only under -v/-d, otherwise bare messages so scripted output stays
// clean.
func SetupCLI(verbose, debug bool) {
	if verbose || debug {
		log.SetFlags(log.Lshortfile | log.Ltime)
	} else {
		log.SetFlags(0)
	}
}
