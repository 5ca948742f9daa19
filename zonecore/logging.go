/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging returns a *log.Logger writing to a lumberjack-rotated file,
// matching tdns/logging.go's SetupLogging(logfile) parameters exactly
// (20MB files, 3 backups, 14 days).
func SetupLogging(logfile string) *log.Logger {
	rotator := &lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     14,
	}
	return log.New(rotator, "", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// SetupCliLogging returns a logger writing to stderr, for one-shot CLI
// tools rather than the long-running daemon, matching tdns/logging.go's
// SetupCliLogging.
func SetupCliLogging() *log.Logger {
	return log.New(os.Stderr, "", log.Ltime)
}
