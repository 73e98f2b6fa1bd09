// Package logging wraps the standard logger with a tagged convention
// ([INFO]/[FAIL]/[ERROR]) and colorizes those tags with colorstring.
package logging

import (
	"log"

	"github.com/mitchellh/colorstring"
)

// Info logs an informational line, tagged and colorized green.
func Info(format string, args ...interface{}) {
	log.Printf(colorstring.Color("[green][INFO]\t[reset]")+format, args...)
}

// Fail logs a recoverable-failure line (a peer dropped, a block retried),
// tagged and colorized yellow. Caller-fatal errors are returned, not
// logged, and have no home here.
func Fail(format string, args ...interface{}) {
	log.Printf(colorstring.Color("[yellow][FAIL]\t[reset]")+format, args...)
}

// Error logs an unrecoverable-for-this-operation line, tagged and
// colorized red.
func Error(format string, args ...interface{}) {
	log.Printf(colorstring.Color("[red][ERROR]\t[reset]")+format, args...)
}
