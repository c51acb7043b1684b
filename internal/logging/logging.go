package logging

import (
	"log"
	"os"
	"sync/atomic"
)

var (
	disabled atomic.Bool
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging (used by the CLI for clean chat output)
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}

// SetOutput redirects log output, used by the --log-file flag
func SetOutput(f *os.File) {
	logger.SetOutput(f)
}

// Info logs an info message
func Info(v ...any) {
	if !disabled.Load() {
		logger.Println(v...)
	}
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if !disabled.Load() {
		logger.Printf(format, v...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if !disabled.Load() {
		logger.Printf("WARN: "+format, v...)
	}
}

// Error logs an error message
func Error(v ...any) {
	if !disabled.Load() {
		logger.Println(v...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if !disabled.Load() {
		logger.Printf("ERROR: "+format, v...)
	}
}

// Debugf logs a formatted debug message when AGENTD_DEBUG is set
func Debugf(format string, v ...any) {
	if disabled.Load() {
		return
	}
	if os.Getenv("AGENTD_DEBUG") == "" {
		return
	}
	logger.Printf("DEBUG: "+format, v...)
}
