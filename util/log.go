// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package util provides small operational helpers shared by the rest of
// vaultkeep: a leveled logger and byte-count formatting.
package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

// Logger is a small leveled logger with independently toggleable debug and
// verbose output. Every message is tagged with the file and line of its
// call site.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	debug   io.Writer
	verbose io.Writer
	warning io.Writer
	err     io.Writer
}

func NewLogger(verbose, debug bool) *Logger {
	l := &Logger{warning: os.Stderr, err: os.Stderr}
	if verbose {
		l.verbose = os.Stderr
	}
	if debug {
		l.debug = os.Stderr
	}
	return l
}

func (l *Logger) Print(f string, args ...interface{}) {
	fmt.Fprint(os.Stdout, format(f, args...))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		return
	}
	if l.debug == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.debug, format(f, args...))
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		return
	}
	if l.verbose == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.verbose, format(f, args...))
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.warning, format(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.NErrors++
	fmt.Fprint(l.err, format(f, args...))
}

// Fatal logs a message and terminates the process. Reserved for invariant
// violations that indicate a vaultkeep bug, never for caller-facing
// failures: those must be returned as errors so the CLI dispatcher can
// still write exactly one audit entry before it exits.
func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		os.Exit(1)
	}
	l.mu.Lock()
	l.NErrors++
	fmt.Fprint(l.err, format(f, args...))
	l.mu.Unlock()
	os.Exit(1)
}

// Check terminates the process if v is false.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}
	if len(msg) == 0 {
		l.Fatal("check failed\n")
		return
	}
	f := msg[0].(string)
	l.Fatal(f, msg[1:]...)
}

// CheckError terminates the process if err is non-nil.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}
	if len(msg) == 0 {
		l.Fatal("error: %+v\n", err)
		return
	}
	f := msg[0].(string)
	l.Fatal(f, msg[1:]...)
}

func format(f string, args ...interface{}) string {
	// Two levels up the call stack.
	_, fn, line, _ := runtime.Caller(2)
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-22s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
