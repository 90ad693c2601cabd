// Package nlog is the space-server logger: buffered, timestamped,
// severity-leveled, written to stderr. Warnings and errors flush at
// once; info lines flush when more than two seconds have passed since the
// last such flush, or on demand via Flush.
package nlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirikata/spaced/cmn/mono"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

func (s severity) String() string {
	switch s {
	case sevWarn:
		return "W"
	case sevErr:
		return "E"
	default:
		return "I"
	}
}

type logger struct {
	mu       sync.Mutex
	w        *bufio.Writer
	f        *os.File
	lastSync int64
}

var (
	stderr = &logger{w: bufio.NewWriter(os.Stderr)}
	mw     sync.Mutex // serializes cross-severity writes to stderr
	dir    string
	title  = "spaced"
)

// SetLogDir sets the directory that InfoLogName and ErrLogName report. No
// log file is opened in it; all output goes to stderr.
func SetLogDir(d string) { dir = d }

// SetTitle sets the process title used in InfoLogName and ErrLogName.
func SetTitle(t string) { title = t }

func InfoLogName() string { return filepath.Join(dir, title+".INFO") }
func ErrLogName() string  { return filepath.Join(dir, title+".ERROR") }

func log(sev severity, format string, args ...any) {
	ts := time.Now().Format("0102 15:04:05.000000")
	var line string
	if format == "" {
		line = fmt.Sprintln(args...)
	} else {
		line = fmt.Sprintf(format+"\n", args...)
	}
	msg := fmt.Sprintf("%s %s %s", sev, ts, line)

	mw.Lock()
	defer mw.Unlock()
	stderr.mu.Lock()
	stderr.w.WriteString(msg)
	if sev >= sevWarn {
		stderr.w.Flush()
	} else if mono.Since(stderr.lastSync) > 2*time.Second {
		stderr.w.Flush()
		stderr.lastSync = mono.NanoTime()
	}
	stderr.mu.Unlock()
}

func Infof(format string, args ...any)    { log(sevInfo, format, args...) }
func Infoln(args ...any)                  { log(sevInfo, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, format, args...) }
func Warningln(args ...any)               { log(sevWarn, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, format, args...) }
func Errorln(args ...any)                 { log(sevErr, "", args...) }

// Flush flushes buffered output; when exit is true also fsyncs and closes
// any rotated log file, meant to run once at shutdown.
func Flush(exit ...bool) {
	mw.Lock()
	defer mw.Unlock()
	stderr.mu.Lock()
	stderr.w.Flush()
	if len(exit) > 0 && exit[0] && stderr.f != nil {
		stderr.f.Sync()
		stderr.f.Close()
	}
	stderr.mu.Unlock()
}
