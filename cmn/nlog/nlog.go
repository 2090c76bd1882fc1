// Package nlog is pva's logger: leveled, allocation-light, timestamped
// lines written to stderr or a file. Adapted from the teacher's
// cmn/nlog, trimmed down from its double-buffered flush pipeline to a
// single mutex-guarded writer -- this module's log volume never
// approaches AIStore's per-object logging rate.
package nlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const maxSize = 64 * 1024 * 1024

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	file    *os.File
	written int64
	verbose bool
	title   string
)

const sevChar = "IWE"

// SetOutput redirects the logger; passing nil restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		out = os.Stderr
		return
	}
	out = w
}

// SetFile redirects output to the file at path, opened for append,
// closing any prior one.
func SetFile(path string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	file, out, written = f, f, 0
	return nil
}

// SetVerbose toggles Infof/Infoln emission; Warning/Error are always on.
// Callers typically wire this to the DEBUG environment variable.
func SetVerbose(v bool) { verbose = v }

func SetTitle(s string) { title = s }

func log(sev severity, depth int, format string, args ...any) {
	if sev == sevInfo && !verbose {
		return
	}
	line := format1(sev, depth+1, format, args...)
	mu.Lock()
	n, _ := out.Write(line)
	written += int64(n)
	if file != nil && written >= maxSize {
		rotate()
	}
	mu.Unlock()
}

// rotate runs each time maxSize bytes have gone to the file: it
// restarts the byte count and writes the title line. The output stays
// the same file; nothing is renamed, truncated or reopened.
func rotate() {
	written = 0
	if title != "" {
		file.WriteString(title + "\n")
	}
}

func format1(sev severity, depth int, format string, args ...any) []byte {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(2 + depth); ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprint(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
	}
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
