// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package slitscan

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"sync"
)

var fEnableDebug = flag.Bool(
	"slitscan.debug",
	false,
	"Write verbose engine debugging messages to stderr.")

var gLogger *log.Logger
var gLoggerOnce sync.Once

func initLogger() {
	if !flag.Parsed() {
		panic("initLogger called before flags available.")
	}

	var writer io.Writer = io.Discard
	if *fEnableDebug {
		writer = os.Stderr
	}

	const flags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
	gLogger = log.New(writer, "slitscan: ", flags)
}

// getLogger returns the package's lazily-initialized debug logger, silent
// unless -slitscan.debug is set.
func getLogger() *log.Logger {
	gLoggerOnce.Do(initLogger)
	return gLogger
}

var ansiEscape = regexp.MustCompile("\x1b[^m]*m")

// stripANSI removes terminal escape sequences from s. Reason phrases and
// other text echoed from a candidate are untrusted and may contain control
// sequences; the result log is always plain text.
func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// ResultLog is the append-only, flush-per-line log of candidate outcomes
// described in spec §6. Every write is timestamped "[<unix time float>]" to
// match the original program's log format.
type ResultLog struct {
	mu   sync.Mutex
	file *os.File
	now  func() float64
}

// OpenResultLog opens (creating if necessary) the log file at path for
// appending.
func OpenResultLog(path string, now func() float64) (*ResultLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open result log %s: %w", path, err)
	}
	return &ResultLog{file: f, now: now}, nil
}

// Record writes one ANSI-stripped, timestamped line and flushes immediately.
func (l *ResultLog) Record(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	clean := stripANSI(line)
	if _, err := fmt.Fprintf(l.file, "[%f] %s\n", l.now(), clean); err != nil {
		return fmt.Errorf("write result log: %w", err)
	}
	return l.file.Sync()
}

// Close closes the underlying file.
func (l *ResultLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
