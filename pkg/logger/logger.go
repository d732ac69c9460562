// Copyright 2023 The emqx-go Authors
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

// Package logger writes the simulator's single-line, UTC-timestamped log
// entries. Every line has the form "[<timestamp>]\t<message>".
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// TimestampLayout is the layout used for the bracketed prefix of each line.
const TimestampLayout = "2006-01-02T15:04:05.000-0700"

// Logger is a minimal line logger. It is safe for concurrent use; the
// underlying *log.Logger serializes writes.
type Logger struct {
	out *log.Logger
	now func() time.Time
}

// New returns a Logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{
		out: log.New(w, "", 0),
		now: time.Now,
	}
}

// Default returns a Logger writing to standard output.
func Default() *Logger {
	return New(os.Stdout)
}

// Printf formats and writes a single log line.
func (l *Logger) Printf(format string, v ...any) {
	l.Println(fmt.Sprintf(format, v...))
}

// Println writes msg as a single log line.
func (l *Logger) Println(msg string) {
	ts := l.now().UTC().Format(TimestampLayout)
	_ = l.out.Output(2, "["+ts+"]\t"+msg)
}

// Fatalf writes a log line and terminates the process with status 1.
func (l *Logger) Fatalf(format string, v ...any) {
	l.Printf(format, v...)
	exit(1)
}

// exit can be replaced by tests to prevent process exit.
var exit = os.Exit
