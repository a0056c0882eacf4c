// Copyright 2026 The gVisor Authors.
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

// Package util groups helpers shared by vmctl commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/vmcore/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by scripts driving vmctl.
var ErrorLogger io.Writer

// jsonError is the format of errors written to ErrorLogger.
type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

// Writef writes a message to stdout and to the log.
func Writef(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
	log.Infof(format, args...)
}

// Infof writes an informational message to the log and to stderr.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// Errorf logs an error to the log, to ErrorLogger and to stderr.
func Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	writeError(msg)
	fmt.Fprintln(os.Stderr, msg)
}

// Fatalf logs an error and exits with status 128.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

func writeError(msg string) {
	if ErrorLogger == nil {
		return
	}
	b, err := json.Marshal(jsonError{Msg: msg, Level: "error", Time: time.Now()})
	if err != nil {
		log.Warningf("Error marshalling %q: %v", msg, err)
		return
	}
	if _, err := ErrorLogger.Write(append(b, '\n')); err != nil {
		log.Warningf("Error writing to error log: %v", err)
	}
}
