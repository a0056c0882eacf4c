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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OpenFile opens a log file using the specified flags. Every "%NAME%"
// occurrence in logPattern is replaced by vars["NAME"]. An empty pattern
// returns a nil file and no error.
func OpenFile(logPattern string, flags int, vars map[string]string) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}

	logPath := logPattern
	for k, v := range vars {
		logPath = strings.ReplaceAll(logPath, "%"+k+"%", v)
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}

	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", logPath, err)
	}
	return f, nil
}
