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

// Package linuxerr contains the errno-backed errors returned by the virtual
// memory core. They are pointers so that comparison is as cheap as comparing
// unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors"
)

var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
)

var errorMap = map[unix.Errno]*errors.Error{
	unix.EPERM:  EPERM,
	unix.ENOMEM: ENOMEM,
	unix.EFAULT: EFAULT,
	unix.EINVAL: EINVAL,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// linuxerr equivalent are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return err
}

// Equals compares a linuxerr to a given error. Wrapped errors are unwrapped.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	return goerrors.Is(err, e) || goerrors.Is(err, e.Errno())
}
