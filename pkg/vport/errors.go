/*
 * Copyright (c) 2022 NetLOX Inc
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package vport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// errors returned by vport operations
var (
	ErrNoMem        error = unix.ENOMEM
	ErrNotSupported error = unix.EOPNOTSUPP
	ErrMsgSize      error = unix.EMSGSIZE
	ErrAfNoSupport  error = unix.EAFNOSUPPORT
	ErrExists       error = unix.EEXIST
	ErrInval        error = unix.EINVAL
)

// VportErrType - kinds of soft errors counted in vport statistics
type VportErrType int

// soft error kinds
const (
	VportErrRxDropped VportErrType = iota
	VportErrRxError
	VportErrTxDropped
	VportErrTxError
)

// String - printable name of a soft error kind
func (e VportErrType) String() string {
	switch e {
	case VportErrRxDropped:
		return "rx-dropped"
	case VportErrRxError:
		return "rx-error"
	case VportErrTxDropped:
		return "tx-dropped"
	case VportErrTxError:
		return "tx-error"
	}
	return "unknown"
}

// errnoRet - convert a driver error to the negative return value of a
// send operation
func errnoRet(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int(errno)
	}
	return -int(unix.EIO)
}
