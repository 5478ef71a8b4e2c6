// Copyright 2024 The Armored FOTA authors. All Rights Reserved.
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

// Package failure defines the categories of error which can abort a firmware
// update attempt, so that callers can branch on the category rather than on
// the message.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies the category of an update failure.
type Kind int

const (
	// Unknown is returned by KindOf for errors which were not raised by this package.
	Unknown Kind = iota
	// Network is a transport failure or timeout.
	Network
	// Manifest is a malformed or inconsistent manifest.
	Manifest
	// Integrity is a chunk authentication failure.
	Integrity
	// Decryption is a cipher failure.
	Decryption
	// Padding is invalid terminal padding on the final chunk.
	Padding
	// SizeMismatch means the number of bytes received differs from what was expected.
	SizeMismatch
	// Write means the storage sink rejected a write or is full.
	Write
	// Signature means the whole-image verification failed.
	Signature
	// PartitionCapacity means the image does not fit the target partition.
	PartitionCapacity
	// State means an operation was invoked in the wrong session state.
	State
	// Busy means an update session is already in flight.
	Busy
)

func (k Kind) String() string {
	switch k {
	case Unknown:
		return "UnknownError"
	case Network:
		return "NetworkError"
	case Manifest:
		return "ManifestError"
	case Integrity:
		return "IntegrityError"
	case Decryption:
		return "DecryptionError"
	case Padding:
		return "PaddingError"
	case SizeMismatch:
		return "SizeMismatch"
	case Write:
		return "WriteError"
	case Signature:
		return "SignatureError"
	case PartitionCapacity:
		return "PartitionCapacityError"
	case State:
		return "StateError"
	case Busy:
		return "BusyError"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is an update failure tagged with its Kind.
type Error struct {
	Kind Kind
	Msg  string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind which wraps err.
// If err is nil, Wrap returns nil.
func Wrap(k Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
