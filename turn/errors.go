// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package turn

import "errors"

var (
	// ErrBusy reports that a turn is already in flight for the
	// conversation. Callers surface it immediately; turns never
	// queue.
	ErrBusy = errors.New("turn already in flight")

	// ErrNotFound reports that no conversation exists under the
	// requested key.
	ErrNotFound = errors.New("conversation not found")

	// ErrAborted reports that the turn was torn down by an explicit
	// abort rather than finishing on its own.
	ErrAborted = errors.New("turn aborted")
)
