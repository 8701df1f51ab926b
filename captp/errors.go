/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package captp

import (
	"errors"
	"fmt"

	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

// Protocol errors cause op:abort followed by transport close.
var (
	ErrUnknownOpLabel        = errors.New("captp: unknown operation label")
	ErrBadArity              = errors.New("captp: wrong record arity")
	ErrBadRecordShape        = errors.New("captp: malformed record")
	ErrBadKeyShape           = errors.New("captp: malformed public key")
	ErrBadSignatureShape     = errors.New("captp: malformed signature")
	ErrBadLocationSignature  = errors.New("captp: location signature invalid")
	ErrVersionMismatch       = errors.New("captp: captp version mismatch")
	ErrDuplicateStartSession = errors.New("captp: duplicate op:start-session")
	ErrReplayedHandoff       = errors.New("captp: replayed handoff count")
	ErrSignatureInvalid      = errors.New("captp: signature verification failed")
	ErrSessionAborted        = errors.New("captp: session aborted")
	ErrSessionNotStarted     = errors.New("captp: session not started")
)

// Transport errors are surfaced to the scenario; Timeout may be retried.
var (
	ErrTimeout          = errors.New("captp: receive timed out")
	ErrConnectionClosed = errors.New("captp: connection closed")
)

// PromiseBroken is a normal protocol outcome: the peer resolved a promise
// with (break reason). It is data, not a failure of the harness.
type PromiseBroken struct {
	Reason syrup.Value
}

func (e *PromiseBroken) Error() string {
	return fmt.Sprintf("captp: promise broken: %v", e.Reason)
}

// AbortedError reports the reason carried by a received op:abort.
type AbortedError struct {
	Reason string
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("captp: peer aborted session: %s", e.Reason)
}

func (e *AbortedError) Unwrap() error { return ErrSessionAborted }
