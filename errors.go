// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

import (
	"errors"
	"fmt"

	"go.mau.fi/keyverify/event"
)

var (
	// ErrUnknownVerificationTransaction is returned when an operation
	// references a transaction ID that is not in the store.
	ErrUnknownVerificationTransaction = errors.New("unknown transaction ID")
	// ErrInvalidState is returned when an operation is not valid in the
	// transaction's current phase.
	ErrInvalidState = errors.New("operation not valid in the current phase")
	// ErrProtocol indicates a malformed or out-of-sequence message from the
	// other device.
	ErrProtocol = errors.New("protocol error")
	// ErrMethodUnsupported indicates that no mutually supported verification
	// method exists.
	ErrMethodUnsupported = errors.New("no mutually supported verification method")
	// ErrKeyMismatch indicates that a MAC or embedded-key check failed. This
	// is a hard trust failure and is never retried.
	ErrKeyMismatch = errors.New("key verification failed")
	// ErrQRCodeInvalid indicates a structural QR payload parse failure.
	ErrQRCodeInvalid = errors.New("invalid QR code")
	// ErrTimeout indicates that the verification expired.
	ErrTimeout = errors.New("verification timed out")
	// ErrUserCancelled indicates that one of the users cancelled the
	// verification.
	ErrUserCancelled = errors.New("verification cancelled by user")
	// ErrTransport wraps a transport send failure. Local state transitions
	// are never blocked on transport success, so this is reported as a side
	// channel alongside the state change.
	ErrTransport = errors.New("failed to send verification message")
)

// CancelledError is the terminal outcome of a cancelled verification. It is
// returned by WaitForCompletion and carries the machine-readable cancel code
// from the wire.
type CancelledError struct {
	Code   event.VerificationCancelCode
	Reason string
}

func (ce *CancelledError) Error() string {
	return fmt.Sprintf("verification cancelled (%s): %s", ce.Code, ce.Reason)
}

// Is maps cancel codes onto the package's error taxonomy so that callers can
// use errors.Is against the sentinel values.
func (ce *CancelledError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return ce.Code == event.VerificationCancelCodeTimeout
	case ErrUserCancelled:
		return ce.Code == event.VerificationCancelCodeUser
	case ErrKeyMismatch:
		return ce.Code == event.VerificationCancelCodeKeyMismatch ||
			ce.Code == event.VerificationCancelCodeMismatchedSAS ||
			ce.Code == event.VerificationCancelCodeMismatchedCommitment
	case ErrQRCodeInvalid:
		return ce.Code == event.VerificationCancelCodeQRCodeInvalid
	case ErrMethodUnsupported:
		return ce.Code == event.VerificationCancelCodeUnknownMethod
	case ErrProtocol:
		return ce.Code == event.VerificationCancelCodeUnexpectedMessage ||
			ce.Code == event.VerificationCancelCodeInvalidMessage ||
			ce.Code == event.VerificationCancelCodeUnknownTransaction ||
			ce.Code == event.VerificationCancelCodeUserMismatch
	default:
		return false
	}
}
