/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package failure defines the reasons a ledger operation can be rejected.
// Every error surfaced to callers carries exactly one Reason.
package failure

import (
	"errors"
	"fmt"
)

type Reason string

const (
	Validation             Reason = "ValidationError"
	NotFound               Reason = "NotFound"
	InsufficientFunds      Reason = "InsufficientFunds"
	Banned                 Reason = "Banned"
	UnsupportedCurrency    Reason = "UnsupportedCurrency"
	SupplyExceeded         Reason = "SupplyExceeded"
	DuplicateEvent         Reason = "DuplicateEvent"
	ExternalServiceFailure Reason = "ExternalServiceFailure"
	ConfigurationError     Reason = "ConfigurationError"
	Internal               Reason = "Internal"
)

// Bare sentinels, one per reason. errors.Is(err, ErrNotFound) is true for any
// error carrying the NotFound reason.
var (
	ErrValidation          = &Error{Reason: Validation}
	ErrNotFound            = &Error{Reason: NotFound}
	ErrInsufficientFunds   = &Error{Reason: InsufficientFunds}
	ErrBanned              = &Error{Reason: Banned}
	ErrUnsupportedCurrency = &Error{Reason: UnsupportedCurrency}
	ErrSupplyExceeded      = &Error{Reason: SupplyExceeded}
	ErrDuplicateEvent      = &Error{Reason: DuplicateEvent}
	ErrExternalService     = &Error{Reason: ExternalServiceFailure}
	ErrConfiguration       = &Error{Reason: ConfigurationError}
)

type Error struct {
	Reason Reason
	Msg    string
	Err    error
}

func New(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(reason Reason, err error, format string, args ...any) *Error {
	return &Error{Reason: reason, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Reason)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches bare sentinels by reason and everything else by identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Msg == "" && t.Err == nil {
		return t.Reason == e.Reason
	}
	return t == e
}

// ReasonOf returns the outermost reason in err's chain, or Internal.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return Internal
}

// Message returns the human part of err without the reason prefix.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Msg != "" {
		return fe.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
