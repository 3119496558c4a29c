// Copyright 2026 The boothelperd Authors
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package publisher

import "github.com/pkg/errors"

// ErrHelperTooSmall is returned for a helper partition smaller than
// MinHelperSize: the transaction for that helper is aborted without
// side effects.
var ErrHelperTooSmall = errors.New("publisher: helper partition too small")

// ErrMountBusy is returned when a helper partition is still busy after
// the one permitted forced-unmount retry.
var ErrMountBusy = errors.New("publisher: helper partition mount busy")

// ErrStampFailed wraps a failure from the timestamp stamper: it does
// not revert already-published helpers, but does cause the overall
// transaction to be reported failed.
var ErrStampFailed = errors.New("publisher: applying timestamp stamps failed")

// TransactionError reports the outcome of UpdateBoots, naming which
// helper(s) failed and at what ChangeState each one was reverted
// from, so callers can log or test against it precisely.
type TransactionError struct {
	HelperFailures map[string]HelperFailure
}

// HelperFailure is the state reached on one helper before reverting.
type HelperFailure struct {
	ChangeState ChangeState
	Err         error
}

func (e *TransactionError) Error() string {
	if len(e.HelperFailures) == 0 {
		return "publisher: transaction failed"
	}
	msg := "publisher: transaction failed on helper(s):"
	for dev, f := range e.HelperFailures {
		msg += " " + dev + "=" + f.ChangeState.String() + "(" + f.Err.Error() + ")"
	}
	return msg
}
