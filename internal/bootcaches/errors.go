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

package bootcaches

import "github.com/pkg/errors"

// Ignorable errors: the volume is simply not managed here, logged at
// most at info level, never surfaced as a failure.
var (
	ErrNoDescriptor       = errors.New("bootcaches: no descriptor file on this volume")
	ErrDescriptorNotOwned = errors.New("bootcaches: descriptor not owned by root")
	ErrDescriptorWritable = errors.New("bootcaches: descriptor is group/other writable")
)

// Data errors: the descriptor exists, is owned correctly, but is
// malformed. The volume is rejected.
var (
	ErrMalformedDescriptor  = errors.New("bootcaches: malformed descriptor")
	ErrUnknownRequiredKeys  = errors.New("bootcaches: unknown (assumed required) keys")
	ErrPathTooLong          = errors.New("bootcaches: path exceeds platform maximum")
	ErrExtensionsDirMissing = errors.New("bootcaches: extensions directory missing, cannot build kernel cache")
)

// IsIgnorable reports whether err represents a volume this daemon
// should silently stop tracking, rather than a data error.
func IsIgnorable(err error) bool {
	switch errors.Cause(err) {
	case ErrNoDescriptor, ErrDescriptorNotOwned, ErrDescriptorWritable:
		return true
	default:
		return false
	}
}
