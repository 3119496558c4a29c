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

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/northerntech/boothelperd/internal/scopedfs"
)

// ApplyStamps implements the timestamp stamper. It is called only
// after a successful publish across all helpers. For every cached
// path whose source was stat-able during the preceding staleness
// check, it unlinks the old shadow (best effort), recreates it, and
// sets its (atime, mtime) to the captured source times.
//
// Errors across the loop are OR'd together: a single stamping failure
// does not revert already-published helpers, but does cause the
// overall update to be reported failed so the next change
// notification retries.
func ApplyStamps(bc *BootCaches) error {
	scope, err := scopedfs.Open(bc.VolumeRoot)
	if err != nil {
		return err
	}
	defer scope.Close()

	var composite error
	for _, cp := range bc.AllTrackedPaths() {
		if !cp.captured {
			continue
		}
		if err := stampOne(scope, cp); err != nil {
			composite = orErr(composite, err)
		}
	}
	return composite
}

func stampOne(scope *scopedfs.Scope, cp *CachedPath) error {
	_ = scope.SafeUnlink(cp.ShadowPath) // best effort

	f, err := scope.SafeOpen(cp.ShadowPath, os.O_CREATE|os.O_WRONLY, 0755)
	if err != nil {
		return errors.Wrapf(err, "bootcaches: create shadow %s", cp.ShadowPath)
	}
	defer f.Close()

	atime := unix.NsecToTimespec(cp.CapturedAtime.UnixNano())
	mtime := unix.NsecToTimespec(cp.CapturedMtime.UnixNano())
	times := []unix.Timespec{atime, mtime}
	if err := unix.UtimesNanoAt(int(f.Fd()), "", times, unix.AT_EMPTY_PATH); err != nil {
		return errors.Wrapf(err, "bootcaches: futimes shadow %s", cp.ShadowPath)
	}
	return nil
}

func orErr(existing, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return errors.Wrap(existing, next.Error())
}
