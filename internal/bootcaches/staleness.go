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
	"time"

	"golang.org/x/sys/unix"
)

// NeedsUpdate implements the staleness oracle for a single
// cached path: stat the source, capture its (atime, mtime), then
// compare the source's mtime with the shadow's. A missing optional
// source is routine and never counts as out of date.
func NeedsUpdate(volumeRoot string, cp *CachedPath) (outOfDate bool, err error) {
	srcPath := volumeRoot + "/" + cp.RelSourcePath
	var srcStat unix.Stat_t
	if serr := unix.Stat(srcPath, &srcStat); serr != nil {
		if os.IsNotExist(serr) {
			cp.captured = false
			return false, nil
		}
		return false, serr
	}

	cp.CapturedAtime = statTimeToTime(srcStat.Atim)
	cp.CapturedMtime = statTimeToTime(srcStat.Mtim)
	cp.captured = true

	var shadowStat unix.Stat_t
	if serr := unix.Stat(cp.ShadowPath, &shadowStat); serr != nil {
		if os.IsNotExist(serr) {
			return true, nil
		}
		return false, serr
	}

	shadowMtime := statTimeToTime(shadowStat.Mtim)
	return !cp.CapturedMtime.Equal(shadowMtime), nil
}

func statTimeToTime(ts unix.Timespec) time.Time {
	return time.Unix(int64(ts.Sec), int64(ts.Nsec))
}

// NeedUpdates runs the staleness oracle over every tracked path in bc:
// it populates CapturedAtime/CapturedMtime on every cached path (even
// ones that are not out of date) so the stamper can later apply them
// unconditionally.
func NeedUpdates(bc *BootCaches) (any, rps, booters, misc bool, err error) {
	for _, cp := range bc.RPSPaths {
		stale, e := NeedsUpdate(bc.VolumeRoot, cp)
		if e != nil {
			return false, false, false, false, e
		}
		if stale {
			rps = true
		}
	}
	for _, cp := range []*CachedPath{bc.EFIBooter, bc.OFBooter} {
		if cp == nil {
			continue
		}
		stale, e := NeedsUpdate(bc.VolumeRoot, cp)
		if e != nil {
			return false, false, false, false, e
		}
		if stale {
			booters = true
		}
	}
	for _, cp := range bc.MiscPaths {
		stale, e := NeedsUpdate(bc.VolumeRoot, cp)
		if e != nil {
			return false, false, false, false, e
		}
		if stale {
			misc = true
		}
	}
	any = rps || booters || misc
	return any, rps, booters, misc, nil
}

// MkextNeedsRebuild implements the special-cased kernel-cache
// staleness rule: the mkext is stale unless its mtime is exactly one
// second after its extensions directory's mtime, the marker the
// external builder writes to signal "up to date". Absence of the
// extensions directory is fatal: the cache cannot be built.
func MkextNeedsRebuild(bc *BootCaches) (bool, error) {
	if bc.MKext == nil {
		return false, nil
	}
	if bc.ExtsPath == "" {
		return false, ErrExtensionsDirMissing
	}

	var extsStat unix.Stat_t
	if err := unix.Stat(bc.ExtsPath, &extsStat); err != nil {
		if os.IsNotExist(err) {
			return false, ErrExtensionsDirMissing
		}
		return false, err
	}

	mkextPath := bc.AbsSourcePath(bc.MKext)
	var mkextStat unix.Stat_t
	if err := unix.Stat(mkextPath, &mkextStat); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}

	extsMtime := statTimeToTime(extsStat.Mtim)
	mkextMtime := statTimeToTime(mkextStat.Mtim)
	marker := extsMtime.Add(time.Second)
	return !mkextMtime.Equal(marker), nil
}
