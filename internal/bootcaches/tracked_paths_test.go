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
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/northerntech/boothelperd/internal/diskinfo"
	"github.com/northerntech/boothelperd/internal/diskinfo/diskinfofake"
)

// TestAllTrackedPathsOrderingIsStable locks down the RPS-then-booters-
// then-misc ordering AllTrackedPaths promises: the watcher relies on
// it only to know what to fsnotify.Add, but a silent reorder here
// would make that dependency easy to miss in review.
func TestAllTrackedPathsOrderingIsStable(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, root, `{
		"PreBootPaths": {"DiskLabel": "System/Library/CoreServices/.disk_label"},
		"BooterPaths": {
			"EFIBooter": "System/Library/CoreServices/boot.efi",
			"OFBooter": "System/Library/CoreServices/BootX"
		},
		"PostBootPaths": {
			"BootConfig": "Library/Preferences/SystemConfiguration/com.apple.Boot.plist"
		}
	}`)

	svc := diskinfofake.NewService()
	svc.Volumes[anyDevID(t, root)] = diskinfo.VolumeInfo{UUID: testUUID, Name: "Macintosh HD"}

	bc, err := ReadCaches(context.Background(), root, svc, "", "")
	require.NoError(t, err)
	defer bc.Close()

	var got []string
	for _, cp := range bc.AllTrackedPaths() {
		got = append(got, cp.RelSourcePath)
	}

	want := []string{
		"Library/Preferences/SystemConfiguration/com.apple.Boot.plist",
		"System/Library/CoreServices/boot.efi",
		"System/Library/CoreServices/BootX",
		"System/Library/CoreServices/.disk_label",
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AllTrackedPaths() relative path ordering changed (-want +got):\n%s", diff)
	}
}
