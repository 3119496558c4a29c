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

package lockarb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVolumes struct {
	roots    []string
	failRoot string
}

func (f *fakeVolumes) RootPaths() []string { return f.roots }

func (f *fakeVolumes) CheckNow(ctx context.Context, rootPath string, force bool) error {
	if rootPath == f.failRoot {
		return assert.AnError
	}
	return nil
}

type fakeOwners struct {
	enabled map[string]bool
}

func newFakeOwners() *fakeOwners { return &fakeOwners{enabled: make(map[string]bool)} }

func (f *fakeOwners) SetOwnersEnabled(ctx context.Context, mountPoint string, enabled bool) error {
	f.enabled[mountPoint] = enabled
	return nil
}

func TestLockVolumeExclusiveAndOwnersToggle(t *testing.T) {
	owners := newFakeOwners()
	a := New(&fakeVolumes{}, owners)

	status := a.LockVolume(context.Background(), "/Volumes/Foo", "owner-a", "/Volumes/Foo/helper")
	require.Equal(t, StatusOK, status)
	assert.True(t, owners.enabled["/Volumes/Foo/helper"])

	status = a.LockVolume(context.Background(), "/Volumes/Foo", "owner-b", "/Volumes/Foo/helper")
	assert.Equal(t, StatusBusy, status)

	status = a.UnlockVolume(context.Background(), "/Volumes/Foo", "owner-a", "/Volumes/Foo/helper", 0)
	assert.Equal(t, StatusOK, status)
	assert.False(t, owners.enabled["/Volumes/Foo/helper"])

	// Now owner-b can take it.
	status = a.LockVolume(context.Background(), "/Volumes/Foo", "owner-b", "/Volumes/Foo/helper")
	assert.Equal(t, StatusOK, status)
}

func TestUnlockVolumeRejectsWrongOwner(t *testing.T) {
	a := New(&fakeVolumes{}, newFakeOwners())
	require.Equal(t, StatusOK, a.LockVolume(context.Background(), "/Volumes/Foo", "owner-a", ""))

	status := a.UnlockVolume(context.Background(), "/Volumes/Foo", "owner-b", "", 0)
	assert.Equal(t, StatusInvalid, status)
}

func TestUnlockVolumeTempFailDoesNotCountAsError(t *testing.T) {
	a := New(&fakeVolumes{}, newFakeOwners())
	require.Equal(t, StatusOK, a.LockVolume(context.Background(), "/Volumes/Foo", "owner-a", ""))
	require.Equal(t, StatusOK, a.UnlockVolume(context.Background(), "/Volumes/Foo", "owner-a", "", ExitTempFail))
	assert.Equal(t, 0, a.errCounts["/Volumes/Foo"])

	require.Equal(t, StatusOK, a.LockVolume(context.Background(), "/Volumes/Foo", "owner-a", ""))
	require.Equal(t, StatusOK, a.UnlockVolume(context.Background(), "/Volumes/Foo", "owner-a", "", 1))
	assert.Equal(t, 1, a.errCounts["/Volumes/Foo"])
}

func TestLockRebootWaitsForVolumeLocks(t *testing.T) {
	a := New(&fakeVolumes{}, newFakeOwners())
	require.Equal(t, StatusOK, a.LockVolume(context.Background(), "/Volumes/Foo", "owner-a", ""))

	status, busy := a.LockReboot(context.Background(), "reboot-owner")
	assert.Equal(t, StatusBusy, status)
	assert.Equal(t, "/Volumes/Foo", busy)
}

func TestLockRebootReconcilesOutstandingVolumes(t *testing.T) {
	vols := &fakeVolumes{roots: []string{"/Volumes/A", "/Volumes/B"}}
	a := New(vols, newFakeOwners())

	status, busy := a.LockReboot(context.Background(), "reboot-owner")
	assert.Equal(t, StatusOK, status)
	assert.Empty(t, busy)
}

func TestLockRebootFailsWhenAVolumeCannotReconcile(t *testing.T) {
	vols := &fakeVolumes{roots: []string{"/Volumes/A", "/Volumes/B"}, failRoot: "/Volumes/B"}
	a := New(vols, newFakeOwners())

	status, busy := a.LockReboot(context.Background(), "reboot-owner")
	assert.Equal(t, StatusBusy, status)
	assert.Equal(t, "/Volumes/B", busy)
}

func TestLockRebootSkipsVolumesPastGiveUpThreshold(t *testing.T) {
	vols := &fakeVolumes{roots: []string{"/Volumes/A"}, failRoot: "/Volumes/A"}
	a := New(vols, newFakeOwners())
	a.GiveUpThreshold = 2
	a.errCounts["/Volumes/A"] = 2

	status, busy := a.LockReboot(context.Background(), "reboot-owner")
	assert.Equal(t, StatusOK, status)
	assert.Empty(t, busy)
}

func TestOwnerDisconnectedReleasesVolumeLock(t *testing.T) {
	a := New(&fakeVolumes{}, newFakeOwners())
	require.Equal(t, StatusOK, a.LockVolume(context.Background(), "/Volumes/Foo", "owner-a", ""))

	a.OwnerDisconnected(context.Background(), "owner-a")

	status := a.LockVolume(context.Background(), "/Volumes/Foo", "owner-b", "")
	assert.Equal(t, StatusOK, status)
}

func TestOwnerDisconnectedRestoresOwners(t *testing.T) {
	owners := newFakeOwners()
	a := New(&fakeVolumes{}, owners)
	require.Equal(t, StatusOK, a.LockVolume(context.Background(), "/Volumes/Foo", "owner-a", "/Volumes/Foo/helper"))
	require.True(t, owners.enabled["/Volumes/Foo/helper"])

	a.OwnerDisconnected(context.Background(), "owner-a")

	assert.False(t, owners.enabled["/Volumes/Foo/helper"], "owners must be restored when the lock holder crashes")

	status := a.LockVolume(context.Background(), "/Volumes/Foo", "owner-b", "/Volumes/Foo/helper")
	assert.Equal(t, StatusOK, status)
}

func TestOwnerDisconnectedReleasesRebootLock(t *testing.T) {
	a := New(&fakeVolumes{}, newFakeOwners())
	status, _ := a.LockReboot(context.Background(), "owner-a")
	require.Equal(t, StatusOK, status)

	a.OwnerDisconnected(context.Background(), "owner-a")

	status, busy := a.LockReboot(context.Background(), "owner-b")
	assert.Equal(t, StatusOK, status)
	assert.Empty(t, busy)
}
