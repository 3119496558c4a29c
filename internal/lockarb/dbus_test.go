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

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(uid uint32, lookupErr error) (*LockService, *Arbiter) {
	a := New(&fakeVolumes{}, newFakeOwners())
	svc := &LockService{arb: a}
	svc.lookupUnixUser = func(sender dbus.Sender) (uint32, error) {
		return uid, lookupErr
	}
	return svc, a
}

func TestLockVolumeDeniesNonRoot(t *testing.T) {
	svc, a := newTestService(501, nil)

	status, dErr := svc.LockVolume("/Volumes/Foo", "/Volumes/Foo/helper", dbus.Sender(":1.1"))
	require.Nil(t, dErr)
	assert.Equal(t, int32(StatusPermissionDenied), status)
	assert.Empty(t, a.locks, "a denied caller must never acquire the lock")
}

func TestLockVolumeAllowsRoot(t *testing.T) {
	svc, _ := newTestService(0, nil)

	status, dErr := svc.LockVolume("/Volumes/Foo", "/Volumes/Foo/helper", dbus.Sender(":1.1"))
	require.Nil(t, dErr)
	assert.Equal(t, int32(StatusOK), status)
}

func TestUnlockVolumeDeniesNonRoot(t *testing.T) {
	svc, a := newTestService(0, nil)
	require.Equal(t, StatusOK, a.LockVolume(context.Background(), "/Volumes/Foo", ":1.1", ""))

	svc.lookupUnixUser = func(sender dbus.Sender) (uint32, error) { return 501, nil }
	status, dErr := svc.UnlockVolume("/Volumes/Foo", "", 0, dbus.Sender(":1.1"))
	require.Nil(t, dErr)
	assert.Equal(t, int32(StatusPermissionDenied), status)

	// The lock must still be held: the denied caller never reached UnlockVolume.
	status2 := a.LockVolume(context.Background(), "/Volumes/Foo", ":1.2", "")
	assert.Equal(t, StatusBusy, status2)
}

func TestLockRebootDeniesNonRoot(t *testing.T) {
	svc, a := newTestService(501, nil)

	status, busy, dErr := svc.LockReboot(dbus.Sender(":1.1"))
	require.Nil(t, dErr)
	assert.Equal(t, int32(StatusPermissionDenied), status)
	assert.Empty(t, busy)
	assert.False(t, a.rebootLocked)
}

func TestRequireRootDeniesWhenUidLookupFails(t *testing.T) {
	svc, _ := newTestService(0, assert.AnError)

	status, dErr := svc.LockVolume("/Volumes/Foo", "", dbus.Sender(":1.1"))
	require.Nil(t, dErr)
	assert.Equal(t, int32(StatusPermissionDenied), status)
}
