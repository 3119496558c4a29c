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

// Package lockarb implements per-volume and whole-machine locks that
// let an external kextcache invocation claim exclusive
// rights to update a volume's boot caches, with automatic release if
// the lock holder disappears without unlocking cleanly.
package lockarb

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Status mirrors the small set of outcomes a lock/unlock request can
// have.
type Status int

const (
	StatusOK Status = iota
	StatusBusy
	StatusNotFound
	StatusPermissionDenied
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBusy:
		return "busy"
	case StatusNotFound:
		return "not found"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ExitTempFail is the sentinel exit status UnlockVolume treats as "the
// locker isn't finished yet, don't count this as a failure" (the
// EX_TEMPFAIL convention from BSD sysexits.h).
const ExitTempFail = 75

// VolumeSource lets the arbiter ask whatever owns the watched-volume
// set (the watcher) to enumerate volumes and force a reconcile, the
// seam LockReboot needs to decide whether any volume still has
// outstanding work.
type VolumeSource interface {
	RootPaths() []string
	CheckNow(ctx context.Context, rootPath string, force bool) error
}

// OwnersToggler enables or disables "owners" on a mounted volume, used
// to let a non-root locker write to the volume for the duration of
// its lock: a lock enables owners if they were off.
type OwnersToggler interface {
	SetOwnersEnabled(ctx context.Context, mountPoint string, enabled bool) error
}

type volumeLock struct {
	owner         string // opaque caller identity (a D-Bus unique name in practice)
	mountPoint    string // where the locked volume is mounted, needed to restore owners
	disableOwners bool   // owners were turned on for this lock and should be turned back off
}

// Arbiter tracks per-volume and whole-machine locks in memory. A
// volume is identified by its root path, the same key the watcher
// uses - a deliberate simplification over BSD-device-name keying,
// recorded in DESIGN.md.
type Arbiter struct {
	Volumes         VolumeSource
	Owners          OwnersToggler
	GiveUpThreshold int

	mu           sync.Mutex
	locks        map[string]*volumeLock
	errCounts    map[string]int
	rebootLocked bool
	rebootOwner  string
}

// New constructs an empty Arbiter.
func New(volumes VolumeSource, owners OwnersToggler) *Arbiter {
	return &Arbiter{
		Volumes:   volumes,
		Owners:    owners,
		locks:     make(map[string]*volumeLock),
		errCounts: make(map[string]int),
	}
}

// LockVolume claims rootPath exclusively for owner, enabling owners on
// it for the duration of the lock if they were off.
func (a *Arbiter) LockVolume(ctx context.Context, rootPath, owner, mountPoint string) Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rebootLocked {
		return StatusBusy
	}
	if lk, ok := a.locks[rootPath]; ok && lk.owner != "" {
		return StatusBusy
	}

	lk := &volumeLock{owner: owner, mountPoint: mountPoint}
	if a.Owners != nil && mountPoint != "" {
		if err := a.Owners.SetOwnersEnabled(ctx, mountPoint, true); err == nil {
			lk.disableOwners = true
		}
	}
	a.locks[rootPath] = lk
	return StatusOK
}

// UnlockVolume releases rootPath's lock held by owner, recording
// exitStatus against the volume's error count unless it is
// ExitTempFail: a locker still running isn't a failure.
func (a *Arbiter) UnlockVolume(ctx context.Context, rootPath, owner, mountPoint string, exitStatus int) Status {
	a.mu.Lock()
	lk, ok := a.locks[rootPath]
	if !ok || lk.owner == "" {
		a.mu.Unlock()
		log.WithField("volume", rootPath).Warn("lockarb: unlock requested for unlocked volume")
		return StatusInvalid
	}
	if lk.owner != owner {
		a.mu.Unlock()
		log.WithFields(log.Fields{"volume": rootPath, "owner": owner}).
			Warn("lockarb: unlock requested by non-owner")
		return StatusInvalid
	}

	switch exitStatus {
	case 0:
		if a.errCounts[rootPath] != 0 {
			log.WithField("volume", rootPath).Info("lockarb: kextcache succeeded after previous failures")
		}
		a.errCounts[rootPath] = 0
	case ExitTempFail:
		// not finished yet; no error recorded
	default:
		a.errCounts[rootPath]++
		log.WithField("volume", rootPath).Warn("lockarb: kextcache reported a problem")
	}

	disableOwners := lk.disableOwners
	delete(a.locks, rootPath)
	a.mu.Unlock()

	if disableOwners && a.Owners != nil && mountPoint != "" {
		if err := a.Owners.SetOwnersEnabled(ctx, mountPoint, false); err != nil {
			log.WithError(err).WithField("volume", rootPath).Warn("lockarb: failed to restore owners")
		}
	}
	return StatusOK
}

// LockReboot claims the whole-machine lock for owner. It reports busy
// while any volume lock is held. Otherwise every watched volume whose
// error count is below the give-up threshold is brought up to date
// via CheckNow; the first one that fails has its error count
// incremented and is reported as busy. Volumes at or past the
// threshold are skipped, so they never block a reboot.
func (a *Arbiter) LockReboot(ctx context.Context, owner string) (Status, string) {
	a.mu.Lock()
	if a.rebootLocked {
		a.mu.Unlock()
		return StatusBusy, ""
	}
	for root, lk := range a.locks {
		if lk.owner != "" {
			a.mu.Unlock()
			return StatusBusy, root
		}
	}
	a.mu.Unlock()

	if a.Volumes != nil {
		for _, root := range a.Volumes.RootPaths() {
			a.mu.Lock()
			errCount := a.errCounts[root]
			a.mu.Unlock()
			if errCount >= a.giveUpThreshold() {
				continue // permanently failing; don't let it block reboot forever
			}
			if err := a.Volumes.CheckNow(ctx, root, false); err != nil {
				a.mu.Lock()
				a.errCounts[root]++
				a.mu.Unlock()
				return StatusBusy, root
			}
		}
	}

	a.mu.Lock()
	a.rebootLocked = true
	a.rebootOwner = owner
	a.mu.Unlock()
	return StatusOK, ""
}

func (a *Arbiter) giveUpThreshold() int {
	if a.GiveUpThreshold <= 0 {
		return 5
	}
	return a.GiveUpThreshold
}

// OwnerDisconnected releases every lock (volume or reboot) held by
// owner, the crash-recovery path driven by a D-Bus NameOwnerChanged
// signal in place of a Mach port death notification.
func (a *Arbiter) OwnerDisconnected(ctx context.Context, owner string) {
	a.mu.Lock()
	var toRestore []string
	for root, lk := range a.locks {
		if lk.owner == owner {
			if lk.disableOwners && lk.mountPoint != "" {
				toRestore = append(toRestore, lk.mountPoint)
			}
			delete(a.locks, root)
			log.WithField("volume", root).Warn("lockarb: lock holder disappeared without unlocking")
		}
	}
	rebootWasOwner := a.rebootOwner == owner && a.rebootLocked
	if rebootWasOwner {
		a.rebootLocked = false
		a.rebootOwner = ""
	}
	a.mu.Unlock()

	if a.Owners == nil {
		return
	}
	for _, mountPoint := range toRestore {
		if err := a.Owners.SetOwnersEnabled(ctx, mountPoint, false); err != nil {
			log.WithError(err).WithField("mount", mountPoint).Warn("lockarb: failed to restore owners after crash")
		}
	}
}
