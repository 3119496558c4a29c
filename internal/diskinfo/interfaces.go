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

// Package diskinfo declares the narrow interfaces through which the
// update engine reaches platform services that are explicitly out of
// scope for this repository: resolving a volume's UUID/BSD name,
// enumerating helper partitions, mounting/unmounting them, toggling
// "owners" on a mount, and blessing a booter. A real implementation
// would call out to the host's disk-management stack; tests and the
// publisher/watcher packages depend only on these interfaces.
package diskinfo

import "context"

// VolumeEventKind distinguishes the three disk-arbitration callbacks
// the watcher subscribes to.
type VolumeEventKind int

const (
	VolumeAppeared VolumeEventKind = iota
	VolumeChanged
	VolumeDisappeared
)

// VolumeEvent is delivered to a Watcher's subscription channel.
type VolumeEvent struct {
	Kind       VolumeEventKind
	BSDName    string
	MountPoint string
}

// VolumeInfo describes a mounted root volume.
type VolumeInfo struct {
	BSDName    string
	UUID       string
	Name       string
	MountPoint string
	Writable   bool
	Local      bool
	Network    bool
}

// HelperInfo reports the auxiliary and system partitions associated
// with a device, used to answer "is this volume helper-partitioned?"
// (yes iff both arrays are non-empty).
type HelperInfo struct {
	AuxiliaryPartitions []string // BSD names of Apple_Boot-like helpers
	SystemPartitions    []string
}

func (h HelperInfo) HelperPartitioned() bool {
	return len(h.AuxiliaryPartitions) > 0 && len(h.SystemPartitions) > 0
}

// Service resolves volume identity and helper-partition topology. It
// is the sole seam to the platform's disk-description service, an
// external collaborator this package never implements directly.
type Service interface {
	// VolumeInfo resolves identity for the volume whose descriptor
	// file has the given device id.
	VolumeInfo(ctx context.Context, descriptorDeviceID uint64) (VolumeInfo, error)
	// HelperPartitions enumerates the helper partitions associated
	// with the given device id, re-validated by the caller afterward.
	HelperPartitions(ctx context.Context, descriptorDeviceID uint64) (HelperInfo, error)
	// Subscribe delivers volume appear/change/disappear events
	// matching "volume mountable" until ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan VolumeEvent, error)
}

// ArbResult models the three-valued outcome of an arbitration request:
// it may be answered synchronously before the call returns, or only
// later from a callback.
type ArbResult int

const (
	NotAnswered ArbResult = iota
	Accepted
	Rejected
)

// MountHandle identifies one mounted helper partition.
type MountHandle struct {
	BSDName    string
	MountPoint string
	BlockSize  uint64
	BlockCount uint64
}

// Size returns the partition's capacity in bytes (f_blocks * f_bsize).
func (m MountHandle) Size() uint64 {
	return m.BlockSize * m.BlockCount
}

// Arbiter mounts/unmounts helper partitions and toggles "owners", the
// platform disk-arbitration collaborator publishing and lock handling
// both depend on. A caller drives Mount/Unmount/SetOwnersEnabled
// synchronously; a fake implementation used in tests may simulate
// either immediate or deferred (NotAnswered-then-callback) answers internally, but
// always returns Accepted/Rejected from these blocking entry points -
// the NotAnswered/run-loop distinction matters only to a real,
// callback-driven platform binding, which is out of scope here.
type Arbiter interface {
	Mount(ctx context.Context, bsdName string) (MountHandle, ArbResult, error)
	Unmount(ctx context.Context, h MountHandle, force bool) (ArbResult, error)
	SetOwnersEnabled(ctx context.Context, mountPoint string, enabled bool) (ArbResult, error)
}

// Blesser records, via the firmware's bless facility, which booter and
// enclosing directory to load at next boot.
type Blesser interface {
	Bless(ctx context.Context, enclosingDirInode, booterInode uint64) error
}
