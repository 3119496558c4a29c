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

// Package diskinfofake provides in-memory test doubles for
// internal/diskinfo's Service, Arbiter and Blesser interfaces, so the
// publisher, watcher and lock arbiter packages can be tested without a
// real disk-arbitration daemon.
package diskinfofake

import (
	"context"
	"sync"

	"github.com/northerntech/boothelperd/internal/diskinfo"
)

// Service is a fully in-memory diskinfo.Service.
type Service struct {
	mu      sync.Mutex
	Volumes map[uint64]diskinfo.VolumeInfo
	Helpers map[uint64]diskinfo.HelperInfo
	events  chan diskinfo.VolumeEvent
}

func NewService() *Service {
	return &Service{
		Volumes: make(map[uint64]diskinfo.VolumeInfo),
		Helpers: make(map[uint64]diskinfo.HelperInfo),
		events:  make(chan diskinfo.VolumeEvent, 16),
	}
}

func (s *Service) VolumeInfo(_ context.Context, devID uint64) (diskinfo.VolumeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Volumes[devID]
	if !ok {
		return diskinfo.VolumeInfo{}, errNotFound
	}
	return v, nil
}

func (s *Service) HelperPartitions(_ context.Context, devID uint64) (diskinfo.HelperInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Helpers[devID], nil
}

func (s *Service) Subscribe(ctx context.Context) (<-chan diskinfo.VolumeEvent, error) {
	out := make(chan diskinfo.VolumeEvent, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(out)
				return
			case e := <-s.events:
				out <- e
			}
		}
	}()
	return out, nil
}

// Emit injects a disk-arbitration event, as a real platform daemon
// would deliver from its callback.
func (s *Service) Emit(e diskinfo.VolumeEvent) {
	s.events <- e
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "diskinfofake: volume not found" }

var errNotFound = notFoundErr{}

// Arbiter is a synchronous, in-memory diskinfo.Arbiter.
type Arbiter struct {
	mu           sync.Mutex
	MountPoints  map[string]string // bsdName -> mountpoint
	BlockSize    map[string]uint64
	BlockCount   map[string]uint64
	Busy         map[string]bool // simulate "mount busy" until force-unmounted
	RejectMount  map[string]bool
	OwnersOff    map[string]bool // mountPoint -> owners currently ignored
	unmountCalls map[string]int
}

func NewArbiter() *Arbiter {
	return &Arbiter{
		MountPoints:  make(map[string]string),
		BlockSize:    make(map[string]uint64),
		BlockCount:   make(map[string]uint64),
		Busy:         make(map[string]bool),
		RejectMount:  make(map[string]bool),
		OwnersOff:    make(map[string]bool),
		unmountCalls: make(map[string]int),
	}
}

func (a *Arbiter) Mount(_ context.Context, bsdName string) (diskinfo.MountHandle, diskinfo.ArbResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.RejectMount[bsdName] {
		return diskinfo.MountHandle{}, diskinfo.Rejected, nil
	}
	if a.Busy[bsdName] {
		return diskinfo.MountHandle{}, diskinfo.Rejected, errBusy
	}
	mp, ok := a.MountPoints[bsdName]
	if !ok {
		return diskinfo.MountHandle{}, diskinfo.Rejected, errNotFound
	}
	return diskinfo.MountHandle{
		BSDName:    bsdName,
		MountPoint: mp,
		BlockSize:  a.BlockSize[bsdName],
		BlockCount: a.BlockCount[bsdName],
	}, diskinfo.Accepted, nil
}

type busyErr struct{}

func (busyErr) Error() string { return "diskinfofake: mount busy" }

var errBusy = busyErr{}

// Unmount clears the Busy flag for bsdName the first time force is
// requested, simulating "exactly one forced retry succeeds".
func (a *Arbiter) Unmount(_ context.Context, h diskinfo.MountHandle, force bool) (diskinfo.ArbResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unmountCalls[h.BSDName]++
	if force {
		a.Busy[h.BSDName] = false
	}
	return diskinfo.Accepted, nil
}

func (a *Arbiter) UnmountCalls(bsdName string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unmountCalls[bsdName]
}

func (a *Arbiter) SetOwnersEnabled(_ context.Context, mountPoint string, enabled bool) (diskinfo.ArbResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.OwnersOff[mountPoint] = !enabled
	return diskinfo.Accepted, nil
}

// Blesser records every Bless call for assertions.
type Blesser struct {
	mu    sync.Mutex
	Calls []BlessCall
	Err   error
}

type BlessCall struct {
	EnclosingDirInode uint64
	BooterInode       uint64
}

func (b *Blesser) Bless(_ context.Context, dirInode, booterInode uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Calls = append(b.Calls, BlessCall{EnclosingDirInode: dirInode, BooterInode: booterInode})
	return nil
}
