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

// Package watcher subscribes to volume appear/change/disappear
// events, watches every tracked path of each
// managed volume's descriptor for writes, and - after a settle delay -
// asks the publisher to bring that volume's helper partitions back
// into agreement. It is the re-entrant trigger the rest of the update
// engine is built to answer to.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/northerntech/boothelperd/internal/bootcaches"
	"github.com/northerntech/boothelperd/internal/diskinfo"
	"github.com/northerntech/boothelperd/internal/publisher"
	"github.com/northerntech/boothelperd/internal/scopedfs"
	"github.com/northerntech/boothelperd/internal/state"
)

// DefaultSettleDelay matches the watchvol settle window: each event
// re-arms the timer, so a rebuild is attempted once this long has
// passed since the most recent change.
const DefaultSettleDelay = 5 * time.Second

// DefaultGiveUpThreshold is the number of consecutive failed rebuild
// attempts against one volume after which the watcher stops retrying
// automatically, so a permanently broken volume can't block it (spec
// §4.I/§4.H "errcount"/"GIVEUPTHRESH").
const DefaultGiveUpThreshold = 5

// LockController lets the watcher release and reacquire whatever
// exclusive lock guards concurrent publishes. New installs a no-op
// implementation.
type LockController interface {
	Release()
	Reacquire() error
}

type noopLockController struct{}

func (noopLockController) Release()       {}
func (noopLockController) Reacquire() error { return nil }

// watchedVol tracks one managed root volume between fsnotify events.
type watchedVol struct {
	mu       sync.Mutex
	bc       *bootcaches.BootCaches
	rootPath string
	errCount int
	timer    *time.Timer
}

// Watcher owns the fsnotify subscription and the publish trigger for
// every currently managed volume.
type Watcher struct {
	Service   diskinfo.Service
	Publisher *publisher.Publisher
	Lock      LockController
	// Store persists each volume's error count across daemon
	// restarts. Nil disables persistence; errCount then just lives
	// for the process's lifetime.
	Store *state.Store

	ShadowRoot        string
	DescriptorRelPath string
	SettleDelay       time.Duration
	GiveUpThreshold   int

	fsw *fsnotify.Watcher

	mu   sync.Mutex
	vols map[string]*watchedVol // keyed by rootPath
}

// New creates a Watcher with its own fsnotify handle.
func New(svc diskinfo.Service, pub *publisher.Publisher) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "watcher: creating fsnotify watcher")
	}
	return &Watcher{
		Service:         svc,
		Publisher:       pub,
		Lock:            noopLockController{},
		SettleDelay:     DefaultSettleDelay,
		GiveUpThreshold: DefaultGiveUpThreshold,
		fsw:             fsw,
		vols:            make(map[string]*watchedVol),
	}, nil
}

func (w *Watcher) settleDelay() time.Duration {
	if w.SettleDelay <= 0 {
		return DefaultSettleDelay
	}
	return w.SettleDelay
}

func (w *Watcher) giveUpThreshold() int {
	if w.GiveUpThreshold <= 0 {
		return DefaultGiveUpThreshold
	}
	return w.GiveUpThreshold
}

// Close releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run subscribes to volume events and fsnotify writes until ctx is
// cancelled, dispatching each to the matching watchedVol.
func (w *Watcher) Run(ctx context.Context) error {
	events, err := w.Service.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "watcher: subscribing to volume events")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.handleVolumeEvent(ctx, ev)
		case fev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleFsEvent(ctx, fev)
		case ferr, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.WithError(ferr).Warn("watcher: fsnotify error")
		}
	}
}

func (w *Watcher) handleVolumeEvent(ctx context.Context, ev diskinfo.VolumeEvent) {
	switch ev.Kind {
	case diskinfo.VolumeAppeared, diskinfo.VolumeChanged:
		w.addOrRefreshVolume(ctx, ev.MountPoint)
	case diskinfo.VolumeDisappeared:
		w.removeVolume(ev.MountPoint)
	}
}

func (w *Watcher) addOrRefreshVolume(ctx context.Context, rootPath string) {
	bc, err := bootcaches.ReadCaches(ctx, rootPath, w.Service, w.ShadowRoot, w.DescriptorRelPath)
	if err != nil {
		if bootcaches.IsIgnorable(err) {
			return
		}
		log.WithError(err).WithField("root", rootPath).Warn("watcher: failed to read boot caches")
		return
	}

	w.mu.Lock()
	wv, existed := w.vols[rootPath]
	if existed {
		wv.mu.Lock()
		wv.bc.Close()
		wv.bc = bc
		wv.mu.Unlock()
	} else {
		wv = &watchedVol{bc: bc, rootPath: rootPath, errCount: w.loadErrCount(bc.VolumeUUID)}
		w.vols[rootPath] = wv
	}
	w.mu.Unlock()

	w.addWatches(bc)
	go w.checkRebuild(ctx, wv, false)
}

func (w *Watcher) removeVolume(rootPath string) {
	w.mu.Lock()
	wv, ok := w.vols[rootPath]
	if ok {
		delete(w.vols, rootPath)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	wv.mu.Lock()
	if wv.timer != nil {
		wv.timer.Stop()
	}
	for _, cp := range wv.bc.AllTrackedPaths() {
		_ = w.fsw.Remove(wv.bc.AbsSourcePath(cp))
	}
	wv.bc.Close()
	wv.mu.Unlock()
}

// addWatches subscribes fsnotify to every path bc tracks, plus its
// extensions directory (whose mtime drives mkext staleness). Missing
// paths are skipped: fsnotify cannot watch what doesn't exist yet, and
// a later appearance is caught by the next volume-changed event.
func (w *Watcher) addWatches(bc *bootcaches.BootCaches) {
	for _, cp := range bc.AllTrackedPaths() {
		if err := w.fsw.Add(bc.AbsSourcePath(cp)); err != nil {
			log.WithError(err).WithField("path", cp.RelSourcePath).Debug("watcher: could not watch path")
		}
	}
	if bc.ExtsPath != "" {
		if err := w.fsw.Add(bc.ExtsPath); err != nil {
			log.WithError(err).Debug("watcher: could not watch extensions directory")
		}
	}
}

func (w *Watcher) handleFsEvent(ctx context.Context, ev fsnotify.Event) {
	w.mu.Lock()
	var owner *watchedVol
	for _, wv := range w.vols {
		if scopedfs.HasPrefixPath(ev.Name, wv.rootPath) {
			owner = wv
			break
		}
	}
	w.mu.Unlock()
	if owner == nil {
		return
	}

	owner.mu.Lock()
	if owner.timer != nil {
		owner.timer.Stop()
	}
	owner.timer = time.AfterFunc(w.settleDelay(), func() {
		w.checkRebuild(ctx, owner, false)
	})
	owner.mu.Unlock()
}

// checkRebuild is the settled-timer callback (and the direct call on
// volume appearance): it asks the publisher to reconcile this
// volume's helper partitions, tracking consecutive failures so a
// permanently broken volume eventually stops being retried (spec
// §4.H/§4.I errcount/GIVEUPTHRESH).
func (w *Watcher) checkRebuild(ctx context.Context, wv *watchedVol, force bool) bool {
	wv.mu.Lock()
	if wv.timer != nil {
		wv.timer.Stop()
		wv.timer = nil
	}
	errCount := wv.errCount
	bc := wv.bc
	wv.mu.Unlock()

	if !force && errCount >= w.giveUpThreshold() {
		log.WithField("root", bc.VolumeRoot).Warn("watcher: giving up on repeatedly failing volume")
		return false
	}

	lock := publisher.LockControl{Release: w.Lock.Release, Reacquire: w.Lock.Reacquire}
	err := w.Publisher.UpdateBoots(ctx, bc, force, lock)

	wv.mu.Lock()
	if err != nil {
		wv.errCount++
	} else {
		wv.errCount = 0
	}
	newErrCount := wv.errCount
	volumeUUID := bc.VolumeUUID
	wv.mu.Unlock()
	w.saveErrCount(volumeUUID, newErrCount)

	if err != nil {
		log.WithError(err).WithField("root", bc.VolumeRoot).Error("watcher: publish failed")
		return false
	}
	return true
}

func (w *Watcher) loadErrCount(volumeUUID string) int {
	if w.Store == nil || volumeUUID == "" {
		return 0
	}
	st, err := w.Store.Get(volumeUUID)
	if err != nil {
		log.WithError(err).WithField("volume", volumeUUID).Warn("watcher: failed to load persisted error count")
		return 0
	}
	return st.ErrCount
}

func (w *Watcher) saveErrCount(volumeUUID string, errCount int) {
	if w.Store == nil || volumeUUID == "" {
		return
	}
	st, err := w.Store.Get(volumeUUID)
	if err != nil {
		log.WithError(err).WithField("volume", volumeUUID).Warn("watcher: failed to load persisted state")
	}
	st.ErrCount = errCount
	if err := w.Store.Put(volumeUUID, st); err != nil {
		log.WithError(err).WithField("volume", volumeUUID).Warn("watcher: failed to persist error count")
	}
}

// RootPaths lists every volume currently being watched, the
// enumeration the lock arbiter needs to decide whether a whole-machine
// reboot lock can be granted.
func (w *Watcher) RootPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	roots := make([]string, 0, len(w.vols))
	for root := range w.vols {
		roots = append(roots, root)
	}
	return roots
}

// CheckNow runs an immediate publish check of rootPath, the entry
// point "kextcache -u" re-enters through. With force it republishes
// even when nothing is stale and ignores the give-up threshold;
// without it, it publishes only what is stale.
func (w *Watcher) CheckNow(ctx context.Context, rootPath string, force bool) error {
	w.mu.Lock()
	wv, ok := w.vols[rootPath]
	w.mu.Unlock()
	if !ok {
		bc, err := bootcaches.ReadCaches(ctx, rootPath, w.Service, w.ShadowRoot, w.DescriptorRelPath)
		if err != nil {
			return err
		}
		wv = &watchedVol{bc: bc, rootPath: rootPath}
		w.mu.Lock()
		w.vols[rootPath] = wv
		w.mu.Unlock()
		w.addWatches(bc)
	}
	if !w.checkRebuild(ctx, wv, force) {
		return errors.New("watcher: check-now did not complete successfully")
	}
	return nil
}
