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

// Package publisher implements the transactional update of a volume's
// helper partitions from its boot-cache descriptor (components F and
// G): mounting each helper, rotating the RPS directory, copying
// booters and misc paths, blessing the new booter, and reverting the
// booters, the unactivated RPS directory and the disk label when any
// one step fails. Misc paths are copied over in place and are not
// restored by a revert, and once the new RPS directory has been
// activated the previous one no longer exists.
package publisher

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/northerntech/boothelperd/internal/bootcaches"
	"github.com/northerntech/boothelperd/internal/diskinfo"
	"github.com/northerntech/boothelperd/internal/launcher"
	"github.com/northerntech/boothelperd/internal/scopedfs"
)

// DefaultMinHelperSize is the smallest helper partition a publish will
// be attempted against: anything smaller is almost certainly
// misconfigured rather than merely full.
const DefaultMinHelperSize = 128 * 1024 * 1024

// LabelRenderer draws the boot-picker disk label image for a volume
// name into destPath, a delegated platform collaborator: the label's
// pixel content is out of scope here, only its plumbing.
type LabelRenderer interface {
	Render(ctx context.Context, volumeName, destPath string) error
}

// LockControl lets UpdateBoots release its caller's exclusive lock
// around the potentially slow, synchronous kernel-cache rebuild, then
// reacquire it before touching any helper partition: rebuilding the
// kernel cache happens with the lock released.
type LockControl struct {
	Release   func()
	Reacquire func() error
}

// Publisher ties together the external collaborators UpdateBoots needs:
// a process launcher for the synchronous mkext rebuild, a disk
// arbiter to mount/unmount helpers and toggle owners, a disk-info
// service to enumerate helper partitions, a blesser to select the
// active booter, and a label renderer for the disk-picker image.
type Publisher struct {
	Launcher launcher.Commander
	Arbiter  diskinfo.Arbiter
	Service  diskinfo.Service
	Blesser  diskinfo.Blesser
	Label    LabelRenderer

	// MinHelperSize is compared against MountHandle.Size(); zero means
	// DefaultMinHelperSize.
	MinHelperSize uint64
}

func (p *Publisher) minHelperSize() uint64 {
	if p.MinHelperSize == 0 {
		return DefaultMinHelperSize
	}
	return p.MinHelperSize
}

// UpdateBoots is the single entry point for publishing: given a
// parsed descriptor, bring every one of its helper partitions back
// into agreement with bc's tracked paths. A helper whose update fails
// is reverted as far as revert reaches: its booters and disk label are
// restored and the unactivated RPS directory is removed, but misc
// paths already copied over stay as copied. force republishes even when every path already looks
// current, the re-entrant path the watcher and "kextcache -u" share.
func (p *Publisher) UpdateBoots(ctx context.Context, bc *bootcaches.BootCaches, force bool, lock LockControl) error {
	if rebuild, err := bootcaches.MkextNeedsRebuild(bc); err != nil {
		return errors.Wrap(err, "publisher: checking mkext staleness")
	} else if rebuild {
		if err := p.rebuildMkext(ctx, bc, lock); err != nil {
			return err
		}
	}

	if err := bc.Revalidate(); err != nil {
		return errors.Wrap(err, "publisher: revalidate before publish")
	}

	helpers, err := p.Service.HelperPartitions(ctx, bc.DeviceID())
	if err != nil {
		return errors.Wrap(err, "publisher: enumerate helper partitions")
	}
	if !helpers.HelperPartitioned() {
		// Not helper-partitioned at all: nothing to publish, vacuously
		// successful, so shadow stamps still advance.
		return bootcaches.ApplyStamps(bc)
	}

	any, rps, booters, misc, err := bootcaches.NeedUpdates(bc)
	if err != nil {
		return errors.Wrap(err, "publisher: computing staleness")
	}
	if !force && !any {
		return nil
	}

	doRPS := force || rps
	doMisc := force || misc
	doBooters := force || booters

	rootScope, err := scopedfs.Open(bc.VolumeRoot)
	if err != nil {
		return errors.Wrap(err, "publisher: opening root volume scope")
	}
	defer rootScope.Close()

	txErr := &TransactionError{HelperFailures: make(map[string]HelperFailure)}
	allOK := true
	for _, bsdName := range helpers.AuxiliaryPartitions {
		state, ferr := p.publishOneHelper(ctx, bc, rootScope, bsdName, doRPS, doMisc, doBooters)
		if ferr != nil {
			allOK = false
			txErr.HelperFailures[bsdName] = HelperFailure{ChangeState: state, Err: ferr}
			log.WithError(ferr).WithFields(log.Fields{
				"helper": bsdName,
				"state":  state.String(),
			}).Error("publisher: helper update failed, reverted")
		}
	}

	if !allOK {
		return txErr
	}
	if err := bootcaches.ApplyStamps(bc); err != nil {
		return errors.Wrap(ErrStampFailed, err.Error())
	}
	return nil
}

func (p *Publisher) rebuildMkext(ctx context.Context, bc *bootcaches.BootCaches, lock LockControl) error {
	if bc.MKext == nil || bc.ExtsPath == "" {
		return errors.New("publisher: mkext rebuild requested without MKext/ExtensionsDir")
	}
	lock.Release()
	defer func() {
		if err := lock.Reacquire(); err != nil {
			log.WithError(err).Error("publisher: failed to reacquire lock after mkext rebuild")
		}
	}()

	argv := launcher.RebuildKernelCacheArgs(bc.Archs, bc.AbsSourcePath(bc.MKext), bc.ExtsPath)
	_, status, err := p.Launcher.Fork(ctx, bc.VolumeRoot, "", argv, true)
	if err != nil {
		return errors.Wrap(err, "publisher: launching kextcache for mkext rebuild")
	}
	if status != 0 {
		return errors.Errorf("publisher: kextcache mkext rebuild exited %d", status)
	}
	return nil
}

// publishOneHelper runs the full per-helper transaction, mounting,
// publishing, blessing and unmounting exactly once, and reverting any
// partial progress on failure. It always returns the ChangeState
// reached, even on success (Clean), so callers can log precisely.
func (p *Publisher) publishOneHelper(ctx context.Context, bc *bootcaches.BootCaches, rootScope *scopedfs.Scope, bsdName string, doRPS, doMisc, doBooters bool) (state ChangeState, err error) {
	mh, res, merr := p.Arbiter.Mount(ctx, bsdName)
	if res != diskinfo.Accepted {
		if merr != nil {
			// Busy: allow exactly one forced-unmount retry.
			if _, uerr := p.Arbiter.Unmount(ctx, diskinfo.MountHandle{BSDName: bsdName}, true); uerr != nil {
				return Clean, errors.Wrap(uerr, "publisher: forced unmount of busy helper")
			}
			mh, res, merr = p.Arbiter.Mount(ctx, bsdName)
		}
		if res != diskinfo.Accepted {
			if merr != nil {
				return Clean, errors.Wrap(ErrMountBusy, merr.Error())
			}
			return Clean, errors.Wrap(ErrMountBusy, "mount rejected")
		}
	}

	if mh.Size() < p.minHelperSize() {
		log.WithFields(log.Fields{
			"helper": bsdName,
			"size":   humanize.IBytes(mh.Size()),
			"min":    humanize.IBytes(p.minHelperSize()),
		}).Warn("publisher: helper partition too small, skipping")
		_, _ = p.Arbiter.Unmount(ctx, mh, false)
		return Clean, ErrHelperTooSmall
	}
	log.WithFields(log.Fields{"helper": bsdName, "size": humanize.IBytes(mh.Size())}).Debug("publisher: helper partition mounted")

	defer func() {
		if _, uerr := p.Arbiter.Unmount(ctx, mh, false); uerr != nil {
			log.WithError(uerr).WithField("helper", bsdName).Warn("publisher: final unmount failed")
		}
	}()

	scope, serr := scopedfs.Open(mh.MountPoint)
	if serr != nil {
		return Clean, errors.Wrap(serr, "publisher: opening helper scope")
	}
	defer scope.Close()

	vol := &updatingVol{mount: mh, doRPS: doRPS, doMisc: doMisc, doBooters: doBooters}

	defer func() {
		if err != nil {
			if rerr := p.revert(ctx, scope, bc, vol); rerr != nil {
				log.WithError(rerr).WithField("helper", bsdName).Error("publisher: revert itself failed")
			}
		}
	}()

	if vol.doRPS || vol.doMisc {
		if err = p.publishRPSAndMisc(bc, rootScope, scope, vol); err != nil {
			return vol.changeState, err
		}
	}

	needsLabel := bc.Label != nil && (vol.doBooters || vol.doMisc)
	if needsLabel {
		if err = p.nukeLabels(scope, bc, vol); err != nil {
			return vol.changeState, err
		}
		vol.changeState = NukedLabels
	}

	if vol.doBooters {
		if err = p.publishBooters(bc, rootScope, scope, vol); err != nil {
			return vol.changeState, err
		}

		if err = p.bless(ctx, mh, vol); err != nil {
			return vol.changeState, err
		}
	}

	if vol.doRPS {
		if err = p.activateRPS(scope, vol); err != nil {
			return vol.changeState, err
		}
	}

	if needsLabel {
		if err = p.finishLabel(ctx, bc, vol); err != nil {
			return vol.changeState, err
		}
	}

	vol.changeState = Clean
	return Clean, nil
}

// publishRPSAndMisc builds the next RPS directory (rock/paper/scissors
// rotation) and copies the misc preboot paths directly in place, each
// an independent publish target.
func (p *Publisher) publishRPSAndMisc(bc *bootcaches.BootCaches, rootScope, scope *scopedfs.Scope, vol *updatingVol) error {
	if vol.doMisc {
		for _, cp := range bc.MiscPaths {
			if cp == bc.Label {
				// The label is synthesized by finishLabel from the
				// volume name, not copied byte-for-byte; it is only
				// tracked here so its shadow stamp participates in
				// staleness detection.
				continue
			}
			if !cp.Captured() {
				continue
			}
			dst := filepath.Join(vol.mount.MountPoint, cp.RelSourcePath)
			if err := scope.SafeCopyFile(rootScope, bc.AbsSourcePath(cp), dst); err != nil {
				return errors.Wrapf(err, "publisher: copying misc path %s", cp.RelSourcePath)
			}
		}
	}

	if !vol.doRPS {
		return nil
	}

	presence := rpsPresence(vol.mount.MountPoint)
	current, next, _ := ChooseRPS(presence)
	vol.inactiveRPS = next
	vol.chosenRPS = current

	nextDir := filepath.Join(vol.mount.MountPoint, string(next))
	if err := scope.SafeDeepUnlink(nextDir); err != nil {
		return errors.Wrap(err, "publisher: clearing inactive RPS directory")
	}
	if err := scope.SafeMkdir(nextDir, 0755); err != nil {
		return errors.Wrap(err, "publisher: creating inactive RPS directory")
	}

	for _, cp := range bc.RPSPaths {
		if !cp.Captured() {
			continue
		}
		dst := filepath.Join(nextDir, filepath.Base(cp.RelSourcePath))
		if cp == bc.BootConfig {
			if err := copyBootConfigWithUUID(rootScope, scope, bc.AbsSourcePath(cp), dst, bc.VolumeUUID); err != nil {
				return errors.Wrap(err, "publisher: copying BootConfig")
			}
			continue
		}
		if err := scope.SafeCopyFile(rootScope, bc.AbsSourcePath(cp), dst); err != nil {
			return errors.Wrapf(err, "publisher: copying RPS path %s", cp.RelSourcePath)
		}
	}
	return nil
}

// copyBootConfigWithUUID copies a BootConfig property list while
// stamping the destination volume's UUID into it, so firmware reading
// the rotated directory always finds the UUID of the volume it is
// currently serving, not a stale one.
func copyBootConfigWithUUID(rootScope, dstScope *scopedfs.Scope, src, dst, volumeUUID string) error {
	srcFile, err := rootScope.SafeOpen(src, os.O_RDONLY, 0)
	if err != nil {
		return errors.Wrap(err, "open source BootConfig")
	}
	defer srcFile.Close()
	body, err := io.ReadAll(srcFile)
	if err != nil {
		return errors.Wrap(err, "read source BootConfig")
	}

	out := body
	var doc map[string]interface{}
	if jerr := json.Unmarshal(body, &doc); jerr == nil {
		doc["Root UUID"] = volumeUUID
		marshaled, merr := json.MarshalIndent(doc, "", "  ")
		if merr != nil {
			return errors.Wrap(merr, "re-marshal BootConfig")
		}
		out = marshaled
	}
	// Not JSON (may be a binary plist): written through verbatim rather
	// than guess at its structure.

	_ = dstScope.SafeUnlink(dst)
	dstFile, err := dstScope.SafeOpen(dst, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "open destination BootConfig")
	}
	defer dstFile.Close()
	if _, err := dstFile.Write(out); err != nil {
		return errors.Wrap(err, "write destination BootConfig")
	}
	return nil
}

func rpsPresence(mountPoint string) RPSPresence {
	exists := func(name RPSName) bool {
		st, err := os.Stat(filepath.Join(mountPoint, string(name)))
		return err == nil && st.IsDir()
	}
	return RPSPresence{R: exists(RPSRock), P: exists(RPSPaper), S: exists(RPSScissors)}
}

// activateRPS swaps the firmware-visible slot to the one just
// published: it deep-unlinks the directory ChooseRPS picked as current
// and renames the freshly populated inactive directory onto that name,
// when the two differ. It does not re-run ChooseRPS; afterwards only
// that one RPS directory remains, and between the unlink and the
// rename no RPS directory exists.
func (p *Publisher) activateRPS(scope *scopedfs.Scope, vol *updatingVol) error {
	if vol.inactiveRPS == "" || vol.inactiveRPS == vol.chosenRPS {
		return nil
	}
	currentDir := filepath.Join(vol.mount.MountPoint, string(vol.chosenRPS))
	nextDir := filepath.Join(vol.mount.MountPoint, string(vol.inactiveRPS))

	if err := scope.SafeDeepUnlink(currentDir); err != nil {
		return errors.Wrap(err, "publisher: retiring previously-current RPS directory")
	}
	if err := scope.SafeRename(nextDir, filepath.Base(currentDir)); err != nil {
		return errors.Wrap(err, "publisher: activating new RPS directory")
	}
	return nil
}

// nukeLabels removes the volume's disk-picker label files so a half
// written label is never shown: a fresh label is regenerated by
// finishLabel only once every other step has succeeded.
func (p *Publisher) nukeLabels(scope *scopedfs.Scope, bc *bootcaches.BootCaches, vol *updatingVol) error {
	if bc.Label == nil {
		return nil
	}
	labelPath := filepath.Join(vol.mount.MountPoint, bc.Label.RelSourcePath)
	if err := scope.SafeUnlink(labelPath); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return errors.Wrap(err, "publisher: nuking disk label")
	}
	contentDetails := labelPath + ".contentDetails"
	_ = scope.SafeUnlink(contentDetails)
	return nil
}

// finishLabel regenerates the disk label image and its UTF-8 sidecar
// once every other step of this helper's update has succeeded. The
// label is rendered from the volume name, not copied, and written on
// the helper partition at the label's relative source path.
func (p *Publisher) finishLabel(ctx context.Context, bc *bootcaches.BootCaches, vol *updatingVol) error {
	if bc.Label == nil || p.Label == nil {
		return nil
	}
	labelPath := filepath.Join(vol.mount.MountPoint, bc.Label.RelSourcePath)
	if err := p.Label.Render(ctx, bc.VolumeName, labelPath); err != nil {
		return errors.Wrap(err, "publisher: rendering disk label")
	}
	return os.WriteFile(labelPath+".contentDetails", []byte(bc.VolumeName), 0644)
}

// publishBooters copies each booter into place after renaming the
// previous one aside to "<name>.old", where it stays for revert to
// swap back. While a copy is in progress the final name does not hold
// a complete booter.
func (p *Publisher) publishBooters(bc *bootcaches.BootCaches, rootScope, scope *scopedfs.Scope, vol *updatingVol) error {
	copyOne := func(cp *bootcaches.CachedPath, entering ChangeState) (string, error) {
		if cp == nil || !cp.Captured() {
			return "", nil
		}
		dst := filepath.Join(vol.mount.MountPoint, cp.RelSourcePath)
		vol.changeState = entering
		old := dst + ".old"
		if _, err := os.Lstat(dst); err == nil {
			if err := scope.SafeRename(dst, filepath.Base(old)); err != nil {
				return "", errors.Wrap(err, "publisher: renaming previous booter aside")
			}
		}
		if err := scope.SafeCopyFile(rootScope, bc.AbsSourcePath(cp), dst); err != nil {
			return "", errors.Wrap(err, "publisher: copying booter")
		}
		return dst, nil
	}

	ofDst, err := copyOne(bc.OFBooter, CopyingOFBooter)
	if err != nil {
		return err
	}
	vol.ofDst = ofDst

	efiDst, err := copyOne(bc.EFIBooter, CopyingEFIBooter)
	if err != nil {
		return err
	}
	vol.efiDst = efiDst

	vol.changeState = CopiedBooters
	return nil
}

// bless selects the freshly copied EFI booter as the one the firmware
// loads at next boot, recording progress through
// Activating{OF,EFI}Booter so a failed bless reverts cleanly.
func (p *Publisher) bless(ctx context.Context, mh diskinfo.MountHandle, vol *updatingVol) error {
	if vol.efiDst == "" {
		return nil
	}
	vol.changeState = ActivatingOFBooter
	dirInode, err := inodeOf(filepath.Dir(vol.efiDst))
	if err != nil {
		return errors.Wrap(err, "publisher: stat enclosing directory for bless")
	}

	vol.changeState = ActivatingEFIBooter
	booterInode, err := inodeOf(vol.efiDst)
	if err != nil {
		return errors.Wrap(err, "publisher: stat booter for bless")
	}

	if err := p.Blesser.Bless(ctx, dirInode, booterInode); err != nil {
		return errors.Wrap(err, "publisher: bless")
	}

	if err := fullFsync(mh.MountPoint); err != nil {
		log.WithError(err).Warn("publisher: fullfsync after bless failed")
	}

	vol.changeState = ActivatedBooters
	return nil
}

func inodeOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}

// fullFsync flushes the helper's mount point to stable storage so a
// bless is never lost to a crash before the firmware reads it.
func fullFsync(mountPoint string) error {
	f, err := os.Open(mountPoint)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// revert undoes every step recorded in vol.changeState, falling
// through from the highest state reached down to Clean: each tier
// only undoes its own increment and falls into the next. Reaching
// ActivatedBooters means the firmware was already blessed to the
// freshly copied booter, so undoing it takes two steps: swap the
// ".old" copy back into place, then re-bless so the firmware's
// blessed inode matches what restoreOld actually left on disk.
// Reaching NukedLabels means the old label was removed, so a fresh
// one is regenerated the same way a successful publish would.
func (p *Publisher) revert(ctx context.Context, scope *scopedfs.Scope, bc *bootcaches.BootCaches, vol *updatingVol) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if vol.changeState >= CopyingOFBooter {
		if vol.efiDst != "" {
			record(restoreOld(scope, vol.efiDst))
		}
		if vol.ofDst != "" {
			record(restoreOld(scope, vol.ofDst))
		}
		if vol.changeState >= ActivatedBooters {
			record(p.reBlessRestored(ctx, vol))
		}
	}

	if vol.doRPS && vol.inactiveRPS != "" {
		nextDir := filepath.Join(vol.mount.MountPoint, string(vol.inactiveRPS))
		record(scope.SafeDeepUnlink(nextDir))
	}

	if vol.changeState >= NukedLabels {
		record(p.finishLabel(ctx, bc, vol))
	}

	return errors.Wrap(firstErr, "publisher: revert")
}

// reBlessRestored re-blesses the booter now sitting at vol.efiDst after
// restoreOld has swapped the previous ".old" copy back into place, so
// the firmware is never left pointed at the inode of a booter that
// revert just deleted.
func (p *Publisher) reBlessRestored(ctx context.Context, vol *updatingVol) error {
	if vol.efiDst == "" {
		return nil
	}
	dirInode, err := inodeOf(filepath.Dir(vol.efiDst))
	if err != nil {
		return errors.Wrap(err, "publisher: stat enclosing directory for revert bless")
	}
	booterInode, err := inodeOf(vol.efiDst)
	if err != nil {
		return errors.Wrap(err, "publisher: stat restored booter for revert bless")
	}
	return errors.Wrap(p.Blesser.Bless(ctx, dirInode, booterInode), "publisher: re-bless restored booter")
}

// restoreOld undoes publishBooters' rename-aside for one booter: if a
// ".old" exists, it is swapped back into place; otherwise there was no
// prior booter at dst, so the freshly copied one is removed entirely.
func restoreOld(scope *scopedfs.Scope, dst string) error {
	old := dst + ".old"
	if _, err := os.Lstat(old); err != nil {
		if os.IsNotExist(err) {
			if uerr := scope.SafeUnlink(dst); uerr != nil && !os.IsNotExist(errors.Cause(uerr)) {
				return uerr
			}
			return nil
		}
		return err
	}
	if err := scope.SafeUnlink(dst); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return err
	}
	return scope.SafeRename(old, filepath.Base(dst))
}
