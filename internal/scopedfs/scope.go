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

// Package scopedfs implements filesystem primitives that confine every
// mutating operation to a single device id. A Scope wraps an open
// directory handle to a volume root; every primitive re-validates that
// the parent of the path it is about to touch still lives on that
// device before doing anything irreversible.
package scopedfs

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrOffScope is returned when a path's parent directory does not live
// on the device the Scope was opened against.
var ErrOffScope = errors.New("scopedfs: path is not on the scoped device")

// copyChunkSize is the buffer size used by SafeCopyFile. 64 KiB keeps a
// single allocation reused across the whole copy without pulling
// multi-megabyte artifacts fully into memory.
const copyChunkSize = 64 * 1024

// Scope confines filesystem mutations to one device id, identified by
// an open handle to the volume root directory.
type Scope struct {
	root   *os.File
	device uint64
}

// Open opens root as a scope anchor and stats it to capture the device
// id that every subsequent primitive will be checked against.
func Open(root string) (*Scope, error) {
	f, err := os.Open(root)
	if err != nil {
		return nil, errors.Wrapf(err, "scopedfs: open scope root %s", root)
	}
	dev, err := deviceID(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Scope{root: f, device: dev}, nil
}

// Close releases the scope's root handle.
func (s *Scope) Close() error {
	return s.root.Close()
}

// Device returns the device id this scope is confined to.
func (s *Scope) Device() uint64 {
	return s.device
}

func deviceID(f *os.File) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, errors.Wrap(err, "scopedfs: fstat")
	}
	return uint64(st.Dev), nil
}

// checkParent opens the parent of path and verifies it shares the
// scope's device id, per the "stat the parent, never the symlink
// target" policy. It returns the open parent handle (caller closes)
// and the path's basename.
func (s *Scope) checkParent(path string) (*os.File, string, error) {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	pf, err := os.Open(parent)
	if err != nil {
		return nil, "", errors.Wrapf(err, "scopedfs: open parent of %s", path)
	}
	dev, err := deviceID(pf)
	if err != nil {
		pf.Close()
		return nil, "", err
	}
	if dev != s.device {
		pf.Close()
		return nil, "", errors.Wrapf(ErrOffScope, "parent of %s", path)
	}
	return pf, base, nil
}

// withParentDir runs fn with the process's working directory switched
// to path's parent (on this scope's device) and the basename of path.
// The previous working directory is always restored, even on error or
// panic, matching the schdirparent/RESTOREDIR idiom this is based on.
func (s *Scope) withParentDir(path string, fn func(base string) error) (err error) {
	pf, base, cerr := s.checkParent(path)
	if cerr != nil {
		return cerr
	}
	defer pf.Close()

	prev, cerr := os.Open(".")
	if cerr != nil {
		return errors.Wrap(cerr, "scopedfs: open cwd")
	}
	defer prev.Close()

	if cerr := unix.Fchdir(int(pf.Fd())); cerr != nil {
		return errors.Wrap(cerr, "scopedfs: fchdir into parent")
	}
	defer func() {
		if rerr := unix.Fchdir(int(prev.Fd())); rerr != nil && err == nil {
			err = errors.Wrap(rerr, "scopedfs: restore cwd")
		}
	}()

	return fn(base)
}

// SafeOpen opens path, after verifying its parent is on-scope. O_CREAT
// always implies O_EXCL so a symlink cannot be substituted between the
// parent check and the open.
func (s *Scope) SafeOpen(path string, flags int, mode os.FileMode) (*os.File, error) {
	if flags&os.O_CREATE != 0 {
		flags |= os.O_EXCL
	}
	var f *os.File
	err := s.withParentDir(path, func(base string) error {
		var oerr error
		f, oerr = os.OpenFile(base, flags, mode)
		return oerr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scopedfs: open %s", path)
	}
	return f, nil
}

// SafeMkdir creates path as a directory, after verifying its parent is
// on-scope.
func (s *Scope) SafeMkdir(path string, mode os.FileMode) error {
	err := s.withParentDir(path, func(base string) error {
		return os.Mkdir(base, mode)
	})
	if err != nil {
		return errors.Wrapf(err, "scopedfs: mkdir %s", path)
	}
	return nil
}

// SafeRmdir removes the (empty) directory at path.
func (s *Scope) SafeRmdir(path string) error {
	err := s.withParentDir(path, func(base string) error {
		return os.Remove(base)
	})
	if err != nil {
		return errors.Wrapf(err, "scopedfs: rmdir %s", path)
	}
	return nil
}

// SafeUnlink removes the file at path.
func (s *Scope) SafeUnlink(path string) error {
	err := s.withParentDir(path, func(base string) error {
		return os.Remove(base)
	})
	if err != nil {
		return errors.Wrapf(err, "scopedfs: unlink %s", path)
	}
	return nil
}

// SafeRename renames oldPath to newPath. newPath is auto-stripped down
// to its basename: the rename always happens inside oldPath's (on-scope)
// parent directory, so a caller can't be tricked into targeting a
// directory outside the scope via newPath.
func (s *Scope) SafeRename(oldPath, newPath string) error {
	newBase := filepath.Base(newPath)
	err := s.withParentDir(oldPath, func(oldBase string) error {
		return os.Rename(oldBase, newBase)
	})
	if err != nil {
		return errors.Wrapf(err, "scopedfs: rename %s -> %s", oldPath, newPath)
	}
	return nil
}

// SafeDeepMkdir ensures path and every parent directory of it exist,
// respecting scope, creating any that are missing with mode.
func (s *Scope) SafeDeepMkdir(path string, mode os.FileMode) error {
	if path == "" {
		return errors.New("scopedfs: empty path")
	}
	st, err := os.Stat(path)
	if err == nil {
		if !st.IsDir() {
			return errors.Errorf("scopedfs: %s exists and is not a directory", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return errors.Wrapf(err, "scopedfs: stat %s", path)
	}

	parent := filepath.Dir(path)
	if parent != path {
		if err := s.SafeDeepMkdir(parent, mode); err != nil {
			return err
		}
	}
	if err := s.SafeMkdir(path, mode); err != nil {
		// Another actor may have created it concurrently; that's fine.
		if os.IsExist(errors.Cause(err)) {
			return nil
		}
		return err
	}
	return nil
}

// SafeDeepUnlink removes path and everything below it, post-order, one
// scoped syscall at a time. It never crosses devices and never follows
// symlinks (a symlink entry itself is unlinked, its target untouched).
// An error on one entry does not stop the walk over its siblings; the
// first error met is returned, and the directory itself is then left
// in place.
func (s *Scope) SafeDeepUnlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "scopedfs: lstat %s", path)
	}

	if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
		return s.SafeUnlink(path)
	}

	var firstDev *uint64
	var walkErr error
	entries, rerr := os.ReadDir(path)
	if rerr != nil {
		return errors.Wrapf(rerr, "scopedfs: readdir %s", path)
	}
	for _, ent := range entries {
		child := filepath.Join(path, ent.Name())
		var cst unix.Stat_t
		if lerr := unix.Lstat(child, &cst); lerr != nil {
			if os.IsNotExist(lerr) {
				continue
			}
			walkErr = firstErr(walkErr, lerr)
			continue
		}
		dev := uint64(cst.Dev)
		isDir := cst.Mode&unix.S_IFMT == unix.S_IFDIR
		isSymlink := cst.Mode&unix.S_IFMT == unix.S_IFLNK
		if firstDev == nil {
			firstDev = &dev
		} else if dev != *firstDev {
			// FTS_XDEV: refuse to cross devices.
			walkErr = firstErr(walkErr, errors.Errorf(
				"scopedfs: refusing to cross device at %s", child))
			continue
		}
		if isDir && !isSymlink {
			walkErr = firstErr(walkErr, s.SafeDeepUnlink(child))
		} else {
			walkErr = firstErr(walkErr, s.SafeUnlink(child))
		}
	}
	if walkErr != nil {
		return walkErr
	}
	return s.SafeRmdir(path)
}

func firstErr(existing, next error) error {
	if existing != nil {
		return existing
	}
	return next
}

// SafeCopyFile copies srcPath (on an arbitrary, possibly different,
// scope) to dstPath on this scope. Intermediate directories are
// created at a mode derived from the source file's mode by adding
// owner +wx and, conditionally, group/other +x. A zero-length source
// is treated as a data error: real artifacts are never empty.
func (s *Scope) SafeCopyFile(src *Scope, srcPath, dstPath string) error {
	srcFile, err := src.SafeOpen(srcPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return errors.Wrapf(err, "scopedfs: stat %s", srcPath)
	}
	if srcInfo.Size() == 0 {
		return errors.Errorf("scopedfs: zero-length source file %s", srcPath)
	}

	dirMode := (srcInfo.Mode() &^ os.ModeType) | 0300 // u+wx
	if dirMode&0040 != 0 {
		dirMode |= 0010 // g+x iff g+r
	}
	if dirMode&0004 != 0 {
		dirMode |= 0001 // o+x iff o+r
	}

	if err := s.SafeDeepMkdir(filepath.Dir(dstPath), dirMode|os.ModeDir); err != nil {
		return err
	}

	_ = s.SafeUnlink(dstPath) // best effort; absence is fine

	dstFile, err := s.SafeOpen(dstPath, os.O_CREATE|os.O_WRONLY, srcInfo.Mode()|0200)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	buf := make([]byte, copyChunkSize)
	if _, err := io.CopyBuffer(dstFile, srcFile, buf); err != nil {
		return errors.Wrapf(err, "scopedfs: copy %s -> %s", srcPath, dstPath)
	}

	if err := dstFile.Chmod(srcInfo.Mode()); err != nil {
		return errors.Wrapf(err, "scopedfs: chmod %s", dstPath)
	}
	return nil
}

// Join is a small helper for explicit path joins over manual string
// concatenation.
func Join(elems ...string) string {
	return filepath.Join(elems...)
}

// HasPrefixPath reports whether path is inside root (used by the
// watcher to match a filesystem event to the volume it belongs to).
func HasPrefixPath(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
