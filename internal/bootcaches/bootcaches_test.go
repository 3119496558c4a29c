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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/northerntech/boothelperd/internal/diskinfo"
	"github.com/northerntech/boothelperd/internal/diskinfo/diskinfofake"
)

const testUUID = "8C7B2B2E-3B8E-4C2E-9B2E-7B2E3B8E4C2E"

func writeDescriptor(t *testing.T, root, body string) {
	t.Helper()
	dir := filepath.Join(root, filepath.Dir(DefaultDescriptorRelPath))
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(root, DefaultDescriptorRelPath)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestReadCachesParsesFullDescriptor(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, root, `{
		"PreBootPaths": {"DiskLabel": "System/Library/CoreServices/.disk_label"},
		"BooterPaths": {"EFIBooter": "System/Library/CoreServices/boot.efi"},
		"PostBootPaths": {
			"MKext": {"Path": "System/Library/Extensions.mkext", "ExtensionsDir": "/System/Library/Extensions", "Archs": ["i386", "x86_64"]},
			"BootConfig": "Library/Preferences/SystemConfiguration/com.apple.Boot.plist"
		}
	}`)

	svc := diskinfofake.NewService()
	svc.Volumes[anyDevID(t, root)] = diskinfo.VolumeInfo{UUID: testUUID, Name: "Macintosh HD"}

	bc, err := ReadCaches(context.Background(), root, svc, "", "")
	require.NoError(t, err)
	defer bc.Close()

	assert.Equal(t, testUUID, bc.VolumeUUID)
	require.NotNil(t, bc.Label)
	assert.Equal(t, "System/Library/CoreServices/.disk_label", bc.Label.RelSourcePath)
	require.NotNil(t, bc.EFIBooter)
	assert.Equal(t, "System/Library/CoreServices/boot.efi", bc.EFIBooter.RelSourcePath)
	require.NotNil(t, bc.MKext)
	assert.Equal(t, "System/Library/Extensions.mkext", bc.MKext.RelSourcePath)
	require.NotNil(t, bc.BootConfig)
	assert.Contains(t, bc.Archs, "x86_64")
	assert.True(t, filepath.IsAbs(bc.ExtsPath))

	assert.Equal(t, filepath.Join(root, DefaultShadowRoot, testUUID,
		MangleShadowName("System/Library/CoreServices/boot.efi")), bc.EFIBooter.ShadowPath)

	shadowDir := filepath.Join(root, DefaultShadowRoot, testUUID)
	assert.DirExists(t, shadowDir)
}

func TestReadCachesRejectsUnknownKeys(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, root, `{"NotAThing": true}`)

	svc := diskinfofake.NewService()
	svc.Volumes[anyDevID(t, root)] = diskinfo.VolumeInfo{UUID: testUUID, Name: "x"}

	_, err := ReadCaches(context.Background(), root, svc, "", "")
	require.Error(t, err)
	assert.ErrorIs(t, errCause(err), ErrUnknownRequiredKeys)
}

func TestReadCachesIgnoresMissingDescriptor(t *testing.T) {
	root := t.TempDir()
	svc := diskinfofake.NewService()
	_, err := ReadCaches(context.Background(), root, svc, "", "")
	require.Error(t, err)
	assert.True(t, IsIgnorable(err))
	assert.ErrorIs(t, errCause(err), ErrNoDescriptor)
}

func TestReadCachesRejectsGroupWritableDescriptor(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, root, `{}`)
	path := filepath.Join(root, DefaultDescriptorRelPath)

	// Group/other write bits make a root-owned descriptor ignored,
	// the same way a descriptor owned by another uid is.
	require.NoError(t, os.Chmod(path, 0666))

	svc := diskinfofake.NewService()
	svc.Volumes[anyDevID(t, root)] = diskinfo.VolumeInfo{UUID: testUUID}

	_, err := ReadCaches(context.Background(), root, svc, "", "")
	require.Error(t, err)
	assert.True(t, IsIgnorable(err))
	assert.ErrorIs(t, errCause(err), ErrDescriptorWritable)
}

func TestShadowPathMangling(t *testing.T) {
	cases := []string{
		"System/Library/Extensions.mkext",
		"a/b/c/d",
		"nofolder",
	}
	for _, rel := range cases {
		mangled := MangleShadowName(rel)
		assert.NotContains(t, mangled, "/")
		assert.Equal(t, rel, UnmangleShadowName(mangled))
	}
}

func TestNeedsUpdateMissingSourceIsNotStale(t *testing.T) {
	root := t.TempDir()
	cp := &CachedPath{RelSourcePath: "does/not/exist", ShadowPath: filepath.Join(root, "shadow")}
	stale, err := NeedsUpdate(root, cp)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.False(t, cp.Captured())
}

func TestNeedsUpdateMissingShadowIsStale(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	cp := &CachedPath{RelSourcePath: "src.txt", ShadowPath: filepath.Join(root, "shadow")}
	stale, err := NeedsUpdate(root, cp)
	require.NoError(t, err)
	assert.True(t, stale)
	assert.True(t, cp.Captured())
}

func TestApplyStampsThenNotStale(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	// ReadCaches normally creates the shadow directory; ApplyStamps
	// only creates the stamp files inside it.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "shadow"), 0755))
	cp := &CachedPath{RelSourcePath: "src.txt", ShadowPath: filepath.Join(root, "shadow", "stamp")}
	stale, err := NeedsUpdate(root, cp)
	require.NoError(t, err)
	require.True(t, stale)

	bc := &BootCaches{VolumeRoot: root, RPSPaths: []*CachedPath{cp}}
	require.NoError(t, ApplyStamps(bc))

	stale, err = NeedsUpdate(root, cp)
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestMkextNeedsRebuildOneSecondMarker(t *testing.T) {
	root := t.TempDir()
	exts := filepath.Join(root, "Extensions")
	require.NoError(t, os.MkdirAll(exts, 0755))
	extsMtime := time.Unix(1700000000, 0)
	require.NoError(t, os.Chtimes(exts, extsMtime, extsMtime))

	mkextPath := filepath.Join(root, "Extensions.mkext")
	require.NoError(t, os.WriteFile(mkextPath, []byte("x"), 0644))

	bc := &BootCaches{
		VolumeRoot: root,
		ExtsPath:   exts,
		MKext:      &CachedPath{RelSourcePath: "Extensions.mkext"},
	}

	// Fresh: mtime == exts.mtime + 1s -> not stale.
	fresh := extsMtime.Add(time.Second)
	require.NoError(t, os.Chtimes(mkextPath, fresh, fresh))
	stale, err := MkextNeedsRebuild(bc)
	require.NoError(t, err)
	assert.False(t, stale)

	// Any other offset, including equality, is stale.
	require.NoError(t, os.Chtimes(mkextPath, extsMtime, extsMtime))
	stale, err = MkextNeedsRebuild(bc)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestMkextNeedsRebuildMissingExtensionsDirIsFatal(t *testing.T) {
	root := t.TempDir()
	bc := &BootCaches{
		VolumeRoot: root,
		ExtsPath:   filepath.Join(root, "nope"),
		MKext:      &CachedPath{RelSourcePath: "x.mkext"},
	}
	_, err := MkextNeedsRebuild(bc)
	assert.ErrorIs(t, errCause(err), ErrExtensionsDirMissing)
}

// anyDevID resolves the real device id backing root so the fake
// service can be keyed consistently with what ReadCaches computes
// from the open descriptor handle.
func anyDevID(t *testing.T, root string) uint64 {
	t.Helper()
	path := filepath.Join(root, DefaultDescriptorRelPath)
	dir := filepath.Dir(path)
	require.NoError(t, os.MkdirAll(dir, 0755))
	f, err := os.CreateTemp(dir, "devid")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(int(f.Fd()), &st))
	return uint64(st.Dev)
}

func errCause(err error) error {
	type causer interface{ Cause() error }
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		err = c.Cause()
	}
	return err
}
