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

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebuildKernelCacheArgs(t *testing.T) {
	argv := RebuildKernelCacheArgs([]string{"i386", "x86_64"}, "/Volumes/x/Extensions.mkext", "/Volumes/x/Extensions")
	assert.Equal(t, []string{
		"kextcache", "-a", "i386", "-a", "x86_64",
		"-l", "-m", "/Volumes/x/Extensions.mkext", "/Volumes/x/Extensions",
	}, argv)
}

func TestRebuildHelperPartitionsArgs(t *testing.T) {
	assert.Equal(t, []string{"kextcache", "-u", "/Volumes/x"}, RebuildHelperPartitionsArgs("/Volumes/x", false))
	assert.Equal(t, []string{"kextcache", "-f", "-u", "/Volumes/x"}, RebuildHelperPartitionsArgs("/Volumes/x", true))
}

func TestOSCommanderForkWaitForExit(t *testing.T) {
	shadow := t.TempDir()
	_, status, err := OSCommander{}.Fork(context.Background(), t.TempDir(), filepath.Base(shadow), []string{"true"}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestOSCommanderForkSetsTMPDIR(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "out.txt")
	shell := []string{"/bin/sh", "-c", "printf %s \"$TMPDIR\" > " + out}
	_, _, err := OSCommander{}.Fork(context.Background(), root, "shadow", shell, true)
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "shadow"), string(data))
}
