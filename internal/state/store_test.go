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

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMissingReturnsZeroValue(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Get("11111111-2222-3333-4444-555555555555")
	require.NoError(t, err)
	assert.Equal(t, VolumeState{}, st)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	uuid := "11111111-2222-3333-4444-555555555555"
	want := VolumeState{ErrCount: 3, DisableOwnersOnUnlock: true}
	require.NoError(t, s.Put(uuid, want))

	got, err := s.Get(uuid)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	uuid := "11111111-2222-3333-4444-555555555555"
	require.NoError(t, s.Put(uuid, VolumeState{ErrCount: 1}))
	require.NoError(t, s.Delete(uuid))

	got, err := s.Get(uuid)
	require.NoError(t, err)
	assert.Equal(t, VolumeState{}, got)
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	uuid := "11111111-2222-3333-4444-555555555555"

	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Put(uuid, VolumeState{ErrCount: 2}))
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(uuid)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ErrCount)
}
