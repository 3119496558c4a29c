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

// Package bootcaches parses a volume's boot-cache descriptor into a
// typed model, computes staleness of each tracked path against a
// shadow-timestamp tree, and stamps shadows after a successful
// publish. It implements components B, C and D of the update engine.
package bootcaches

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/northerntech/boothelperd/internal/diskinfo"
	"github.com/northerntech/boothelperd/internal/scopedfs"
)

// PathMax mirrors the platform path length bound every concatenation
// is checked against: no silent truncation, ever.
const PathMax = 1024

// DefaultDescriptorRelPath is where the descriptor lives relative to a
// volume's root.
const DefaultDescriptorRelPath = "usr/standalone/bootcaches.json"

// DefaultShadowRoot is where shadow (stamp) files are kept, relative
// to the volume root.
const DefaultShadowRoot = "System/Library/Caches/com.boothelperd.bootstamps"

// CachedPath pairs a source-relative path with its shadow path and the
// most recently captured (atime, mtime) of the source.
type CachedPath struct {
	RelSourcePath string
	ShadowPath    string

	CapturedAtime time.Time
	CapturedMtime time.Time
	captured      bool // source was stat-able the last time NeedsUpdate ran
}

// Captured reports whether CapturedAtime/CapturedMtime hold a value
// from the most recent staleness check (the source existed then).
func (c *CachedPath) Captured() bool { return c.captured }

// BootCaches is the in-memory parsed descriptor for one volume.
type BootCaches struct {
	descriptorFile   *os.File
	descriptorDevice uint64

	VolumeUUID string
	VolumeName string
	VolumeRoot string

	RawDescriptor map[string]json.RawMessage
	Archs         []string

	ExtsPath string

	RPSPaths  []*CachedPath
	MiscPaths []*CachedPath

	EFIBooter *CachedPath
	OFBooter  *CachedPath

	MKext      *CachedPath
	BootConfig *CachedPath
	Label      *CachedPath
}

// descriptorDoc is the closed, small schema of the on-disk descriptor.
type descriptorDoc struct {
	PreBootPaths  *preBootPaths  `json:"PreBootPaths,omitempty"`
	BooterPaths   *booterPaths   `json:"BooterPaths,omitempty"`
	PostBootPaths *postBootPaths `json:"PostBootPaths,omitempty"`
}

type preBootPaths struct {
	DiskLabel       string   `json:"DiskLabel,omitempty"`
	AdditionalPaths []string `json:"AdditionalPaths,omitempty"`
}

type booterPaths struct {
	EFIBooter string `json:"EFIBooter,omitempty"`
	OFBooter  string `json:"OFBooter,omitempty"`
}

type mkextSpec struct {
	Path          string   `json:"Path"`
	ExtensionsDir string   `json:"ExtensionsDir,omitempty"`
	Archs         []string `json:"Archs,omitempty"`
}

type postBootPaths struct {
	BootConfig      string     `json:"BootConfig,omitempty"`
	MKext           *mkextSpec `json:"MKext,omitempty"`
	AdditionalPaths []string   `json:"AdditionalPaths,omitempty"`
}

// ReadCaches loads the descriptor for rootPath and builds a BootCaches
// record. It returns an ignorable error (see IsIgnorable) when the
// volume simply isn't managed here, a data error when the descriptor
// is malformed, or a *BootCaches on success.
func ReadCaches(ctx context.Context, rootPath string, svc diskinfo.Service, shadowRoot, descriptorRelPath string) (*BootCaches, error) {
	if shadowRoot == "" {
		shadowRoot = DefaultShadowRoot
	}
	if descriptorRelPath == "" {
		descriptorRelPath = DefaultDescriptorRelPath
	}

	descriptorPath := filepath.Join(rootPath, descriptorRelPath)
	if len(descriptorPath) >= PathMax {
		return nil, errors.Wrap(ErrPathTooLong, descriptorPath)
	}

	f, err := os.Open(descriptorPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoDescriptor
		}
		return nil, errors.Wrapf(err, "bootcaches: open descriptor %s", descriptorPath)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, errors.Wrap(err, "bootcaches: fstat descriptor")
	}

	if st.Uid != 0 {
		if st.Uid == 99 {
			// Silently ignored: this is the common "nobody" owner
			// seen often enough that logging it would be spam.
			return nil, ErrDescriptorNotOwned
		}
		log.WithFields(log.Fields{"path": descriptorPath, "uid": st.Uid}).
			Info("bootcaches: descriptor not owned by root, ignoring volume")
		return nil, ErrDescriptorNotOwned
	}
	if st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
		log.WithField("path", descriptorPath).
			Info("bootcaches: descriptor is group/other writable, ignoring volume")
		return nil, ErrDescriptorWritable
	}

	body, err := os.ReadFile(descriptorPath)
	if err != nil {
		return nil, errors.Wrap(err, "bootcaches: read descriptor")
	}

	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(ErrMalformedDescriptor, err.Error())
	}
	rawCopy := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		rawCopy[k] = v
	}

	doc, consumed, err := parseDescriptorDoc(raw)
	if err != nil {
		return nil, err
	}
	for _, k := range consumed {
		delete(raw, k)
	}
	if len(raw) > 0 {
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		return nil, errors.Wrapf(ErrUnknownRequiredKeys, "%v", keys)
	}

	bc := &BootCaches{
		descriptorFile:   f,
		descriptorDevice: uint64(st.Dev),
		VolumeRoot:       rootPath,
		RawDescriptor:    rawCopy,
	}

	vi, err := svc.VolumeInfo(ctx, bc.descriptorDevice)
	if err != nil {
		return nil, errors.Wrap(err, "bootcaches: resolve volume info")
	}
	if _, err := uuid.Parse(vi.UUID); err != nil {
		return nil, errors.Wrapf(ErrMalformedDescriptor, "volume UUID %q: %v", vi.UUID, err)
	}
	bc.VolumeUUID = vi.UUID
	bc.VolumeName = vi.Name

	shadowDirAbs := filepath.Join(rootPath, shadowRoot, bc.VolumeUUID)
	if err := ensureShadowDir(rootPath, shadowDirAbs); err != nil {
		return nil, err
	}

	if err := bc.populate(doc, shadowRoot); err != nil {
		return nil, err
	}

	ok = true
	return bc, nil
}

func ensureShadowDir(scopeRoot, shadowDirAbs string) error {
	scope, err := scopedfs.Open(scopeRoot)
	if err != nil {
		return err
	}
	defer scope.Close()
	return scope.SafeDeepMkdir(shadowDirAbs, 0755)
}

func parseDescriptorDoc(raw map[string]json.RawMessage) (descriptorDoc, []string, error) {
	var doc descriptorDoc
	var consumed []string

	if v, ok := raw["PreBootPaths"]; ok {
		var p preBootPaths
		if err := json.Unmarshal(v, &p); err != nil {
			return doc, nil, errors.Wrap(ErrMalformedDescriptor, "PreBootPaths: "+err.Error())
		}
		doc.PreBootPaths = &p
		consumed = append(consumed, "PreBootPaths")
	}
	if v, ok := raw["BooterPaths"]; ok {
		var b booterPaths
		if err := json.Unmarshal(v, &b); err != nil {
			return doc, nil, errors.Wrap(ErrMalformedDescriptor, "BooterPaths: "+err.Error())
		}
		doc.BooterPaths = &b
		consumed = append(consumed, "BooterPaths")
	}
	if v, ok := raw["PostBootPaths"]; ok {
		var p postBootPaths
		if err := json.Unmarshal(v, &p); err != nil {
			return doc, nil, errors.Wrap(ErrMalformedDescriptor, "PostBootPaths: "+err.Error())
		}
		doc.PostBootPaths = &p
		consumed = append(consumed, "PostBootPaths")
	}
	return doc, consumed, nil
}

// populate fills in RPSPaths/MiscPaths/EFIBooter/OFBooter and the
// mkext/bootconfig/label back-pointers from the parsed document.
func (bc *BootCaches) populate(doc descriptorDoc, shadowRoot string) error {
	addMisc := func(relPath string) (*CachedPath, error) {
		return bc.newCachedPath(relPath, shadowRoot)
	}
	addRPS := func(relPath string) (*CachedPath, error) {
		return bc.newCachedPath(relPath, shadowRoot)
	}

	if doc.PreBootPaths != nil {
		if doc.PreBootPaths.DiskLabel != "" {
			cp, err := addMisc(doc.PreBootPaths.DiskLabel)
			if err != nil {
				return err
			}
			bc.MiscPaths = append(bc.MiscPaths, cp)
			bc.Label = cp
		}
		for _, p := range doc.PreBootPaths.AdditionalPaths {
			cp, err := addMisc(p)
			if err != nil {
				return err
			}
			bc.MiscPaths = append(bc.MiscPaths, cp)
		}
	}

	if doc.BooterPaths != nil {
		if doc.BooterPaths.EFIBooter != "" {
			cp, err := bc.newCachedPath(doc.BooterPaths.EFIBooter, shadowRoot)
			if err != nil {
				return err
			}
			bc.EFIBooter = cp
		}
		if doc.BooterPaths.OFBooter != "" {
			cp, err := bc.newCachedPath(doc.BooterPaths.OFBooter, shadowRoot)
			if err != nil {
				return err
			}
			bc.OFBooter = cp
		}
	}

	if doc.PostBootPaths != nil {
		if doc.PostBootPaths.BootConfig != "" {
			cp, err := addRPS(doc.PostBootPaths.BootConfig)
			if err != nil {
				return err
			}
			bc.RPSPaths = append(bc.RPSPaths, cp)
			bc.BootConfig = cp
		}
		if doc.PostBootPaths.MKext != nil {
			m := doc.PostBootPaths.MKext
			if m.Path != "" {
				cp, err := addRPS(m.Path)
				if err != nil {
					return err
				}
				bc.RPSPaths = append(bc.RPSPaths, cp)
				bc.MKext = cp
			}
			if m.ExtensionsDir != "" {
				bc.ExtsPath = filepath.Join(bc.VolumeRoot, m.ExtensionsDir)
			}
			bc.Archs = append(bc.Archs, m.Archs...)
		}
		for _, p := range doc.PostBootPaths.AdditionalPaths {
			cp, err := addRPS(p)
			if err != nil {
				return err
			}
			bc.RPSPaths = append(bc.RPSPaths, cp)
		}
	}

	if bc.MKext != nil && bc.ExtsPath == "" {
		return errors.Wrap(ErrExtensionsDirMissing, "MKext declared without ExtensionsDir")
	}

	return nil
}

func (bc *BootCaches) newCachedPath(relPath, shadowRoot string) (*CachedPath, error) {
	shadowPath := filepath.Join(bc.VolumeRoot, shadowRoot, bc.VolumeUUID, MangleShadowName(relPath))
	if len(shadowPath) >= PathMax || len(relPath) >= PathMax {
		return nil, errors.Wrapf(ErrPathTooLong, "%s", relPath)
	}
	return &CachedPath{RelSourcePath: relPath, ShadowPath: shadowPath}, nil
}

// MangleShadowName implements the shadow-path filename mangling: '/'
// is translated to ':' so a hierarchical source path becomes one flat
// shadow filename.
func MangleShadowName(relSourcePath string) string {
	return strings.ReplaceAll(relSourcePath, "/", ":")
}

// UnmangleShadowName is the inverse of MangleShadowName, used to
// recover a source-relative path from a shadow filename.
func UnmangleShadowName(shadowName string) string {
	return strings.ReplaceAll(shadowName, ":", "/")
}

// AbsSourcePath returns the absolute path of the source for cp under
// this BootCaches' volume root.
func (bc *BootCaches) AbsSourcePath(cp *CachedPath) string {
	return filepath.Join(bc.VolumeRoot, cp.RelSourcePath)
}

// DeviceID returns the device id of the descriptor file as captured
// at ReadCaches time.
func (bc *BootCaches) DeviceID() uint64 { return bc.descriptorDevice }

// Revalidate re-stats the held descriptor handle and confirms its
// device id has not changed since ReadCaches: rederive device ids only
// from the open descriptor handle, and re-check after every call into
// an external service.
func (bc *BootCaches) Revalidate() error {
	var st unix.Stat_t
	if err := unix.Fstat(int(bc.descriptorFile.Fd()), &st); err != nil {
		return errors.Wrap(err, "bootcaches: revalidate fstat")
	}
	if uint64(st.Dev) != bc.descriptorDevice {
		return errors.New("bootcaches: descriptor device id changed underneath us")
	}
	return nil
}

// Close releases the descriptor handle, ending this record's lifecycle.
func (bc *BootCaches) Close() error {
	return bc.descriptorFile.Close()
}

// AllTrackedPaths returns every CachedPath this record tracks, in a
// stable order: RPS paths, then booters, then misc paths.
func (bc *BootCaches) AllTrackedPaths() []*CachedPath {
	var all []*CachedPath
	all = append(all, bc.RPSPaths...)
	if bc.EFIBooter != nil {
		all = append(all, bc.EFIBooter)
	}
	if bc.OFBooter != nil {
		all = append(all, bc.OFBooter)
	}
	all = append(all, bc.MiscPaths...)
	return all
}
