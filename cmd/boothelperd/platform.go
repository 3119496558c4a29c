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

package main

import (
	"github.com/pkg/errors"

	"github.com/northerntech/boothelperd/internal/daemon"
)

// platformDeps constructs the disk-arbitration-backed collaborators
// (diskinfo.Service, diskinfo.Arbiter, diskinfo.Blesser, a disk-label
// renderer) a running daemon needs. Volume UUID/BSD-name resolution,
// mount arbitration and label rendering are platform-specific and
// explicitly out of scope here: boothelperd ships diskinfo as
// interfaces only, with a fake test double, and expects a platform
// build to supply real implementations.
func platformDeps() (daemon.Deps, error) {
	return daemon.Deps{}, errors.New(
		"boothelperd: no platform disk-arbitration backend compiled in; " +
			"supply diskinfo.Service/Arbiter/Blesser and a label renderer",
	)
}
