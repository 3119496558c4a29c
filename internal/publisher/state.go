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

package publisher

import "github.com/northerntech/boothelperd/internal/diskinfo"

// ChangeState enumerates reversible progress through one helper's
// update, in strictly increasing order of commitment. It is
// a natural sum type with a fall-through reversal order: revert
// undoes every step at or below the reached state.
type ChangeState int

const (
	Clean ChangeState = iota
	NukedLabels
	CopyingOFBooter
	CopyingEFIBooter
	CopiedBooters
	ActivatingOFBooter
	ActivatingEFIBooter
	ActivatedBooters
)

func (s ChangeState) String() string {
	switch s {
	case Clean:
		return "Clean"
	case NukedLabels:
		return "NukedLabels"
	case CopyingOFBooter:
		return "CopyingOFBooter"
	case CopyingEFIBooter:
		return "CopyingEFIBooter"
	case CopiedBooters:
		return "CopiedBooters"
	case ActivatingOFBooter:
		return "ActivatingOFBooter"
	case ActivatingEFIBooter:
		return "ActivatingEFIBooter"
	case ActivatedBooters:
		return "ActivatedBooters"
	default:
		return "Unknown"
	}
}

// updatingVol is transient per-call state for one updateBoots
// invocation against one helper partition.
type updatingVol struct {
	mount diskinfo.MountHandle

	inactiveRPS RPSName
	chosenRPS   RPSName // "current" per ChooseRPS at the time we started

	efiDst string
	ofDst  string

	changeState ChangeState

	doRPS, doMisc, doBooters bool
}
