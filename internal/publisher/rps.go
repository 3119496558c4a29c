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

import log "github.com/sirupsen/logrus"

// RPSName identifies one of the three fixed sibling rotating
// directories in a helper partition's root.
type RPSName string

const (
	RPSRock     RPSName = "com.apple.boot.R"
	RPSPaper    RPSName = "com.apple.boot.P"
	RPSScissors RPSName = "com.apple.boot.S"
)

// RPSPresence records which of the three rotating directories
// currently exist on a helper partition.
type RPSPresence struct {
	R, P, S bool
}

// ChooseRPS implements the eight-row table deciding current/next/prev
// directory roles: given which of R/P/S exist, it picks which is
// current (the one the firmware reads), which is next (where to
// publish), and which is prev (the
// oldest, to be retired). The "all three present" case is a warning
// state (the source of truth leaves the tie-break policy
// unspecified beyond "treat R as current"); see DESIGN.md Open
// Questions.
func ChooseRPS(p RPSPresence) (current, next, prev RPSName) {
	switch {
	case p.R && p.P && p.S:
		log.Warn("publisher: all of R, P and S exist on helper partition; picking R as current")
		return RPSRock, RPSPaper, RPSScissors
	case p.R && p.P:
		return RPSPaper, RPSScissors, RPSRock
	case p.R && p.S:
		return RPSRock, RPSPaper, RPSScissors
	case p.P && p.S:
		return RPSScissors, RPSRock, RPSPaper
	case p.R:
		return RPSRock, RPSPaper, RPSScissors
	case p.P:
		return RPSPaper, RPSScissors, RPSRock
	case p.S:
		return RPSScissors, RPSRock, RPSPaper
	default:
		return RPSRock, RPSPaper, RPSScissors
	}
}
