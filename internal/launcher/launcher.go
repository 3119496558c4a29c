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

// Package launcher runs the external kernel-cache rebuilder. It
// mirrors a familiar system.Commander indirection over os/exec so
// tests can swap in a fake, and translates "double fork so the
// caller never waits on a zombie" into the idiomatic Go substitute:
// Setsid plus releasing the process without Wait()ing on it.
package launcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Commander abstracts process creation so the publisher and watcher
// can be tested without spawning a real kextcache binary.
type Commander interface {
	// Fork launches argv[0] with argv[1:], setting TMPDIR to
	// shadowDir joined onto rootPath so any temp file the child creates can be renamed
	// atomically onto the same device as the final destination. If
	// waitForExit, Fork blocks and returns the child's exit status;
	// otherwise it detaches the child and returns its pid immediately.
	Fork(ctx context.Context, rootPath, shadowDir string, argv []string, waitForExit bool) (pid int, exitStatus int, err error)
}

// OSCommander is the real Commander, backed by os/exec.
type OSCommander struct{}

func (OSCommander) Fork(ctx context.Context, rootPath, shadowDir string, argv []string, waitForExit bool) (int, int, error) {
	if len(argv) == 0 {
		return 0, 0, errors.New("launcher: empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TMPDIR="+filepath.Join(rootPath, shadowDir))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if waitForExit {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		err := cmd.Run()
		status := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				status = exitErr.ExitCode()
			} else {
				return 0, 0, errors.Wrap(err, "launcher: start")
			}
		}
		pid := 0
		if cmd.Process != nil {
			pid = cmd.Process.Pid
		}
		return pid, status, nil
	}

	if err := cmd.Start(); err != nil {
		return 0, 0, errors.Wrap(err, "launcher: start detached")
	}
	pid := cmd.Process.Pid
	// Detach: never Wait() on this child. The grandchild (the real
	// kextcache worker, once it has re-exec'd/daemonized) is reparented
	// away from us; we only needed the intermediate pid.
	go func() {
		_ = cmd.Wait()
	}()
	log.WithField("pid", pid).Debug("launcher: detached child started")
	return pid, 0, nil
}

// RebuildKernelCacheArgs builds the canned invocation
// "kextcache -a <arch> ... -l -m <mkext> <exts>". Archs come from the
// retained raw descriptor document and are rendered in their
// filesystem representation, never embedded into any path.
func RebuildKernelCacheArgs(archs []string, mkextPath, extsPath string) []string {
	argv := []string{"kextcache"}
	for _, a := range archs {
		argv = append(argv, "-a", a)
	}
	argv = append(argv, "-l", "-m", mkextPath, extsPath)
	return argv
}

// RebuildHelperPartitionsArgs builds the canned invocation of spec
// §4.E: "kextcache [-f] -u <rootPath>", the re-entrant path the
// watcher uses to trigger a publish.
func RebuildHelperPartitionsArgs(rootPath string, force bool) []string {
	argv := []string{"kextcache"}
	if force {
		argv = append(argv, "-f")
	}
	argv = append(argv, "-u", rootPath)
	return argv
}
