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

// Package daemon wires the watcher, publisher, lock arbiter and state
// store together into the running service, replacing the ambient
// globals kextcached relied on with one explicit context object
// passed to every collaborator.
package daemon

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/northerntech/boothelperd/internal/conf"
	"github.com/northerntech/boothelperd/internal/diskinfo"
	"github.com/northerntech/boothelperd/internal/launcher"
	"github.com/northerntech/boothelperd/internal/lockarb"
	"github.com/northerntech/boothelperd/internal/publisher"
	"github.com/northerntech/boothelperd/internal/state"
	"github.com/northerntech/boothelperd/internal/watcher"
)

// Daemon owns every long-lived collaborator boothelperd needs: the
// watcher driving automatic republishing, the lock arbiter exposed
// over D-Bus, and the state store backing both of them.
type Daemon struct {
	Config    *conf.Config
	Watcher   *watcher.Watcher
	Publisher *publisher.Publisher
	Arbiter   *lockarb.Arbiter
	Store     *state.Store

	lockSvc *lockarb.LockService
}

// Deps are the external collaborators the caller must supply; diskinfo
// has no in-repo implementation, so main is responsible for
// constructing a platform Service/Arbiter/Blesser and a label
// renderer before calling New.
type Deps struct {
	Launcher launcher.Commander
	Service  diskinfo.Service
	Arbiter  diskinfo.Arbiter
	Blesser  diskinfo.Blesser
	Label    publisher.LabelRenderer
}

// New constructs a Daemon from cfg and deps, opening the state store
// and wiring the watcher's lock callbacks through the lock arbiter.
func New(cfg *conf.Config, deps Deps) (*Daemon, error) {
	st, err := state.Open(cfg.StateDir)
	if err != nil {
		return nil, errors.Wrap(err, "daemon: opening state store")
	}

	pub := &publisher.Publisher{
		Launcher:      deps.Launcher,
		Arbiter:       deps.Arbiter,
		Service:       deps.Service,
		Blesser:       deps.Blesser,
		Label:         deps.Label,
		MinHelperSize: cfg.MinHelperPartitionBytes,
	}

	w, err := watcher.New(deps.Service, pub)
	if err != nil {
		_ = st.Close()
		return nil, errors.Wrap(err, "daemon: creating watcher")
	}
	w.ShadowRoot = cfg.ShadowRoot
	w.DescriptorRelPath = cfg.DescriptorRelPath
	w.SettleDelay = cfg.SettleDelay()
	w.GiveUpThreshold = cfg.GiveUpThreshold
	w.Store = st

	arb := lockarb.New(w, ownersToggler{deps.Arbiter})
	arb.GiveUpThreshold = cfg.GiveUpThreshold

	return &Daemon{
		Config:    cfg,
		Watcher:   w,
		Publisher: pub,
		Arbiter:   arb,
		Store:     st,
	}, nil
}

// ownersToggler adapts a diskinfo.Arbiter to lockarb.OwnersToggler,
// treating any answer other than Accepted as a failure.
type ownersToggler struct{ arb diskinfo.Arbiter }

func (o ownersToggler) SetOwnersEnabled(ctx context.Context, mountPoint string, enabled bool) error {
	res, err := o.arb.SetOwnersEnabled(ctx, mountPoint, enabled)
	if err == nil && res != diskinfo.Accepted {
		err = errors.Errorf("daemon: owners toggle on %s was not accepted", mountPoint)
	}
	return err
}

// ExportDBus claims the lock arbiter's well-known bus name on conn, so
// external kextcache invocations can lock/unlock volumes and the
// reboot lock.
func (d *Daemon) ExportDBus(conn *dbus.Conn) error {
	svc, err := lockarb.Export(conn, d.Arbiter)
	if err != nil {
		return errors.Wrap(err, "daemon: exporting D-Bus lock service")
	}
	d.lockSvc = svc
	return nil
}

// Run starts the watcher's event loop, blocking until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Info("daemon: starting watcher")
	return d.Watcher.Run(ctx)
}

// Close releases the D-Bus export and the state store.
func (d *Daemon) Close() error {
	if d.lockSvc != nil {
		_ = d.lockSvc.Close()
	}
	if err := d.Watcher.Close(); err != nil {
		log.WithError(err).Warn("daemon: closing watcher")
	}
	return d.Store.Close()
}

// CheckNow forces an immediate, unconditional publish of rootPath, the
// entry point an external "kextcache -u" invocation re-enters through.
func (d *Daemon) CheckNow(ctx context.Context, rootPath string) error {
	return d.Watcher.CheckNow(ctx, rootPath, true)
}
