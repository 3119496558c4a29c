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

package lockarb

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BusName is the well-known D-Bus name boothelperd owns while a lock
// arbiter is exported, standing in for a Mach bootstrap service name
// on the platform this replaces.
const BusName = "com.northerntech.boothelperd"

// ObjectPath is where the lock arbiter's interface is exported.
const ObjectPath = "/com/northerntech/boothelperd/LockArbiter"

// InterfaceName is the D-Bus interface LockService exports.
const InterfaceName = "com.northerntech.boothelperd.LockArbiter"

// LockService exports an Arbiter's lock/unlock/reboot-lock calls as
// D-Bus methods, and watches for callers disappearing so their locks
// are released automatically - the pure-Go replacement for a Mach
// port death notification.
type LockService struct {
	arb  *Arbiter
	conn *dbus.Conn

	// lookupUnixUser resolves a D-Bus sender's unix uid. It defaults to
	// a real org.freedesktop.DBus.GetConnectionUnixUser call against
	// conn; tests substitute a fake to avoid needing a live bus.
	lookupUnixUser func(sender dbus.Sender) (uint32, error)
}

// Export claims BusName on conn and registers the lock arbiter object,
// subscribing to NameOwnerChanged so crashed lockers are cleaned up.
func Export(conn *dbus.Conn, arb *Arbiter) (*LockService, error) {
	svc := &LockService{arb: arb, conn: conn}
	svc.lookupUnixUser = svc.connUnixUser

	if err := conn.Export(svc, ObjectPath, InterfaceName); err != nil {
		return nil, errors.Wrap(err, "lockarb: exporting D-Bus object")
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, errors.Wrap(err, "lockarb: requesting bus name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errors.Errorf("lockarb: bus name %s already owned", BusName)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return nil, errors.Wrap(err, "lockarb: subscribing to NameOwnerChanged")
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	go svc.watchOwners(signals)

	return svc, nil
}

func (s *LockService) watchOwners(signals chan *dbus.Signal) {
	for sig := range signals {
		if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
			continue
		}
		newOwner, _ := sig.Body[2].(string)
		if newOwner != "" {
			continue // the name is still owned, nothing crashed
		}
		oldOwner, _ := sig.Body[1].(string)
		if oldOwner == "" {
			continue
		}
		s.arb.OwnerDisconnected(context.Background(), oldOwner)
	}
}

// connUnixUser looks up sender's unix uid via the bus daemon itself,
// the real implementation behind lookupUnixUser.
func (s *LockService) connUnixUser(sender dbus.Sender) (uint32, error) {
	var uid uint32
	err := s.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&uid)
	return uid, err
}

// requireRoot reports whether sender is uid 0, logging and denying by
// default if its uid cannot be resolved at all.
func (s *LockService) requireRoot(sender dbus.Sender) bool {
	uid, err := s.lookupUnixUser(sender)
	if err != nil {
		log.WithError(err).Warn("lockarb: failed to resolve caller uid")
		return false
	}
	return uid == 0
}

// LockVolume is the exported D-Bus method backing kextcache -lock.
func (s *LockService) LockVolume(rootPath, mountPoint string, sender dbus.Sender) (int32, *dbus.Error) {
	if !s.requireRoot(sender) {
		return int32(StatusPermissionDenied), nil
	}
	status := s.arb.LockVolume(context.Background(), rootPath, string(sender), mountPoint)
	return int32(status), nil
}

// UnlockVolume is the exported D-Bus method backing kextcache -unlock.
func (s *LockService) UnlockVolume(rootPath, mountPoint string, exitStatus int32, sender dbus.Sender) (int32, *dbus.Error) {
	if !s.requireRoot(sender) {
		return int32(StatusPermissionDenied), nil
	}
	status := s.arb.UnlockVolume(context.Background(), rootPath, string(sender), mountPoint, int(exitStatus))
	return int32(status), nil
}

// LockReboot is the exported D-Bus method backing the shutdown path
// that must wait for outstanding kextcache work before proceeding.
func (s *LockService) LockReboot(sender dbus.Sender) (int32, string, *dbus.Error) {
	if !s.requireRoot(sender) {
		return int32(StatusPermissionDenied), "", nil
	}
	status, busyVolume := s.arb.LockReboot(context.Background(), string(sender))
	return int32(status), busyVolume, nil
}

// Close releases the bus name. The owner-change subscription stays in
// place until conn itself is closed.
func (s *LockService) Close() error {
	if _, err := s.conn.ReleaseName(BusName); err != nil {
		log.WithError(err).Warn("lockarb: failed to release bus name")
	}
	return nil
}
