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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	boothelperdaemon "github.com/northerntech/boothelperd/internal/daemon"

	"github.com/northerntech/boothelperd/internal/conf"
	"github.com/northerntech/boothelperd/internal/launcher"
)

func main() {
	app := &cli.App{
		Name:  "boothelperd",
		Usage: "keep helper boot partitions consistent with a volume's boot-cache descriptor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the main configuration file",
				Value: "/etc/boothelperd/boothelperd.conf",
			},
			&cli.StringFlag{
				Name:  "fallback-config",
				Usage: "path to the fallback configuration file",
				Value: "/var/lib/boothelperd/boothelperd.conf",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "override the configured state directory",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "one of debug, info, warning, error",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the daemon until terminated",
				Action: runAction,
			},
			{
				Name:      "check-now",
				Usage:     "force an immediate, unconditional publish of one volume",
				ArgsUsage: "<root-path>",
				Action:    checkNowAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("boothelperd: exiting")
	}
}

func setLogLevel(c *cli.Context) {
	level, err := log.ParseLevel(c.String("log-level"))
	if err != nil {
		log.WithError(err).Warn("boothelperd: invalid log level, defaulting to info")
		return
	}
	log.SetLevel(level)
}

func loadConfig(c *cli.Context) (*conf.Config, error) {
	cfg := conf.NewConfig()
	if err := conf.LoadConfig(c.String("config"), c.String("fallback-config"), cfg); err != nil {
		return nil, err
	}
	if dir := c.String("state-dir"); dir != "" {
		cfg.StateDir = dir
	}
	return cfg, nil
}

// newDaemon builds a Daemon from deps a real platform build must
// supply: diskinfo ships as interfaces only, so this is the seam a
// platform-specific build tag would fill in with a real
// disk-arbitration-backed Service/Arbiter/Blesser and a real label
// renderer. Until one is wired in, run/check-now fail fast with a
// clear message rather than silently doing nothing.
func newDaemon(cfg *conf.Config) (*boothelperdaemon.Daemon, error) {
	deps, err := platformDeps()
	if err != nil {
		return nil, err
	}
	deps.Launcher = launcher.OSCommander{}
	return boothelperdaemon.New(cfg, deps)
}

func runAction(c *cli.Context) error {
	setLogLevel(c)
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if cfg.DBus.Enabled {
		conn, err := dbus.SystemBus()
		if err != nil {
			return fmt.Errorf("boothelperd: connecting to system bus: %w", err)
		}
		defer conn.Close()
		if err := d.ExportDBus(conn); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("boothelperd: received termination signal")
		cancel()
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("boothelperd: sd_notify READY failed")
	} else if ok {
		log.Debug("boothelperd: notified systemd of readiness")
	}

	return d.Run(ctx)
}

func checkNowAction(c *cli.Context) error {
	setLogLevel(c)
	if c.NArg() != 1 {
		return cli.Exit("check-now requires exactly one argument: <root-path>", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.CheckNow(context.Background(), c.Args().First())
}
