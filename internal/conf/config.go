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

// Package conf loads and defaults boothelperd's on-disk configuration.
package conf

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config is boothelperd's top-level configuration, loaded from JSON.
type Config struct {
	// ShadowRoot is where per-volume staleness stamps live, relative to
	// each volume's root, with one subdirectory per volume UUID. Empty
	// means bootcaches.DefaultShadowRoot.
	ShadowRoot string `json:",omitempty"`

	// DescriptorRelPath overrides the default bootcaches.json location
	// relative to a volume's root, mostly useful for tests.
	DescriptorRelPath string `json:",omitempty"`

	// StateDir holds the bbolt database tracking per-volume error
	// counts across daemon restarts.
	StateDir string `json:",omitempty"`

	// SettleDelaySeconds is how long the watcher waits for a burst of
	// filesystem writes to quiet down before publishing.
	SettleDelaySeconds int `json:",omitempty"`

	// GiveUpThreshold is the number of consecutive failed publish
	// attempts against one volume before the watcher stops retrying it
	// automatically.
	GiveUpThreshold int `json:",omitempty"`

	// MinHelperPartitionBytes overrides the minimum size a helper
	// partition must report to be considered usable.
	MinHelperPartitionBytes uint64 `json:",omitempty"`

	DBus DBusConfig `json:",omitempty"`
}

// DBusConfig controls the lock arbiter's D-Bus exposure.
type DBusConfig struct {
	Enabled bool
	// BusName overrides the well-known name the lock arbiter claims.
	BusName string `json:",omitempty"`
}

// NewConfig returns a Config with every default populated, the values
// CheckDefaults restores for any field a loaded file left zero.
func NewConfig() *Config {
	c := &Config{}
	c.CheckDefaults()
	return c
}

// SettleDelay is SettleDelaySeconds as a time.Duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelaySeconds) * time.Second
}

// CheckDefaults fills in any field a loaded configuration left at its
// zero value, mirroring the defaulting contract LoadConfig expects
// from every config type it loads.
func (c *Config) CheckDefaults() {
	if c.SettleDelaySeconds <= 0 {
		c.SettleDelaySeconds = 5
	}
	if c.GiveUpThreshold <= 0 {
		c.GiveUpThreshold = 5
	}
	if c.MinHelperPartitionBytes == 0 {
		c.MinHelperPartitionBytes = 128 * 1024 * 1024
	}
	if c.DBus.BusName == "" {
		c.DBus.BusName = "com.northerntech.boothelperd"
	}
	// The lock arbiter is load-bearing for the reboot-lock contract;
	// it can't actually be turned off, but is still reported as
	// enabled since some callers check the flag.
	c.DBus.Enabled = true
}

// ConfigWithDefaultsChecker is implemented by any configuration type
// LoadConfig can load: after merging the on-disk files it asks the
// config to fill in its own defaults.
type ConfigWithDefaultsChecker interface {
	CheckDefaults()
}

// LoadConfig parses boothelperd's configuration JSON files - a main
// file and a fallback file - into outConfig. Neither file is required
// to exist; an absent file is silently skipped, and the main file's
// values win over the fallback's for any option present in both.
func LoadConfig(mainConfigFile, fallbackConfigFile string, outConfig ConfigWithDefaultsChecker) error {
	var filesLoaded int

	if err := loadConfigFile(fallbackConfigFile, outConfig, &filesLoaded); err != nil {
		return err
	}
	if err := loadConfigFile(mainConfigFile, outConfig, &filesLoaded); err != nil {
		return err
	}

	outConfig.CheckDefaults()

	if filesLoaded == 0 {
		log.Info("conf: no configuration file present, using defaults")
		return nil
	}
	log.Debugf("conf: loaded %T = %#v", outConfig, outConfig)
	return nil
}

func loadConfigFile(configFile string, outConfig interface{}, filesLoaded *int) error {
	if configFile == "" {
		return nil
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.WithField("file", configFile).Debug("conf: configuration file does not exist")
		return nil
	}

	body, err := os.ReadFile(configFile)
	if err != nil {
		return errors.Wrapf(err, "conf: reading %s", configFile)
	}
	if err := json.Unmarshal(body, outConfig); err != nil {
		return errors.Wrapf(err, "conf: parsing %s", configFile)
	}

	*filesLoaded++
	log.WithField("file", configFile).Info("conf: loaded configuration file")
	return nil
}
