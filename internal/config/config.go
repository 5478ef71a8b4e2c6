// Copyright 2024 The Armored FOTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the device daemon's configuration file format.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/transparency-dev/armored-fota/internal/kv"
	"github.com/transparency-dev/armored-fota/internal/storage/slots"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Config is the device daemon's configuration.
type Config struct {
	// DeviceID identifies the device to the update server. If empty, a
	// random ID is generated on first boot and kept in the state database.
	DeviceID string `yaml:"device_id"`
	// ServerURL is the base URL of the update server.
	ServerURL string `yaml:"server_url"`
	// FirmwareVersion is the version of the running firmware.
	FirmwareVersion string `yaml:"firmware_version"`
	// StateDB is the path of the SQLite database holding update state.
	StateDB string `yaml:"state_db"`
	// AdminListen is the address of the admin HTTP server, empty to disable.
	AdminListen string `yaml:"admin_listen"`

	Storage Storage `yaml:"storage"`
	Keys    Keys    `yaml:"keys"`
	Update  Update  `yaml:"update"`
}

// Storage describes the block device firmware slots live on.
type Storage struct {
	// Device is the file backing the block device.
	Device    string `yaml:"device"`
	BlockSize uint   `yaml:"block_size"`
	NumBlocks uint   `yaml:"num_blocks"`
	// Partition is the firmware partition, which must have at least two slots.
	Partition slots.Geometry `yaml:"partition"`
}

// Keys locates the update keys. Either both of AESKey and HMACKey, or
// MasterSecret, must be set.
type Keys struct {
	// AESKey is the hex encoded image encryption key.
	AESKey string `yaml:"aes_key"`
	// HMACKey is the hex encoded chunk authentication key.
	HMACKey string `yaml:"hmac_key"`
	// MasterSecret is a hex encoded secret both keys are derived from.
	MasterSecret string `yaml:"master_secret"`
	// Salt is the salt used with MasterSecret.
	Salt string `yaml:"salt"`
	// PublicKeyFile is the PEM release verification key.
	PublicKeyFile string `yaml:"public_key_file"`
}

// Update tunes the update engine.
type Update struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	RebootDelay     time.Duration `yaml:"reboot_delay"`
	PersistInterval time.Duration `yaml:"persist_interval"`
	// MaxBackoff caps the delay between failed update checks.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// Resume continues interrupted downloads across reboots.
	Resume bool `yaml:"resume"`
	// LenientPadding accepts images with invalid terminal padding.
	LenientPadding bool `yaml:"lenient_padding"`
}

// Default returns a configuration with every optional field set.
func Default() Config {
	return Config{
		StateDB:     "fota.db",
		AdminListen: "localhost:8081",
		Storage: Storage{
			BlockSize: 512,
		},
		Update: Update{
			CheckInterval:  time.Hour,
			RequestTimeout: 30 * time.Second,
			StaleAfter:     5 * time.Minute,
			RebootDelay:    3 * time.Second,
			MaxBackoff:     6 * time.Hour,
		},
	}
}

// Parse decodes a YAML configuration over the defaults and validates it.
func Parse(b []byte) (*Config, error) {
	c := Default()
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Validate checks the configuration is complete and self-consistent.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.FirmwareVersion == "" {
		errs = append(errs, errors.New("firmware_version is required"))
	}
	if c.Storage.Device == "" {
		errs = append(errs, errors.New("storage.device is required"))
	}
	if c.Storage.BlockSize == 0 || c.Storage.NumBlocks == 0 {
		errs = append(errs, errors.New("storage.block_size and storage.num_blocks must be positive"))
	}
	if err := c.Storage.Partition.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage.partition: %v", err))
	} else if len(c.Storage.Partition.SlotLengths) < 2 {
		errs = append(errs, errors.New("storage.partition needs at least two slots"))
	}
	if p := c.Storage.Partition; p.Start+p.Length > c.Storage.NumBlocks {
		errs = append(errs, fmt.Errorf("storage.partition ends at block %d, beyond the device's %d blocks", p.Start+p.Length, c.Storage.NumBlocks))
	}
	k := c.Keys
	switch {
	case k.MasterSecret != "" && (k.AESKey != "" || k.HMACKey != ""):
		errs = append(errs, errors.New("keys.master_secret cannot be combined with keys.aes_key or keys.hmac_key"))
	case k.MasterSecret == "" && (k.AESKey == "" || k.HMACKey == ""):
		errs = append(errs, errors.New("keys.aes_key and keys.hmac_key, or keys.master_secret, are required"))
	}
	if k.PublicKeyFile == "" {
		errs = append(errs, errors.New("keys.public_key_file is required"))
	}
	if c.Update.CheckInterval <= 0 {
		errs = append(errs, errors.New("update.check_interval must be positive"))
	}
	return errors.Join(errs...)
}

const keyDeviceID = "device_id"

// ResolveDeviceID returns the configured device ID. Without one, it returns
// the ID stored in s, generating and storing a new one on first use.
func (c *Config) ResolveDeviceID(s kv.Store) (string, error) {
	if c.DeviceID != "" {
		return c.DeviceID, nil
	}
	id, err := s.Get(kv.Boot, keyDeviceID)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, kv.ErrNotFound):
		return "", fmt.Errorf("failed to read device ID: %v", err)
	}
	id = uuid.NewString()
	if err := s.Set(kv.Boot, keyDeviceID, id); err != nil {
		return "", fmt.Errorf("failed to store device ID: %v", err)
	}
	klog.Infof("Generated device ID %s", id)
	return id, nil
}
