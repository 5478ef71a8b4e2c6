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

// fotad is the device side firmware update daemon.
//
// On start it completes the boot flow (committing or rolling back a freshly
// installed image), then periodically polls the update server and installs
// newer firmware into the inactive slot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/transparency-dev/armored-fota/internal/boot"
	"github.com/transparency-dev/armored-fota/internal/chunkauth"
	"github.com/transparency-dev/armored-fota/internal/client"
	"github.com/transparency-dev/armored-fota/internal/config"
	"github.com/transparency-dev/armored-fota/internal/keys"
	"github.com/transparency-dev/armored-fota/internal/kv/sqlite"
	"github.com/transparency-dev/armored-fota/internal/ota"
	"github.com/transparency-dev/armored-fota/internal/scheduler"
	"github.com/transparency-dev/armored-fota/internal/sigverify"
	"github.com/transparency-dev/armored-fota/internal/stats"
	"github.com/transparency-dev/armored-fota/internal/storage"
	"github.com/transparency-dev/armored-fota/internal/storage/slots"
	"github.com/transparency-dev/armored-fota/internal/transport"
	"k8s.io/klog/v2"
)

const (
	updateTask = "update"
	statusTask = "status"

	// schedulerTick is how often the scheduler looks for due tasks.
	schedulerTick = time.Second
)

var configFile = flag.String("config", "fotad.yaml", "Path to the YAML configuration file.")

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Parse()
	defer klog.Flush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		klog.Exitf("Failed to load config %q: %v", *configFile, err)
	}
	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		klog.Exitf("fotad: %v", err)
	}
	klog.Info("Shutting down")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := sqlite.Open(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("failed to open state database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			klog.Errorf("Closing state database: %v", err)
		}
	}()

	deviceID, err := cfg.ResolveDeviceID(store)
	if err != nil {
		return err
	}
	st := stats.New(store)

	ctl, err := boot.NewController(store, uint(len(cfg.Storage.Partition.SlotLengths)), reboot)
	if err != nil {
		return err
	}
	ctl.Guard = boot.NewVersionGuard(store)
	ctl.RunningVersion = cfg.FirmwareVersion

	part, closeStorage, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStorage()

	aesKey, hmacKey, err := loadKeys(cfg.Keys)
	if err != nil {
		return err
	}
	pub, err := keys.LoadPublicKey(cfg.Keys.PublicKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load release key: %v", err)
	}
	verifier, err := sigverify.New(pub)
	if err != nil {
		return err
	}
	auth, err := chunkauth.New(hmacKey)
	if err != nil {
		return err
	}

	tr := &transport.HTTP{Timeout: cfg.Update.RequestTimeout, LogProgress: klog.V(1).Enabled()}
	c := client.New(cfg.ServerURL, deviceID, tr)

	// Finish the previous update, if any, before looking for the next one.
	r, err := ctl.Boot()
	if err != nil {
		return fmt.Errorf("boot: %v", err)
	}
	klog.Infof("fotad %s on device %s, running slot %d", cfg.FirmwareVersion, deviceID, r.Active)
	out, err := boot.PostBoot(ctx, ctl, st, diagnostics(cfg, ctl, part, c)...)
	if err != nil {
		return fmt.Errorf("post-boot: %v", err)
	}
	klog.Infof("Post-boot: %s", out)

	sess, err := ota.New(ota.Options{
		Client:          c,
		Store:           store,
		Sink:            storage.NewImageWriter(part, ctl),
		Boot:            ctl,
		Auth:            auth,
		Verifier:        verifier,
		AESKey:          aesKey,
		Stats:           st,
		Guard:           ctl.Guard,
		CurrentVersion:  cfg.FirmwareVersion,
		PersistInterval: cfg.Update.PersistInterval,
		StaleAfter:      cfg.Update.StaleAfter,
		RebootDelay:     cfg.Update.RebootDelay,
		Resume:          cfg.Update.Resume,
		LenientPadding:  cfg.Update.LenientPadding,
	})
	if err != nil {
		return err
	}

	sched := scheduler.New()
	if err := sched.Add(scheduler.Task{
		Name:       updateTask,
		Interval:   cfg.Update.CheckInterval,
		Exclusive:  true,
		MaxBackoff: cfg.Update.MaxBackoff,
		Jitter:     0.1,
		Run:        sess.Poll,
	}); err != nil {
		return err
	}
	if err := sched.Add(scheduler.Task{
		Name:     statusTask,
		Interval: time.Minute,
		Run: func(context.Context) error {
			p := sess.Progress()
			klog.V(1).Infof("Update state %s: %d/%d chunks", p.State, p.ChunksReceived, p.TotalChunks)
			return nil
		},
	}); err != nil {
		return err
	}

	if cfg.AdminListen != "" {
		a := &admin{deviceID: deviceID, version: cfg.FirmwareVersion, sess: sess, ctl: ctl, stats: st, sched: sched}
		srv := &http.Server{
			Addr:         cfg.AdminListen,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler:      a.handler(),
		}
		go func() {
			klog.Infof("Admin interface on %s", cfg.AdminListen)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				klog.Errorf("Error serving admin interface: %v", err)
			}
		}()
		defer func() {
			if err := srv.Close(); err != nil {
				klog.Errorf("Closing admin interface: %v", err)
			}
		}()
	}

	return sched.Run(ctx, schedulerTick)
}

func openStorage(c config.Storage) (*slots.Partition, func(), error) {
	dev, err := storage.OpenFileDevice(c.Device, c.BlockSize, c.NumBlocks)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %v", err)
	}
	closer := func() {
		if err := dev.Close(); err != nil {
			klog.Errorf("Closing storage: %v", err)
		}
	}
	p, err := slots.OpenPartition(dev, c.Partition)
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("failed to open partition: %v", err)
	}
	return p, closer, nil
}

func loadKeys(c config.Keys) (aesKey, hmacKey []byte, err error) {
	if c.MasterSecret != "" {
		secret, err := keys.ParseHex(c.MasterSecret, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("keys.master_secret: %v", err)
		}
		return keys.Derive(secret, []byte(c.Salt))
	}
	if aesKey, err = keys.ParseHex(c.AESKey, keys.AESKeySize); err != nil {
		return nil, nil, fmt.Errorf("keys.aes_key: %v", err)
	}
	if hmacKey, err = keys.ParseHex(c.HMACKey, 0); err != nil {
		return nil, nil, fmt.Errorf("keys.hmac_key: %v", err)
	}
	return aesKey, hmacKey, nil
}

// reboot stands in for the platform reset: the process exits and its
// supervisor starts it again, which runs the boot flow.
func reboot() error {
	klog.Info("Rebooting...")
	klog.Flush()
	os.Exit(0)
	return nil
}
