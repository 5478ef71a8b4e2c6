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

// fotactl is the operator's tool for firmware releases: it generates keys,
// packages images, serves them to devices, and fetches them back as a
// device would.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/transparency-dev/armored-fota/internal/chunkauth"
	"github.com/transparency-dev/armored-fota/internal/client"
	"github.com/transparency-dev/armored-fota/internal/decrypt"
	"github.com/transparency-dev/armored-fota/internal/keys"
	"github.com/transparency-dev/armored-fota/internal/release"
	"github.com/transparency-dev/armored-fota/internal/sigverify"
	"github.com/transparency-dev/armored-fota/internal/transport"
	"k8s.io/klog/v2"
)

var commands = map[string]func(args []string){
	"genkey":  genKey,
	"package": packageRelease,
	"serve":   serve,
	"fetch":   fetch,
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <genkey|package|serve|fetch> [flags]\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		usage()
		os.Exit(2)
	}
	cmd(flag.Args()[1:])
}

// symmetricKeys holds the flags selecting the AES and HMAC keys.
type symmetricKeys struct {
	aesKey, hmacKey, secret, salt *string
}

func keyFlags(fs *flag.FlagSet) symmetricKeys {
	return symmetricKeys{
		aesKey:  fs.String("aes_key", "", "Hex encoded 32 byte image encryption key."),
		hmacKey: fs.String("hmac_key", "", "Hex encoded chunk authentication key."),
		secret:  fs.String("master_secret", "", "Hex encoded secret to derive both keys from, instead of --aes_key and --hmac_key."),
		salt:    fs.String("salt", "", "Salt to use with --master_secret."),
	}
}

func (k symmetricKeys) loadOrDie() (aesKey, hmacKey []byte) {
	if *k.secret != "" {
		s, err := keys.ParseHex(*k.secret, 0)
		if err != nil {
			klog.Exitf("--master_secret: %v", err)
		}
		aesKey, hmacKey, err := keys.Derive(s, []byte(*k.salt))
		if err != nil {
			klog.Exitf("Failed to derive keys: %v", err)
		}
		return aesKey, hmacKey
	}
	aesKey, err := keys.ParseHex(*k.aesKey, keys.AESKeySize)
	if err != nil {
		klog.Exitf("--aes_key: %v", err)
	}
	hmacKey, err = keys.ParseHex(*k.hmacKey, 0)
	if err != nil {
		klog.Exitf("--hmac_key: %v", err)
	}
	return aesKey, hmacKey
}

func genKey(args []string) {
	fs := flag.NewFlagSet("genkey", flag.ExitOnError)
	outDir := fs.String("out_dir", ".", "Directory to write release.key, release.pub and fleet.secret to.")
	bits := fs.Int("bits", 2048, "RSA modulus size.")
	fs.Parse(args)

	priv, pub, err := keys.GenerateSigningKey(*bits)
	if err != nil {
		klog.Exitf("Failed to generate signing key: %v", err)
	}
	secret, err := keys.Random(32)
	if err != nil {
		klog.Exitf("Failed to generate fleet secret: %v", err)
	}
	for _, f := range []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{"release.key", priv, 0o600},
		{"release.pub", pub, 0o644},
		{"fleet.secret", []byte(secret + "\n"), 0o600},
	} {
		p := filepath.Join(*outDir, f.name)
		if err := os.WriteFile(p, f.data, f.mode); err != nil {
			klog.Exitf("Failed to write %q: %v", p, err)
		}
		klog.Infof("Wrote %q", p)
	}
}

func packageRelease(args []string) {
	fs := flag.NewFlagSet("package", flag.ExitOnError)
	image := fs.String("image", "", "Plaintext firmware image.")
	version := fs.String("version", "", "Semantic version of the firmware.")
	chunkSize := fs.Int("chunk_size", release.DefaultChunkSize, "Chunk size in bytes, a multiple of 16.")
	signingKey := fs.String("signing_key", "", "PEM RSA release signing key.")
	out := fs.String("out", "", "File to write the packaged release to.")
	k := keyFlags(fs)
	fs.Parse(args)

	if *image == "" || *version == "" || *signingKey == "" || *out == "" {
		klog.Exit("--image, --version, --signing_key and --out are required")
	}
	img, err := os.ReadFile(*image)
	if err != nil {
		klog.Exitf("Failed to read image: %v", err)
	}
	signer, err := keys.LoadPrivateKey(*signingKey)
	if err != nil {
		klog.Exitf("Failed to load signing key: %v", err)
	}
	aesKey, hmacKey := k.loadOrDie()

	r, err := release.Build(img, *version, release.Keys{AES: aesKey, HMAC: hmacKey, Signer: signer}, release.Options{ChunkSize: *chunkSize})
	if err != nil {
		klog.Exitf("Failed to package release: %v", err)
	}
	if err := r.WriteFile(*out); err != nil {
		klog.Exitf("Failed to write release: %v", err)
	}
	m := r.Manifest
	klog.Infof("Wrote %s to %q: %d bytes, %d chunks of %d bytes, sha256 %s", m.Version, *out, m.OriginalSize, m.TotalChunks, m.ChunkSize, m.SHA256)
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", ":8080", "Address to serve the update protocol on.")
	releases := fs.String("releases", "", "Comma separated list of packaged releases to serve.")
	fs.Parse(args)

	srv, err := release.NewServer()
	if err != nil {
		klog.Exitf("NewServer: %v", err)
	}
	for _, p := range strings.Split(*releases, ",") {
		if p == "" {
			continue
		}
		r, err := release.ReadFile(p)
		if err != nil {
			klog.Exitf("Failed to load release: %v", err)
		}
		if err := srv.Add(r); err != nil {
			klog.Exitf("Failed to add release %q: %v", p, err)
		}
	}
	hs := &http.Server{
		Addr:         *listen,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	klog.Infof("Serving updates on %s", *listen)
	if err := hs.ListenAndServe(); err != nil {
		klog.Exitf("ListenAndServe: %v", err)
	}
}

// fetch downloads the update a device would be offered, checking every chunk
// and the signature along the way.
func fetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "Update server base URL.")
	current := fs.String("current_version", "0.0.0", "Version to present as currently running.")
	deviceID := fs.String("device_id", "fotactl", "Device ID to present.")
	pubKey := fs.String("public_key", "", "PEM release verification key.")
	out := fs.String("out", "", "File to write the decrypted image to.")
	timeout := fs.Duration("timeout", transport.DefaultTimeout, "Per request timeout.")
	k := keyFlags(fs)
	fs.Parse(args)

	if *pubKey == "" || *out == "" {
		klog.Exit("--public_key and --out are required")
	}
	aesKey, hmacKey := k.loadOrDie()
	pub, err := keys.LoadPublicKey(*pubKey)
	if err != nil {
		klog.Exitf("Failed to load public key: %v", err)
	}
	v, err := sigverify.New(pub)
	if err != nil {
		klog.Exitf("sigverify.New: %v", err)
	}
	auth, err := chunkauth.New(hmacKey)
	if err != nil {
		klog.Exitf("chunkauth.New: %v", err)
	}

	ctx := context.Background()
	c := client.New(*server, *deviceID, &transport.HTTP{Timeout: *timeout})
	m, err := c.Check(ctx, *current)
	if err != nil {
		klog.Exitf("Check: %v", err)
	}
	if m == nil {
		klog.Infof("No update available for %s", *current)
		return
	}
	dec, err := decrypt.New(aesKey, m.IV)
	if err != nil {
		klog.Exitf("decrypt.New: %v", err)
	}

	var img bytes.Buffer
	bar := pb.Full.Start64(m.EncryptedSize)
	for n := 0; n < m.TotalChunks; n++ {
		ch, err := c.Chunk(ctx, m.Version, n)
		if err != nil {
			klog.Exitf("Chunk %d: %v", n, err)
		}
		if err := auth.Verify(ch.Data, n, ch.Tag); err != nil {
			klog.Exitf("Chunk %d: %v", n, err)
		}
		pt, err := dec.DecryptChunk(n, ch.Data, m.IsLast(n))
		if err != nil {
			klog.Exitf("Chunk %d: %v", n, err)
		}
		img.Write(pt)
		bar.Add(len(ch.Data))
	}
	bar.Finish()

	if err := v.VerifyImage(bytes.NewReader(img.Bytes()), m); err != nil {
		klog.Exitf("VerifyImage: %v", err)
	}
	if err := os.WriteFile(*out, img.Bytes(), 0o644); err != nil {
		klog.Exitf("Failed to write image: %v", err)
	}
	klog.Infof("Fetched and verified %s: %d bytes written to %q", m.Version, img.Len(), *out)
}
