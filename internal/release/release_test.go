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

package release_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-fota/internal/chunkauth"
	"github.com/transparency-dev/armored-fota/internal/client"
	"github.com/transparency-dev/armored-fota/internal/decrypt"
	"github.com/transparency-dev/armored-fota/internal/release"
	"github.com/transparency-dev/armored-fota/internal/sigverify"
	"github.com/transparency-dev/armored-fota/internal/transport"
)

func testKeys(t *testing.T) release.Keys {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return release.Keys{
		AES:    bytes.Repeat([]byte{0x42}, 32),
		HMAC:   []byte("chunk-auth-key"),
		Signer: priv,
	}
}

func randImage(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

// memImage is an io.ReaderAt over a byte slice.
type memImage []byte

func (m memImage) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m).ReadAt(p, off)
}

func TestBuild(t *testing.T) {
	k := testKeys(t)
	img := randImage(t, 10000)
	r, err := release.Build(img, "1.2.0", k, release.Options{ChunkSize: 1024})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	m := r.Manifest
	if got, want := m.EncryptedSize, int64(10016); got != want {
		t.Errorf("EncryptedSize = %d, want %d", got, want)
	}
	if got, want := m.TotalChunks, 10; got != want {
		t.Errorf("TotalChunks = %d, want %d", got, want)
	}

	auth, err := chunkauth.New(k.HMAC)
	if err != nil {
		t.Fatalf("chunkauth.New: %v", err)
	}
	dec, err := decrypt.New(k.AES, m.IV)
	if err != nil {
		t.Fatalf("decrypt.New: %v", err)
	}
	var got []byte
	for n, c := range r.Chunks {
		ct := decode(t, c.Data)
		if err := auth.Verify(ct, n, c.HMAC); err != nil {
			t.Fatalf("chunk %d: %v", n, err)
		}
		if len(ct) != m.ChunkLen(n) || len(ct) != c.Size {
			t.Fatalf("chunk %d is %d bytes, want %d", n, len(ct), m.ChunkLen(n))
		}
		pt, err := dec.DecryptChunk(n, ct, m.IsLast(n))
		if err != nil {
			t.Fatalf("DecryptChunk(%d): %v", n, err)
		}
		got = append(got, pt...)
	}
	if !bytes.Equal(got, img) {
		t.Fatal("decrypted release differs from image")
	}

	v, err := sigverify.New(&k.Signer.PublicKey)
	if err != nil {
		t.Fatalf("sigverify.New: %v", err)
	}
	if err := v.VerifyImage(memImage(img), m); err != nil {
		t.Fatalf("VerifyImage: %v", err)
	}
}

func TestBuildErrors(t *testing.T) {
	k := testKeys(t)
	for _, test := range []struct {
		name string
		k    release.Keys
		opts release.Options
	}{
		{name: "chunk size not block aligned", k: k, opts: release.Options{ChunkSize: 100}},
		{name: "short AES key", k: release.Keys{AES: make([]byte, 16), HMAC: k.HMAC, Signer: k.Signer}},
		{name: "no HMAC key", k: release.Keys{AES: k.AES, Signer: k.Signer}},
		{name: "no signer", k: release.Keys{AES: k.AES, HMAC: k.HMAC}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := release.Build([]byte("firmware"), "1.0.0", test.k, test.opts); err == nil {
				t.Fatal("Build() succeeded, want error")
			}
		})
	}
}

func TestWriteReadFile(t *testing.T) {
	r, err := release.Build(randImage(t, 3000), "2.0.0", testKeys(t), release.Options{ChunkSize: 512})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p := filepath.Join(t.TempDir(), "release.json")
	if err := r.WriteFile(p); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := release.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("ReadFile() diff (-want +got):\n%s", diff)
	}
}

func TestServeOverHTTP(t *testing.T) {
	k := testKeys(t)
	img := randImage(t, 5000)
	old, err := release.Build(randImage(t, 100), "1.0.0", k, release.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r, err := release.Build(img, "1.1.0", k, release.Options{ChunkSize: 2048})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	srv, err := release.NewServer(r, old)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	c := client.New(ts.URL+"/", "device-1", &transport.HTTP{})

	if m, err := c.Check(ctx, "1.1.0"); err != nil || m != nil {
		t.Fatalf("Check(1.1.0) = %v, %v, want no update", m, err)
	}
	m, err := c.Check(ctx, "1.0.0")
	if err != nil {
		t.Fatalf("Check(1.0.0): %v", err)
	}
	if diff := cmp.Diff(r.Manifest, m); diff != "" {
		t.Fatalf("Check() diff (-want +got):\n%s", diff)
	}

	for n := 0; n < m.TotalChunks; n++ {
		got, err := c.Chunk(ctx, m.Version, n)
		if err != nil {
			t.Fatalf("Chunk(%d): %v", n, err)
		}
		if want := decode(t, r.Chunks[n].Data); !bytes.Equal(got.Data, want) || got.Tag != r.Chunks[n].HMAC {
			t.Fatalf("Chunk(%d) differs from release", n)
		}
	}
	if _, err := c.Chunk(ctx, m.Version, m.TotalChunks); err == nil {
		t.Fatal("Chunk() past the end succeeded, want error")
	}
	if _, err := c.Chunk(ctx, "9.9.9", 0); err == nil {
		t.Fatal("Chunk() of unknown version succeeded, want error")
	}
}

func decode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	return b
}
