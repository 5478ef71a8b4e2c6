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

package sigverify

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/transparency-dev/armored-fota/internal/failure"
	"github.com/transparency-dev/armored-fota/internal/manifest"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func signedImage(t *testing.T, size int) ([]byte, *manifest.Manifest) {
	t.Helper()
	img := make([]byte, size)
	if _, err := rand.Read(img); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	d := sha256.Sum256(img)
	sig, err := rsa.SignPKCS1v15(rand.Reader, signingKey(t), crypto.SHA256, d[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}
	return img, &manifest.Manifest{
		Version:      "1.0.1",
		OriginalSize: int64(size),
		SHA256:       hex.EncodeToString(d[:]),
		Signature:    sig,
	}
}

func TestVerifyImage(t *testing.T) {
	v, err := New(&signingKey(t).PublicKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, test := range []struct {
		name    string
		size    int
		tamper  func(img []byte, m *manifest.Manifest)
		wantErr bool
	}{
		{
			name: "valid",
			size: 3*ReadBlockSize + 17,
		}, {
			name: "empty image",
			size: 0,
		}, {
			name:    "single byte of image flipped",
			size:    10000,
			tamper:  func(img []byte, _ *manifest.Manifest) { img[5000] ^= 0x01 },
			wantErr: true,
		}, {
			name:    "single byte of signature flipped",
			size:    10000,
			tamper:  func(_ []byte, m *manifest.Manifest) { m.Signature[10] ^= 0x01 },
			wantErr: true,
		}, {
			name: "manifest hash of another image",
			size: 1000,
			tamper: func(_ []byte, m *manifest.Manifest) {
				other := sha256.Sum256([]byte("something else"))
				m.SHA256 = hex.EncodeToString(other[:])
			},
			wantErr: true,
		}, {
			name:    "image shorter than manifest claims",
			size:    1000,
			tamper:  func(_ []byte, m *manifest.Manifest) { m.OriginalSize++ },
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			img, m := signedImage(t, test.size)
			if test.tamper != nil {
				test.tamper(img, m)
			}
			err := v.VerifyImage(bytes.NewReader(img), m)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("VerifyImage() = %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr && !failure.Is(err, failure.Signature) {
				t.Fatalf("VerifyImage() = %v, want SignatureError", err)
			}
		})
	}
}

// A signer which hashes the digest again before signing produces signatures
// which must not verify.
func TestRehashedDigestSignatureRejected(t *testing.T) {
	v, err := New(&signingKey(t).PublicKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	img, m := signedImage(t, 5000)
	d := sha256.Sum256(img)
	rehashed := sha256.Sum256(d[:])
	m.Signature, err = rsa.SignPKCS1v15(rand.Reader, signingKey(t), crypto.SHA256, rehashed[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}
	if err := v.VerifyImage(bytes.NewReader(img), m); !failure.Is(err, failure.Signature) {
		t.Fatalf("VerifyImage() = %v, want SignatureError", err)
	}
}

func TestNewRejectsSmallKey(t *testing.T) {
	k, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if _, err := New(&k.PublicKey); err == nil {
		t.Fatal("New() with 1024 bit key succeeded")
	}
}

func TestParsePublicKey(t *testing.T) {
	pub := &signingKey(t).PublicKey
	pkix, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	for _, test := range []struct {
		name    string
		pem     []byte
		wantErr bool
	}{
		{
			name: "pkix",
			pem:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix}),
		}, {
			name: "pkcs1",
			pem:  pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)}),
		}, {
			name:    "not pem",
			pem:     []byte("hello"),
			wantErr: true,
		}, {
			name:    "wrong type",
			pem:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: pkix}),
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParsePublicKey(test.pem)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("ParsePublicKey() = %v, wantErr %t", err, test.wantErr)
			}
			if !test.wantErr && !got.Equal(pub) {
				t.Fatal("parsed key differs")
			}
		})
	}
}
