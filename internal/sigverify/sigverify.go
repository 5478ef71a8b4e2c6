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

// Package sigverify checks a complete firmware image against the digest and
// signature in its manifest.
package sigverify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/transparency-dev/armored-fota/internal/failure"
	"github.com/transparency-dev/armored-fota/internal/manifest"
	"k8s.io/klog/v2"
)

const (
	// MinKeyBits is the smallest RSA modulus accepted.
	MinKeyBits = 2048
	// ReadBlockSize is the size of the reads used to stream the image back.
	ReadBlockSize = 4096
)

// Verifier checks firmware images with a release signing key.
type Verifier struct {
	pub *rsa.PublicKey
}

// New returns a Verifier for signatures made by pub.
func New(pub *rsa.PublicKey) (*Verifier, error) {
	if pub == nil {
		return nil, errors.New("nil public key")
	}
	if b := pub.N.BitLen(); b < MinKeyBits {
		return nil, fmt.Errorf("RSA key of %d bits is too small, need at least %d", b, MinKeyBits)
	}
	return &Verifier{pub: pub}, nil
}

// ParsePublicKey parses a PEM encoded RSA public key in either PKIX or
// PKCS#1 form.
func ParsePublicKey(b []byte) (*rsa.PublicKey, error) {
	blk, _ := pem.Decode(b)
	if blk == nil {
		return nil, errors.New("no PEM block found")
	}
	switch blk.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(blk.Bytes)
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(blk.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", k)
		}
		return pub, nil
	}
	return nil, fmt.Errorf("unsupported PEM block type %q", blk.Type)
}

// Digest streams the first size bytes of r through SHA-256.
func Digest(r io.ReaderAt, size int64) ([]byte, error) {
	h := sha256.New()
	buf := make([]byte, ReadBlockSize)
	for off := int64(0); off < size; {
		n := min(int64(len(buf)), size-off)
		got, err := r.ReadAt(buf[:n], off)
		if int64(got) != n {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("short read at offset %d: %v", off, err)
		}
		h.Write(buf[:n])
		off += n
	}
	return h.Sum(nil), nil
}

// VerifyImage reads back the image described by m from r, and checks it
// against the manifest's digest and signature.
//
// The signature must be over the raw SHA-256 digest of the image.
func (v *Verifier) VerifyImage(r io.ReaderAt, m *manifest.Manifest) error {
	digest, err := Digest(r, m.OriginalSize)
	if err != nil {
		return failure.Wrap(failure.Signature, err, "failed to read back image")
	}
	if subtle.ConstantTimeCompare(digest, m.Digest()) != 1 {
		return failure.New(failure.Signature, "image hash %s does not match manifest hash %s", hex.EncodeToString(digest), m.SHA256)
	}
	if err := rsa.VerifyPKCS1v15(v.pub, crypto.SHA256, digest, m.Signature); err != nil {
		return failure.Wrap(failure.Signature, err, "invalid signature over image %s", m.SHA256)
	}
	klog.Infof("Verified firmware %s (%d bytes, sha256 %s)", m.Version, m.OriginalSize, m.SHA256)
	return nil
}
