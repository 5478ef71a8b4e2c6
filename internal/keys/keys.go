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

// Package keys loads and derives the key material used by the update engine.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/transparency-dev/armored-fota/internal/sigverify"
	"golang.org/x/crypto/hkdf"
)

const (
	// AESKeySize is the image encryption key length.
	AESKeySize = 32
	// HMACKeySize is the length of derived chunk authentication keys.
	HMACKeySize = 32

	// The diversifiers MUST NOT change, or devices and servers will derive
	// different keys from the same secret.
	aesDiversifier  = "FOTA-ImageKey-v1"
	hmacDiversifier = "FOTA-ChunkAuthKey-v1"
)

// ParseHex decodes a hex encoded key, which must be size bytes long if size
// is positive.
func ParseHex(s string, size int) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %v", err)
	}
	if size > 0 && len(b) != size {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(b), size)
	}
	if len(b) == 0 {
		return nil, errors.New("empty key")
	}
	return b, nil
}

// Derive returns the image encryption and chunk authentication keys for a
// fleet, derived from a single shared secret.
//
// Both ends of the update protocol must derive with the same salt.
func Derive(secret, salt []byte) (aesKey, hmacKey []byte, err error) {
	if len(secret) < 16 {
		return nil, nil, fmt.Errorf("secret of %d bytes is too short", len(secret))
	}
	if aesKey, err = deriveHKDF(secret, salt, aesDiversifier, AESKeySize); err != nil {
		return nil, nil, err
	}
	if hmacKey, err = deriveHKDF(secret, salt, hmacDiversifier, HMACKeySize); err != nil {
		return nil, nil, err
	}
	return aesKey, hmacKey, nil
}

func deriveHKDF(secret, salt []byte, diversifier string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(diversifier))
	k := make([]byte, size)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("failed to derive %s: %v", diversifier, err)
	}
	return k, nil
}

// LoadPublicKey reads the PEM encoded release verification key at path.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	k, err := sigverify.ParsePublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%q: %v", path, err)
	}
	return k, nil
}

// LoadPrivateKey reads the PEM encoded release signing key at path.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(b)
}

// ParsePrivateKey parses a PEM encoded RSA private key in PKCS#1 or PKCS#8
// form.
func ParsePrivateKey(b []byte) (*rsa.PrivateKey, error) {
	blk, _ := pem.Decode(b)
	if blk == nil {
		return nil, errors.New("no PEM block found")
	}
	switch blk.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(blk.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, not RSA", k)
		}
		return priv, nil
	}
	return nil, fmt.Errorf("unsupported PEM block type %q", blk.Type)
}

// GenerateSigningKey creates a new RSA release signing key of the given size
// and returns it PEM encoded, along with its public half.
func GenerateSigningKey(bits int) (priv, pub []byte, err error) {
	if bits < sigverify.MinKeyBits {
		return nil, nil, fmt.Errorf("refusing to generate %d bit key, need at least %d", bits, sigverify.MinKeyBits)
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	pkix, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	priv = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
	pub = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix})
	return priv, pub, nil
}

// Random returns n bytes from crypto/rand, hex encoded.
func Random(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
