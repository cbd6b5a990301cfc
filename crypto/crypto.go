// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package crypto implements the session-keying primitives of the peer
// channel: X25519 key agreement with a SubjectPublicKeyInfo wire envelope,
// and AES-256-GCM sealing with a nonce-prefixed wire token.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/sage-x-project/m2m/internal/m2merr"
)

// KeyPair is an ephemeral X25519 key agreement pair.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair produces a fresh X25519 key agreement pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, m2merr.Crypto("failed to generate X25519 keypair", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ExportPublic encodes pub as SubjectPublicKeyInfo DER, base64 (standard
// padding). This exact envelope is the wire form required for
// interoperability — both ends of a handshake must produce and parse it
// identically.
func ExportPublic(pub *ecdh.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", m2merr.Crypto("failed to marshal public key", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportPublic parses a base64 SPKI-encoded X25519 public key as produced
// by ExportPublic.
func ImportPublic(encoded string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, m2merr.Crypto("failed to decode public key", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, m2merr.Crypto("failed to parse public key", err)
	}
	ecdhPub, ok := pub.(*ecdh.PublicKey)
	if !ok || ecdhPub.Curve() != ecdh.X25519() {
		return nil, m2merr.Crypto("public key is not X25519", nil)
	}
	return ecdhPub, nil
}

// Derive computes the 32-byte shared secret for priv and a peer's X25519
// public key (as returned by ImportPublic). The result is used directly as the AES-256-GCM
// key — no KDF is applied, per the wire contract.
func Derive(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, m2merr.Crypto("ECDH failed", err)
	}
	return secret, nil
}

const (
	nonceSize = 12
	tagSize   = 16
	minToken  = nonceSize + tagSize
)

// Seal encrypts plaintext under key (32 bytes) with a fresh random nonce
// and returns base64(nonce‖tag‖ciphertext).
func Seal(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", m2merr.Crypto("failed to init AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", m2merr.Crypto("failed to init GCM", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", m2merr.Crypto("failed to generate nonce", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	token := append(nonce, sealed...)
	return base64.StdEncoding.EncodeToString(token), nil
}

// Open decrypts a token produced by Seal. It returns an error wrapping
// m2merr.ErrDecryptionFailed on any failure — malformed base64, short
// token, or authentication failure — without leaking partial plaintext.
// Malformed and short tokens are labelled as such in the error text; an
// authentication failure carries no detail beyond the sentinel.
func Open(key []byte, token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed token", m2merr.ErrDecryptionFailed)
	}
	if len(raw) < minToken {
		return nil, fmt.Errorf("%w: token too short", m2merr.ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", m2merr.ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", m2merr.ErrDecryptionFailed, err)
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w", m2merr.ErrDecryptionFailed)
	}
	return plaintext, nil
}
