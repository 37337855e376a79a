// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the cryptographic primitives used by the path
// subsystem: X25519 key agreement, XChaCha20 frame ciphers, ed25519 ack
// signatures and randomness.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// RouterIDSize is the size of a router identity in bytes.
	RouterIDSize = 32

	// PathIDSize is the size of a path identifier in bytes.
	PathIDSize = 16

	// NonceSize is the size of a tunnel nonce in bytes.
	NonceSize = 24

	// SharedSecretSize is the size of a derived shared secret in bytes.
	SharedSecretSize = 32

	// PublicKeySize is the size of a serialized X25519 public key in bytes.
	PublicKeySize = 32

	// SignatureSize is the size of an ack signature in bytes.
	SignatureSize = 64

	kdfInfo = "veil-path-kdf-v0"
)

var (
	nikeScheme = x25519.Scheme(rand.Reader)
	signScheme = eddsa.Scheme()

	// ErrInvalidKeySize is returned when a serialized key has a bogus length.
	ErrInvalidKeySize = errors.New("crypto: invalid key size")
)

// RouterID is the public identity of a router, an ed25519 public key.
type RouterID [RouterIDSize]byte

// Bytes returns the raw identity.
func (r *RouterID) Bytes() []byte { return r[:] }

// FromBytes deserializes b into the RouterID.
func (r *RouterID) FromBytes(b []byte) error {
	if len(b) != RouterIDSize {
		return ErrInvalidKeySize
	}
	copy(r[:], b)
	return nil
}

// String returns an abbreviated hexadecimal representation, suitable for
// logging.
func (r RouterID) String() string {
	return hex.EncodeToString(r[:8])
}

// PathID identifies a path on the hop between one (upstream, downstream)
// router pair.
type PathID [PathIDSize]byte

// Randomize replaces the PathID with fresh random bytes.
func (p *PathID) Randomize() { Rand(p[:]) }

// Bytes returns the raw path id.
func (p *PathID) Bytes() []byte { return p[:] }

// String returns the hexadecimal representation.
func (p PathID) String() string {
	return hex.EncodeToString(p[:])
}

// TunnelNonce is a per-hop nonce, fixed for the lifetime of a path and
// extended with a per-frame counter before use.
type TunnelNonce [NonceSize]byte

// Randomize replaces the nonce with fresh random bytes.
func (n *TunnelNonce) Randomize() { Rand(n[:]) }

// SharedSecret is the symmetric key shared between the path initiator and
// one hop.
type SharedSecret [SharedSecretSize]byte

// Rand fills dst with uniform random bytes.
func Rand(dst []byte) {
	if _, err := io.ReadFull(rand.Reader, dst); err != nil {
		// rand.Reader is documented to never fail.
		panic(err)
	}
}

// GenerateEncryptionKeypair generates a fresh X25519 keypair.
func GenerateEncryptionKeypair() (nike.PrivateKey, nike.PublicKey, error) {
	pub, priv, err := nikeScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func deriveSecret(theirPub []byte, mySec nike.PrivateKey, nonce *TunnelNonce) (*SharedSecret, error) {
	pub, err := nikeScheme.UnmarshalBinaryPublicKey(theirPub)
	if err != nil {
		return nil, err
	}
	raw := nikeScheme.DeriveSecret(mySec, pub)
	r := hkdf.New(sha256.New, raw, nonce[:], []byte(kdfInfo))
	s := new(SharedSecret)
	if _, err := io.ReadFull(r, s[:]); err != nil {
		return nil, err
	}
	return s, nil
}

// DHClient computes the shared secret between an ephemeral commit key and a
// hop's long-term encryption key, on the initiator side.
func DHClient(theirPub []byte, mySec nike.PrivateKey, nonce *TunnelNonce) (*SharedSecret, error) {
	return deriveSecret(theirPub, mySec, nonce)
}

// DHServer computes the shared secret on the hop side.  DHClient and
// DHServer on symmetric inputs derive the same secret.
func DHServer(theirPub []byte, mySec nike.PrivateKey, nonce *TunnelNonce) (*SharedSecret, error) {
	return deriveSecret(theirPub, mySec, nonce)
}

// frameNonce extends the tunnel nonce with a per-frame counter so each
// (key, nonce) pair is used at most once for the path's lifetime.
func frameNonce(nonce *TunnelNonce, counter uint64) []byte {
	n := make([]byte, NonceSize)
	copy(n, nonce[:])
	var c [8]byte
	binary.BigEndian.PutUint64(c[:], counter)
	for i := 0; i < 8; i++ {
		n[NonceSize-8+i] ^= c[i]
	}
	return n
}

// SealFrame encrypts and authenticates plaintext with XChaCha20-Poly1305,
// appending the result to dst.
func SealFrame(dst, plaintext []byte, key *SharedSecret, nonce *TunnelNonce, counter uint64) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(dst, frameNonce(nonce, counter), plaintext, nil), nil
}

// OpenFrame authenticates and decrypts ciphertext produced by SealFrame,
// appending the plaintext to dst.
func OpenFrame(dst, ciphertext []byte, key *SharedSecret, nonce *TunnelNonce, counter uint64) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(dst, frameNonce(nonce, counter), ciphertext, nil)
}

// AEADOverhead is the per-seal ciphertext expansion of SealFrame.
const AEADOverhead = chacha20poly1305.Overhead

// StreamXOR applies one XChaCha20 keystream layer to buf in place.  Layering
// is an involution: applying the same (key, nonce, counter) twice restores
// the input.
func StreamXOR(buf []byte, key *SharedSecret, nonce *TunnelNonce, counter uint64) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], frameNonce(nonce, counter))
	if err != nil {
		// Key and nonce sizes are fixed by the type system.
		panic(err)
	}
	c.XORKeyStream(buf, buf)
}

// GenerateSigningKeypair generates a fresh ed25519 identity keypair.  The
// RouterID is the serialized public key.
func GenerateSigningKeypair() (sign.PrivateKey, *RouterID, error) {
	pub, priv, err := signScheme.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	id := new(RouterID)
	if err := id.FromBytes(pub.(*eddsa.PublicKey).Bytes()); err != nil {
		return nil, nil, err
	}
	return priv, id, nil
}

// Sign signs msg with the router's identity key.
func Sign(priv sign.PrivateKey, msg []byte) []byte {
	return priv.Scheme().Sign(priv, msg, nil)
}

// Verify checks an ack signature against the signer's RouterID.
func Verify(signer *RouterID, sig, msg []byte) bool {
	pub := new(eddsa.PublicKey)
	if err := pub.FromBytes(signer.Bytes()); err != nil {
		return false
	}
	return pub.Verify(sig, msg)
}
