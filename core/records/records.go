// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package records implements the wire records exchanged during path
// construction and transit forwarding: the per-hop commit record, the
// commit message envelope, the hop ack, and the encrypted data frame.
//
// Records are encoded as CBOR maps.  The single-letter keys are part of
// the wire protocol and must be preserved byte-for-byte.
package records

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/nike"

	"github.com/veilnet/veil/core/crypto"
)

const (
	// Version is the wire protocol version.
	Version = 0

	// MaxHops is the fixed number of frames in a commit message.  Paths
	// with fewer hops carry random padding frames.
	MaxHops = 8

	// FrameSize is the size of an encrypted frame on the wire.
	FrameSize = 256

	frameNonceOff   = 0
	frameCounterOff = crypto.NonceSize
	frameBodyOff    = crypto.NonceSize + 8

	// FrameBodySize is the size of a frame's body region.
	FrameBodySize = FrameSize - frameBodyOff

	// commit frame body layout: [commkey 32][sealed record 192]
	commitKeyOff = 0
	commitCTOff  = crypto.PublicKeySize

	// CommitPlaintextSize is the fixed plaintext size of a sealed commit
	// record.  Shorter encodings are random-padded up to it.
	CommitPlaintextSize = FrameBodySize - crypto.PublicKeySize - crypto.AEADOverhead
)

var (
	// ErrCodec is the base codec failure; all decode errors wrap it.
	ErrCodec = errors.New("records: malformed record")

	// ErrRecordTooLarge is returned when an encoded record does not fit
	// the fixed frame geometry.
	ErrRecordTooLarge = errors.New("records: record exceeds frame body")

	errFrameAuth = errors.New("records: frame failed to authenticate")
)

// Frame is a fixed-size encrypted frame.  Layout:
//
//	[nonce 24][counter 8][body 224]
//
// The nonce and counter header is cleartext; the counter extends the nonce
// so a (key, nonce) pair is never reused within a path's lifetime.
type Frame []byte

// NewFrame allocates a zeroed frame.
func NewFrame() Frame {
	return make(Frame, FrameSize)
}

// Randomize overwrites the entire frame with random bytes, making it
// indistinguishable from ciphertext.
func (f Frame) Randomize() { crypto.Rand(f) }

// Nonce copies out the frame's tunnel nonce header.
func (f Frame) Nonce() *crypto.TunnelNonce {
	n := new(crypto.TunnelNonce)
	copy(n[:], f[frameNonceOff:frameNonceOff+crypto.NonceSize])
	return n
}

// SetNonce sets the frame's tunnel nonce header.
func (f Frame) SetNonce(n *crypto.TunnelNonce) {
	copy(f[frameNonceOff:], n[:])
}

// Counter returns the frame counter header.
func (f Frame) Counter() uint64 {
	return uint64(f[frameCounterOff])<<56 | uint64(f[frameCounterOff+1])<<48 |
		uint64(f[frameCounterOff+2])<<40 | uint64(f[frameCounterOff+3])<<32 |
		uint64(f[frameCounterOff+4])<<24 | uint64(f[frameCounterOff+5])<<16 |
		uint64(f[frameCounterOff+6])<<8 | uint64(f[frameCounterOff+7])
}

// SetCounter sets the frame counter header.
func (f Frame) SetCounter(c uint64) {
	for i := 7; i >= 0; i-- {
		f[frameCounterOff+i] = byte(c)
		c >>= 8
	}
}

// Body returns the frame's body region.
func (f Frame) Body() []byte { return f[frameBodyOff:] }

// CommitKey returns the cleartext ephemeral commit key region of a commit
// frame's body.
func (f Frame) CommitKey() []byte {
	return f.Body()[commitKeyOff : commitKeyOff+crypto.PublicKeySize]
}

// Validate checks the frame length.
func (f Frame) Validate() error {
	if len(f) != FrameSize {
		return fmt.Errorf("%w: frame length %d", ErrCodec, len(f))
	}
	return nil
}

// MaxPayloadSize is the largest payload a data frame body can carry after
// the two-byte length prefix.
const MaxPayloadSize = FrameBodySize - 2

// PutPayload writes a length-prefixed payload into a frame body and fills
// the remainder with random padding, so the frame length reveals nothing.
func PutPayload(body, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrRecordTooLarge
	}
	body[0] = byte(len(payload) >> 8)
	body[1] = byte(len(payload))
	copy(body[2:], payload)
	crypto.Rand(body[2+len(payload):])
	return nil
}

// GetPayload extracts a length-prefixed payload from a frame body.
func GetPayload(body []byte) ([]byte, error) {
	n := int(body[0])<<8 | int(body[1])
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d", ErrCodec, n)
	}
	return body[2 : 2+n], nil
}

// CommitRecord is the cleartext-to-one-hop contents of a commit frame.
type CommitRecord struct {
	// CommitKey is the initiator's ephemeral public key for this hop.
	CommitKey []byte `cbor:"c"`

	// EncKey echoes the hop's long-term encryption key for validation.
	EncKey []byte `cbor:"e"`

	// Lifetime is the requested transit lifetime in milliseconds.
	Lifetime uint64 `cbor:"l"`

	// Nonce is the hop's tunnel nonce.
	Nonce []byte `cbor:"n"`

	// PathID is the path identifier on this hop.
	PathID []byte `cbor:"p"`

	// NextHop names the next router, or the hop's own identity at the
	// terminus.
	NextHop []byte `cbor:"u"`

	// Version is the wire protocol version.
	Version uint64 `cbor:"v"`

	// NextRC optionally carries the next hop's serialized router contact.
	NextRC []byte `cbor:"r,omitempty"`
}

// Validate checks the record's field sizes and version.
func (r *CommitRecord) Validate() error {
	switch {
	case len(r.CommitKey) != crypto.PublicKeySize:
		return fmt.Errorf("%w: commit key size %d", ErrCodec, len(r.CommitKey))
	case len(r.EncKey) != crypto.PublicKeySize:
		return fmt.Errorf("%w: enc key size %d", ErrCodec, len(r.EncKey))
	case len(r.Nonce) != crypto.NonceSize:
		return fmt.Errorf("%w: nonce size %d", ErrCodec, len(r.Nonce))
	case len(r.PathID) != crypto.PathIDSize:
		return fmt.Errorf("%w: path id size %d", ErrCodec, len(r.PathID))
	case len(r.NextHop) != crypto.RouterIDSize:
		return fmt.Errorf("%w: next hop size %d", ErrCodec, len(r.NextHop))
	case r.Version != Version:
		return fmt.Errorf("%w: version %d", ErrCodec, r.Version)
	}
	return nil
}

// EncryptCommitRecord encodes rec, pads it to the fixed plaintext size and
// seals it into the frame body under shared.  The ephemeral commit key is
// written in the clear so the addressed hop can derive shared itself; the
// frame's nonce header must already hold the hop's tunnel nonce.
func (f Frame) EncryptCommitRecord(rec *CommitRecord, shared *crypto.SharedSecret) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	if len(blob) > CommitPlaintextSize {
		return ErrRecordTooLarge
	}
	plaintext := make([]byte, CommitPlaintextSize)
	copy(plaintext, blob)
	crypto.Rand(plaintext[len(blob):])

	copy(f.CommitKey(), rec.CommitKey)
	ct, err := crypto.SealFrame(nil, plaintext, shared, f.Nonce(), f.Counter())
	if err != nil {
		return err
	}
	copy(f.Body()[commitCTOff:], ct)
	return nil
}

// DecryptCommitRecord attempts to open the frame as a commit addressed to
// the holder of encSec.  On success it returns the inner record and the
// derived path key.  A frame not addressed to us fails authentication and
// returns an error; random padding frames are indistinguishable from that
// case.
func (f Frame) DecryptCommitRecord(encSec nike.PrivateKey) (*CommitRecord, *crypto.SharedSecret, error) {
	shared, err := crypto.DHServer(f.CommitKey(), encSec, f.Nonce())
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := crypto.OpenFrame(nil, f.Body()[commitCTOff:], shared, f.Nonce(), f.Counter())
	if err != nil {
		return nil, nil, errFrameAuth
	}
	rec := new(CommitRecord)
	if _, err := cbor.UnmarshalFirst(plaintext, rec); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, nil, err
	}
	return rec, shared, nil
}

// CommitMessage is the transport envelope for a path build: an ordered,
// fixed-count list of encrypted frames, one per potential hop.
type CommitMessage struct {
	Frames []Frame `cbor:"f"`

	Version uint64 `cbor:"v"`
}

// NewCommitMessage returns a commit message with all frames randomized.
func NewCommitMessage() *CommitMessage {
	m := &CommitMessage{
		Frames:  make([]Frame, MaxHops),
		Version: Version,
	}
	for i := range m.Frames {
		m.Frames[i] = NewFrame()
		m.Frames[i].Randomize()
	}
	return m
}

// Encode serializes the message.
func (m *CommitMessage) Encode() ([]byte, error) {
	if len(m.Frames) != MaxHops {
		return nil, fmt.Errorf("%w: %d frames", ErrCodec, len(m.Frames))
	}
	return cbor.Marshal(m)
}

// Decode deserializes and validates the message.
func (m *CommitMessage) Decode(b []byte) error {
	if _, err := cbor.UnmarshalFirst(b, m); err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if len(m.Frames) != MaxHops {
		return fmt.Errorf("%w: %d frames", ErrCodec, len(m.Frames))
	}
	if m.Version != Version {
		return fmt.Errorf("%w: version %d", ErrCodec, m.Version)
	}
	for _, f := range m.Frames {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// AckMessage is the per-hop acknowledgment that propagates back toward the
// path initiator.
type AckMessage struct {
	PathID []byte `cbor:"p"`

	Nonce []byte `cbor:"n"`

	// Signature is the acking hop's identity signature over SigningBytes.
	Signature []byte `cbor:"z"`

	Version uint64 `cbor:"v"`
}

// SigningBytes returns the byte string covered by the ack signature.
func (a *AckMessage) SigningBytes() []byte {
	b := make([]byte, 0, len(a.PathID)+len(a.Nonce)+1)
	b = append(b, a.PathID...)
	b = append(b, a.Nonce...)
	b = append(b, byte(a.Version))
	return b
}

// Encode serializes the message.
func (a *AckMessage) Encode() ([]byte, error) {
	return cbor.Marshal(a)
}

// Decode deserializes and validates the message.
func (a *AckMessage) Decode(b []byte) error {
	if _, err := cbor.UnmarshalFirst(b, a); err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}
	switch {
	case len(a.PathID) != crypto.PathIDSize:
		return fmt.Errorf("%w: path id size %d", ErrCodec, len(a.PathID))
	case len(a.Nonce) != crypto.NonceSize:
		return fmt.Errorf("%w: nonce size %d", ErrCodec, len(a.Nonce))
	case len(a.Signature) != crypto.SignatureSize:
		return fmt.Errorf("%w: signature size %d", ErrCodec, len(a.Signature))
	case a.Version != Version:
		return fmt.Errorf("%w: version %d", ErrCodec, a.Version)
	}
	return nil
}

// DataMessage carries one layered data frame along a path.
type DataMessage struct {
	PathID []byte `cbor:"p"`

	Frame Frame `cbor:"x"`

	Version uint64 `cbor:"v"`
}

// Encode serializes the message.
func (d *DataMessage) Encode() ([]byte, error) {
	if err := d.Frame.Validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(d)
}

// Decode deserializes and validates the message.
func (d *DataMessage) Decode(b []byte) error {
	if _, err := cbor.UnmarshalFirst(b, d); err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if len(d.PathID) != crypto.PathIDSize {
		return fmt.Errorf("%w: path id size %d", ErrCodec, len(d.PathID))
	}
	if d.Version != Version {
		return fmt.Errorf("%w: version %d", ErrCodec, d.Version)
	}
	return d.Frame.Validate()
}
