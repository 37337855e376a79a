// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package records

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilnet/veil/core/crypto"
)

func testCommitRecord(t *testing.T) (*CommitRecord, *crypto.TunnelNonce) {
	require := require.New(t)

	_, commPub, err := crypto.GenerateEncryptionKeypair()
	require.NoError(err)
	_, encPub, err := crypto.GenerateEncryptionKeypair()
	require.NoError(err)

	nonce := new(crypto.TunnelNonce)
	nonce.Randomize()
	pathID := new(crypto.PathID)
	pathID.Randomize()
	nextHop := make([]byte, crypto.RouterIDSize)
	crypto.Rand(nextHop)

	return &CommitRecord{
		CommitKey: commPub.Bytes(),
		EncKey:    encPub.Bytes(),
		Lifetime:  600000,
		Nonce:     nonce[:],
		PathID:    pathID.Bytes(),
		NextHop:   nextHop,
		Version:   Version,
	}, nonce
}

func TestCommitRecordRoundTrip(t *testing.T) {
	require := require.New(t)

	rec, nonce := testCommitRecord(t)

	hopSec, hopPub, err := crypto.GenerateEncryptionKeypair()
	require.NoError(err)
	rec.EncKey = hopPub.Bytes()

	commSec, commPub, err := crypto.GenerateEncryptionKeypair()
	require.NoError(err)
	rec.CommitKey = commPub.Bytes()

	shared, err := crypto.DHClient(hopPub.Bytes(), commSec, nonce)
	require.NoError(err)

	frame := NewFrame()
	frame.Randomize()
	frame.SetNonce(nonce)
	frame.SetCounter(0)
	require.NoError(frame.EncryptCommitRecord(rec, shared))

	got, gotShared, err := frame.DecryptCommitRecord(hopSec)
	require.NoError(err)
	require.Equal(rec, got)
	require.Equal(shared, gotShared)
}

func TestCommitRecordWrongRecipient(t *testing.T) {
	require := require.New(t)

	rec, nonce := testCommitRecord(t)

	_, hopPub, err := crypto.GenerateEncryptionKeypair()
	require.NoError(err)
	commSec, _, err := crypto.GenerateEncryptionKeypair()
	require.NoError(err)
	shared, err := crypto.DHClient(hopPub.Bytes(), commSec, nonce)
	require.NoError(err)

	frame := NewFrame()
	frame.SetNonce(nonce)
	require.NoError(frame.EncryptCommitRecord(rec, shared))

	otherSec, _, err := crypto.GenerateEncryptionKeypair()
	require.NoError(err)
	_, _, err = frame.DecryptCommitRecord(otherSec)
	require.Error(err, "frame opened for the wrong recipient")
}

func TestCommitRecordOversized(t *testing.T) {
	require := require.New(t)

	rec, nonce := testCommitRecord(t)
	rec.NextRC = make([]byte, FrameSize)

	shared := new(crypto.SharedSecret)
	crypto.Rand(shared[:])

	frame := NewFrame()
	frame.SetNonce(nonce)
	require.ErrorIs(frame.EncryptCommitRecord(rec, shared), ErrRecordTooLarge)
}

func TestCommitMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	m := NewCommitMessage()
	blob, err := m.Encode()
	require.NoError(err)

	var got CommitMessage
	require.NoError(got.Decode(blob))
	require.Len(got.Frames, MaxHops)
	for i := range got.Frames {
		require.True(bytes.Equal(m.Frames[i], got.Frames[i]))
	}
}

func TestCommitMessageBadFrameCount(t *testing.T) {
	require := require.New(t)

	m := NewCommitMessage()
	m.Frames = m.Frames[:MaxHops-1]
	_, err := m.Encode()
	require.ErrorIs(err, ErrCodec)
}

func TestAckMessageRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	priv, id, err := crypto.GenerateSigningKeypair()
	require.NoError(err)

	pathID := new(crypto.PathID)
	pathID.Randomize()
	nonce := new(crypto.TunnelNonce)
	nonce.Randomize()

	a := &AckMessage{
		PathID:  pathID.Bytes(),
		Nonce:   nonce[:],
		Version: Version,
	}
	a.Signature = crypto.Sign(priv, a.SigningBytes())

	blob, err := a.Encode()
	require.NoError(err)

	var got AckMessage
	require.NoError(got.Decode(blob))
	require.Equal(a, &got)
	assert.True(crypto.Verify(id, got.Signature, got.SigningBytes()))
}

func TestDataMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	pathID := new(crypto.PathID)
	pathID.Randomize()
	frame := NewFrame()
	frame.Randomize()

	d := &DataMessage{PathID: pathID.Bytes(), Frame: frame, Version: Version}
	blob, err := d.Encode()
	require.NoError(err)

	var got DataMessage
	require.NoError(got.Decode(blob))
	require.Equal(d, &got)
}

func TestFrameHeaderAccessors(t *testing.T) {
	require := require.New(t)

	f := NewFrame()
	nonce := new(crypto.TunnelNonce)
	nonce.Randomize()
	f.SetNonce(nonce)
	f.SetCounter(0xdeadbeefcafe)

	require.Equal(nonce, f.Nonce())
	require.Equal(uint64(0xdeadbeefcafe), f.Counter())
	require.Len(f.Body(), FrameBodySize)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	require := require.New(t)

	m := NewCommitMessage()
	blob, err := WrapMessage(KindCommit, m)
	require.NoError(err)

	var e Envelope
	require.NoError(e.Decode(blob))
	require.Equal(uint8(KindCommit), e.Kind)

	var got CommitMessage
	require.NoError(got.Decode(e.Body))
	require.Len(got.Frames, MaxHops)
}

func TestEnvelopeBadKind(t *testing.T) {
	require := require.New(t)

	blob, err := WrapMessage(Kind(9), NewCommitMessage())
	require.NoError(err)

	var e Envelope
	require.ErrorIs(e.Decode(blob), ErrCodec)
}
