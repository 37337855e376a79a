// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package rc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilnet/veil/core/crypto"
)

func TestRouterContactRoundTrip(t *testing.T) {
	require := require.New(t)

	_, id, err := crypto.GenerateSigningKeypair()
	require.NoError(err)
	_, encPub, err := crypto.GenerateEncryptionKeypair()
	require.NoError(err)

	contact := &RouterContact{
		Identity: *id,
		EncKey:   encPub.Bytes(),
		Addr:     "tcp://203.0.113.1:3219",
	}
	blob, err := contact.Encode()
	require.NoError(err)

	got := new(RouterContact)
	require.NoError(got.Decode(blob))
	require.Equal(contact, got)
}

func TestRouterContactValidate(t *testing.T) {
	require := require.New(t)

	contact := &RouterContact{EncKey: make([]byte, 7)}
	require.Error(contact.Validate())

	blob, err := (&RouterContact{EncKey: make([]byte, crypto.PublicKeySize)}).Encode()
	require.NoError(err)
	require.NoError(new(RouterContact).Decode(blob))

	require.Error(new(RouterContact).Decode([]byte{0xff, 0x00}))
}
