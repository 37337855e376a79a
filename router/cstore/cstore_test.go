// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package cstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilnet/veil/core/crypto"
	"github.com/veilnet/veil/core/rc"
)

func testContact(t *testing.T) *rc.RouterContact {
	require := require.New(t)
	_, id, err := crypto.GenerateSigningKeypair()
	require.NoError(err)
	_, encPub, err := crypto.GenerateEncryptionKeypair()
	require.NoError(err)
	return &rc.RouterContact{
		Identity: *id,
		EncKey:   encPub.Bytes(),
		Addr:     "tcp://127.0.0.1:3219",
	}
}

func TestStoreRoundTrip(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "contacts.db")
	s, err := New(f)
	require.NoError(err)
	defer s.Close()

	contact := testContact(t)
	require.NoError(s.Put(contact))

	got, err := s.LookupRC(&contact.Identity)
	require.NoError(err)
	require.Equal(contact, got)

	other := testContact(t)
	_, err = s.LookupRC(&other.Identity)
	require.ErrorIs(err, ErrNoContact)
}

func TestStorePersists(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "contacts.db")
	s, err := New(f)
	require.NoError(err)

	a := testContact(t)
	b := testContact(t)
	require.NoError(s.Put(a))
	require.NoError(s.Put(b))
	require.NoError(s.Close())

	s, err = New(f)
	require.NoError(err)
	defer s.Close()

	all, err := s.All()
	require.NoError(err)
	require.Len(all, 2)

	got, err := s.LookupRC(&a.Identity)
	require.NoError(err)
	require.Equal(a, got)
}

func TestStoreRejectsMalformed(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "contacts.db")
	s, err := New(f)
	require.NoError(err)
	defer s.Close()

	contact := testContact(t)
	contact.EncKey = contact.EncKey[:5]
	require.Error(s.Put(contact))
}
