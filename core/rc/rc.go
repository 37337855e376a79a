// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package rc defines the router contact, the self-contained description of
// a relay that path builds consume: its identity and long-term encryption
// key, plus an optional dialable address.
package rc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilnet/veil/core/crypto"
)

// RouterContact describes a single relay.
type RouterContact struct {
	// Identity is the relay's signing identity.
	Identity crypto.RouterID `cbor:"i"`

	// EncKey is the relay's long-term X25519 encryption key.
	EncKey []byte `cbor:"e"`

	// Addr is an optional dialable transport address.
	Addr string `cbor:"a,omitempty"`

	// Version is the contact format version.
	Version uint64 `cbor:"v"`
}

// Validate checks field sizes.
func (r *RouterContact) Validate() error {
	if len(r.EncKey) != crypto.PublicKeySize {
		return fmt.Errorf("rc: enc key size %d", len(r.EncKey))
	}
	return nil
}

// Encode serializes the contact.
func (r *RouterContact) Encode() ([]byte, error) {
	return cbor.Marshal(r)
}

// Decode deserializes and validates the contact.
func (r *RouterContact) Decode(b []byte) error {
	if _, err := cbor.UnmarshalFirst(b, r); err != nil {
		return fmt.Errorf("rc: malformed contact: %v", err)
	}
	return r.Validate()
}

// Store looks router contacts up by identity.  The discovery and gossip
// machinery that populates it lives elsewhere.
type Store interface {
	LookupRC(id *crypto.RouterID) (*RouterContact, error)
}
