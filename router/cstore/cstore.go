// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package cstore provides the persistent router contact cache.  Contacts
// learned from discovery survive restarts so path builds can start before
// the gossip layer warms up.
package cstore

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/veilnet/veil/core/crypto"
	"github.com/veilnet/veil/core/rc"
)

const contactsBucket = "contacts"

// ErrNoContact is returned when the identity is not in the store.
var ErrNoContact = errors.New("cstore: no such contact")

// Store is a bolt-backed contact cache.  It implements rc.Store.
type Store struct {
	db *bolt.DB
}

// New opens (creating as needed) the contact store at f.
func New(f string) (*Store, error) {
	const fileMode = 0600

	db, err := bolt.Open(f, fileMode, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(contactsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Put inserts or replaces a contact.
func (s *Store) Put(contact *rc.RouterContact) error {
	if err := contact.Validate(); err != nil {
		return err
	}
	blob, err := contact.Encode()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(contactsBucket))
		return bkt.Put(contact.Identity.Bytes(), blob)
	})
}

// LookupRC returns the contact stored under id.
func (s *Store) LookupRC(id *crypto.RouterID) (*rc.RouterContact, error) {
	contact := new(rc.RouterContact)
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(contactsBucket))
		blob := bkt.Get(id.Bytes())
		if blob == nil {
			return ErrNoContact
		}
		return contact.Decode(blob)
	})
	if err != nil {
		return nil, err
	}
	return contact, nil
}

// All returns every stored contact.
func (s *Store) All() ([]*rc.RouterContact, error) {
	var out []*rc.RouterContact
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(contactsBucket))
		return bkt.ForEach(func(k, v []byte) error {
			contact := new(rc.RouterContact)
			if err := contact.Decode(v); err != nil {
				return fmt.Errorf("cstore: corrupted contact %x: %v", k, err)
			}
			out = append(out, contact)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
