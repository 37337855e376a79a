// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"fmt"
	"sync"

	"github.com/veilnet/veil/core/crypto"
)

// MemNetwork is an in-process message fabric connecting routers directly,
// used by the self-test mode and the integration tests.  Delivery is
// synchronous and lossless unless a drop filter says otherwise.
type MemNetwork struct {
	sync.RWMutex

	peers map[crypto.RouterID]*Router

	// drop, when non-nil, is consulted before delivery; returning true
	// discards the message.
	drop func(from, to *crypto.RouterID, b []byte) bool
}

// NewMemNetwork creates an empty fabric.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		peers: make(map[crypto.RouterID]*Router),
	}
}

// Attach registers r on the fabric and wires it up as r's transport.
func (n *MemNetwork) Attach(r *Router) {
	n.Lock()
	n.peers[r.Identity()] = r
	n.Unlock()
	r.SetTransport(&memLink{net: n, from: r.Identity()})
}

// SetDropFilter installs a delivery filter.  A nil filter restores
// lossless delivery.
func (n *MemNetwork) SetDropFilter(fn func(from, to *crypto.RouterID, b []byte) bool) {
	n.Lock()
	n.drop = fn
	n.Unlock()
}

func (n *MemNetwork) deliver(from, to *crypto.RouterID, b []byte) error {
	n.RLock()
	peer := n.peers[*to]
	drop := n.drop
	n.RUnlock()

	if peer == nil {
		return fmt.Errorf("memnetwork: no peer %v", to)
	}
	if drop != nil && drop(from, to, b) {
		return nil
	}
	peer.OnMessage(from, b)
	return nil
}

// memLink binds a sending router's identity to the fabric.
type memLink struct {
	net  *MemNetwork
	from crypto.RouterID
}

func (l *memLink) SendTo(id *crypto.RouterID, b []byte) error {
	return l.net.deliver(&l.from, id, b)
}
