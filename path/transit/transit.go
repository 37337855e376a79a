// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transit maintains relay-side forwarding state: one TransitHop per
// (pathID, upstream, downstream) triple, stored in a concurrent table and
// consulted on every forwarded frame.
package transit

import (
	"fmt"
	"sync"
	"time"

	"github.com/veilnet/veil/core/crypto"
	"github.com/veilnet/veil/core/records"
)

// DefaultLifetime is the standard transit hop lifetime.  The path context
// grants the lifetime a commit requests, bounded by its own configured path
// lifetime, and grants that configured lifetime when the commit requests
// none; it does not read this constant.
const DefaultLifetime = 10 * time.Minute

// Sender hands a serialized message to the transport, addressed to a
// directly connected router.  Delivery is best-effort.
type Sender interface {
	SendTo(id *crypto.RouterID, b []byte) error
}

// HopInfo is the identifying triple of a transit hop.
type HopInfo struct {
	PathID     crypto.PathID
	Upstream   crypto.RouterID
	Downstream crypto.RouterID
}

// Equal reports whether two infos name the same transit hop.
func (i *HopInfo) Equal(o *HopInfo) bool {
	return i.PathID == o.PathID && i.Upstream == o.Upstream && i.Downstream == o.Downstream
}

func (i *HopInfo) String() string {
	return fmt.Sprintf("<transit id=%v upstream=%v downstream=%v>", i.PathID, i.Upstream, i.Downstream)
}

// Hop is the relay-side forwarding state for one path.
type Hop struct {
	Info HopInfo

	// PathKey is the secret shared with the path initiator.
	PathKey crypto.SharedSecret

	Started  time.Time
	Lifetime time.Duration
	Version  uint64
}

// Expired reports whether the hop's lifetime is exhausted at now.
func (h *Hop) Expired(now time.Time) bool {
	return now.Sub(h.Started) > h.Lifetime
}

func (h *Hop) forward(d *records.DataMessage, to *crypto.RouterID, s Sender) error {
	nonce := d.Frame.Nonce()
	crypto.StreamXOR(d.Frame.Body(), &h.PathKey, nonce, d.Frame.Counter())
	d.PathID = h.Info.PathID.Bytes()
	blob, err := records.WrapMessage(records.KindData, d)
	if err != nil {
		return err
	}
	return s.SendTo(to, blob)
}

// ForwardUpstream applies this hop's cipher layer and relays the frame
// toward the path terminus.
func (h *Hop) ForwardUpstream(d *records.DataMessage, s Sender) error {
	return h.forward(d, &h.Info.Upstream, s)
}

// ForwardDownstream applies this hop's cipher layer and relays the frame
// toward the path initiator.
func (h *Hop) ForwardDownstream(d *records.DataMessage, s Sender) error {
	return h.forward(d, &h.Info.Downstream, s)
}

// Deliver strips this hop's cipher layer from a frame that terminated
// here and returns the recovered payload.  Only meaningful on a terminus
// hop, where every other layer has already been removed in transit.
func (h *Hop) Deliver(d *records.DataMessage) ([]byte, error) {
	nonce := d.Frame.Nonce()
	crypto.StreamXOR(d.Frame.Body(), &h.PathKey, nonce, d.Frame.Counter())
	return records.GetPayload(d.Frame.Body())
}

// OriginateDownstream emits a fresh frame carrying payload toward the path
// initiator, applying this hop's cipher layer.  Each relay on the way adds
// its own layer; the initiator peels all of them.
func (h *Hop) OriginateDownstream(payload []byte, s Sender) error {
	frame := records.NewFrame()
	nonce := new(crypto.TunnelNonce)
	nonce.Randomize()
	frame.SetNonce(nonce)
	frame.SetCounter(0)
	if err := records.PutPayload(frame.Body(), payload); err != nil {
		return err
	}
	d := &records.DataMessage{
		PathID:  h.Info.PathID.Bytes(),
		Frame:   frame,
		Version: records.Version,
	}
	return h.ForwardDownstream(d, s)
}

// Table is the concurrent transit hop store.  A single mutex guards the
// map; critical sections are bounded to map mutation and copy-out, never
// crypto or I/O.
type Table struct {
	sync.Mutex

	hops map[crypto.PathID][]*Hop
}

// NewTable creates an empty transit table.
func NewTable() *Table {
	return &Table{
		hops: make(map[crypto.PathID][]*Hop),
	}
}

// Put inserts a hop.  Inserting a hop whose info triple is already present
// is a no-op.
func (t *Table) Put(h *Hop) {
	t.Lock()
	defer t.Unlock()

	for _, existing := range t.hops[h.Info.PathID] {
		if existing.Info.Equal(&h.Info) {
			return
		}
	}
	t.hops[h.Info.PathID] = append(t.hops[h.Info.PathID], h)
}

// Lookup returns the hops registered under id.  The returned slice is a
// copy and safe to use after the call.
func (t *Table) Lookup(id *crypto.PathID) []*Hop {
	t.Lock()
	defer t.Unlock()

	matches := t.hops[*id]
	if len(matches) == 0 {
		return nil
	}
	out := make([]*Hop, len(matches))
	copy(out, matches)
	return out
}

// Has reports whether a hop with the exact info triple is present.
func (t *Table) Has(info *HopInfo) bool {
	t.Lock()
	defer t.Unlock()

	for _, h := range t.hops[info.PathID] {
		if h.Info.Equal(info) {
			return true
		}
	}
	return false
}

// Expire removes every hop whose lifetime is exhausted at now and returns
// the number removed.
func (t *Table) Expire(now time.Time) int {
	t.Lock()
	defer t.Unlock()

	removed := 0
	for id, hops := range t.hops {
		kept := hops[:0]
		for _, h := range hops {
			if h.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(t.hops, id)
		} else {
			t.hops[id] = kept
		}
	}
	return removed
}

// Len returns the number of stored hops.
func (t *Table) Len() int {
	t.Lock()
	defer t.Unlock()

	n := 0
	for _, hops := range t.hops {
		n += len(hops)
	}
	return n
}
