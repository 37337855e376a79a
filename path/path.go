// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package path implements the initiator side of the path subsystem: the
// per-hop build configuration, the asynchronous key exchange pipeline, the
// path context that owns local and transit state, and the layered frame
// forwarding engine.
package path

import (
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/nike"

	"github.com/veilnet/veil/core/crypto"
	"github.com/veilnet/veil/core/rc"
	"github.com/veilnet/veil/core/records"
)

const (
	// MaxHops is the maximum number of hops in a path.
	MaxHops = records.MaxHops

	// DefaultLifetime is the default path lifetime.
	DefaultLifetime = 10 * time.Minute

	// DefaultAckTimeout is the default build ack deadline.
	DefaultAckTimeout = 30 * time.Second

	// MaxPayloadSize is the largest payload EncryptAndSend accepts.
	MaxPayloadSize = records.MaxPayloadSize
)

// Status is the lifecycle state of an owned path.
type Status uint32

const (
	// StatusBuilding is the initial state, entered when the build starts.
	StatusBuilding Status = iota

	// StatusEstablished is entered on the farthest hop's ack.
	StatusEstablished

	// StatusTimeout is entered when the ack deadline passes first.
	// Terminal.
	StatusTimeout

	// StatusExpired is entered when the path outlives its lifetime.
	// Terminal.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusBuilding:
		return "building"
	case StatusEstablished:
		return "established"
	case StatusTimeout:
		return "timeout"
	case StatusExpired:
		return "expired"
	default:
		return "invalid"
	}
}

func (s Status) terminal() bool {
	return s == StatusTimeout || s == StatusExpired
}

// Sender hands a serialized message to the transport, addressed to a
// directly connected router.
type Sender interface {
	SendTo(id *crypto.RouterID, b []byte) error
}

// HopConfig is the initiator-side configuration of a single hop.
type HopConfig struct {
	// PathID identifies the path; all hops of one path share it.
	PathID crypto.PathID

	// RC is the hop's router contact.
	RC *rc.RouterContact

	// CommSec is the ephemeral commit secret generated for this hop's key
	// exchange; CommPub is its serialized public half.
	CommSec nike.PrivateKey
	CommPub []byte

	// Shared is the secret agreed with this hop.
	Shared crypto.SharedSecret

	// Upstream is the next hop's identity, or this hop's own identity at
	// the terminus.
	Upstream crypto.RouterID

	// Nonce is this hop's tunnel nonce.
	Nonce crypto.TunnelNonce
}

// IsTerminus reports whether the hop is configured as the path's last hop.
func (h *HopConfig) IsTerminus() bool {
	return h.Upstream == h.RC.Identity
}

// Path is an owned circuit built by the local router.  After registration
// with a Context, status transitions are serialised on the logic executor;
// Status may be read from any goroutine.
type Path struct {
	hops []*HopConfig

	buildStarted time.Time
	lifetime     time.Duration

	status atomic.Uint32

	// dataNonce is the per-path nonce used for layered frame encryption,
	// extended per frame by counter.
	dataNonce crypto.TunnelNonce
	counter   atomic.Uint64

	// onResult fires exactly once on the logic executor: nil on
	// establishment, a *BuildError otherwise.
	onResult func(*Path, error)
	notified bool
}

// NewPath assembles an unbuilt path from an ordered hop contact list.
func NewPath(hops []*rc.RouterContact, lifetime time.Duration, onResult func(*Path, error)) (*Path, error) {
	if len(hops) == 0 {
		return nil, ErrNoHops
	}
	if len(hops) > MaxHops {
		return nil, ErrTooManyHops
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	p := &Path{
		hops:     make([]*HopConfig, 0, len(hops)),
		lifetime: lifetime,
		onResult: onResult,
	}
	for _, contact := range hops {
		p.hops = append(p.hops, &HopConfig{RC: contact})
	}
	p.dataNonce.Randomize()
	return p, nil
}

// Status returns the current lifecycle state.
func (p *Path) Status() Status {
	return Status(p.status.Load())
}

// setStatus advances the path state.  Transitions are monotonic and the
// terminal states are sticky; a regressing transition is ignored.
func (p *Path) setStatus(s Status) bool {
	for {
		cur := Status(p.status.Load())
		if cur.terminal() || s <= cur {
			return false
		}
		if p.status.CompareAndSwap(uint32(cur), uint32(s)) {
			return true
		}
	}
}

// PathID returns the path identifier shared by every hop.
func (p *Path) PathID() crypto.PathID {
	return p.hops[0].PathID
}

// FirstHop returns the identity of the first relay, the destination for
// every frame the initiator emits.
func (p *Path) FirstHop() crypto.RouterID {
	return p.hops[0].RC.Identity
}

// Terminus returns the identity of the last relay.
func (p *Path) Terminus() crypto.RouterID {
	return p.hops[len(p.hops)-1].RC.Identity
}

// Hops returns the number of hops.
func (p *Path) Hops() int { return len(p.hops) }

// BuildStarted returns the time the build began.
func (p *Path) BuildStarted() time.Time { return p.buildStarted }

// Expired reports whether the path outlived its lifetime at now.
func (p *Path) Expired(now time.Time) bool {
	return now.Sub(p.buildStarted) > p.lifetime
}

// EncryptAndSend layers encryption for every hop, farthest first, and hands
// the frame to the first relay.  The payload is length-prefixed and padded
// to the fixed frame size before encryption.
func (p *Path) EncryptAndSend(payload []byte, s Sender) error {
	switch st := p.Status(); {
	case st == StatusBuilding:
		return ErrNotEstablished
	case st.terminal():
		return ErrExpired
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	frame := records.NewFrame()
	frame.SetNonce(&p.dataNonce)
	ctr := p.counter.Add(1)
	frame.SetCounter(ctr)

	body := frame.Body()
	if err := records.PutPayload(body, payload); err != nil {
		return ErrPayloadTooLarge
	}

	for i := len(p.hops) - 1; i >= 0; i-- {
		crypto.StreamXOR(body, &p.hops[i].Shared, &p.dataNonce, ctr)
	}

	pathID := p.PathID()
	msg := &records.DataMessage{
		PathID:  pathID.Bytes(),
		Frame:   frame,
		Version: records.Version,
	}
	blob, err := records.WrapMessage(records.KindData, msg)
	if err != nil {
		return err
	}
	first := p.FirstHop()
	return s.SendTo(&first, blob)
}

// DecryptAndRecv peels one layer per hop, nearest first, and returns the
// recovered payload.
func (p *Path) DecryptAndRecv(d *records.DataMessage) ([]byte, error) {
	if p.Status().terminal() {
		return nil, ErrExpired
	}
	nonce := d.Frame.Nonce()
	ctr := d.Frame.Counter()
	body := d.Frame.Body()
	for i := 0; i < len(p.hops); i++ {
		crypto.StreamXOR(body, &p.hops[i].Shared, nonce, ctr)
	}
	return records.GetPayload(body)
}

// notifyResult fires the completion callback.  Must run on the logic
// executor.
func (p *Path) notifyResult(err error) {
	if p.notified || p.onResult == nil {
		p.notified = true
		return
	}
	p.notified = true
	p.onResult(p, err)
}
