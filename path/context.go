// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package path

import (
	"crypto/subtle"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilnet/veil/core/crypto"
	"github.com/veilnet/veil/core/log"
	"github.com/veilnet/veil/core/records"
	"github.com/veilnet/veil/internal/instrument"
	"github.com/veilnet/veil/path/transit"
)

// ContextConfig carries the collaborators and policy of a Context.
type ContextConfig struct {
	// Identity is the local router's identity.
	Identity crypto.RouterID

	// SigningKey is the local identity key, used to sign acks.
	SigningKey sign.PrivateKey

	// EncryptionKey is the local long-term encryption key; EncryptionPub
	// is its serialized public half, matched against commit records.
	EncryptionKey nike.PrivateKey
	EncryptionPub []byte

	// Logic is the single-threaded logic executor.
	Logic Logic

	// Sender is the outbound transport.
	Sender Sender

	// LogBackend supplies the context's logger.
	LogBackend *log.Backend

	// AllowTransit is the initial transit policy.
	AllowTransit bool

	// PathLifetime bounds owned path and granted transit lifetimes.
	// Zero selects DefaultLifetime.
	PathLifetime time.Duration

	// AckTimeout is the build ack deadline.  Zero selects
	// DefaultAckTimeout.
	AckTimeout time.Duration

	// OnPathData delivers plaintext arriving on an owned path.
	OnPathData func(p *Path, payload []byte)

	// OnEndpointData delivers plaintext arriving at a terminus hop.
	OnEndpointData func(info *transit.HopInfo, payload []byte)
}

func (cfg *ContextConfig) validate() error {
	switch {
	case cfg.SigningKey == nil:
		return errors.New("path: config: SigningKey is not set")
	case cfg.EncryptionKey == nil:
		return errors.New("path: config: EncryptionKey is not set")
	case len(cfg.EncryptionPub) != crypto.PublicKeySize:
		return errors.New("path: config: EncryptionPub is malformed")
	case cfg.Logic == nil:
		return errors.New("path: config: Logic is not set")
	case cfg.Sender == nil:
		return errors.New("path: config: Sender is not set")
	case cfg.LogBackend == nil:
		return errors.New("path: config: LogBackend is not set")
	}
	return nil
}

// Context owns the router's path state: the paths this router built, and
// the transit hops it forwards for.  Owned path mutations are serialised
// on the logic executor; the transit table is internally synchronised.
type Context struct {
	cfg *ContextConfig
	log *logging.Logger

	ownMu sync.Mutex
	own   map[crypto.PathID]*Path

	transit *transit.Table

	allowTransit atomic.Bool

	lifetime   time.Duration
	ackTimeout time.Duration
}

// NewContext creates a Context.
func NewContext(cfg *ContextConfig) (*Context, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Context{
		cfg:        cfg,
		log:        cfg.LogBackend.GetLogger("path"),
		own:        make(map[crypto.PathID]*Path),
		transit:    transit.NewTable(),
		lifetime:   cfg.PathLifetime,
		ackTimeout: cfg.AckTimeout,
	}
	if c.lifetime <= 0 {
		c.lifetime = DefaultLifetime
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = DefaultAckTimeout
	}
	c.allowTransit.Store(cfg.AllowTransit)
	return c, nil
}

// AllowTransit enables accepting transit commits.
func (c *Context) AllowTransit() { c.allowTransit.Store(true) }

// RejectTransit disables accepting transit commits.
func (c *Context) RejectTransit() { c.allowTransit.Store(false) }

// AllowingTransit reports the current transit policy.
func (c *Context) AllowingTransit() bool { return c.allowTransit.Load() }

// HopIsUs reports whether k names the local router.
func (c *Context) HopIsUs(k *crypto.RouterID) bool {
	return *k == c.cfg.Identity
}

// PathLifetime returns the configured path lifetime.
func (c *Context) PathLifetime() time.Duration { return c.lifetime }

// TransitTable returns the relay-side forwarding table.
func (c *Context) TransitTable() *transit.Table { return c.transit }

// HasTransitHop reports whether the exact transit triple is installed.
func (c *Context) HasTransitHop(info *transit.HopInfo) bool {
	return c.transit.Has(info)
}

// PutTransitHop installs relay-side forwarding state.
func (c *Context) PutTransitHop(h *transit.Hop) {
	c.transit.Put(h)
	instrument.TransitHopInstalled()
}

// OwnedPath returns the owned path registered under id, or nil.
func (c *Context) OwnedPath(id *crypto.PathID) *Path {
	c.ownMu.Lock()
	defer c.ownMu.Unlock()
	return c.own[*id]
}

// AddOwnPath registers a freshly built path and arms its ack deadline.
// Called on the logic executor after the key exchange completes.
func (c *Context) AddOwnPath(p *Path) {
	pid := p.PathID()
	c.ownMu.Lock()
	c.own[pid] = p
	c.ownMu.Unlock()

	time.AfterFunc(c.ackTimeout, func() {
		c.cfg.Logic.CallSafe(func() {
			if p.Status() != StatusBuilding {
				return
			}
			p.setStatus(StatusTimeout)
			c.log.Noticef("path %v: build timed out", pid)
			instrument.BuildFailure(BuildTimeout.String())
			p.notifyResult(&BuildError{Kind: BuildTimeout})
		})
	})
}

// HandleRelayCommit processes an inbound commit message.  Runs on the
// logic executor.  Errors are for local accounting only; a commit that is
// not honoured is never answered.
func (c *Context) HandleRelayCommit(from *crypto.RouterID, msg *records.CommitMessage) error {
	for idx := range msg.Frames {
		rec, shared, err := msg.Frames[idx].DecryptCommitRecord(c.cfg.EncryptionKey)
		if err != nil {
			continue
		}
		return c.handleCommitRecord(from, msg, idx, rec, shared)
	}
	c.log.Debugf("commit from %v: no frame addressed to us", from)
	instrument.FrameDropped("unaddressed")
	return ErrUnknownPath
}

func (c *Context) handleCommitRecord(from *crypto.RouterID, msg *records.CommitMessage, idx int, rec *records.CommitRecord, shared *crypto.SharedSecret) error {
	if subtle.ConstantTimeCompare(rec.EncKey, c.cfg.EncryptionPub) != 1 {
		c.log.Warningf("commit from %v: enc key echo mismatch", from)
		instrument.FrameDropped("bad-commit")
		return records.ErrCodec
	}

	var pid crypto.PathID
	copy(pid[:], rec.PathID)
	var next crypto.RouterID
	copy(next[:], rec.NextHop)
	var nonce crypto.TunnelNonce
	copy(nonce[:], rec.Nonce)

	terminus := c.HopIsUs(&next)
	if !terminus && !c.AllowingTransit() && c.OwnedPath(&pid) == nil {
		c.log.Debugf("commit %v from %v: transit not allowed", pid, from)
		instrument.FrameDropped("policy")
		return ErrPolicyDenied
	}

	lifetime := time.Duration(rec.Lifetime) * time.Millisecond
	if lifetime <= 0 || lifetime > c.lifetime {
		lifetime = c.lifetime
	}

	hop := &transit.Hop{
		Info: transit.HopInfo{
			PathID:     pid,
			Upstream:   next,
			Downstream: *from,
		},
		PathKey:  *shared,
		Started:  time.Now(),
		Lifetime: lifetime,
		Version:  rec.Version,
	}
	c.PutTransitHop(hop)

	if terminus {
		c.log.Debugf("commit %v from %v: we are the terminus, acking", pid, from)
		return c.sendAck(&pid, &nonce, from)
	}

	// Wipe our frame before relaying so the next hop sees only padding at
	// our index.
	msg.Frames[idx].Randomize()
	blob, err := records.WrapMessage(records.KindCommit, msg)
	if err != nil {
		return err
	}
	c.log.Debugf("commit %v from %v: relaying to %v", pid, from, next)
	return c.cfg.Sender.SendTo(&next, blob)
}

func (c *Context) sendAck(pid *crypto.PathID, nonce *crypto.TunnelNonce, to *crypto.RouterID) error {
	ack := &records.AckMessage{
		PathID:  pid.Bytes(),
		Nonce:   nonce[:],
		Version: records.Version,
	}
	ack.Signature = crypto.Sign(c.cfg.SigningKey, ack.SigningBytes())
	blob, err := records.WrapMessage(records.KindAck, ack)
	if err != nil {
		return err
	}
	return c.cfg.Sender.SendTo(to, blob)
}

// HandleRelayAck processes an inbound ack.  Runs on the logic executor.
func (c *Context) HandleRelayAck(from *crypto.RouterID, ack *records.AckMessage) error {
	var pid crypto.PathID
	copy(pid[:], ack.PathID)

	if p := c.OwnedPath(&pid); p != nil {
		far := p.hops[len(p.hops)-1]
		if subtle.ConstantTimeCompare(ack.Nonce, far.Nonce[:]) != 1 {
			c.log.Warningf("ack %v: nonce does not match farthest hop", pid)
			instrument.FrameDropped("bad-ack")
			return records.ErrCodec
		}
		if !crypto.Verify(&far.RC.Identity, ack.Signature, ack.SigningBytes()) {
			c.log.Warningf("ack %v: signature verification failed", pid)
			instrument.FrameDropped("bad-ack")
			return records.ErrCodec
		}
		if p.setStatus(StatusEstablished) {
			c.log.Infof("path %v established", pid)
			instrument.PathBuilt()
			p.notifyResult(nil)
		}
		instrument.AckHandled()
		return nil
	}

	for _, h := range c.transit.Lookup(&pid) {
		if h.Info.Upstream != *from {
			continue
		}
		blob, err := records.WrapMessage(records.KindAck, ack)
		if err != nil {
			return err
		}
		instrument.AckHandled()
		c.log.Debugf("ack %v: propagating downstream to %v", pid, h.Info.Downstream)
		return c.cfg.Sender.SendTo(&h.Info.Downstream, blob)
	}

	instrument.FrameDropped("unknown-path")
	return ErrUnknownPath
}

// HandleDataMessage processes an inbound data frame: initiator receive on
// an owned path, local delivery at a terminus, or one-layer transit
// forwarding.  Safe to call from transport goroutines.
func (c *Context) HandleDataMessage(from *crypto.RouterID, d *records.DataMessage) error {
	var pid crypto.PathID
	copy(pid[:], d.PathID)

	if p := c.OwnedPath(&pid); p != nil {
		payload, err := p.DecryptAndRecv(d)
		if err != nil {
			instrument.FrameDropped("expired")
			return err
		}
		if c.cfg.OnPathData != nil {
			c.cfg.OnPathData(p, payload)
		}
		return nil
	}

	now := time.Now()
	for _, h := range c.transit.Lookup(&pid) {
		if h.Expired(now) {
			continue
		}
		switch *from {
		case h.Info.Downstream:
			if c.HopIsUs(&h.Info.Upstream) {
				payload, err := h.Deliver(d)
				if err != nil {
					instrument.FrameDropped("bad-frame")
					return err
				}
				if c.cfg.OnEndpointData != nil {
					c.cfg.OnEndpointData(&h.Info, payload)
				}
				return nil
			}
			instrument.FrameForwarded("upstream")
			return h.ForwardUpstream(d, c.cfg.Sender)
		case h.Info.Upstream:
			instrument.FrameForwarded("downstream")
			return h.ForwardDownstream(d, c.cfg.Sender)
		}
	}

	// Unknown path ids are dropped without a reply so probes learn
	// nothing.
	c.log.Debugf("data %v from %v: unknown path", pid, from)
	instrument.FrameDropped("unknown-path")
	return ErrUnknownPath
}

// ExpirePaths sweeps owned paths and the transit table.  Runs on the
// logic executor from the router's periodic tick.
func (c *Context) ExpirePaths(now time.Time) {
	c.ownMu.Lock()
	for pid, p := range c.own {
		wasTerminal := p.Status().terminal()
		if p.Expired(now) && p.setStatus(StatusExpired) {
			c.log.Debugf("path %v expired", pid)
			instrument.StateExpired("path", 1)
		}
		// Terminal paths linger for one sweep so late callers still
		// observe the terminal status, then drop out of the table.
		if wasTerminal {
			delete(c.own, pid)
		}
	}
	c.ownMu.Unlock()

	if n := c.transit.Expire(now); n > 0 {
		c.log.Debugf("expired %d transit hops", n)
		instrument.StateExpired("transit", n)
	}
}
