// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package router glues the path subsystem together: it owns the logic
// executor, the crypto worker pool, the path context, the periodic expiry
// tick, and the message dispatch from the transport.
package router

import (
	"errors"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilnet/veil/core/crypto"
	"github.com/veilnet/veil/core/log"
	"github.com/veilnet/veil/core/rc"
	"github.com/veilnet/veil/core/records"
	"github.com/veilnet/veil/internal/instrument"
	"github.com/veilnet/veil/path"
	"github.com/veilnet/veil/path/transit"
	"github.com/veilnet/veil/router/config"
)

// Transport hands serialized messages to directly connected routers.
// Delivery is best-effort, unordered and unreliable at this layer.
type Transport interface {
	SendTo(id *crypto.RouterID, b []byte) error
}

var errNoTransport = errors.New("router: no transport attached")

// Router is a single veil router instance.
type Router struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	logic *Logic
	pool  *Pool

	pathCtx  *path.Context
	contacts rc.Store

	identity crypto.RouterID
	idSec    sign.PrivateKey
	encSec   nike.PrivateKey
	encPub   []byte

	transportMu sync.RWMutex
	transport   Transport

	tickHaltCh chan struct{}
	tickDoneCh chan struct{}
	haltOnce   sync.Once
}

// Options carries the optional collaborator overrides for New.
type Options struct {
	// Transport connects the router to its peers.  It may also be
	// attached later with SetTransport.
	Transport Transport

	// Contacts is the router contact store.
	Contacts rc.Store

	// OnPathData delivers plaintext arriving on an owned path.
	OnPathData func(p *path.Path, payload []byte)

	// OnEndpointData delivers plaintext arriving at a local terminus.
	OnEndpointData func(info *transit.HopInfo, payload []byte)
}

// New constructs a router from the validated configuration, generating
// fresh identity and encryption keys.
func New(cfg *config.Config, opts *Options) (*Router, error) {
	if opts == nil {
		opts = &Options{}
	}

	logBackend, err := log.New(&log.Config{
		Disable: cfg.Logging.Disable,
		File:    cfg.Logging.File,
		Level:   cfg.Logging.Level,
	})
	if err != nil {
		return nil, err
	}

	r := &Router{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("router"),
		contacts:   opts.Contacts,
		transport:  opts.Transport,
		tickHaltCh: make(chan struct{}),
		tickDoneCh: make(chan struct{}),
	}

	r.idSec, r.identity, err = newIdentity()
	if err != nil {
		return nil, err
	}
	r.encSec, r.encPub, err = newEncryptionKey()
	if err != nil {
		return nil, err
	}

	r.logic = NewLogic(logBackend)
	r.pool = NewPool(cfg.Debug.NumCryptoWorkers)

	r.pathCtx, err = path.NewContext(&path.ContextConfig{
		Identity:       r.identity,
		SigningKey:     r.idSec,
		EncryptionKey:  r.encSec,
		EncryptionPub:  r.encPub,
		Logic:          r.logic,
		Sender:         r,
		LogBackend:     logBackend,
		AllowTransit:   cfg.Router.AllowTransit,
		PathLifetime:   time.Duration(cfg.Path.LifetimeMs) * time.Millisecond,
		AckTimeout:     time.Duration(cfg.Path.AckTimeoutMs) * time.Millisecond,
		OnPathData:     opts.OnPathData,
		OnEndpointData: opts.OnEndpointData,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Debug.MetricsAddress != "" {
		instrument.Init(cfg.Debug.MetricsAddress)
	}

	go r.tickWorker()
	r.log.Noticef("router %v: %v is up", cfg.Router.Identifier, r.identity)
	return r, nil
}

func newIdentity() (sign.PrivateKey, crypto.RouterID, error) {
	sec, id, err := crypto.GenerateSigningKeypair()
	if err != nil {
		return nil, crypto.RouterID{}, err
	}
	return sec, *id, nil
}

func newEncryptionKey() (nike.PrivateKey, []byte, error) {
	sec, pub, err := crypto.GenerateEncryptionKeypair()
	if err != nil {
		return nil, nil, err
	}
	return sec, pub.Bytes(), nil
}

// Identity returns the router's identity.
func (r *Router) Identity() crypto.RouterID { return r.identity }

// Contact returns the router's own contact, suitable for handing to path
// builders on other routers.
func (r *Router) Contact() *rc.RouterContact {
	return &rc.RouterContact{
		Identity: r.identity,
		EncKey:   append([]byte(nil), r.encPub...),
		Version:  records.Version,
	}
}

// PathContext returns the router's path context.
func (r *Router) PathContext() *path.Context { return r.pathCtx }

// Logic returns the router's logic executor.
func (r *Router) Logic() *Logic { return r.logic }

// LookupRC resolves a router contact via the attached store.
func (r *Router) LookupRC(id *crypto.RouterID) (*rc.RouterContact, error) {
	if r.contacts == nil {
		return nil, errors.New("router: no contact store attached")
	}
	return r.contacts.LookupRC(id)
}

// SetTransport attaches the transport.  Messages sent while no transport
// is attached fail.
func (r *Router) SetTransport(t Transport) {
	r.transportMu.Lock()
	defer r.transportMu.Unlock()
	r.transport = t
}

// SendTo implements the Sender consumed by the path subsystem.
func (r *Router) SendTo(id *crypto.RouterID, b []byte) error {
	r.transportMu.RLock()
	t := r.transport
	r.transportMu.RUnlock()
	if t == nil {
		return errNoTransport
	}
	return t.SendTo(id, b)
}

// BuildPath builds a path through the given hops.  onResult fires exactly
// once on the logic executor, with a nil error once the farthest hop acks
// or with a *path.BuildError.
func (r *Router) BuildPath(hops []*rc.RouterContact, onResult func(*path.Path, error)) (*path.Path, error) {
	return r.pathCtx.BuildPath(hops, r.pool, onResult)
}

// OnMessage dispatches a serialized message received from the transport.
// Commit and ack handling is marshalled onto the logic executor; data
// frames forward inline on the calling goroutine.
func (r *Router) OnMessage(from *crypto.RouterID, b []byte) {
	sender := *from

	var e records.Envelope
	if err := e.Decode(b); err != nil {
		r.log.Debugf("message from %v: %v", sender, err)
		return
	}

	switch records.Kind(e.Kind) {
	case records.KindCommit:
		msg := new(records.CommitMessage)
		if err := msg.Decode(e.Body); err != nil {
			r.log.Debugf("commit from %v: %v", sender, err)
			return
		}
		r.logic.CallSafe(func() {
			if err := r.pathCtx.HandleRelayCommit(&sender, msg); err != nil {
				r.log.Debugf("commit from %v dropped: %v", sender, err)
			}
		})
	case records.KindAck:
		ack := new(records.AckMessage)
		if err := ack.Decode(e.Body); err != nil {
			r.log.Debugf("ack from %v: %v", sender, err)
			return
		}
		r.logic.CallSafe(func() {
			if err := r.pathCtx.HandleRelayAck(&sender, ack); err != nil {
				r.log.Debugf("ack from %v dropped: %v", sender, err)
			}
		})
	case records.KindData:
		d := new(records.DataMessage)
		if err := d.Decode(e.Body); err != nil {
			r.log.Debugf("data from %v: %v", sender, err)
			return
		}
		if err := r.pathCtx.HandleDataMessage(&sender, d); err != nil {
			r.log.Debugf("data from %v dropped: %v", sender, err)
		}
	}
}

// tickWorker drives the periodic expiry sweep on the logic executor.
func (r *Router) tickWorker() {
	defer close(r.tickDoneCh)

	interval := time.Duration(r.cfg.Debug.TickIntervalMs) * time.Millisecond
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.tickHaltCh:
			r.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
			r.logic.CallSafe(func() {
				r.pathCtx.ExpirePaths(time.Now())
			})
		}
	}
}

// Shutdown halts the router: the tick first, then the worker pool, then
// the logic executor.
func (r *Router) Shutdown() {
	r.haltOnce.Do(func() {
		r.log.Noticef("Shutting down.")
		close(r.tickHaltCh)
		<-r.tickDoneCh
		r.pool.Halt()
		r.logic.Halt()
	})
}
