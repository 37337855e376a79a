// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package path

import (
	"time"

	"github.com/veilnet/veil/core/crypto"
	"github.com/veilnet/veil/core/records"
)

// Logic runs a function on the single-threaded logic executor.  Everything
// that mutates path state runs there, so observers see one serial order.
type Logic interface {
	CallSafe(fn func())
}

// WorkerPool runs CPU-bound work on a parallel executor.
type WorkerPool interface {
	Submit(fn func())
}

// KeyExchange drives the asynchronous per-hop key exchange for one path
// build.  Hops are processed strictly sequentially: each worker task
// enqueues the next, so no two hops of the same path ever run
// concurrently, and per-build memory stays bounded to one in-flight hop.
// The completion callback fires exactly once, on the logic executor.
type KeyExchange struct {
	path   *Path
	logic  Logic
	worker WorkerPool

	msg *records.CommitMessage
	idx int

	done func(*KeyExchange, error)
}

// NewKeyExchange prepares a key exchange for p.  done receives either a
// nil error and a fully populated commit message, or a *BuildError.
func NewKeyExchange(p *Path, logic Logic, worker WorkerPool, done func(*KeyExchange, error)) *KeyExchange {
	return &KeyExchange{
		path:   p,
		logic:  logic,
		worker: worker,
		done:   done,
	}
}

// Path returns the path under construction.
func (kx *KeyExchange) Path() *Path { return kx.path }

// Message returns the commit message.  Frames for real hops are populated
// as the exchange progresses; the rest stay random padding.
func (kx *KeyExchange) Message() *records.CommitMessage { return kx.msg }

// Start begins the exchange.  All frames are randomized up front so the
// positions beyond the real hop count are indistinguishable from
// ciphertext.
func (kx *KeyExchange) Start() {
	kx.path.buildStarted = time.Now()
	kx.msg = records.NewCommitMessage()
	kx.worker.Submit(kx.generateNextKey)
}

func (kx *KeyExchange) fail(kind BuildErrorKind, err error) {
	kx.logic.CallSafe(func() {
		kx.done(kx, &BuildError{Kind: kind, Err: err})
	})
}

// generateNextKey runs on the worker pool and processes exactly one hop.
func (kx *KeyExchange) generateNextKey() {
	if kx.path.Status() != StatusBuilding {
		// The path was abandoned; drop the continuation.
		return
	}
	hop := kx.path.hops[kx.idx]

	sec, pub, err := crypto.GenerateEncryptionKeypair()
	if err != nil {
		kx.fail(BuildCrypto, err)
		return
	}
	hop.CommSec = sec
	hop.CommPub = pub.Bytes()
	hop.Nonce.Randomize()

	// The path id is minted at the first hop and shared down the rest so
	// frames stay routable at every relay.
	if kx.idx == 0 {
		hop.PathID.Randomize()
	} else {
		hop.PathID = kx.path.hops[0].PathID
	}

	shared, err := crypto.DHClient(hop.RC.EncKey, sec, &hop.Nonce)
	if err != nil {
		kx.fail(BuildCrypto, err)
		return
	}
	hop.Shared = *shared

	if kx.idx+1 < len(kx.path.hops) {
		hop.Upstream = kx.path.hops[kx.idx+1].RC.Identity
	} else {
		// The terminus names itself, marking the end of the path.
		hop.Upstream = hop.RC.Identity
	}

	frame := kx.msg.Frames[kx.idx]
	frame.SetNonce(&hop.Nonce)
	frame.SetCounter(0)

	record := &records.CommitRecord{
		CommitKey: hop.CommPub,
		EncKey:    hop.RC.EncKey,
		Lifetime:  uint64(kx.path.lifetime / time.Millisecond),
		Nonce:     hop.Nonce[:],
		PathID:    hop.PathID.Bytes(),
		NextHop:   hop.Upstream.Bytes(),
		Version:   records.Version,
	}
	if err := frame.EncryptCommitRecord(record, shared); err != nil {
		kx.fail(BuildReject, err)
		return
	}

	kx.idx++
	if kx.idx < len(kx.path.hops) {
		kx.worker.Submit(kx.generateNextKey)
	} else {
		kx.logic.CallSafe(func() {
			kx.done(kx, nil)
		})
	}
}
