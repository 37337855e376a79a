// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package path

import (
	"errors"

	"github.com/veilnet/veil/core/rc"
	"github.com/veilnet/veil/core/records"
	"github.com/veilnet/veil/internal/instrument"
)

// BuildPath assembles a path through hops and starts its asynchronous key
// exchange on worker.  onResult fires exactly once on the logic executor:
// with a nil error once the farthest hop acks, or with a *BuildError.
func (c *Context) BuildPath(hops []*rc.RouterContact, worker WorkerPool, onResult func(*Path, error)) (*Path, error) {
	p, err := NewPath(hops, c.lifetime, onResult)
	if err != nil {
		return nil, err
	}
	kx := NewKeyExchange(p, c.cfg.Logic, worker, c.onBuildDone)
	kx.Start()
	return p, nil
}

// onBuildDone receives the key exchange result on the logic executor and
// hands the commit message to the first hop.
func (c *Context) onBuildDone(kx *KeyExchange, err error) {
	p := kx.Path()
	if err != nil {
		kind := BuildReject
		var be *BuildError
		if errors.As(err, &be) {
			kind = be.Kind
		}
		c.log.Warningf("path build failed: %v", err)
		instrument.BuildFailure(kind.String())
		p.notifyResult(err)
		return
	}

	blob, err := records.WrapMessage(records.KindCommit, kx.Message())
	if err != nil {
		c.log.Warningf("path build failed: commit encode: %v", err)
		instrument.BuildFailure(BuildReject.String())
		p.notifyResult(&BuildError{Kind: BuildReject, Err: err})
		return
	}

	c.AddOwnPath(p)
	first := p.FirstHop()
	if err := c.cfg.Sender.SendTo(&first, blob); err != nil {
		// Transport is best-effort; a lost commit is caught by the ack
		// deadline.
		c.log.Warningf("path %v: commit send failed: %v", p.PathID(), err)
	}
}
