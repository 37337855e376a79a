// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilnet/veil/core/crypto"
	"github.com/veilnet/veil/core/rc"
	"github.com/veilnet/veil/core/records"
	"github.com/veilnet/veil/path"
	"github.com/veilnet/veil/path/transit"
	"github.com/veilnet/veil/router/config"
)

const testTimeout = 5 * time.Second

func testConfig(t *testing.T, identifier string, allowTransit bool) *config.Config {
	cfg := &config.Config{
		Router: &config.Router{
			Identifier:   identifier,
			DataDir:      t.TempDir(),
			AllowTransit: allowTransit,
		},
		Path: &config.Path{
			AckTimeoutMs: 500,
		},
		Logging: &config.Logging{
			Disable: true,
			Level:   "DEBUG",
		},
		Debug: &config.Debug{
			NumCryptoWorkers: 2,
			TickIntervalMs:   50,
		},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

type testMesh struct {
	net       *MemNetwork
	relays    []*Router
	initiator *Router

	pathData chan []byte
	endpoint chan []byte
}

func newTestMesh(t *testing.T, nrRelays int, relayTransit func(i int) bool) *testMesh {
	require := require.New(t)

	m := &testMesh{
		net:      NewMemNetwork(),
		pathData: make(chan []byte, 8),
		endpoint: make(chan []byte, 8),
	}

	for i := 0; i < nrRelays; i++ {
		allow := true
		if relayTransit != nil {
			allow = relayTransit(i)
		}
		r, err := New(testConfig(t, "relay", allow), &Options{
			OnEndpointData: func(_ *transit.HopInfo, payload []byte) {
				m.endpoint <- append([]byte(nil), payload...)
			},
		})
		require.NoError(err)
		t.Cleanup(r.Shutdown)
		m.net.Attach(r)
		m.relays = append(m.relays, r)
	}

	initiator, err := New(testConfig(t, "initiator", false), &Options{
		OnPathData: func(_ *path.Path, payload []byte) {
			m.pathData <- append([]byte(nil), payload...)
		},
	})
	require.NoError(err)
	t.Cleanup(initiator.Shutdown)
	m.net.Attach(initiator)
	m.initiator = initiator
	return m
}

func (m *testMesh) contacts() []*rc.RouterContact {
	out := make([]*rc.RouterContact, 0, len(m.relays))
	for _, r := range m.relays {
		out = append(out, r.Contact())
	}
	return out
}

func (m *testMesh) build(t *testing.T) (*path.Path, error) {
	require := require.New(t)

	done := make(chan error, 1)
	p, err := m.initiator.BuildPath(m.contacts(), func(_ *path.Path, err error) {
		done <- err
	})
	require.NoError(err)

	select {
	case err := <-done:
		return p, err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for build completion")
		return nil, nil
	}
}

// TestThreeHopHappyPath is the full happy path: build through three
// relays, verify the transit state, and round-trip a payload.
func TestThreeHopHappyPath(t *testing.T) {
	require := require.New(t)

	m := newTestMesh(t, 3, nil)
	p, err := m.build(t)
	require.NoError(err)
	require.Equal(path.StatusEstablished, p.Status())

	// Every relay holds exactly one transit hop.
	pid := p.PathID()
	for _, r := range m.relays {
		require.Equal(1, r.PathContext().TransitTable().Len())
		require.Len(r.PathContext().TransitTable().Lookup(&pid), 1)
	}

	// Hop locality: each relay knows only its direct neighbours, and the
	// terminus names itself upstream.
	r1, r2, r3 := m.relays[0], m.relays[1], m.relays[2]
	h1 := r1.PathContext().TransitTable().Lookup(&pid)[0]
	h2 := r2.PathContext().TransitTable().Lookup(&pid)[0]
	h3 := r3.PathContext().TransitTable().Lookup(&pid)[0]
	require.Equal(m.initiator.Identity(), h1.Info.Downstream)
	require.Equal(r2.Identity(), h1.Info.Upstream)
	require.Equal(r1.Identity(), h2.Info.Downstream)
	require.Equal(r3.Identity(), h2.Info.Upstream)
	require.Equal(r2.Identity(), h3.Info.Downstream)
	require.Equal(r3.Identity(), h3.Info.Upstream, "terminus must name itself")

	// 100 bytes reach the terminus endpoint unchanged.
	payload := make([]byte, 100)
	crypto.Rand(payload)
	require.NoError(p.EncryptAndSend(payload, m.initiator))
	select {
	case got := <-m.endpoint:
		require.True(bytes.Equal(payload, got))
	case <-time.After(testTimeout):
		t.Fatal("payload did not reach the terminus")
	}

	// And back down.
	require.NoError(h3.OriginateDownstream(payload, r3))
	select {
	case got := <-m.pathData:
		require.True(bytes.Equal(payload, got))
	case <-time.After(testTimeout):
		t.Fatal("echo did not reach the initiator")
	}
}

// countingTransport counts outbound messages.
type countingTransport struct {
	sync.Mutex
	inner Transport
	n     int
}

func (c *countingTransport) SendTo(id *crypto.RouterID, b []byte) error {
	c.Lock()
	c.n++
	c.Unlock()
	return c.inner.SendTo(id, b)
}

func (c *countingTransport) count() int {
	c.Lock()
	defer c.Unlock()
	return c.n
}

// TestUnknownPathIDSilence delivers a well-formed data message with a
// random path id to a mid-path relay and expects zero outgoing bytes.
func TestUnknownPathIDSilence(t *testing.T) {
	require := require.New(t)

	m := newTestMesh(t, 3, nil)
	_, err := m.build(t)
	require.NoError(err)

	r2 := m.relays[1]
	counter := &countingTransport{inner: &memLink{net: m.net, from: r2.Identity()}}
	r2.SetTransport(counter)

	pid := new(crypto.PathID)
	pid.Randomize()
	frame := records.NewFrame()
	frame.Randomize()
	blob, err := records.WrapMessage(records.KindData, &records.DataMessage{
		PathID:  pid.Bytes(),
		Frame:   frame,
		Version: records.Version,
	})
	require.NoError(err)

	from := m.relays[0].Identity()
	r2.OnMessage(&from, blob)
	require.Zero(counter.count(), "unknown path id must produce no bytes")
}

// TestBuildTimeoutOnBlackHole black-holes commits to the farthest relay;
// the initiator's path must time out, and sends must then fail.
func TestBuildTimeoutOnBlackHole(t *testing.T) {
	require := require.New(t)

	m := newTestMesh(t, 3, nil)
	sink := m.relays[2].Identity()
	m.net.SetDropFilter(func(_, to *crypto.RouterID, _ []byte) bool {
		return *to == sink
	})

	p, err := m.build(t)
	var be *path.BuildError
	require.ErrorAs(err, &be)
	require.Equal(path.BuildTimeout, be.Kind)
	require.Equal(path.StatusTimeout, p.Status())

	require.ErrorIs(p.EncryptAndSend([]byte("x"), m.initiator), path.ErrExpired)
}

// TestTransitDisabledDrop disables transit on the middle relay; the
// commit dies there silently and the initiator times out.
func TestTransitDisabledDrop(t *testing.T) {
	require := require.New(t)

	m := newTestMesh(t, 3, func(i int) bool { return i != 1 })

	p, err := m.build(t)
	var be *path.BuildError
	require.ErrorAs(err, &be)
	require.Equal(path.BuildTimeout, be.Kind)
	require.Equal(path.StatusTimeout, p.Status())

	// The middle relay kept no state; the first relay did.
	require.Zero(m.relays[1].PathContext().TransitTable().Len())
	require.Equal(1, m.relays[0].PathContext().TransitTable().Len())
}

func TestShutdownIdempotent(t *testing.T) {
	require := require.New(t)

	r, err := New(testConfig(t, "solo", true), nil)
	require.NoError(err)
	r.Shutdown()
	r.Shutdown()

	require.True(errors.Is(r.SendTo(&crypto.RouterID{}, nil), errNoTransport))
}
