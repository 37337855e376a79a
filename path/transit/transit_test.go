// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package transit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilnet/veil/core/crypto"
)

func testHop(started time.Time, lifetime time.Duration) *Hop {
	h := &Hop{
		Started:  started,
		Lifetime: lifetime,
	}
	h.Info.PathID.Randomize()
	crypto.Rand(h.Info.Upstream[:])
	crypto.Rand(h.Info.Downstream[:])
	crypto.Rand(h.PathKey[:])
	return h
}

func TestTablePutIdempotent(t *testing.T) {
	require := require.New(t)

	table := NewTable()
	h := testHop(time.Now(), DefaultLifetime)

	table.Put(h)
	table.Put(h)
	require.Equal(1, table.Len())
	require.True(table.Has(&h.Info))
}

func TestTableSharedPathID(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	table := NewTable()
	now := time.Now()

	// Two hops sharing a path id but with different neighbour pairs must
	// coexist.
	a := testHop(now, DefaultLifetime)
	b := testHop(now, DefaultLifetime)
	b.Info.PathID = a.Info.PathID

	table.Put(a)
	table.Put(b)
	require.Equal(2, table.Len())

	matches := table.Lookup(&a.Info.PathID)
	require.Len(matches, 2)
	assert.True(table.Has(&a.Info))
	assert.True(table.Has(&b.Info))

	unknown := new(crypto.PathID)
	unknown.Randomize()
	require.Nil(table.Lookup(unknown))
}

func TestTableExpire(t *testing.T) {
	require := require.New(t)

	table := NewTable()
	t0 := time.Now()

	h := testHop(t0, time.Second)
	table.Put(h)
	keeper := testHop(t0, time.Hour)
	table.Put(keeper)

	// One millisecond before the boundary the hop survives the sweep.
	require.Equal(0, table.Expire(t0.Add(999*time.Millisecond)))
	require.True(table.Has(&h.Info))

	// Just past the lifetime it is swept.
	require.Equal(1, table.Expire(t0.Add(1001*time.Millisecond)))
	require.False(table.Has(&h.Info))
	require.True(table.Has(&keeper.Info))
	require.Nil(table.Lookup(&h.Info.PathID))
}

func TestTableConcurrentAccess(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := testHop(time.Now(), DefaultLifetime)
				table.Put(h)
				table.Lookup(&h.Info.PathID)
				table.Has(&h.Info)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 800, table.Len())
}

func TestHopExpired(t *testing.T) {
	assert := assert.New(t)

	t0 := time.Now()
	h := testHop(t0, time.Second)
	assert.False(h.Expired(t0))
	assert.False(h.Expired(t0.Add(time.Second)))
	assert.True(h.Expired(t0.Add(time.Second+time.Millisecond)))
}
