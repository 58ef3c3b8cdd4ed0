package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEgITx/librats/pkg/types"
)

func id(b byte) types.NodeID {
	var out types.NodeID
	out[len(out)-1] = b
	return out
}

func TestRoutingTableInsertAndClosest(t *testing.T) {
	local := id(0)
	rt := NewRoutingTable(local)

	for i := byte(1); i <= 5; i++ {
		rt.Insert(&Contact{ID: id(i), LastSeen: time.Now()})
	}
	assert.Equal(t, 5, rt.Size())

	closest := rt.Closest(id(1), 3)
	require.Len(t, closest, 3)
	assert.Equal(t, id(1), closest[0].ID)
}

func TestRoutingTableIgnoresSelf(t *testing.T) {
	local := id(0)
	rt := NewRoutingTable(local)
	rt.Insert(&Contact{ID: local, LastSeen: time.Now()})
	assert.Equal(t, 0, rt.Size())
}

func TestBucketFullPingsBeforeEvict(t *testing.T) {
	local := id(0)
	rt := NewRoutingTable(local)

	var pinged []types.NodeID
	rt.Ping = func(c *Contact) bool {
		pinged = append(pinged, c.ID)
		return true // alive: newcomer must not replace it
	}

	// ids whose first bit differs from the all-zero local id share no
	// prefix with it, so they all land in bucket 0.
	inBucket0 := func(b byte) types.NodeID {
		var out types.NodeID
		out[0] = 0x80
		out[len(out)-1] = b
		return out
	}

	// fill bucket 0 to capacity: no ping is needed while there is room.
	for i := 0; i < K; i++ {
		rt.Insert(&Contact{ID: inBucket0(byte(i + 1)), LastSeen: time.Now()})
	}
	require.Equal(t, K, rt.Size())
	assert.Empty(t, pinged)

	// one more contact for the full bucket: the least-recently-seen entry
	// (the first one inserted) is pinged, answers, and is kept, so the
	// newcomer is not added.
	newcomer := inBucket0(0xFF)
	rt.Insert(&Contact{ID: newcomer, LastSeen: time.Now()})
	require.Len(t, pinged, 1)
	assert.Equal(t, inBucket0(1), pinged[0])
	assert.Equal(t, K, rt.Size())
	for _, c := range rt.Closest(newcomer, K) {
		assert.NotEqual(t, newcomer, c.ID)
	}
	assert.LessOrEqual(t, rt.Size(), K*types.IDLength*8)
}

func TestContactStatusTransitions(t *testing.T) {
	c := &Contact{LastSeen: time.Now()}
	assert.Equal(t, types.StatusGood, c.Status())

	c.LastSeen = time.Now().Add(-20 * time.Minute)
	assert.Equal(t, types.StatusQuestionable, c.Status())

	c.FailCount = 2
	assert.Equal(t, types.StatusBad, c.Status())
}

func TestBucketsNeedingRefresh(t *testing.T) {
	rt := NewRoutingTable(id(0))
	need := rt.BucketsNeedingRefresh(time.Millisecond)
	assert.Len(t, need, types.IDLength*8)

	for _, idx := range need {
		rt.MarkRefreshed(idx)
	}
	assert.Empty(t, rt.BucketsNeedingRefresh(time.Hour))
}
