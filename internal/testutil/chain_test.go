package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
)

func TestAgentChainLinks(t *testing.T) {
	alice := NewAgent(t, "alice")
	genesis, _ := alice.Genesis(t)
	require.Len(t, genesis, 3)

	assert.Equal(t, ir.ActionDna, genesis[0].Action.Kind)
	assert.Empty(t, genesis[0].Action.PrevAction)
	assert.Equal(t, uint32(0), genesis[0].Action.Seq)

	for i := 1; i < len(genesis); i++ {
		prev, err := genesis[i-1].Hash()
		require.NoError(t, err)
		assert.Equal(t, prev, genesis[i].Action.PrevAction)
		assert.Equal(t, uint32(i), genesis[i].Action.Seq)
		assert.Greater(t, genesis[i].Action.Timestamp, genesis[i-1].Action.Timestamp)
		assert.True(t, keystore.VerifyAction(genesis[i]))
	}
	assert.Equal(t, alice.Head(), mustHash(t, genesis[2]))
}

func TestAgentsAreDeterministic(t *testing.T) {
	assert.Equal(t, NewAgent(t, "alice").Key(), NewAgent(t, "alice").Key())
	assert.NotEqual(t, NewAgent(t, "alice").Key(), NewAgent(t, "bob").Key())
}

func TestManualClock(t *testing.T) {
	c := NewManualClock()
	assert.Equal(t, StartTime, c.Now())
	c.Advance(time.Second)
	assert.Equal(t, StartTime+1_000_000, c.Now())
	c.Reset()
	assert.Equal(t, StartTime, c.Now())
}

func mustHash(t *testing.T, sa ir.SignedAction) ir.ActionHash {
	t.Helper()
	h, err := sa.Hash()
	require.NoError(t, err)
	return h
}
