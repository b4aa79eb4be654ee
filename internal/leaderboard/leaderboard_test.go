package leaderboard

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tduel/trade-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestRankSortsByPnLDescending(t *testing.T) {
	entries := []model.LeaderboardEntry{
		{Address: "a", PnL: d(0)},
		{Address: "b", PnL: d(150)},
		{Address: "c", PnL: d(-80)},
	}

	ranked := Rank(entries)
	require.Len(t, ranked, 3)
	assert.Equal(t, "b", ranked[0].Address)
	assert.Equal(t, "a", ranked[1].Address)
	assert.Equal(t, "c", ranked[2].Address)
	for i, e := range ranked {
		assert.Equal(t, i+1, e.Rank)
	}

	// Input untouched.
	assert.Equal(t, "a", entries[0].Address)
	assert.Zero(t, entries[0].Rank)
}

func TestRankTiesKeepOriginalOrder(t *testing.T) {
	entries := []model.LeaderboardEntry{
		{Address: "first", PnL: d(100)},
		{Address: "second", PnL: d(100)},
		{Address: "third", PnL: d(100)},
	}

	ranked := Rank(entries)
	assert.Equal(t, "first", ranked[0].Address)
	assert.Equal(t, "second", ranked[1].Address)
	assert.Equal(t, "third", ranked[2].Address)
}

func TestAggregatorUpsertReranks(t *testing.T) {
	a := NewAggregator()

	a.Upsert("a", "alice", d(10), d(0.1))
	a.Upsert("b", "bob", d(20), d(0.2))

	standings := a.Standings()
	require.Len(t, standings, 2)
	assert.Equal(t, "b", standings[0].Address)
	assert.Equal(t, 1, standings[0].Rank)

	// A later update overtakes.
	standings = a.Upsert("a", "alice", d(30), d(0.3))
	assert.Equal(t, "a", standings[0].Address)
	assert.Equal(t, "b", standings[1].Address)
	assert.Equal(t, 2, standings[1].Rank)
}

func TestAggregatorKeepsUsernameOnBlankUpdate(t *testing.T) {
	a := NewAggregator()
	a.Upsert("a", "alice", d(10), d(0.1))
	standings := a.Upsert("a", "", d(15), d(0.15))

	require.Len(t, standings, 1)
	assert.Equal(t, "alice", standings[0].Username)
	assert.True(t, standings[0].PnL.Equal(d(15)))
}
