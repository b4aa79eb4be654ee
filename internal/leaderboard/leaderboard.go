// Package leaderboard derives ranked standings from session P&L snapshots.
package leaderboard

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/model"
)

// Rank sorts entries by P&L descending and assigns 1-based ranks. The sort
// is stable: ties keep their original relative order. Pure function; the
// input slice is not modified.
func Rank(entries []model.LeaderboardEntry) []model.LeaderboardEntry {
	ranked := append([]model.LeaderboardEntry(nil), entries...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].PnL.GreaterThan(ranked[j].PnL)
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// Aggregator merges P&L snapshots from multiple sessions into a ranked
// view. Rankings are recomputed fully on every update; tie order follows
// first-seen participant order.
type Aggregator struct {
	mu      sync.Mutex
	order   []string
	entries map[string]model.LeaderboardEntry
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{entries: make(map[string]model.LeaderboardEntry)}
}

// Upsert records a participant's latest P&L and returns the re-ranked
// standings.
func (a *Aggregator) Upsert(address, username string, pnl, pnlPercent decimal.Decimal) []model.LeaderboardEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.entries[address]; !ok {
		a.order = append(a.order, address)
	}
	entry := model.LeaderboardEntry{
		Address:    address,
		Username:   username,
		PnL:        pnl,
		PnLPercent: pnlPercent,
	}
	if username == "" {
		entry.Username = a.entries[address].Username
	}
	a.entries[address] = entry

	return a.rankedLocked()
}

// Standings returns the current ranked entries.
func (a *Aggregator) Standings() []model.LeaderboardEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rankedLocked()
}

func (a *Aggregator) rankedLocked() []model.LeaderboardEntry {
	entries := make([]model.LeaderboardEntry, 0, len(a.order))
	for _, addr := range a.order {
		entries = append(entries, a.entries[addr])
	}
	return Rank(entries)
}
