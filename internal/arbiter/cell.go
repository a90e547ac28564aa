package arbiter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// State is a symbol's position in the per-cycle arbitration lifecycle.
type State int32

const (
	StateIdle State = iota
	StateContested
	StateLocked
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateContested:
		return "CONTESTED"
	case StateLocked:
		return "LOCKED"
	case StateResolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// cell is the lock/state slot for one symbol. Cells are allocated once and
// reset at every cycle boundary rather than recreated.
type cell struct {
	symbol string
	state  atomic.Int32

	mu         sync.Mutex // guards the fields below
	touched    bool
	winner     domain.StrategyProposal
	hasWinner  bool
	losers     []string
	decisionAt time.Time
}

func newCell(symbol string) *cell {
	return &cell{symbol: symbol, losers: make([]string, 0, 4)}
}

func (c *cell) load() State { return State(c.state.Load()) }

func (c *cell) cas(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// contest marks the cell contested if it is idle. Losing this race is fine:
// it only means another proposal got there first.
func (c *cell) contest() {
	c.cas(StateIdle, StateContested)
}

// acquire attempts the single CONTESTED→LOCKED transition of the cycle.
func (c *cell) acquire() bool {
	return c.cas(StateContested, StateLocked)
}

func (c *cell) recordWinner(p domain.StrategyProposal, at time.Time) {
	c.mu.Lock()
	c.touched = true
	c.winner = p
	c.hasWinner = true
	c.decisionAt = at
	c.mu.Unlock()
}

func (c *cell) recordLoser(layerID string) {
	c.mu.Lock()
	c.touched = true
	c.losers = append(c.losers, layerID)
	c.mu.Unlock()
}

// drain builds the cycle's record, if any, and resets the cell to IDLE. The
// caller must hold the arbiter's cycle barrier exclusively.
func (c *cell) drain(cycle uint64, newID func() string) (domain.ArbitrationRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rec domain.ArbitrationRecord
	ok := c.touched && c.hasWinner
	if ok {
		rec = domain.ArbitrationRecord{
			ID:                newID(),
			Cycle:             cycle,
			Symbol:            c.symbol,
			WinningLayerID:    c.winner.LayerID,
			WinningProposalID: c.winner.ID,
			LosingLayerIDs:    losersExcept(c.losers, c.winner.LayerID),
			DecisionAt:        c.decisionAt,
		}
	}

	c.touched = false
	c.hasWinner = false
	c.winner = domain.StrategyProposal{}
	c.losers = c.losers[:0]
	c.decisionAt = time.Time{}
	c.state.Store(int32(StateIdle))
	return rec, ok
}

// losersExcept copies layer ids in arrival order, dropping duplicates and the
// winning layer's own repeat proposals.
func losersExcept(ids []string, winner string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == winner || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
