package store

import (
	"context"
	"sync"
	"time"

	"github.com/tduel/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*model.Session
	created   map[string]time.Time
	trades    map[string][]model.Trade
	positions map[string][]model.Position

	// FailWrites makes every write return an error; mirror tests use it
	// to verify that persistence failures never reach the trading path.
	FailWrites error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*model.Session),
		created:   make(map[string]time.Time),
		trades:    make(map[string][]model.Trade),
		positions: make(map[string][]model.Position),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}

	// Store a copy to avoid external mutation.
	cp := *sess
	cp.Trades = nil
	cp.Positions = nil
	s.sessions[sess.ID] = &cp
	s.created[sess.ID] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) GetActiveSession(_ context.Context, participant string, mode model.Mode) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Session
	var bestAt time.Time
	for id, sess := range s.sessions {
		if sess.Participant != participant || sess.Mode != mode || sess.Status != model.StatusActive {
			continue
		}
		if best == nil || s.created[id].After(bestAt) {
			best = sess
			bestAt = s.created[id]
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}

	existing, ok := s.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	existing.CurrentBalance = sess.CurrentBalance
	existing.PnL = sess.PnL
	existing.PnLPercent = sess.PnLPercent
	existing.Status = sess.Status
	existing.EndTime = sess.EndTime
	return nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, sessionID string, t model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}

	s.trades[sessionID] = append(s.trades[sessionID], t)
	return nil
}

func (s *MemoryStore) GetTrades(_ context.Context, sessionID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Trade(nil), s.trades[sessionID]...), nil
}

func (s *MemoryStore) ReplacePositions(_ context.Context, sessionID string, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}

	s.positions[sessionID] = append([]model.Position(nil), positions...)
	return nil
}

func (s *MemoryStore) GetPositions(_ context.Context, sessionID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Position(nil), s.positions[sessionID]...), nil
}
