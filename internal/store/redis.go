package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tduel/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.cacheSession(ctx, sess)
	s.rdb.Set(ctx, activeKey(sess.Participant, sess.Mode), sess.ID, s.ttl)
	return nil
}

func (s *CachedStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.UpdateSession(ctx, sess); err != nil {
		return err
	}
	// Invalidate; next read re-populates. A completed session also stops
	// being the active one for its participant/mode.
	s.rdb.Del(ctx, sessionKey(sess.ID))
	if sess.Status != model.StatusActive {
		s.rdb.Del(ctx, activeKey(sess.Participant, sess.Mode))
	}
	return nil
}

func (s *CachedStore) InsertTrade(ctx context.Context, sessionID string, t model.Trade) error {
	return s.primary.InsertTrade(ctx, sessionID, t)
}

func (s *CachedStore) ReplacePositions(ctx context.Context, sessionID string, positions []model.Position) error {
	if err := s.primary.ReplacePositions(ctx, sessionID, positions); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(sessionID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == nil {
		var sess model.Session
		if json.Unmarshal(data, &sess) == nil {
			return &sess, nil
		}
	}

	sess, err := s.primary.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSession(ctx, sess)
	return sess, nil
}

func (s *CachedStore) GetActiveSession(ctx context.Context, participant string, mode model.Mode) (*model.Session, error) {
	// Try cache via (participant, mode) → session id mapping.
	id, err := s.rdb.Get(ctx, activeKey(participant, mode)).Result()
	if err == nil {
		return s.GetSession(ctx, id)
	}

	sess, err := s.primary.GetActiveSession(ctx, participant, mode)
	if err != nil {
		return nil, err
	}
	s.cacheSession(ctx, sess)
	s.rdb.Set(ctx, activeKey(participant, mode), sess.ID, s.ttl)
	return sess, nil
}

func (s *CachedStore) GetPositions(ctx context.Context, sessionID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(sessionID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.GetPositions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(sessionID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTrades(ctx context.Context, sessionID string) ([]model.Trade, error) {
	return s.primary.GetTrades(ctx, sessionID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSession(ctx context.Context, sess *model.Session) {
	if data, err := json.Marshal(sess); err == nil {
		s.rdb.Set(ctx, sessionKey(sess.ID), data, s.ttl)
	}
}

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }

func activeKey(participant string, mode model.Mode) string {
	return fmt.Sprintf("active:%s:%s", participant, mode)
}

func positionsKey(id string) string { return fmt.Sprintf("positions:%s", id) }
