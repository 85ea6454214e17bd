package store

import (
	"fmt"
	"time"

	"github.com/clubpass/club-pass-bot/types"
)

// RedisCheckoutStore holds the short-lived checkout context between the
// moment an invoice is sent and the payment confirmation. Entries expire
// on their own if the user abandons the flow.
type RedisCheckoutStore struct {
	client *RedisClient
	ttl    time.Duration
}

func NewRedisCheckoutStore(redisClient *RedisClient, ttlMinutes int) *RedisCheckoutStore {
	ttl := time.Duration(ttlMinutes) * time.Minute
	if ttlMinutes <= 0 {
		ttl = 30 * time.Minute
	}

	return &RedisCheckoutStore{
		client: redisClient,
		ttl:    ttl,
	}
}

func (s *RedisCheckoutStore) SetPendingPurchase(subscriberTelegramID int64, p types.PendingPurchase) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	key := s.client.generateKey("checkout", fmt.Sprintf("%d", subscriberTelegramID))
	return s.client.Set(key, p, s.ttl)
}

func (s *RedisCheckoutStore) GetPendingPurchase(subscriberTelegramID int64) (*types.PendingPurchase, error) {
	key := s.client.generateKey("checkout", fmt.Sprintf("%d", subscriberTelegramID))
	var p types.PendingPurchase
	if err := s.client.Get(key, &p); err != nil {
		return nil, types.ErrNotFound
	}
	return &p, nil
}

func (s *RedisCheckoutStore) ClearPendingPurchase(subscriberTelegramID int64) error {
	key := s.client.generateKey("checkout", fmt.Sprintf("%d", subscriberTelegramID))
	return s.client.Del(key)
}
