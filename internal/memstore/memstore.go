// Package memstore is an in-memory implementation of the store interfaces
// with the same conflict semantics as the Postgres store. It backs the
// engine-level tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clubpass/club-pass-bot/types"
)

type Store struct {
	mu sync.Mutex

	nextSubscriberID   int64
	nextPlanID         int64
	nextSubscriptionID int64
	nextErrorID        int64

	subscribers   map[int64]*types.Subscriber
	plans         map[int64]*types.Plan
	subscriptions map[int64]*types.Subscription
	paymentErrors map[int64]*types.PaymentError
}

func New() *Store {
	return &Store{
		subscribers:   make(map[int64]*types.Subscriber),
		plans:         make(map[int64]*types.Plan),
		subscriptions: make(map[int64]*types.Subscription),
		paymentErrors: make(map[int64]*types.PaymentError),
	}
}

func (s *Store) UpsertSubscriber(ctx context.Context, in types.Subscriber) (*types.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		if sub.TelegramUserID == in.TelegramUserID {
			if in.Username != "" {
				sub.Username = in.Username
			}
			if in.FirstName != "" {
				sub.FirstName = in.FirstName
			}
			sub.UpdatedAt = time.Now().UTC()
			out := *sub
			return &out, nil
		}
	}
	s.nextSubscriberID++
	in.ID = s.nextSubscriberID
	in.CreatedAt = time.Now().UTC()
	in.UpdatedAt = in.CreatedAt
	cp := in
	s.subscribers[in.ID] = &cp
	out := in
	return &out, nil
}

func (s *Store) GetSubscriberByTelegramID(ctx context.Context, telegramUserID int64) (*types.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		if sub.TelegramUserID == telegramUserID {
			out := *sub
			return &out, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *Store) GetSubscriber(ctx context.Context, id int64) (*types.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	out := *sub
	return &out, nil
}

func (s *Store) GetPlan(ctx context.Context, id int64) (*types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]*types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpsertPlan(ctx context.Context, p types.Plan) (*types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.plans {
		if existing.Name == p.Name {
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			cp := p
			s.plans[p.ID] = &cp
			out := p
			return &out, nil
		}
	}
	s.nextPlanID++
	p.ID = s.nextPlanID
	p.CreatedAt = time.Now().UTC()
	cp := p
	s.plans[p.ID] = &cp
	out := p
	return &out, nil
}

func (s *Store) InsertSubscription(ctx context.Context, sub *types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subscriptions {
		if sub.PaymentChargeID != "" && existing.PaymentChargeID == sub.PaymentChargeID {
			return types.ErrDuplicateCharge
		}
		if sub.IsActive && existing.IsActive &&
			existing.SubscriberID == sub.SubscriberID && existing.ChannelID == sub.ChannelID {
			return types.ErrActiveExists
		}
	}
	s.nextSubscriptionID++
	sub.ID = s.nextSubscriptionID
	sub.CreatedAt = time.Now().UTC()
	sub.UpdatedAt = sub.CreatedAt
	cp := *sub
	s.subscriptions[sub.ID] = &cp
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id int64) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	out := *sub
	return &out, nil
}

func (s *Store) GetActiveSubscription(ctx context.Context, subscriberID, channelID int64) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.IsActive && sub.SubscriberID == subscriberID && sub.ChannelID == channelID {
			out := *sub
			return &out, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *Store) ListActiveBySubscriber(ctx context.Context, subscriberID int64) ([]*types.Subscription, error) {
	return s.list(func(sub *types.Subscription) bool {
		return sub.IsActive && sub.SubscriberID == subscriberID
	}), nil
}

func (s *Store) GetSubscriptionByChargeID(ctx context.Context, chargeID string) (*types.Subscription, error) {
	if chargeID == "" {
		return nil, types.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.PaymentChargeID == chargeID {
			out := *sub
			return &out, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *Store) GetSubscriptionByInviteLink(ctx context.Context, link string) (*types.Subscription, error) {
	if link == "" {
		return nil, types.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.InviteLink == link {
			out := *sub
			return &out, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return types.ErrNotFound
	}
	for _, existing := range s.subscriptions {
		if existing.ID != sub.ID && sub.PaymentChargeID != "" && existing.PaymentChargeID == sub.PaymentChargeID {
			return types.ErrDuplicateCharge
		}
	}
	cp := *sub
	cp.UpdatedAt = time.Now().UTC()
	s.subscriptions[sub.ID] = &cp
	return nil
}

func (s *Store) ExtendSubscription(ctx context.Context, id int64, days int, resetReminder bool, chargeID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	if chargeID != "" {
		if sub.PaymentChargeID == chargeID {
			out := *sub
			return &out, types.ErrDuplicateCharge
		}
		for _, existing := range s.subscriptions {
			if existing.ID != id && existing.PaymentChargeID == chargeID {
				return nil, types.ErrDuplicateCharge
			}
		}
	}

	now := time.Now().UTC()
	base := now
	if sub.EndDate.After(base) {
		base = sub.EndDate
	}
	sub.EndDate = base.AddDate(0, 0, days)
	sub.IsActive = true
	if resetReminder {
		sub.ReminderSent = false
	}
	sub.ExpiryNoticeSent = false
	sub.TerminalReason = ""
	if chargeID != "" {
		sub.PaymentChargeID = chargeID
	}
	sub.UpdatedAt = now
	out := *sub
	return &out, nil
}

func (s *Store) ListExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]*types.Subscription, error) {
	limit := now.Add(window)
	return s.list(func(sub *types.Subscription) bool {
		return sub.IsActive && sub.EndDate.After(now) && !sub.EndDate.After(limit)
	}), nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*types.Subscription, error) {
	return s.list(func(sub *types.Subscription) bool {
		return sub.IsActive && !sub.EndDate.After(now)
	}), nil
}

func (s *Store) ListExpiredBetween(ctx context.Context, t0, t1 time.Time) ([]*types.Subscription, error) {
	return s.list(func(sub *types.Subscription) bool {
		return sub.EndDate.After(t0) && !sub.EndDate.After(t1)
	}), nil
}

func (s *Store) list(match func(*types.Subscription) bool) []*types.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Subscription, 0)
	for _, sub := range s.subscriptions {
		if match(sub) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndDate.Equal(out[j].EndDate) {
			return out[i].EndDate.Before(out[j].EndDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) InsertPaymentError(ctx context.Context, pe *types.PaymentError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErrorID++
	pe.ID = s.nextErrorID
	pe.CreatedAt = time.Now().UTC()
	cp := *pe
	s.paymentErrors[pe.ID] = &cp
	return nil
}

func (s *Store) ListUnresolvedPaymentErrors(ctx context.Context) ([]*types.PaymentError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.PaymentError, 0)
	for _, pe := range s.paymentErrors {
		if !pe.IsResolved {
			cp := *pe
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ResolvePaymentError(ctx context.Context, id int64, notes string) (*types.PaymentError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.paymentErrors[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	now := time.Now().UTC()
	pe.IsResolved = true
	pe.ResolutionNotes = notes
	pe.ResolvedAt = &now
	out := *pe
	return &out, nil
}
