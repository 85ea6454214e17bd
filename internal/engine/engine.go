// Package engine owns the subscription lifecycle: create, extend, cancel,
// expire. It is the only writer of a subscription's activity window and
// invite credential; external side effects (link minting, revocation) go
// through the CredentialBroker and are never allowed to fail a paid grant.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/clubpass/club-pass-bot/types"
)

var (
	ErrPlanNotFound         = errors.New("plan not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAlreadySubscribed    = errors.New("subscriber already has an active subscription for this channel")
	// ErrRevocationFailed reports that the external revoke call failed.
	// The local state transition is committed regardless; the caller may
	// retry revocation later.
	ErrRevocationFailed = errors.New("invite link revocation failed")
)

// CredentialBroker mints and revokes invite links on the external platform.
// Persistence of the returned token stays with the engine.
type CredentialBroker interface {
	IssueCredential(ctx context.Context, channelID int64) (string, error)
	RevokeCredential(ctx context.Context, channelID int64, link string) error
}

type Engine struct {
	subscribers types.SubscriberStore
	plans       types.PlanStore
	subs        types.SubscriptionStore
	broker      CredentialBroker
}

func New(subscribers types.SubscriberStore, plans types.PlanStore, subs types.SubscriptionStore, broker CredentialBroker) *Engine {
	return &Engine{
		subscribers: subscribers,
		plans:       plans,
		subs:        subs,
		broker:      broker,
	}
}

// CreateSubscription grants access for a confirmed payment. The grant is
// committed even when credential issuance fails; the link can be reissued
// later. A duplicate charge id returns the existing grant instead of
// creating a second one.
func (e *Engine) CreateSubscription(ctx context.Context, telegramUserID, planID int64, chargeID string) (*types.Subscription, error) {
	subscriber, err := e.resolveSubscriber(ctx, telegramUserID)
	if err != nil {
		return nil, err
	}

	plan, err := e.plans.GetPlan(ctx, planID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: id=%d", ErrPlanNotFound, planID)
	}
	if err != nil {
		return nil, err
	}

	if existing, err := e.subs.GetActiveSubscription(ctx, subscriber.ID, plan.ChannelID); err == nil && existing != nil {
		if chargeID != "" && existing.PaymentChargeID == chargeID {
			return existing, nil
		}
		return nil, ErrAlreadySubscribed
	} else if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sub := &types.Subscription{
		SubscriberID:    subscriber.ID,
		PlanID:          plan.ID,
		ChannelID:       plan.ChannelID,
		StartDate:       now,
		EndDate:         now.AddDate(0, 0, plan.DurationDays),
		IsActive:        true,
		PaymentChargeID: chargeID,
	}

	err = e.subs.InsertSubscription(ctx, sub)
	switch {
	case errors.Is(err, types.ErrDuplicateCharge):
		// Replay raced us past the pre-check; the grant already exists.
		return e.subs.GetSubscriptionByChargeID(ctx, chargeID)
	case errors.Is(err, types.ErrActiveExists):
		return nil, ErrAlreadySubscribed
	case err != nil:
		return nil, err
	}

	if _, err := e.IssueCredential(ctx, sub.ID); err != nil {
		log.Printf("Engine: subscription %d created without invite link: %v", sub.ID, err)
	} else if refreshed, err := e.subs.GetSubscription(ctx, sub.ID); err == nil {
		sub = refreshed
	}
	return sub, nil
}

// ExtendSubscription pushes end_date to max(end_date, now) + days.
// Early renewal keeps the unused tail; a lapsed renewal restarts from now
// and reactivates the row.
func (e *Engine) ExtendSubscription(ctx context.Context, subscriptionID int64, days int, resetReminder bool, chargeID string) (*types.Subscription, error) {
	sub, err := e.subs.ExtendSubscription(ctx, subscriptionID, days, resetReminder, chargeID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: id=%d", ErrSubscriptionNotFound, subscriptionID)
	}
	if errors.Is(err, types.ErrDuplicateCharge) {
		if applied, lookupErr := e.subs.GetSubscriptionByChargeID(ctx, chargeID); lookupErr == nil {
			return applied, nil
		}
		return nil, err
	}
	return sub, err
}

// CancelOrExpire deactivates a subscription. It is idempotent: a second
// call returns false with no side effects. The inactive state is committed
// before the external revoke, so storage is correct even when the platform
// call fails; in that case the committed result is paired with
// ErrRevocationFailed.
func (e *Engine) CancelOrExpire(ctx context.Context, subscriptionID int64, reason string) (bool, error) {
	sub, err := e.subs.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, types.ErrNotFound) {
		return false, fmt.Errorf("%w: id=%d", ErrSubscriptionNotFound, subscriptionID)
	}
	if err != nil {
		return false, err
	}
	if !sub.IsActive {
		return false, nil
	}

	link := sub.InviteLink
	sub.IsActive = false
	sub.InviteLink = ""
	sub.TerminalReason = reason
	if err := e.subs.UpdateSubscription(ctx, sub); err != nil {
		return false, err
	}
	log.Printf("Engine: subscription %d deactivated (%s)", sub.ID, reason)

	if link != "" {
		if err := e.broker.RevokeCredential(ctx, sub.ChannelID, link); err != nil {
			return true, fmt.Errorf("%w: %v", ErrRevocationFailed, err)
		}
	}
	return true, nil
}

// GetActiveSubscription returns the active grant for (subscriber, channel),
// or nil when there is none.
func (e *Engine) GetActiveSubscription(ctx context.Context, telegramUserID, channelID int64) (*types.Subscription, error) {
	subscriber, err := e.subscribers.GetSubscriberByTelegramID(ctx, telegramUserID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sub, err := e.subs.GetActiveSubscription(ctx, subscriber.ID, channelID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return sub, err
}

// ListActiveForTelegramUser returns all active grants of a subscriber,
// across channels.
func (e *Engine) ListActiveForTelegramUser(ctx context.Context, telegramUserID int64) ([]*types.Subscription, error) {
	subscriber, err := e.subscribers.GetSubscriberByTelegramID(ctx, telegramUserID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.subs.ListActiveBySubscriber(ctx, subscriber.ID)
}

// FindByChargeID returns the subscription carrying the given provider
// charge id, or nil when the charge was never applied.
func (e *Engine) FindByChargeID(ctx context.Context, chargeID string) (*types.Subscription, error) {
	sub, err := e.subs.GetSubscriptionByChargeID(ctx, chargeID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return sub, err
}

// IssueCredential mints a fresh invite link for the subscription and
// persists it, replacing (and best-effort revoking) any previous one.
func (e *Engine) IssueCredential(ctx context.Context, subscriptionID int64) (string, error) {
	sub, err := e.subs.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, types.ErrNotFound) {
		return "", fmt.Errorf("%w: id=%d", ErrSubscriptionNotFound, subscriptionID)
	}
	if err != nil {
		return "", err
	}

	if sub.InviteLink != "" {
		if err := e.broker.RevokeCredential(ctx, sub.ChannelID, sub.InviteLink); err != nil {
			log.Printf("Engine: failed to revoke stale invite link for subscription %d: %v", sub.ID, err)
		}
	}

	link, err := e.broker.IssueCredential(ctx, sub.ChannelID)
	if err != nil {
		return "", err
	}
	sub.InviteLink = link
	if err := e.subs.UpdateSubscription(ctx, sub); err != nil {
		return "", err
	}
	return link, nil
}

// RevokeCredential clears the stored invite link after a best-effort
// external revoke. Local clearing happens even when the platform call
// fails, so a consumed or withdrawn link can never validate again.
func (e *Engine) RevokeCredential(ctx context.Context, subscriptionID int64) error {
	sub, err := e.subs.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("%w: id=%d", ErrSubscriptionNotFound, subscriptionID)
	}
	if err != nil {
		return err
	}
	if sub.InviteLink == "" {
		return nil
	}

	if err := e.broker.RevokeCredential(ctx, sub.ChannelID, sub.InviteLink); err != nil {
		log.Printf("Engine: external revoke failed for subscription %d: %v", sub.ID, err)
	}
	sub.InviteLink = ""
	return e.subs.UpdateSubscription(ctx, sub)
}

func (e *Engine) MarkReminderSent(ctx context.Context, subscriptionID int64) error {
	return e.setFlag(ctx, subscriptionID, func(sub *types.Subscription) { sub.ReminderSent = true })
}

func (e *Engine) MarkExpiryNoticeSent(ctx context.Context, subscriptionID int64) error {
	return e.setFlag(ctx, subscriptionID, func(sub *types.Subscription) { sub.ExpiryNoticeSent = true })
}

func (e *Engine) setFlag(ctx context.Context, subscriptionID int64, set func(*types.Subscription)) error {
	sub, err := e.subs.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	set(sub)
	return e.subs.UpdateSubscription(ctx, sub)
}

// Sweep query helpers. Results are ordered by end_date then id so the
// sweeper processes a stable sequence.

func (e *Engine) ListExpiringWithin(ctx context.Context, window time.Duration) ([]*types.Subscription, error) {
	return e.subs.ListExpiringWithin(ctx, time.Now().UTC(), window)
}

func (e *Engine) ListExpiredSince(ctx context.Context, cutoff time.Time) ([]*types.Subscription, error) {
	return e.subs.ListExpired(ctx, cutoff)
}

func (e *Engine) ListExpiredBetween(ctx context.Context, t0, t1 time.Time) ([]*types.Subscription, error) {
	return e.subs.ListExpiredBetween(ctx, t0, t1)
}

func (e *Engine) resolveSubscriber(ctx context.Context, telegramUserID int64) (*types.Subscriber, error) {
	subscriber, err := e.subscribers.GetSubscriberByTelegramID(ctx, telegramUserID)
	if errors.Is(err, types.ErrNotFound) {
		return e.subscribers.UpsertSubscriber(ctx, types.Subscriber{TelegramUserID: telegramUserID})
	}
	return subscriber, err
}
