package types

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateCharge is returned when an insert or extend carries a
	// payment charge id that is already recorded on some subscription.
	ErrDuplicateCharge = errors.New("payment charge already recorded")
	// ErrActiveExists is returned when inserting a subscription would
	// create a second active grant for the same (subscriber, channel).
	ErrActiveExists = errors.New("active subscription already exists")
)

type SubscriberStore interface {
	UpsertSubscriber(ctx context.Context, s Subscriber) (*Subscriber, error)
	GetSubscriberByTelegramID(ctx context.Context, telegramUserID int64) (*Subscriber, error)
	GetSubscriber(ctx context.Context, id int64) (*Subscriber, error)
}

type PlanStore interface {
	GetPlan(ctx context.Context, id int64) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)
	UpsertPlan(ctx context.Context, p Plan) (*Plan, error)
}

// SubscriptionStore is the persistence surface for subscriptions. Every
// call is individually atomic; ExtendSubscription serializes concurrent
// writers on the same row.
type SubscriptionStore interface {
	InsertSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)
	GetActiveSubscription(ctx context.Context, subscriberID, channelID int64) (*Subscription, error)
	ListActiveBySubscriber(ctx context.Context, subscriberID int64) ([]*Subscription, error)
	GetSubscriptionByChargeID(ctx context.Context, chargeID string) (*Subscription, error)
	GetSubscriptionByInviteLink(ctx context.Context, link string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	ExtendSubscription(ctx context.Context, id int64, days int, resetReminder bool, chargeID string) (*Subscription, error)

	// Range queries over (is_active, end_date), ordered by end_date then id
	// so sweeps are deterministic.
	ListExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]*Subscription, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Subscription, error)
	ListExpiredBetween(ctx context.Context, t0, t1 time.Time) ([]*Subscription, error)
}

type PaymentErrorStore interface {
	InsertPaymentError(ctx context.Context, pe *PaymentError) error
	ListUnresolvedPaymentErrors(ctx context.Context) ([]*PaymentError, error)
	ResolvePaymentError(ctx context.Context, id int64, notes string) (*PaymentError, error)
}

// CheckoutStore keeps the per-interaction checkout context between the
// moment an invoice is sent and the moment its payment is confirmed.
type CheckoutStore interface {
	SetPendingPurchase(subscriberTelegramID int64, p PendingPurchase) error
	GetPendingPurchase(subscriberTelegramID int64) (*PendingPurchase, error)
	ClearPendingPurchase(subscriberTelegramID int64) error
}

// Messenger is the narrow capability the engine needs from the messaging
// platform. Implementations must honor the context deadline.
type Messenger interface {
	CreateInviteLink(ctx context.Context, channelID int64) (string, error)
	RevokeInviteLink(ctx context.Context, channelID int64, link string) error
	ApproveJoinRequest(ctx context.Context, channelID, userID int64) error
	DeclineJoinRequest(ctx context.Context, channelID, userID int64) error
	SendMessage(ctx context.Context, userID int64, text string) error
}
