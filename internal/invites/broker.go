// Package invites bridges subscriptions to the platform's join mechanism:
// it mints single-use invite links, validates incoming join requests
// against the subscription that owns the link, and revokes links on the
// platform side.
package invites

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/clubpass/club-pass-bot/types"
)

// ErrCredentialUnavailable means the platform could not mint an invite
// link right now. Callers proceed without one; issuance can be retried.
var ErrCredentialUnavailable = errors.New("invite link unavailable")

const (
	issueTimeout  = 10 * time.Second
	revokeTimeout = 10 * time.Second
	issueRetries  = 3
)

type Broker struct {
	subscribers types.SubscriberStore
	subs        types.SubscriptionStore
	messenger   types.Messenger
}

func NewBroker(subscribers types.SubscriberStore, subs types.SubscriptionStore, messenger types.Messenger) *Broker {
	return &Broker{
		subscribers: subscribers,
		subs:        subs,
		messenger:   messenger,
	}
}

// IssueCredential mints a join-request invite link for the channel. The
// platform call is retried a few times within a bounded window; a platform
// that stays down yields ErrCredentialUnavailable rather than an aborted
// grant.
func (b *Broker) IssueCredential(ctx context.Context, channelID int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, issueTimeout)
	defer cancel()

	var link string
	op := func() error {
		var err error
		link, err = b.messenger.CreateInviteLink(ctx, channelID)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), issueRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	return link, nil
}

// RevokeCredential withdraws the link on the platform side. Best effort;
// the caller clears its local copy regardless.
func (b *Broker) RevokeCredential(ctx context.Context, channelID int64, link string) error {
	ctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()
	return b.messenger.RevokeInviteLink(ctx, channelID, link)
}

// ValidateJoinRequest decides whether a join request carrying the given
// invite link may be approved. It is true only when the link is known, its
// subscription is active, and the requester is the subscriber who paid for
// it. Everything else declines: an unknown link, a lapsed subscription, or
// someone else following a shared link.
func (b *Broker) ValidateJoinRequest(ctx context.Context, link string, requesterTelegramID int64) (bool, *types.Subscription) {
	sub, err := b.subs.GetSubscriptionByInviteLink(ctx, link)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		log.Printf("InviteBroker: lookup by invite link failed: %v", err)
		return false, nil
	}
	if !sub.IsActive {
		return false, sub
	}

	owner, err := b.subscribers.GetSubscriber(ctx, sub.SubscriberID)
	if err != nil {
		log.Printf("InviteBroker: subscriber %d lookup failed: %v", sub.SubscriberID, err)
		return false, sub
	}
	if owner.TelegramUserID != requesterTelegramID {
		return false, sub
	}
	return true, sub
}
